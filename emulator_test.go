package cktap

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/require"
)

// fakeCard is an in-process card doing real ECDH and ECDSA, so the
// verification paths run end-to-end against honest (or deliberately
// tampered) responses.
type fakeCard struct {
	t *testing.T

	priv      *secp256k1.PrivateKey
	cvc       []byte
	nonce     []byte
	chain     [][]byte
	testnet   bool
	tapsigner bool

	activeSlot int
	slots      []*fakeSlot

	// tapsigner key material
	masterPriv *secp256k1.PrivateKey
	chainCode  []byte
	path       []uint32

	authDelay int

	// calls records every command name transmitted, in order.
	calls []string

	// tamper, when set, may mutate a response before it is returned.
	tamper func(cmd string, resp map[string]any)
}

type fakeSlot struct {
	used   bool
	sealed bool

	master    *secp256k1.PrivateKey
	chainCode []byte
	priv      *secp256k1.PrivateKey
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func newKey(t *testing.T) *secp256k1.PrivateKey {
	t.Helper()
	key, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	return key
}

// newFakeSlot builds a used, sealed slot whose key honestly is BIP-32
// child 0 of its master key and chain code.
func newFakeSlot(t *testing.T) *fakeSlot {
	t.Helper()

	master := newKey(t)
	chainCode := randomBytes(t, 32)

	extended := hdkeychain.NewExtendedKey(chaincfg.MainNetParams.HDPrivateKeyID[:],
		master.Serialize(), chainCode, []byte{0, 0, 0, 0}, 0, 0, true)

	child, err := extended.Derive(0)
	require.NoError(t, err)

	priv, err := child.ECPrivKey()
	require.NoError(t, err)

	return &fakeSlot{used: true, sealed: true, master: master, chainCode: chainCode, priv: priv}
}

// newFakeCard builds a genuine-looking SATSCARD with slot 0 used and
// sealed, and points the trusted factory root at its own chain for the
// duration of the test.
func newFakeCard(t *testing.T) *fakeCard {
	t.Helper()

	card := &fakeCard{
		t:     t,
		priv:  newKey(t),
		cvc:   []byte("123456"),
		nonce: randomBytes(t, cardNonceSize),
		slots: []*fakeSlot{newFakeSlot(t), {}, {}},
	}

	root := newKey(t)
	batch := newKey(t)

	cardDigest := sha256.Sum256(card.priv.PubKey().SerializeCompressed())
	batchDigest := sha256.Sum256(batch.PubKey().SerializeCompressed())

	card.chain = [][]byte{
		ecdsa.SignCompact(batch, cardDigest[:], true),
		ecdsa.SignCompact(root, batchDigest[:], true),
	}

	previousRoot := factoryRootPublicKeyString
	factoryRootPublicKeyString = hex.EncodeToString(root.PubKey().SerializeCompressed())
	t.Cleanup(func() { factoryRootPublicKeyString = previousRoot })

	return card
}

func newFakeTapsigner(t *testing.T) *fakeCard {
	t.Helper()

	card := newFakeCard(t)
	card.tapsigner = true
	card.masterPriv = newKey(t)
	card.chainCode = randomBytes(t, 32)

	return card
}

// signRS signs a digest and returns the signature as 64 bytes of r||s.
func signRS(key *secp256k1.PrivateKey, digest []byte) []byte {
	return ecdsa.SignCompact(key, digest, true)[1:]
}

func (f *fakeCard) Close() error { return nil }

func (f *fakeCard) Send(cmd string, args map[string]any) (uint16, map[string]any, error) {

	f.calls = append(f.calls, cmd)

	// Nonce the client knew when it built this request. Signatures and
	// session keys are bound to it; the response carries the replacement.
	prior := append([]byte{}, f.nonce...)

	resp := map[string]any{}

	rotate := func() {
		f.nonce = randomBytes(f.t, cardNonceSize)
		resp["card_nonce"] = f.nonce
	}

	fail := func(code int, msg string) (uint16, map[string]any, error) {
		resp = map[string]any{"error": msg, "code": code}
		rotate()
		return f.deliver(cmd, resp)
	}

	sessionKey, err := f.sessionKey(cmd, args, prior)

	if err != nil {
		return fail(401, err.Error())
	}

	needsAuth := map[string]bool{
		cmdUnseal: true, cmdNew: true, cmdXpub: true,
		cmdBackup: true, cmdChange: true, cmdSign: true,
	}

	if needsAuth[cmd] && sessionKey == nil {
		return fail(401, "authentication required")
	}

	switch cmd {

	case cmdStatus:
		resp["proto"] = 1
		resp["ver"] = "1.0.3"
		resp["birth"] = 700001
		resp["pubkey"] = f.priv.PubKey().SerializeCompressed()
		resp["slots"] = []int{f.activeSlot, len(f.slots)}
		if f.testnet {
			resp["testnet"] = true
		}
		if f.tapsigner {
			resp["tapsigner"] = true
			if f.path != nil {
				resp["path"] = f.path
			}
		} else if slot := f.slots[f.activeSlot]; slot.used && slot.sealed {
			addr, err := paymentAddress(slot.priv.PubKey().SerializeCompressed(), f.testnet)
			require.NoError(f.t, err)
			resp["addr"] = addr
		}
		if f.authDelay > 0 {
			resp["auth_delay"] = f.authDelay
		}
		rotate()

	case cmdCerts:
		resp["cert_chain"] = f.chain

	case cmdCheck:
		nonce := args["nonce"].([]byte)
		digest := sha256.Sum256(append(append([]byte(openDime), prior...), nonce...))
		resp["auth_sig"] = signRS(f.priv, digest[:])
		rotate()

	case cmdRead:
		slot := f.slots[f.activeSlot]
		if !slot.used {
			return fail(406, "slot is not used")
		}
		nonce := args["nonce"].([]byte)
		message := append(append([]byte(openDime), prior...), nonce...)
		message = append(message, byte(f.activeSlot))
		digest := sha256.Sum256(message)
		resp["sig"] = signRS(slot.priv, digest[:])
		resp["pubkey"] = slot.priv.PubKey().SerializeCompressed()
		rotate()

	case cmdDerive:
		if f.tapsigner {
			if path, ok := args["path"].([]uint32); ok {
				f.path = path
			}
			resp["chain_code"] = f.chainCode
			resp["pubkey"] = f.masterPriv.PubKey().SerializeCompressed()
			rotate()
			break
		}
		slot := f.slots[f.activeSlot]
		nonce := args["nonce"].([]byte)
		message := append(append([]byte(openDime), prior...), nonce...)
		message = append(message, slot.chainCode...)
		digest := sha256.Sum256(message)
		resp["sig"] = signRS(slot.master, digest[:])
		resp["master_pubkey"] = slot.master.PubKey().SerializeCompressed()
		resp["chain_code"] = slot.chainCode
		rotate()

	case cmdDump:
		index, _ := fieldInt(args, "slot")
		slot := f.slots[index]
		resp["slot"] = index
		switch {
		case !slot.used:
			resp["used"] = false
		case slot.sealed:
			resp["sealed"] = true
		default:
			resp["sealed"] = false
			if sessionKey != nil {
				masked, err := xor(slot.priv.Serialize(), sessionKey)
				require.NoError(f.t, err)
				resp["privkey"] = masked
			}
		}
		rotate()

	case cmdUnseal:
		index, _ := fieldInt(args, "slot")
		slot := f.slots[index]
		if !slot.sealed {
			return fail(406, "slot is not sealed")
		}
		slot.sealed = false
		masked, err := xor(slot.priv.Serialize(), sessionKey)
		require.NoError(f.t, err)
		resp["slot"] = index
		resp["privkey"] = masked
		resp["pubkey"] = slot.priv.PubKey().SerializeCompressed()
		resp["master_pk"] = slot.master.PubKey().SerializeCompressed()
		resp["chain_code"] = slot.chainCode
		rotate()

	case cmdNew:
		next := f.activeSlot + 1
		if next >= len(f.slots) {
			return fail(406, "no more slots")
		}
		f.slots[next] = newFakeSlot(f.t)
		f.activeSlot = next
		resp["slot"] = next
		rotate()

	case cmdSign:
		masked := args["digest"].([]byte)
		digest, err := xor(masked, sessionKey)
		require.NoError(f.t, err)
		index, _ := fieldInt(args, "slot")
		key := f.slots[index].priv
		if f.tapsigner {
			key = f.masterPriv
		}
		resp["sig"] = signRS(key, digest)
		resp["pubkey"] = key.PubKey().SerializeCompressed()
		rotate()

	case cmdXpub:
		resp["xpub"] = f.xpubBytes()
		rotate()

	case cmdBackup:
		resp["data"] = randomBytes(f.t, 100)
		rotate()

	case cmdChange:
		masked := args["data"].([]byte)
		data, err := xor(masked, sessionKey[:len(masked)])
		require.NoError(f.t, err)
		f.cvc = data
		rotate()

	case cmdWait:
		if f.authDelay > 0 {
			f.authDelay--
		}
		resp["success"] = true
		resp["auth_delay"] = f.authDelay
		rotate()

	case cmdNFC:
		resp["url"] = "example.com/tapped#" + hex.EncodeToString(prior[:4])

	default:
		return fail(404, fmt.Sprintf("unknown command: %s", cmd))
	}

	return f.deliver(cmd, resp)
}

// sessionKey reconstructs the session key the client derived, verifying
// the encrypted CVC on the way. Returns nil when the request carried no
// auth arguments.
func (f *fakeCard) sessionKey(cmd string, args map[string]any, prior []byte) ([]byte, error) {

	ephemeral, ok := args["epubkey"].([]byte)

	if !ok {
		return nil, nil
	}

	xcvc, ok := args["xcvc"].([]byte)

	if !ok {
		return nil, fmt.Errorf("epubkey without xcvc")
	}

	ephemeralKey, err := btcec.ParsePubKey(ephemeral)

	if err != nil {
		return nil, err
	}

	shared := sha256.Sum256(generateSharedSecret(f.priv, ephemeralKey))

	md := sha256.Sum256(append(append([]byte{}, prior...), []byte(cmd)...))

	mask, err := xor(shared[:], md[:])

	if err != nil {
		return nil, err
	}

	cvc, err := xor(xcvc, mask[:len(xcvc)])

	if err != nil {
		return nil, err
	}

	if string(cvc) != string(f.cvc) {
		return nil, fmt.Errorf("incorrect CVC")
	}

	return shared[:], nil
}

func (f *fakeCard) xpubBytes() []byte {

	xpub := make([]byte, 0, 78)
	xpub = append(xpub, chaincfg.MainNetParams.HDPublicKeyID[:]...)
	xpub = append(xpub, 0)              // depth
	xpub = append(xpub, 0, 0, 0, 0)     // parent fingerprint
	xpub = append(xpub, 0, 0, 0, 0)     // child number
	xpub = append(xpub, f.chainCode...) // chain code
	xpub = append(xpub, f.masterPriv.PubKey().SerializeCompressed()...)

	return xpub
}

// deliver pushes the response through the real CBOR codec, so every test
// exchange also exercises encode/decode, then applies any tampering.
func (f *fakeCard) deliver(cmd string, resp map[string]any) (uint16, map[string]any, error) {

	raw, err := encMode.Marshal(resp)
	require.NoError(f.t, err)

	decoded, err := decodeResponse(raw)
	require.NoError(f.t, err)

	if f.tamper != nil {
		f.tamper(cmd, decoded)
	}

	return swOkay, decoded, nil
}

// commandCount reports how often a command was transmitted.
func (f *fakeCard) commandCount(cmd string) int {
	n := 0
	for _, c := range f.calls {
		if c == cmd {
			n++
		}
	}
	return n
}
