package cktap

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
)

// hardenedBit marks a hardened BIP-32 path component.
const hardenedBit = uint32(0x80000000)

// GetXpub provides the card's extended public key, either the one at the
// current derivation or the master, BIP-32 serialized and base58check
// encoded.
func (c *Card) GetXpub(cvc []byte, master bool) (string, error) {

	if !c.identity.Tapsigner {
		return "", ErrTapsignerOnly
	}

	xpub, err := c.xpubBytes(cvc, master)

	if err != nil {
		return "", err
	}

	return base58.CheckEncode(xpub[1:], xpub[0]), nil
}

// GetXFP returns the 4-byte master key fingerprint: hash160 of the master
// extended key's public key.
func (c *Card) GetXFP(cvc []byte) ([4]byte, error) {

	var fingerprint [4]byte

	if !c.identity.Tapsigner {
		return fingerprint, ErrTapsignerOnly
	}

	xpub, err := c.xpubBytes(cvc, true)

	if err != nil {
		return fingerprint, err
	}

	copy(fingerprint[:], btcutil.Hash160(xpub[len(xpub)-33:])[:4])

	return fingerprint, nil
}

func (c *Card) xpubBytes(cvc []byte, master bool) ([]byte, error) {

	_, result, err := c.SendAuth(cmdXpub, cvc, map[string]any{"master": master})

	if err != nil {
		return nil, err
	}

	xpub, ok := fieldBytes(result, "xpub")

	if !ok || len(xpub) != 78 {
		return nil, errors.New("xpub response missing extended public key")
	}

	return xpub, nil
}

// GetDerivation reports the current derivation path, such as "m/84h/0h/0h".
// An empty string means no private key has been picked yet.
func (c *Card) GetDerivation() (string, error) {

	if !c.identity.Tapsigner {
		return "", ErrTapsignerOnly
	}

	st, err := c.Status()

	if err != nil {
		return "", err
	}

	path, ok := fieldIntSlice(st, "path")

	if !ok {
		return "", nil
	}

	return pathToString(path), nil
}

// SetDerivation changes the card's derivation path. Every component must
// be hardened. It returns the new depth, the chain code and the pubkey at
// the new path.
func (c *Card) SetDerivation(path string, cvc []byte) (int, []byte, []byte, error) {

	if !c.identity.Tapsigner {
		return 0, nil, nil, ErrTapsignerOnly
	}

	components, err := parsePath(path)

	if err != nil {
		return 0, nil, nil, err
	}

	for _, component := range components {
		if component&hardenedBit == 0 {
			return 0, nil, nil, errors.New("all path components must be hardened")
		}
	}

	nonce, err := pickNonce()

	if err != nil {
		return 0, nil, nil, err
	}

	_, result, err := c.SendAuth(cmdDerive, cvc, map[string]any{"path": components, "nonce": nonce})

	if err != nil {
		return 0, nil, nil, err
	}

	chainCode, ok := fieldBytes(result, "chain_code")

	if !ok {
		return 0, nil, nil, errors.New("derive response missing chain code")
	}

	pubkey, ok := fieldBytes(result, "pubkey")

	if !ok {
		return 0, nil, nil, errors.New("derive response missing pubkey")
	}

	return len(components), chainCode, pubkey, nil
}

// MakeBackup reads the card's encrypted backup blob, to be kept long term.
func (c *Card) MakeBackup(cvc []byte) ([]byte, error) {

	if !c.identity.Tapsigner {
		return nil, ErrTapsignerOnly
	}

	_, result, err := c.SendAuth(cmdBackup, cvc, nil)

	if err != nil {
		return nil, err
	}

	data, ok := fieldBytes(result, "data")

	if !ok {
		return nil, errors.New("backup response missing data")
	}

	return data, nil
}

// ChangeCVC replaces the card's secret code. The new code travels masked
// with the session key over its own length, per the command's capability
// entry.
func (c *Card) ChangeCVC(oldCVC, newCVC []byte) error {

	if len(newCVC) < 6 || len(newCVC) > 32 {
		return fmt.Errorf("new CVC must be 6..32 bytes, got %d", len(newCVC))
	}

	_, _, err := c.SendAuth(cmdChange, oldCVC, map[string]any{"data": newCVC})

	return err
}

func pathToString(path []int) string {

	parts := []string{"m"}

	for _, component := range path {
		value := uint32(component)
		if value&hardenedBit != 0 {
			parts = append(parts, strconv.FormatUint(uint64(value&^hardenedBit), 10)+"h")
		} else {
			parts = append(parts, strconv.FormatUint(uint64(value), 10))
		}
	}

	return strings.Join(parts, "/")
}

func parsePath(path string) ([]uint32, error) {

	trimmed := strings.TrimSpace(path)

	if trimmed != "m" && !strings.HasPrefix(trimmed, "m/") {
		return nil, fmt.Errorf("invalid derivation path: %q", path)
	}

	if trimmed == "m" {
		return []uint32{}, nil
	}

	var components []uint32

	for _, part := range strings.Split(trimmed[2:], "/") {

		hardened := false

		if strings.HasSuffix(part, "h") || strings.HasSuffix(part, "'") {
			hardened = true
			part = part[:len(part)-1]
		}

		value, err := strconv.ParseUint(part, 10, 32)

		if err != nil || value >= uint64(hardenedBit) {
			return nil, fmt.Errorf("invalid path component: %q", part)
		}

		component := uint32(value)
		if hardened {
			component |= hardenedBit
		}

		components = append(components, component)
	}

	return components, nil
}
