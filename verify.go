package cktap

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// factoryRootPublicKeyString is the root of the certificate chain burned
// into genuine cards at the factory.
var factoryRootPublicKeyString = "03028a0e89e70d0ec0d932053a89ab1da7d9182bdc6d2f03e706ee99517d05d9e1"

// UseEmulator switches the trusted factory root to the one the reference
// card emulator signs with.
func UseEmulator() {

	factoryRootPublicKeyString = "022b6750a0c09f632df32afc5bef66568667e04b2e0f57cb8640ac5a040179442b"
}

// CertificateCheck verifies the card's factory certificate chain: the card
// must sign a fresh nonce with its claimed public key, and that key must
// chain, one recovered signature at a time, up to the trusted factory
// root. The result is cached; later address reads skip re-verification.
//
// Any failure here means a buggy or counterfeit card and is fatal.
func (c *Card) CertificateCheck() error {

	if _, err := c.Status(); err != nil {
		return err
	}

	certs, err := c.Send(cmdCerts, nil)

	if err != nil {
		return err
	}

	chain, ok := fieldByteSlices(certs, "cert_chain")

	if !ok || len(chain) < 2 {
		return errors.New("certs response missing certificate chain")
	}

	nonce, err := pickNonce()

	if err != nil {
		return err
	}

	// The check signature covers the nonce the card held before the check
	// command rotated it.
	priorNonce := append([]byte{}, c.state.cardNonce...)

	check, err := c.Send(cmdCheck, map[string]any{"nonce": nonce})

	if err != nil {
		return err
	}

	authSig, ok := fieldBytes(check, "auth_sig")

	if !ok || len(authSig) != 64 {
		return errors.New("check response missing auth signature")
	}

	message := append([]byte(openDime), priorNonce...)
	message = append(message, nonce...)

	messageDigest := sha256.Sum256(message)

	publicKey, err := btcec.ParsePubKey(c.identity.PublicKey[:])

	if err != nil {
		return err
	}

	if err := verifySignature(publicKey, messageDigest[:], authSig); err != nil {
		return fmt.Errorf("card nonce signature: %w", err)
	}

	// Walk the chain: each link recovers the pubkey that signed the hash
	// of the previous one, starting from the card key and ending at the
	// factory root for a genuine card.
	for i, certSig := range chain {

		if len(certSig) != 65 {
			return fmt.Errorf("certificate %d: expected 65 byte signature, got %d", i, len(certSig))
		}

		publicKey, err = signatureToPublicKey(certSig, publicKey)

		if err != nil {
			return fmt.Errorf("certificate %d: %w", i, err)
		}
	}

	factoryRootPublicKeyBytes, err := hex.DecodeString(factoryRootPublicKeyString)

	if err != nil {
		return err
	}

	factoryRootPublicKey, err := btcec.ParsePubKey(factoryRootPublicKeyBytes)

	if err != nil {
		return err
	}

	if !factoryRootPublicKey.IsEqual(publicKey) {

		slog.Debug("CHECK", "RecoveredRoot", fmt.Sprintf("%x", publicKey.SerializeCompressed()))

		return ErrCounterfeitCard
	}

	c.certsChecked = true

	return nil
}

// verifySignature checks a 64-byte r||s signature over a digest.
func verifySignature(publicKey *btcec.PublicKey, digest []byte, sig []byte) error {

	if len(sig) != 64 {
		return fmt.Errorf("expected 64 byte signature, got %d", len(sig))
	}

	r := new(btcec.ModNScalar)
	r.SetByteSlice(sig[0:32])

	s := new(btcec.ModNScalar)
	s.SetByteSlice(sig[32:64])

	if !ecdsa.NewSignature(r, s).Verify(digest, publicKey) {
		return ErrInvalidSignature
	}

	return nil
}

// recID normalizes the recovery id of a certificate chain signature
// according to BIP-137:
// - values in [39, 42] map to recovery ids [0, 3]
// - values in [27, 30] map to recovery ids [0, 3]
// - other values pass through unchanged.
func recID(signature []byte) (byte, error) {

	if len(signature) == 0 {
		return 0, errors.New("empty signature")
	}

	firstByte := signature[0]

	// ecdsa.RecoverCompact subtracts 27 from the header byte, so the
	// normalized value is re-offset by 27.
	const offset = 27

	switch {
	case firstByte >= 39 && firstByte <= 42:
		return firstByte - 39 + offset, nil
	case firstByte >= 27 && firstByte <= 30:
		return firstByte - 27 + offset, nil
	default:
		return firstByte, nil
	}
}

// signatureToPublicKey recovers the public key that signed the hash of the
// given public key, which is how each certificate chain link attests the
// one below it.
func signatureToPublicKey(signature []byte, publicKey *btcec.PublicKey) (*btcec.PublicKey, error) {

	messageDigest := sha256.Sum256(publicKey.SerializeCompressed())

	recoveryID, err := recID(signature)

	if err != nil {
		return nil, err
	}

	compactSig := append([]byte{recoveryID}, signature[1:]...)

	recovered, _, err := ecdsa.RecoverCompact(compactSig, messageDigest[:])

	return recovered, err
}

// recoverAddress verifies a read response: the slot key must have signed
// the pre-read card nonce, the caller nonce and the slot number. On
// success it returns the slot public key and its payment address.
func recoverAddress(priorCardNonce, userNonce []byte, slot int, read map[string]any, testnet bool) ([]byte, string, error) {

	signature, ok := fieldBytes(read, "sig")

	if !ok {
		return nil, "", errors.New("read response missing signature")
	}

	slotPubkey, ok := fieldBytes(read, "pubkey")

	if !ok || len(slotPubkey) != 33 {
		return nil, "", errors.New("read response missing slot public key")
	}

	message := append([]byte(openDime), priorCardNonce...)
	message = append(message, userNonce...)
	message = append(message, byte(slot))

	messageDigest := sha256.Sum256(message)

	publicKey, err := btcec.ParsePubKey(slotPubkey)

	if err != nil {
		return nil, "", err
	}

	if err := verifySignature(publicKey, messageDigest[:], signature); err != nil {
		return nil, "", fmt.Errorf("read signature: %w", err)
	}

	address, err := paymentAddress(slotPubkey, testnet)

	if err != nil {
		return nil, "", err
	}

	return slotPubkey, address, nil
}

// verifyMasterPubkey checks the derive response signature: the master key
// must have signed both nonces and its own chain code.
func verifyMasterPubkey(masterPubkey, sig, chainCode, userNonce, cardNonce []byte) (*btcec.PublicKey, error) {

	publicKey, err := btcec.ParsePubKey(masterPubkey)

	if err != nil {
		return nil, err
	}

	message := append([]byte(openDime), cardNonce...)
	message = append(message, userNonce...)
	message = append(message, chainCode...)

	messageDigest := sha256.Sum256(message)

	if err := verifySignature(publicKey, messageDigest[:], sig); err != nil {
		return nil, fmt.Errorf("master pubkey signature: %w", err)
	}

	return publicKey, nil
}

// deriveAddress independently derives the payment address the card should
// have produced for a slot: BIP-32 child 0 of (master pubkey, chain code).
func deriveAddress(chainCode []byte, masterPubkey *btcec.PublicKey, testnet bool) (string, error) {

	if len(chainCode) != 32 {
		return "", fmt.Errorf("expected 32 byte chain code, got %d", len(chainCode))
	}

	params := netParams(testnet)

	parentFP := []byte{0, 0, 0, 0}

	extendedKey := hdkeychain.NewExtendedKey(params.HDPublicKeyID[:],
		masterPubkey.SerializeCompressed(), chainCode, parentFP, 0, 0, false)

	child, err := extendedKey.Derive(0)

	if err != nil {
		return "", err
	}

	childPubkey, err := child.ECPubKey()

	if err != nil {
		return "", err
	}

	return paymentAddress(childPubkey.SerializeCompressed(), testnet)
}
