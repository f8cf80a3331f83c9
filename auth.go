package cktap

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const (
	cardNonceSize = 16
	userNonceSize = 16
)

// calcXCVC derives the per-command session key and the auth arguments the
// card needs to verify CVC possession without learning the CVC itself.
//
// The key is an ECDH shared secret between a fresh ephemeral keypair and
// the card pubkey, and the CVC mask is additionally bound to the command
// name and the current card nonce, so the result is valid for exactly one
// command instance.
func calcXCVC(cmd string, cardNonce []byte, cardPublicKey [33]byte, cvc []byte) ([]byte, map[string]any, error) {

	if len(cvc) < 6 || len(cvc) > 32 {
		return nil, nil, fmt.Errorf("CVC must be 6..32 bytes, got %d", len(cvc))
	}

	publicKey, err := btcec.ParsePubKey(cardPublicKey[:])

	if err != nil {
		return nil, nil, err
	}

	// Derive an ephemeral keypair for performing ECDHE with the card.
	ephemeralPrivateKey, err := secp256k1.GeneratePrivateKey()

	if err != nil {
		return nil, nil, err
	}

	ephemeralPublicKey := ephemeralPrivateKey.PubKey().SerializeCompressed()

	sessionKey := sha256.Sum256(generateSharedSecret(ephemeralPrivateKey, publicKey))

	md := sha256.Sum256(append(append([]byte{}, cardNonce...), []byte(cmd)...))

	mask, err := xor(sessionKey[:], md[:])

	if err != nil {
		return nil, nil, err
	}

	xcvc, err := xor(cvc, mask[:len(cvc)])

	if err != nil {
		return nil, nil, err
	}

	args := map[string]any{
		"epubkey": ephemeralPublicKey,
		"xcvc":    xcvc,
	}

	return sessionKey[:], args, nil
}

// generateSharedSecret derives an ECDH shared secret (RFC 5903) between a
// private key and a public key. The full compressed point is returned, not
// just X, because the card hashes the 33-byte form.
func generateSharedSecret(privateKey *secp256k1.PrivateKey, publicKey *secp256k1.PublicKey) []byte {

	var point, result secp256k1.JacobianPoint
	publicKey.AsJacobian(&point)
	secp256k1.ScalarMultNonConst(&privateKey.Key, &point, &result)
	result.ToAffine()

	xBytes := result.X.Bytes()
	yBytes := result.Y.Bytes()

	// Compressed point prefix: 0x02 for even Y, 0x03 for odd.
	prefix := byte(0x02) | (yBytes[31] & 0x01)

	return append([]byte{prefix}, xBytes[:]...)
}

// xor combines two equal-length byte slices byte-wise.
func xor(a, b []byte) ([]byte, error) {

	if len(a) != len(b) {
		return nil, errors.New("input slices have different lengths")
	}
	c := make([]byte, len(a))
	for i := range a {
		c[i] = a[i] ^ b[i]
	}
	return c, nil
}

// pickNonce generates a fresh user nonce. The card rejects nonces where
// every byte repeats, so those are re-drawn.
func pickNonce() ([]byte, error) {

	for {
		nonce := make([]byte, userNonceSize)

		if _, err := rand.Read(nonce); err != nil {
			return nil, err
		}

		for _, b := range nonce {
			if b != nonce[0] {
				return nonce, nil
			}
		}
	}
}
