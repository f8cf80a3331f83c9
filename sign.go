package cktap

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
)

// SignDigest asks the card to sign a 32-byte digest with the key of the
// given slot. The digest travels masked with the session key. The returned
// signature is verified against the pubkey the card reports for the slot
// before it is trusted.
//
// The card occasionally refuses a signature whose nonce it dislikes (code
// 205); retrying is the caller's responsibility.
func (c *Card) SignDigest(cvc []byte, slot int, digest [32]byte) ([]byte, error) {

	args := map[string]any{"slot": slot, "digest": digest[:]}

	_, result, err := c.SendAuth(cmdSign, cvc, args)

	if err != nil {
		return nil, err
	}

	sig, ok := fieldBytes(result, "sig")

	if !ok || len(sig) != 64 {
		return nil, errors.New("sign response missing signature")
	}

	pubkey, ok := fieldBytes(result, "pubkey")

	if !ok {
		return nil, errors.New("sign response missing pubkey")
	}

	publicKey, err := btcec.ParsePubKey(pubkey)

	if err != nil {
		return nil, err
	}

	if err := verifySignature(publicKey, digest[:], sig); err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}

	return sig, nil
}
