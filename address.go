package cktap

import (
	"errors"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/chaincfg"
)

// Address reads the payment address of the currently active slot, as a
// bech32 string, verifying the card's claims along the way.
//
// By default the certificate chain is checked (once per session) and the
// address is derived twice: once recovered from the slot key the card
// signed over the caller's nonce, and once independently from the card's
// master public key and chain code. The two must agree exactly; a mismatch
// is fatal. With faster set, both the certificate check and the second
// derivation are skipped.
func (c *Card) Address(faster bool) (string, error) {

	if c.identity.Tapsigner {
		return "", ErrSatscardOnly
	}

	if !c.certsChecked && !faster {
		if err := c.CertificateCheck(); err != nil {
			return "", err
		}
	}

	st, err := c.Status()

	if err != nil {
		return "", err
	}

	if _, ok := fieldString(st, "addr"); !ok {
		return "", errors.New("current slot is not yet set up")
	}

	slot := c.state.activeSlot

	nonce, err := pickNonce()

	if err != nil {
		return "", err
	}

	// The read signature covers the nonce the card held before read
	// rotated it.
	priorNonce := append([]byte{}, c.state.cardNonce...)

	read, err := c.Send(cmdRead, map[string]any{"nonce": nonce})

	if err != nil {
		return "", err
	}

	_, address, err := recoverAddress(priorNonce, nonce, slot, read, c.identity.Testnet)

	if err != nil {
		return "", err
	}

	if !faster {
		// Second, independent derivation: did the card actually include
		// its chain code in the slot key?
		userNonce, err := pickNonce()

		if err != nil {
			return "", err
		}

		cardNonce := append([]byte{}, c.state.cardNonce...)

		derive, err := c.Send(cmdDerive, map[string]any{"nonce": userNonce})

		if err != nil {
			return "", err
		}

		masterPubkey, ok := fieldBytes(derive, "master_pubkey")

		if !ok {
			return "", errors.New("derive response missing master pubkey")
		}

		sig, ok := fieldBytes(derive, "sig")

		if !ok {
			return "", errors.New("derive response missing signature")
		}

		chainCode, ok := fieldBytes(derive, "chain_code")

		if !ok {
			return "", errors.New("derive response missing chain code")
		}

		publicKey, err := verifyMasterPubkey(masterPubkey, sig, chainCode, userNonce, cardNonce)

		if err != nil {
			return "", err
		}

		derivedAddress, err := deriveAddress(chainCode, publicKey, c.identity.Testnet)

		if err != nil {
			return "", err
		}

		if derivedAddress != address {
			return "", ErrAddressMismatch
		}
	}

	return address, nil
}

func netParams(testnet bool) *chaincfg.Params {

	if testnet {
		return &chaincfg.TestNet3Params
	}
	return &chaincfg.MainNetParams
}

// paymentAddress renders a compressed public key as a P2WPKH bech32
// address.
func paymentAddress(publicKey []byte, testnet bool) (string, error) {

	hash160 := btcutil.Hash160(publicKey)

	convertedBits, err := bech32.ConvertBits(hash160, 8, 5, true)

	if err != nil {
		return "", err
	}

	// Witness version 0 prefix.
	program := append([]byte{0}, convertedBits...)

	return bech32.Encode(netParams(testnet).Bech32HRPSegwit, program)
}
