package cktap

import (
	"crypto/sha256"
	"encoding/base32"
	"errors"
	"strings"
)

// cardIdent converts the card public key into a human readable identity:
// - sha256(compressed-pubkey)
// - skip first 8 bytes of that (because that's revealed in NFC URL)
// - base32 and take first 20 chars in 4 groups of five
// - insert dashes
// - result is 23 chars long
func cardIdent(cardPublicKey []byte) (string, error) {

	if len(cardPublicKey) != 33 {
		return "", errors.New("expecting compressed public key")
	}

	checksum := sha256.Sum256(cardPublicKey)

	base32String := base32.StdEncoding.EncodeToString(checksum[8:])

	s := base32String[:20]

	var groups []string
	for i := 0; i < len(s); i += 5 {
		groups = append(groups, s[i:i+5])
	}

	return strings.Join(groups, "-"), nil
}
