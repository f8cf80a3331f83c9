package cktap

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
)

// SlotState is the lifecycle stage of a key slot. Slots move strictly
// forward: unused, then used and sealed, then unsealed.
type SlotState int

const (
	SlotUnused SlotState = iota
	SlotSealed
	SlotUnsealed
)

func (s SlotState) String() string {
	switch s {
	case SlotUnused:
		return "unused"
	case SlotSealed:
		return "sealed"
	case SlotUnsealed:
		return "unsealed"
	default:
		return fmt.Sprintf("SlotState(%d)", int(s))
	}
}

// classifySlot maps a dump response onto exactly one lifecycle stage. The
// underlying fields overlap, so order matters: an explicit sealed=true
// wins, then a sealed=false or a revealed private key means unsealed, then
// an explicit used=false means unused. Anything else is an error, never a
// silent default.
func classifySlot(dump map[string]any) (SlotState, error) {

	sealed, hasSealed := fieldBool(dump, "sealed")
	_, hasPrivkey := fieldBytes(dump, "privkey")
	used, hasUsed := fieldBool(dump, "used")

	switch {
	case hasSealed && sealed:
		return SlotSealed, nil
	case (hasSealed && !sealed) || hasPrivkey:
		return SlotUnsealed, nil
	case hasUsed && !used:
		return SlotUnused, nil
	default:
		return 0, fmt.Errorf("cannot classify slot from response: %v", dump)
	}
}

// UnsealSlot unseals the currently active slot, the only one the card
// allows, and returns its private key and the slot number. The slot must
// be used and still sealed; violating either precondition fails before the
// authenticated unseal command is ever sent. Unsealing is one-way.
func (c *Card) UnsealSlot(cvc []byte) ([]byte, int, error) {

	if c.identity.Tapsigner {
		return nil, 0, ErrSatscardOnly
	}

	target := c.state.activeSlot

	dump, err := c.Send(cmdDump, map[string]any{"slot": target})

	if err != nil {
		return nil, 0, err
	}

	sealed, hasSealed := fieldBool(dump, "sealed")

	if hasSealed && !sealed {
		return nil, 0, fmt.Errorf("slot %d: %w", target, ErrSlotAlreadyUnsealed)
	}

	if !hasSealed || !sealed {
		return nil, 0, fmt.Errorf("slot %d: %w", target, ErrSlotNotUsed)
	}

	sessionKey, result, err := c.SendAuth(cmdUnseal, cvc, map[string]any{"slot": target})

	if err != nil {
		return nil, 0, err
	}

	masked, ok := fieldBytes(result, "privkey")

	if !ok {
		return nil, 0, errors.New("unseal response missing private key")
	}

	privateKey, err := xor(masked, sessionKey)

	if err != nil {
		return nil, 0, err
	}

	return privateKey, target, nil
}

// GetPrivkey returns the private key of an already-unsealed slot.
func (c *Card) GetPrivkey(cvc []byte, slot int) ([]byte, error) {

	if c.identity.Tapsigner {
		return nil, ErrSatscardOnly
	}

	sessionKey, result, err := c.SendAuth(cmdDump, cvc, map[string]any{"slot": slot})

	if err != nil {
		return nil, err
	}

	masked, ok := fieldBytes(result, "privkey")

	if !ok {
		if used, hasUsed := fieldBool(result, "used"); hasUsed && !used {
			return nil, fmt.Errorf("slot %d: %w", slot, ErrSlotNotUsed)
		}
		if sealed, hasSealed := fieldBool(result, "sealed"); hasSealed && sealed {
			return nil, fmt.Errorf("slot %d: %w", slot, ErrSlotStillSealed)
		}
		return nil, fmt.Errorf("not sure of the key for slot %d", slot)
	}

	return xor(masked, sessionKey)
}

// GetSlotUsage classifies a slot and reports its payment address where one
// is knowable. The CVC is optional; with it, unsealed slots reveal their
// key and the address is rendered locally from it.
func (c *Card) GetSlotUsage(slot int, cvc []byte) (string, SlotState, map[string]any, error) {

	if c.identity.Tapsigner {
		return "", 0, nil, ErrSatscardOnly
	}

	sessionKey, result, err := c.SendAuth(cmdDump, cvc, map[string]any{"slot": slot})

	if err != nil {
		return "", 0, nil, err
	}

	state, err := classifySlot(result)

	if err != nil {
		return "", 0, result, err
	}

	address, _ := fieldString(result, "addr")

	switch state {
	case SlotSealed:
		if slot == c.state.activeSlot {
			address, err = c.Address(true)
			if err != nil {
				return "", 0, result, err
			}
		}
	case SlotUnsealed:
		if masked, ok := fieldBytes(result, "privkey"); ok && sessionKey != nil {
			privateKey, err := xor(masked, sessionKey)
			if err != nil {
				return "", 0, result, err
			}
			address, err = renderAddress(privateKey, c.identity.Testnet)
			if err != nil {
				return "", 0, result, err
			}
		}
	}

	return address, state, result, nil
}

// NewSlot opens the next slot with a fresh private key and makes it
// active. The chain code is the caller's entropy share; nil lets the card
// pick alone.
func (c *Card) NewSlot(cvc []byte, chainCode []byte) (int, error) {

	if c.identity.Tapsigner {
		return 0, ErrSatscardOnly
	}

	if c.state.activeSlot+1 >= c.identity.NumSlots {
		return 0, errors.New("no more slots available")
	}

	args := map[string]any{"slot": c.state.activeSlot}

	if chainCode != nil {
		args["chain_code"] = chainCode
	}

	_, result, err := c.SendAuth(cmdNew, cvc, args)

	if err != nil {
		return 0, err
	}

	slot, ok := fieldInt(result, "slot")

	if !ok {
		return 0, errors.New("new response missing slot number")
	}

	c.state.activeSlot = slot

	return slot, nil
}

// renderAddress derives the payment address belonging to a revealed slot
// private key.
func renderAddress(privateKey []byte, testnet bool) (string, error) {

	if len(privateKey) != 32 {
		return "", fmt.Errorf("expected 32 byte private key, got %d", len(privateKey))
	}

	_, publicKey := btcec.PrivKeyFromBytes(privateKey)

	return paymentAddress(publicKey.SerializeCompressed(), testnet)
}

// WIF encodes a revealed slot private key in wallet import format.
func WIF(privateKey []byte, testnet bool) (string, error) {

	if len(privateKey) != 32 {
		return "", fmt.Errorf("expected 32 byte private key, got %d", len(privateKey))
	}

	key, _ := btcec.PrivKeyFromBytes(privateKey)

	wif, err := btcutil.NewWIF(key, netParams(testnet), true)

	if err != nil {
		return "", err
	}

	return wif.String(), nil
}
