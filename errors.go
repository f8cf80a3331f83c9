package cktap

import (
	"errors"
	"fmt"
)

// defaultErrorCode is used when the card reports an error without a
// numeric code.
const defaultErrorCode = 500

// CardError is an error reported by the card, or synthesized from a
// non-success status word.
type CardError struct {
	Cmd  string
	Code int
	Msg  string
}

func (e *CardError) Error() string {
	return fmt.Sprintf("%d on %s: %s", e.Code, e.Cmd, e.Msg)
}

// ErrNotActive is returned when a command is attempted before FirstLook
// has populated the session.
var ErrNotActive = errors.New("session not active: call FirstLook first")

// ErrClosed is returned when a command is attempted on a closed session.
var ErrClosed = errors.New("session closed")

// Verification failures indicate a buggy or counterfeit card. They are
// never downgraded.
var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrCounterfeitCard  = errors.New("counterfeit card: certificate chain does not reach factory root")
	ErrAddressMismatch  = errors.New("card did not derive address as expected")
)

// Slot lifecycle violations. Each stage gets its own error so callers can
// tell a spent slot from one that was never used.
var (
	ErrSlotNotUsed         = errors.New("slot has not been used yet")
	ErrSlotAlreadyUnsealed = errors.New("slot has already been unsealed")
	ErrSlotStillSealed     = errors.New("slot is not yet unsealed")
)

// Variant gate violations.
var (
	ErrTapsignerOnly = errors.New("command only valid on a TAPSIGNER")
	ErrSatscardOnly  = errors.New("command only valid on a SATSCARD")
)
