// Package cktap speaks the Coinkite tap-card protocol (SATSCARD and
// TAPSIGNER) as a mistrustful client: privileged commands are unlocked with
// per-command encrypted CVC authentication, the card's rotating anti-replay
// nonce is tracked across every exchange, and the card's cryptographic
// claims are independently verified before they are trusted.
package cktap

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
)

const openDime = "OPENDIME"

// Identity holds everything about a card that never changes while it is in
// the field. Populated exactly once by FirstLook.
type Identity struct {
	// PublicKey is the card's long-term public key, fixed at the factory.
	PublicKey [33]byte
	// Ident is the human readable identity derived from PublicKey.
	Ident string
	// Proto is the protocol version spoken by the card.
	Proto int
	// Version is the applet (firmware) version.
	Version string
	// Birth is the block height at which the card was born.
	Birth int
	// Testnet reports whether the card renders testnet addresses.
	Testnet bool
	// Tapsigner distinguishes the TAPSIGNER variant from the SATSCARD.
	Tapsigner bool
	// NumSlots is the total number of key slots on the card.
	NumSlots int
}

// protocolState is the mutable side of a session: the rotating anti-replay
// nonce plus the few counters the card updates as it is used.
type protocolState struct {
	cardNonce  []byte
	activeSlot int
	authDelay  int
}

// Card is one session with a physical card. It is not safe for concurrent
// use: the rotating nonce and the verification cache are shared mutable
// state, and a physical card only transacts serially anyway. Use one Card
// per physical card.
type Card struct {
	identity Identity
	state    protocolState

	// certsChecked caches a successful CertificateCheck so later address
	// reads skip re-verification.
	certsChecked bool

	tr          Transport
	initialized bool
	closed      bool
}

// NewCard runs FirstLook against the transport and returns the active
// session.
func NewCard(tr Transport) (*Card, error) {

	card := &Card{tr: tr}

	if err := card.FirstLook(); err != nil {
		return nil, err
	}

	return card, nil
}

// Identity returns the card's immutable identity.
func (c *Card) Identity() Identity { return c.identity }

// ActiveSlot returns the currently active slot, counting from 0.
func (c *Card) ActiveSlot() int { return c.state.activeSlot }

// AuthDelay returns the number of seconds of rate limiting currently
// imposed after failed CVC attempts.
func (c *Card) AuthDelay() int { return c.state.authDelay }

// Close ends the session. No command is legal afterwards.
func (c *Card) Close() error {

	if c.closed {
		return nil
	}

	c.closed = true
	c.state.cardNonce = nil

	return c.tr.Close()
}

// Send dispatches one command and promotes any failure to a *CardError.
// A response carrying card_nonce replaces the tracked nonce whether or not
// the command succeeded, since the card advances its nonce per request.
func (c *Card) Send(cmd string, args map[string]any) (map[string]any, error) {
	return c.send(cmd, args, true)
}

// SendRaw is Send without error promotion: callers get the raw result map
// even when it carries an error field, so they can inspect the remaining
// fields themselves.
func (c *Card) SendRaw(cmd string, args map[string]any) (map[string]any, error) {
	return c.send(cmd, args, false)
}

func (c *Card) send(cmd string, args map[string]any, raiseOnError bool) (map[string]any, error) {

	if c.closed {
		return nil, ErrClosed
	}

	if !c.initialized && cmd != cmdStatus {
		return nil, ErrNotActive
	}

	slog.Debug("Send", "Command", cmd)

	statusWord, result, err := c.tr.Send(cmd, args)

	if err != nil {
		return nil, err
	}

	if result == nil {
		result = map[string]any{}
	}

	if statusWord != swOkay {
		// Any bad status word is a failure, whether or not the card
		// bothered to name an error.
		if _, ok := fieldString(result, "error"); !ok {
			result["error"] = fmt.Sprintf("got error status word: 0x%04x", statusWord)
		}
		result["stat_word"] = statusWord
	}

	// Track the rotating nonce even on error responses. A response without
	// one simply leaves the nonce as-is.
	if nonce, ok := fieldBytes(result, "card_nonce"); ok {
		c.state.cardNonce = nonce
	}

	if msg, ok := fieldString(result, "error"); ok && raiseOnError {
		code, hasCode := fieldInt(result, "code")
		if !hasCode {
			code = defaultErrorCode
		}
		return nil, &CardError{Cmd: cmd, Code: code, Msg: msg}
	}

	return result, nil
}

// FirstLook loads the card's identity at session start. It may be run
// again; identity fields are only populated on the first run and a card
// presenting a different public key afterwards is rejected.
func (c *Card) FirstLook() error {

	if c.closed {
		return ErrClosed
	}

	st, err := c.send(cmdStatus, nil, true)

	if err != nil {
		return err
	}

	proto, ok := fieldInt(st, "proto")

	if !ok || proto != 1 {
		return fmt.Errorf("unknown card protocol version: %d", proto)
	}

	pubkey, ok := fieldBytes(st, "pubkey")

	if !ok || len(pubkey) != 33 {
		return errors.New("status response missing card public key")
	}

	if len(c.state.cardNonce) == 0 {
		return errors.New("status response missing card nonce")
	}

	if c.initialized {
		if [33]byte(pubkey) != c.identity.PublicKey {
			return errors.New("card public key changed mid-session")
		}
	} else {
		ident, err := cardIdent(pubkey)

		if err != nil {
			return err
		}

		identity := Identity{
			PublicKey: [33]byte(pubkey),
			Ident:     ident,
			Proto:     proto,
			NumSlots:  1,
		}

		identity.Version, _ = fieldString(st, "ver")
		identity.Birth, _ = fieldInt(st, "birth")
		identity.Testnet, _ = fieldBool(st, "testnet")
		identity.Tapsigner, _ = fieldBool(st, "tapsigner")

		if slots, ok := fieldIntSlice(st, "slots"); ok && len(slots) == 2 {
			identity.NumSlots = slots[1]
		}

		c.identity = identity
		c.initialized = true
	}

	c.applyStatus(st)
	c.certsChecked = false

	return nil
}

// Status re-reads the card status, refreshing the mutable counters, and
// returns the raw result map.
func (c *Card) Status() (map[string]any, error) {

	st, err := c.Send(cmdStatus, nil)

	if err != nil {
		return nil, err
	}

	c.applyStatus(st)

	return st, nil
}

func (c *Card) applyStatus(st map[string]any) {

	if slots, ok := fieldIntSlice(st, "slots"); ok && len(slots) == 2 {
		c.state.activeSlot = slots[0]
	}

	c.state.authDelay, _ = fieldInt(st, "auth_delay")
}

// SendAuth dispatches a privileged command. With a CVC it derives the
// session key bound to the current card nonce (consumed by this command;
// the card rejects nonce reuse), attaches the auth arguments, and applies
// the command's argument masking per the capability table. Without a CVC
// it degrades to a plain send, for commands where auth is optional.
//
// The CVC itself is never transmitted or logged.
func (c *Card) SendAuth(cmd string, cvc []byte, args map[string]any) ([]byte, map[string]any, error) {

	spec := commandTable[cmd]

	if spec.requiresAuth && len(cvc) == 0 {
		return nil, nil, fmt.Errorf("command %q requires a CVC", cmd)
	}

	sent := map[string]any{}
	for key, value := range args {
		sent[key] = value
	}

	var sessionKey []byte

	if len(cvc) > 0 {
		key, authArgs, err := calcXCVC(cmd, c.state.cardNonce, c.identity.PublicKey, cvc)

		if err != nil {
			return nil, nil, err
		}

		sessionKey = key

		for name, value := range authArgs {
			sent[name] = value
		}
	}

	if spec.maskField != "" && sessionKey != nil {

		plain, ok := fieldBytes(sent, spec.maskField)

		if !ok {
			return nil, nil, fmt.Errorf("command %q requires a byte-string %q argument", cmd, spec.maskField)
		}

		if !spec.maskOwnLen && len(plain) != len(sessionKey) {
			return nil, nil, fmt.Errorf("%q argument must be %d bytes, got %d", spec.maskField, len(sessionKey), len(plain))
		}

		if len(plain) > len(sessionKey) {
			return nil, nil, fmt.Errorf("%q argument must be at most %d bytes, got %d", spec.maskField, len(sessionKey), len(plain))
		}

		masked, err := xor(plain, sessionKey[:len(plain)])

		if err != nil {
			return nil, nil, err
		}

		sent[spec.maskField] = masked
	}

	result, err := c.Send(cmd, sent)

	return sessionKey, result, err
}

// Wait burns one second of the auth-delay rate limiting and refreshes the
// tracked counter.
func (c *Card) Wait() (int, error) {

	result, err := c.Send(cmdWait, nil)

	if err != nil {
		return c.state.authDelay, err
	}

	c.state.authDelay, _ = fieldInt(result, "auth_delay")

	return c.state.authDelay, nil
}

// GetNFCURL provides the dynamic URL you would get by tapping the card on
// a phone.
func (c *Card) GetNFCURL() (string, error) {

	result, err := c.Send(cmdNFC, nil)

	if err != nil {
		return "", err
	}

	url, ok := fieldString(result, "url")

	if !ok {
		return "", errors.New("nfc response missing url")
	}

	return url, nil
}

// EnableDebugLogging routes slog debug output to stderr. Session keys,
// CVCs and private keys are never logged at any level.
func EnableDebugLogging() {

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	slog.SetDefault(slog.New(handler))
}
