package cktap

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ebfe/scard"
	"github.com/skythen/apdu"
)

// appletID selects the card applet. Selecting it is equivalent to running a
// "status" command, but the response is discarded here; FirstLook fetches a
// fresh one.
var appletID = []byte{0xf0, 'C', 'o', 'i', 'n', 'k', 'i', 't', 'e', 'C', 'A', 'R', 'D', 'v', '1'}

// PCSC is a Transport over a PC/SC smart card reader.
type PCSC struct {
	ctx  *scard.Context
	card *scard.Card
}

// NewPCSC connects to the first reader holding a card, selects the card
// applet and returns the ready transport.
func NewPCSC() (*PCSC, error) {
	ctx, err := scard.EstablishContext()

	if err != nil {
		return nil, err
	}

	readers, err := ctx.ListReaders()

	if err != nil {
		ctx.Release()
		return nil, err
	}

	if len(readers) == 0 {
		ctx.Release()
		return nil, errors.New("no smart card readers found")
	}

	index, err := waitUntilCardPresent(ctx, readers)

	if err != nil {
		ctx.Release()
		return nil, err
	}

	slog.Debug("Connecting", "Reader", readers[index])

	card, err := ctx.Connect(readers[index], scard.ShareExclusive, scard.ProtocolAny)

	if err != nil {
		ctx.Release()
		return nil, err
	}

	transport := &PCSC{ctx: ctx, card: card}

	if err := transport.selectApplet(); err != nil {
		transport.Close()
		return nil, err
	}

	return transport, nil
}

func waitUntilCardPresent(ctx *scard.Context, readers []string) (int, error) {
	states := make([]scard.ReaderState, len(readers))
	for i := range states {
		states[i].Reader = readers[i]
		states[i].CurrentState = scard.StateUnaware
	}

	for {
		for i := range states {
			if states[i].EventState&scard.StatePresent != 0 {
				return i, nil
			}
			states[i].CurrentState = states[i].EventState
		}
		if err := ctx.GetStatusChange(states, -1); err != nil {
			return -1, err
		}
	}
}

func (t *PCSC) selectApplet() error {
	capdu := apdu.Capdu{Cla: 0x00, Ins: 0xA4, P1: 0x04, Data: appletID}

	raw, err := capdu.Bytes()

	if err != nil {
		return err
	}

	response, err := t.card.Transmit(raw)

	if err != nil {
		return err
	}

	statusWord, _, err := apduUnwrap(response)

	if err != nil {
		return err
	}

	if statusWord != swOkay {
		return fmt.Errorf("applet select failed: status word 0x%04x", statusWord)
	}

	return nil
}

// Send performs one command round trip: CBOR encode, APDU wrap, transmit,
// unwrap, CBOR decode. Non-success status words are not errors at this
// layer; the result map is still decoded on a best-effort basis.
func (t *PCSC) Send(cmd string, args map[string]any) (uint16, map[string]any, error) {
	body, err := encodeRequest(cmd, args)

	if err != nil {
		return 0, nil, err
	}

	raw, err := apduWrap(body)

	if err != nil {
		return 0, nil, err
	}

	response, err := t.card.Transmit(raw)

	if err != nil {
		return 0, nil, err
	}

	statusWord, data, err := apduUnwrap(response)

	if err != nil {
		return 0, nil, err
	}

	result, err := decodeResponse(data)

	if err != nil {
		if statusWord != swOkay {
			// Keep the status word visible even when the error body
			// does not parse.
			return statusWord, map[string]any{}, nil
		}
		return 0, nil, err
	}

	return statusWord, result, nil
}

func (t *PCSC) Close() error {
	if t.card != nil {
		t.card.Disconnect(scard.LeaveCard)
		t.card = nil
	}
	if t.ctx != nil {
		err := t.ctx.Release()
		t.ctx = nil
		return err
	}
	return nil
}
