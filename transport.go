package cktap

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/skythen/apdu"
)

// swOkay is the status word a card returns on protocol-layer success.
const swOkay uint16 = 0x9000

// Transport exchanges one command with a card. Implementations must return
// a best-effort result map even for non-success status words, so the engine
// can surface the card's own error fields.
type Transport interface {
	Send(cmd string, args map[string]any) (uint16, map[string]any, error)
	Close() error
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(cmd string, args map[string]any) (uint16, map[string]any, error)

func (f TransportFunc) Send(cmd string, args map[string]any) (uint16, map[string]any, error) {
	return f(cmd, args)
}

func (f TransportFunc) Close() error { return nil }

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	encMode, _ = cbor.CanonicalEncOptions().EncMode()

	// Signed-int conversion keeps result maps uniform: every integer field
	// decodes as int64 regardless of how the card encoded it.
	decMode, _ = cbor.DecOptions{IntDec: cbor.IntDecConvertSigned}.DecMode()
}

// encodeRequest serializes a command and its arguments into the CBOR map
// the card expects: the args plus a "cmd" key.
func encodeRequest(cmd string, args map[string]any) ([]byte, error) {
	request := map[string]any{"cmd": cmd}

	for key, value := range args {
		if key == "cmd" {
			return nil, fmt.Errorf("argument key %q is reserved", key)
		}
		request[key] = value
	}

	return encMode.Marshal(request)
}

// decodeResponse parses a CBOR response body into a result map. A nil or
// empty body yields an empty map rather than an error, since some commands
// respond with no fields at all.
func decodeResponse(body []byte) (map[string]any, error) {
	result := map[string]any{}

	if len(body) == 0 {
		return result, nil
	}

	if err := decMode.Unmarshal(body, &result); err != nil {
		return nil, err
	}

	return result, nil
}

// apduWrap frames a serialized request as an ISO 7816 command APDU.
func apduWrap(body []byte) ([]byte, error) {
	capdu := apdu.Capdu{Cla: 0x00, Ins: 0xCB, Data: body}

	return capdu.Bytes()
}

// apduUnwrap parses a response APDU and returns its status word and data
// field.
func apduUnwrap(raw []byte) (uint16, []byte, error) {
	rapdu, err := apdu.ParseRapdu(raw)

	if err != nil {
		return 0, nil, err
	}

	statusWord := uint16(rapdu.SW1)<<8 | uint16(rapdu.SW2)

	return statusWord, rapdu.Data, nil
}
