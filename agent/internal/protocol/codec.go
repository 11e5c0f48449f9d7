package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/sha3"
)

// RawMessage is an encoded CBOR value whose decoding is delayed until the Kind is known.
type RawMessage = cbor.RawMessage

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	// Core deterministic encoding: the same message always produces identical bytes.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}

	// Unknown fields are ignored so newer coordinators can add fields.
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Encode serializes an envelope into a single websocket frame.
func Encode(env *Envelope) ([]byte, error) {
	data, err := Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", env.Kind, err)
	}
	return data, nil
}

// Decode parses a websocket frame into an envelope.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if env.Kind == "" {
		return nil, fmt.Errorf("message is missing a kind")
	}
	return &env, nil
}

// Checksum returns the hex encoded sha3-256 digest of data, as carried by the last frame of a file.
func Checksum(data []byte) string {
	return fmt.Sprintf("%x", sha3.Sum256(data))
}
