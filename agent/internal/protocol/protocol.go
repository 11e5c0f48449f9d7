// Package protocol defines the messages exchanged between a build agent and its coordinator.
//
// Every websocket frame carries exactly one CBOR encoded Envelope. The Kind selects the payload
// type and the BID scopes the message to a build, if any.
package protocol

import (
	"fmt"
)

// Kind identifies the type of a message.
type Kind string

const (
	// KindRegister is sent by the agent after every successful connect.
	KindRegister Kind = "register"

	// KindHire assigns a build to the agent and declares the number of input files.
	KindHire Kind = "hire"

	// KindAccept is sent by the agent to acknowledge a hire, and by the coordinator to signal
	// it is ready to receive artifacts.
	KindAccept Kind = "accept"

	// KindTransfer carries one frame of an input file (coordinator -> agent).
	KindTransfer Kind = "transfer"

	// KindBuilding notifies the coordinator the build sequence has started.
	KindBuilding Kind = "building"

	// KindConclude reports a finished build sequence and the number of artifacts to follow.
	KindConclude Kind = "conclude"

	// KindServe carries one frame of an output artifact (agent -> coordinator).
	KindServe Kind = "serve"

	// KindConfirm acknowledges one received artifact.
	KindConfirm Kind = "confirm"

	// KindFail reports an unrecoverable build failure.
	KindFail Kind = "fail"

	// KindCancel cancels an in-flight build.
	KindCancel Kind = "cancel"

	// KindLog carries a structured log entry in either direction.
	KindLog Kind = "log"
)

// MaxFrameSize is the maximum number of file bytes carried by a single transfer or serve frame.
const MaxFrameSize = 1024 * 1024

// Envelope wraps every message on the wire.
type Envelope struct {
	Kind    Kind       `cbor:"kind" json:"kind"`
	BID     string     `cbor:"bid,omitempty" json:"bid,omitempty"`
	Payload RawMessage `cbor:"payload,omitempty" json:"payload,omitempty"`
}

// Register announces the agent identity.
type Register struct {
	AID      string `cbor:"aid" json:"aid"`
	Platform string `cbor:"platform" json:"platform"`
	Name     string `cbor:"name,omitempty" json:"name,omitempty"`
}

// Hire assigns a build. Conf carries optional per-build settings (e.g. bundleid, buildmode, name).
type Hire struct {
	FileCount int               `cbor:"file_count" json:"file_count"`
	Conf      map[string]string `cbor:"conf,omitempty" json:"conf,omitempty"`
}

// Frame is one chunk of a streamed file. Frames of the same file share a StreamID and are
// numbered from zero. The first frame carries the file Name, the last one sets EOF and may
// carry the total Size and a hex encoded sha3-256 Checksum of the content.
type Frame struct {
	StreamID string `cbor:"stream_id" json:"stream_id"`
	Seq      uint64 `cbor:"seq" json:"seq"`
	Name     string `cbor:"name,omitempty" json:"name,omitempty"`
	Data     []byte `cbor:"data,omitempty" json:"data,omitempty"`
	EOF      bool   `cbor:"eof,omitempty" json:"eof,omitempty"`
	Size     int64  `cbor:"size,omitempty" json:"size,omitempty"`
	Checksum string `cbor:"checksum,omitempty" json:"checksum,omitempty"`
}

// Conclude reports a successful build sequence.
type Conclude struct {
	ArtifactCount int `cbor:"artifact_count" json:"artifact_count"`
}

// Fail reports an unrecoverable build failure.
type Fail struct {
	Error string `cbor:"error" json:"error"`
}

// Log is a structured log entry.
type Log struct {
	Time    int64  `cbor:"time" json:"time"`
	Level   string `cbor:"level" json:"level"`
	Message string `cbor:"message" json:"message"`
	Source  string `cbor:"source,omitempty" json:"source,omitempty"`
}

// New builds an envelope of the given kind, encoding payload when it is non-nil.
func New(kind Kind, bid string, payload any) (*Envelope, error) {
	env := &Envelope{Kind: kind, BID: bid}
	if payload == nil {
		return env, nil
	}
	data, err := Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	env.Payload = data
	return env, nil
}

// Decode parses the envelope payload into v.
func (env *Envelope) Decode(v any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", env.Kind)
	}
	if err := Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", env.Kind, err)
	}
	return nil
}

// String summarizes the envelope for logs.
func (env *Envelope) String() string {
	if env.BID == "" {
		return string(env.Kind)
	}
	return fmt.Sprintf("%s(%s)", env.Kind, env.BID)
}
