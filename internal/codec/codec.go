// Package codec turns a relayed message into the bytes pushed to the sink.
package codec

import (
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/totalperformancedata/gmaxrelay/internal/model"
)

// Encoding names a wire format for sink values.
type Encoding string

const (
	// Raw pushes the decoded datagram text unchanged.
	Raw Encoding = "raw"
	// Msgpack pushes an Envelope carrying the text plus receive metadata.
	Msgpack Encoding = "msgpack"
)

// Envelope is the msgpack representation of a message.
type Envelope struct {
	ID           string `msgpack:"id"`
	Source       string `msgpack:"source"`
	ReceivedAtMs int64  `msgpack:"received_at_ms"`
	Truncated    bool   `msgpack:"truncated"`
	Payload      string `msgpack:"payload"`
}

// Parse validates a configured encoding name.
func Parse(s string) (Encoding, error) {
	switch e := Encoding(strings.ToLower(strings.TrimSpace(s))); e {
	case "":
		return Raw, nil
	case Raw, Msgpack:
		return e, nil
	default:
		return "", fmt.Errorf("codec: unknown encoding %q", s)
	}
}

// Encode returns the sink value for msg.
func (e Encoding) Encode(msg model.Message) ([]byte, error) {
	switch e {
	case Raw, "":
		return []byte(msg.Payload), nil
	case Msgpack:
		b, err := msgpack.Marshal(&Envelope{
			ID:           msg.ID,
			Source:       msg.Source,
			ReceivedAtMs: msg.ReceivedAt.UnixMilli(),
			Truncated:    msg.Truncated,
			Payload:      msg.Payload,
		})
		if err != nil {
			return nil, fmt.Errorf("codec: marshal envelope: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("codec: unknown encoding %q", string(e))
	}
}

// DecodeEnvelope parses a msgpack sink value. Consumers and tests use it.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("codec: unmarshal envelope: %w", err)
	}
	return env, nil
}
