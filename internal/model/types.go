package model

import (
	"time"

	"github.com/google/uuid"
)

// Message is the decoded payload of exactly one received datagram.
// It is the transport contract between the receiver, the handoff queue and the forwarder.
type Message struct {
	ID         string    `json:"id"`
	Payload    string    `json:"payload"`
	Source     string    `json:"source,omitempty"` // remote ip:port
	ReceivedAt time.Time `json:"received_at"`
	Truncated  bool      `json:"truncated,omitempty"`

	// Seq is the spool journal sequence number. Zero when no journal is configured.
	Seq uint64 `json:"-"`
}

// NewMessage stamps a freshly decoded payload with an ID and receive time.
func NewMessage(payload, source string, truncated bool) Message {
	return Message{
		ID:         uuid.NewString(),
		Payload:    payload,
		Source:     source,
		ReceivedAt: time.Now().UTC(),
		Truncated:  truncated,
	}
}
