package model

import "context"

// Outbox accepts decoded messages from the receiver.
type Outbox interface {
	Push(ctx context.Context, msg Message) error
}

// Inbox hands messages to the forwarder in arrival order.
// Ack is called once a message has been accepted by the sink.
type Inbox interface {
	Pop(ctx context.Context) (Message, error)
	Ack(msg Message) error
}

// StatusProvider is the read contract for status surfaces (HTTP API, banner, sd_notify).
type StatusProvider interface {
	Status() Status
}
