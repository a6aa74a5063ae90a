package model

import "time"

// Status is a point-in-time snapshot of the relay, served by the status API.
type Status struct {
	StartedAt   time.Time      `json:"started_at"`
	ListenAddr  string         `json:"listen_addr"`
	Sink        string         `json:"sink"`
	Destination string         `json:"destination"`
	WorkerState string         `json:"worker_state"`
	Receiver    ReceiverStats  `json:"receiver"`
	Queue       QueueStats     `json:"queue"`
	Forwarder   ForwarderStats `json:"forwarder"`
}

// ReceiverStats counts datagrams seen by the receiver.
type ReceiverStats struct {
	Received        uint64    `json:"received"`
	Truncated       uint64    `json:"truncated"`
	DroppedDecode   uint64    `json:"dropped_decode"`
	DroppedOversize uint64    `json:"dropped_oversize"`
	LastPacketAt    time.Time `json:"last_packet_at,omitempty"`
}

// QueueStats describes the handoff queue.
type QueueStats struct {
	Mode        string `json:"mode"`
	Capacity    int    `json:"capacity"` // 0 = unbounded
	Depth       int    `json:"depth"`
	Enqueued    uint64 `json:"enqueued"`
	Dequeued    uint64 `json:"dequeued"`
	DroppedFull uint64 `json:"dropped_full"`
}

// ForwarderStats counts sink pushes.
type ForwarderStats struct {
	Forwarded     uint64    `json:"forwarded"`
	Retries       uint64    `json:"retries"`
	Failed        uint64    `json:"failed"`
	LastError     string    `json:"last_error,omitempty"`
	LastForwardAt time.Time `json:"last_forward_at,omitempty"`
}
