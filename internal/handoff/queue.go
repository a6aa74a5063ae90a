// Package handoff is the ordered conduit between the datagram receiver and the
// forwarding worker.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/totalperformancedata/gmaxrelay/internal/fault"
	"github.com/totalperformancedata/gmaxrelay/internal/model"
)

// Mode selects what Push does when a bounded queue is full.
type Mode string

const (
	// ModeUnbounded never blocks and never drops; memory grows with the backlog.
	ModeUnbounded Mode = "unbounded"
	// ModeBlock suspends the producer until the consumer frees a slot.
	ModeBlock Mode = "block"
	// ModeDrop rejects the message with ErrFull and counts it.
	ModeDrop Mode = "drop"
)

// DefaultBoundedCapacity is used by the bounded modes when no capacity is configured.
const DefaultBoundedCapacity = 100_000

var (
	// ErrClosed is returned by Push after Close, and by Pop once the queue is closed and empty.
	ErrClosed = errors.New("handoff: queue closed")
	// ErrFull is returned by Push in drop mode when the queue is at capacity.
	ErrFull = errors.New("handoff: queue full")
)

// Spool persists messages between Push and Ack so they survive a crash.
type Spool interface {
	Append(msg *model.Message) (uint64, error)
	Commit(seq uint64) error
}

// Config holds tunable parameters for the queue.
type Config struct {
	Mode     Mode
	Capacity int   // bounded modes only
	Journal  Spool // optional
}

// ParseMode validates a configured queue mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeUnbounded, nil
	case ModeUnbounded, ModeBlock, ModeDrop:
		return m, nil
	default:
		return "", fmt.Errorf("handoff: unknown queue mode %q", s)
	}
}

// Queue is a strict FIFO of messages. It is safe for one producer and one
// consumer running concurrently, and tolerates more of either.
type Queue struct {
	mode     Mode
	capacity int
	journal  Spool

	mu     sync.Mutex
	items  []model.Message
	closed bool

	// Waiters park on these channels; the other side closes and clears them.
	readable chan struct{}
	writable chan struct{}

	enqueued    atomic.Uint64
	dequeued    atomic.Uint64
	droppedFull atomic.Uint64
}

// New creates a queue.
func New(cfg Config) (*Queue, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeUnbounded
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}

	capacity := 0
	if mode != ModeUnbounded {
		capacity = cfg.Capacity
		if capacity < 0 {
			return nil, fmt.Errorf("handoff: capacity must be >= 0, got %d", cfg.Capacity)
		}
		if capacity == 0 {
			capacity = DefaultBoundedCapacity
		}
	}

	return &Queue{
		mode:     mode,
		capacity: capacity,
		journal:  cfg.Journal,
	}, nil
}

// Push appends msg. In unbounded mode it never blocks. When a journal is
// configured the message is persisted first and its Seq assigned.
func (q *Queue) Push(ctx context.Context, msg model.Message) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if q.capacity == 0 || len(q.items) < q.capacity {
			err := q.appendLocked(msg, true)
			q.mu.Unlock()
			return err
		}
		if q.mode == ModeDrop {
			q.mu.Unlock()
			q.droppedFull.Add(1)
			return ErrFull
		}

		wait := q.writable
		if wait == nil {
			wait = make(chan struct{})
			q.writable = wait
		}
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Restore enqueues a message replayed from the journal without journaling it
// again. It ignores capacity so replay cannot deadlock before the consumer starts.
func (q *Queue) Restore(msg model.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	return q.appendLocked(msg, false)
}

func (q *Queue) appendLocked(msg model.Message, journal bool) error {
	if journal && q.journal != nil {
		seq, err := q.journal.Append(&msg)
		if err != nil {
			return fault.Spool("handoff: spool message", err)
		}
		msg.Seq = seq
	}
	q.items = append(q.items, msg)
	q.enqueued.Add(1)
	if q.readable != nil {
		close(q.readable)
		q.readable = nil
	}
	return nil
}

// Pop removes and returns the oldest message, blocking until one is
// available. It returns ErrClosed once the queue is closed and drained,
// or ctx.Err() if ctx ends first.
func (q *Queue) Pop(ctx context.Context) (model.Message, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items[0] = model.Message{}
			q.items = q.items[1:]
			if len(q.items) == 0 {
				q.items = nil
			}
			if q.writable != nil {
				close(q.writable)
				q.writable = nil
			}
			q.mu.Unlock()
			q.dequeued.Add(1)
			return msg, nil
		}
		if q.closed {
			q.mu.Unlock()
			return model.Message{}, ErrClosed
		}

		wait := q.readable
		if wait == nil {
			wait = make(chan struct{})
			q.readable = wait
		}
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return model.Message{}, ctx.Err()
		}
	}
}

// Ack commits msg in the journal once the sink has accepted it.
func (q *Queue) Ack(msg model.Message) error {
	if q.journal == nil || msg.Seq == 0 {
		return nil
	}
	if err := q.journal.Commit(msg.Seq); err != nil {
		return fault.Spool(fmt.Sprintf("handoff: commit seq %d", msg.Seq), err)
	}
	return nil
}

// Close stops accepting new messages and wakes every waiter. Messages already
// queued can still be popped. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	if q.readable != nil {
		close(q.readable)
		q.readable = nil
	}
	if q.writable != nil {
		close(q.writable)
		q.writable = nil
	}
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() model.QueueStats {
	return model.QueueStats{
		Mode:        string(q.mode),
		Capacity:    q.capacity,
		Depth:       q.Len(),
		Enqueued:    q.enqueued.Load(),
		Dequeued:    q.dequeued.Load(),
		DroppedFull: q.droppedFull.Load(),
	}
}
