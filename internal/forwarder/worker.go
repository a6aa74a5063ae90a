// Package forwarder drains the handoff queue into a sink, one message at a
// time, retrying transient push failures without reordering or dropping.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/totalperformancedata/gmaxrelay/internal/codec"
	"github.com/totalperformancedata/gmaxrelay/internal/fault"
	"github.com/totalperformancedata/gmaxrelay/internal/handoff"
	"github.com/totalperformancedata/gmaxrelay/internal/model"
	"github.com/totalperformancedata/gmaxrelay/internal/sink"
)

const (
	DefaultRetryInitial  = 100 * time.Millisecond
	DefaultRetryMax      = 5 * time.Second
	DefaultEscalateAfter = 10
)

// Connector opens the sink connection. It runs once, from Connect.
type Connector func(ctx context.Context) (sink.Sink, error)

// Config holds tunable parameters for the worker.
type Config struct {
	Destination     string
	PushTimeout     time.Duration
	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryMaxElapsed time.Duration // 0 retries forever
	EscalateAfter   int           // consecutive failures between error-level logs
	Encoding        codec.Encoding
}

// Worker owns the sink connection and forwards messages strictly in order.
type Worker struct {
	connect Connector
	src     model.Inbox
	policy  fault.Policy
	cfg     Config

	sink      sink.Sink
	closeOnce sync.Once
	state     atomic.Int32

	forwarded     atomic.Uint64
	retries       atomic.Uint64
	failed        atomic.Uint64
	lastForwardNs atomic.Int64

	mu       sync.Mutex
	lastErr  string
	sinkName string
}

// New creates a worker. Zero Config fields take the package defaults.
func New(connect Connector, src model.Inbox, policy fault.Policy, cfg Config) *Worker {
	if cfg.Destination == "" {
		cfg.Destination = model.DefaultDestination
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = model.DefaultPushTimeout
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = DefaultRetryInitial
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = DefaultRetryMax
	}
	if cfg.RetryMax < cfg.RetryInitial {
		cfg.RetryMax = cfg.RetryInitial
	}
	if cfg.EscalateAfter <= 0 {
		cfg.EscalateAfter = DefaultEscalateAfter
	}
	if cfg.Encoding == "" {
		cfg.Encoding = codec.Raw
	}
	if policy == nil {
		policy = fault.Hardened()
	}
	return &Worker{connect: connect, src: src, policy: policy, cfg: cfg}
}

// Connect opens the sink. Any failure is a fault.KindConnection error and
// leaves the worker Failed.
func (w *Worker) Connect(ctx context.Context) error {
	if !w.state.CompareAndSwap(int32(StateUninitialized), int32(StateConnecting)) {
		return fmt.Errorf("forwarder: connect in state %s", w.State())
	}

	s, err := w.connect(ctx)
	if err == nil && s == nil {
		err = errors.New("connector returned no sink")
	}
	if err != nil {
		w.setState(StateFailed)
		w.recordError(err)
		if fault.KindOf(err) != fault.KindConnection {
			err = fault.Connection("connect sink", err)
		}
		return err
	}

	w.sink = s
	w.mu.Lock()
	w.sinkName = s.Name()
	w.mu.Unlock()
	w.setState(StateReady)
	log.Info().
		Str("component", "forwarder").
		Str("sink", s.Name()).
		Str("destination", w.cfg.Destination).
		Str("encoding", string(w.cfg.Encoding)).
		Msg("connected to sink")
	return nil
}

// Run forwards messages until the source is closed and drained (nil), ctx is
// cancelled (nil; an in-flight message stays unacknowledged), or an error
// resolves to abort (the error is returned and the worker is Failed).
func (w *Worker) Run(ctx context.Context) error {
	if w.sink == nil {
		return errors.New("forwarder: Run before Connect")
	}

	for {
		msg, err := w.src.Pop(ctx)
		if err != nil {
			if errors.Is(err, handoff.ErrClosed) || ctx.Err() != nil {
				w.setState(StateStopped)
				return nil
			}
			w.setState(StateFailed)
			return fmt.Errorf("forwarder: pop: %w", err)
		}

		w.setState(StateForwarding)
		if err := w.deliver(ctx, msg); err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				log.Warn().
					Str("component", "forwarder").
					Str("id", msg.ID).
					Uint64("seq", msg.Seq).
					Msg("stopped before message was delivered")
				w.setState(StateStopped)
				return nil
			}
			w.setState(StateFailed)
			log.Error().Str("component", "forwarder").Str("id", msg.ID).Err(err).Msg("aborting on sink error")
			return err
		}

		if err := w.src.Ack(msg); err != nil {
			w.setState(StateFailed)
			return fmt.Errorf("forwarder: ack: %w", err)
		}
		w.setState(StateReady)
	}
}

// deliver pushes one message, retrying the same payload while the policy
// says so. It returns nil on success, ctx.Err() on cancellation, or the
// fatal sink error.
func (w *Worker) deliver(ctx context.Context, msg model.Message) error {
	payload, err := w.cfg.Encoding.Encode(msg)
	if err != nil {
		return fault.Sink("encode", err, false)
	}

	failures := 0
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		err := w.push(ctx, payload)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		failures++
		w.failed.Add(1)
		w.recordError(err)

		if w.policy.Resolve(err) != fault.ActionRetry {
			return backoff.Permanent(err)
		}
		ev := log.Warn()
		if failures%w.cfg.EscalateAfter == 0 {
			ev = log.Error()
		}
		ev.Str("component", "forwarder").
			Str("id", msg.ID).
			Int("consecutive_failures", failures).
			Err(err).
			Msg("push failed, retrying")
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.RetryInitial
	b.MaxInterval = w.cfg.RetryMax
	b.MaxElapsedTime = w.cfg.RetryMaxElapsed

	err = backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(error, time.Duration) {
		w.retries.Add(1)
	})
	if err != nil {
		return err
	}

	if failures > 0 {
		log.Info().Str("component", "forwarder").Int("failures", failures).Msg("sink recovered")
	}
	w.forwarded.Add(1)
	w.lastForwardNs.Store(time.Now().UnixNano())
	return nil
}

// push makes one bounded attempt. A timed-out attempt is a retryable sink error.
func (w *Worker) push(ctx context.Context, payload []byte) error {
	pctx, cancel := context.WithTimeout(ctx, w.cfg.PushTimeout)
	defer cancel()

	err := w.sink.Push(pctx, w.cfg.Destination, payload)
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && errors.Is(pctx.Err(), context.DeadlineExceeded) {
		return fault.Sink("push timeout", err, true)
	}
	if fault.KindOf(err) != fault.KindSink {
		return fault.Sink("push", err, sink.Transient(err))
	}
	return err
}

// Close closes the sink connection. It is safe to call more than once.
func (w *Worker) Close() error {
	var err error
	w.closeOnce.Do(func() {
		if w.sink != nil {
			err = w.sink.Close()
		}
	})
	return err
}

func (w *Worker) State() State { return State(w.state.Load()) }

func (w *Worker) setState(s State) { w.state.Store(int32(s)) }

// SinkName returns the connected sink's name, or "" before Connect.
func (w *Worker) SinkName() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sinkName
}

// Destination returns the fixed push destination.
func (w *Worker) Destination() string { return w.cfg.Destination }

func (w *Worker) recordError(err error) {
	w.mu.Lock()
	w.lastErr = err.Error()
	w.mu.Unlock()
}

// Stats returns a snapshot of the push counters.
func (w *Worker) Stats() model.ForwarderStats {
	w.mu.Lock()
	lastErr := w.lastErr
	w.mu.Unlock()

	stats := model.ForwarderStats{
		Forwarded: w.forwarded.Load(),
		Retries:   w.retries.Load(),
		Failed:    w.failed.Load(),
		LastError: lastErr,
	}
	if ns := w.lastForwardNs.Load(); ns > 0 {
		stats.LastForwardAt = time.Unix(0, ns).UTC()
	}
	return stats
}
