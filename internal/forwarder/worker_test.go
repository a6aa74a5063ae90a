package forwarder

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/totalperformancedata/gmaxrelay/internal/codec"
	"github.com/totalperformancedata/gmaxrelay/internal/fault"
	"github.com/totalperformancedata/gmaxrelay/internal/handoff"
	"github.com/totalperformancedata/gmaxrelay/internal/model"
	"github.com/totalperformancedata/gmaxrelay/internal/sink"
)

// fakeSink fails according to script before accepting pushes.
type fakeSink struct {
	mu      sync.Mutex
	pushed  [][]byte
	dests   []string
	script  []error // consumed one per push; nil entries succeed
	always  error   // returned when the script is empty, if set
	block   bool    // wait for ctx on every push
	closed  int
	attempt int
}

func (s *fakeSink) Name() string { return "fake" }

func (s *fakeSink) Push(ctx context.Context, destination string, payload []byte) error {
	s.mu.Lock()
	s.attempt++
	block := s.block
	var err error
	if len(s.script) > 0 {
		err = s.script[0]
		s.script = s.script[1:]
	} else {
		err = s.always
	}
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.pushed = append(s.pushed, append([]byte(nil), payload...))
	s.dests = append(s.dests, destination)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) payloads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.pushed))
	for i, p := range s.pushed {
		out[i] = string(p)
	}
	return out
}

// ackInbox records acknowledged messages.
type ackInbox struct {
	*handoff.Queue
	mu    sync.Mutex
	acked []string
}

func (a *ackInbox) Ack(msg model.Message) error {
	a.mu.Lock()
	a.acked = append(a.acked, msg.Payload)
	a.mu.Unlock()
	return a.Queue.Ack(msg)
}

func (a *ackInbox) ackedPayloads() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.acked...)
}

func newInbox(t *testing.T, payloads ...string) *ackInbox {
	t.Helper()
	q, err := handoff.New(handoff.Config{})
	if err != nil {
		t.Fatalf("handoff.New: %v", err)
	}
	for _, p := range payloads {
		if err := q.Push(context.Background(), model.NewMessage(p, "127.0.0.1:9", false)); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	return &ackInbox{Queue: q}
}

func connectTo(s sink.Sink) Connector {
	return func(context.Context) (sink.Sink, error) { return s, nil }
}

var fastRetry = Config{RetryInitial: time.Millisecond, RetryMax: 5 * time.Millisecond}

func newConnectedWorker(t *testing.T, s sink.Sink, src model.Inbox, policy fault.Policy, cfg Config) *Worker {
	t.Helper()
	w := New(connectTo(s), src, policy, cfg)
	if err := w.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if w.State() != StateReady {
		t.Fatalf("state after Connect = %s, want ready", w.State())
	}
	return w
}

func runUntilDone(t *testing.T, w *Worker, ctx context.Context) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestConnect_FailureIsConnectionError(t *testing.T) {
	t.Parallel()

	w := New(func(context.Context) (sink.Sink, error) {
		return nil, errors.New("dial tcp 127.0.0.1:6379: connection refused")
	}, newInbox(t), nil, Config{})

	err := w.Connect(context.Background())
	if fault.KindOf(err) != fault.KindConnection {
		t.Fatalf("Connect err = %v, want connection error", err)
	}
	if w.State() != StateFailed {
		t.Fatalf("state = %s, want failed", w.State())
	}
	if err := w.Connect(context.Background()); err == nil {
		t.Fatal("expected second Connect to be rejected")
	}
	if err := w.Run(context.Background()); err == nil {
		t.Fatal("expected Run without a sink to fail")
	}
}

func TestRun_ForwardsInOrderAndStopsWhenDrained(t *testing.T) {
	t.Parallel()

	s := &fakeSink{}
	src := newInbox(t, "A", "B", "C")
	src.Close()

	w := newConnectedWorker(t, s, src, fault.Hardened(), Config{Destination: "race_feed"})
	if err := runUntilDone(t, w, context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := strings.Join(s.payloads(), ","); got != "A,B,C" {
		t.Fatalf("pushed = %s, want A,B,C", got)
	}
	if got := strings.Join(src.ackedPayloads(), ","); got != "A,B,C" {
		t.Fatalf("acked = %s, want A,B,C", got)
	}
	if s.dests[0] != "race_feed" {
		t.Fatalf("destination = %q, want race_feed", s.dests[0])
	}
	if w.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", w.State())
	}
	stats := w.Stats()
	if stats.Forwarded != 3 || stats.LastForwardAt.IsZero() {
		t.Fatalf("stats = %+v, want forwarded=3", stats)
	}
	if w.SinkName() != "fake" || w.Destination() != "race_feed" {
		t.Fatalf("SinkName/Destination = %q/%q", w.SinkName(), w.Destination())
	}
}

func TestRun_RetriesSameMessageWithoutDuplicates(t *testing.T) {
	t.Parallel()

	transient := fault.Sink("rpush", errors.New("connection reset"), true)
	s := &fakeSink{script: []error{nil, transient, transient}}
	src := newInbox(t, "A", "B")
	src.Close()

	w := newConnectedWorker(t, s, src, fault.Hardened(), fastRetry)
	if err := runUntilDone(t, w, context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := strings.Join(s.payloads(), ","); got != "A,B" {
		t.Fatalf("pushed = %s, want A,B exactly once each", got)
	}
	stats := w.Stats()
	if stats.Failed != 2 || stats.Retries != 2 {
		t.Fatalf("stats = %+v, want failed=2 retries=2", stats)
	}
	if !strings.Contains(stats.LastError, "connection reset") {
		t.Fatalf("LastError = %q", stats.LastError)
	}
}

func TestRun_FatalSinkErrorAborts(t *testing.T) {
	t.Parallel()

	s := &fakeSink{always: fault.Sink("rpush", errors.New("WRONGTYPE Operation against a key holding the wrong kind of value"), false)}
	src := newInbox(t, "A", "B")

	w := newConnectedWorker(t, s, src, fault.Hardened(), fastRetry)
	err := runUntilDone(t, w, context.Background())
	if fault.KindOf(err) != fault.KindSink {
		t.Fatalf("Run err = %v, want sink error", err)
	}
	if w.State() != StateFailed {
		t.Fatalf("state = %s, want failed", w.State())
	}
	if len(src.ackedPayloads()) != 0 {
		t.Fatalf("acked %v, want nothing", src.ackedPayloads())
	}
	if src.Len() != 1 {
		t.Fatalf("queue depth = %d, want B still queued", src.Len())
	}
}

func TestRun_StrictPolicyAbortsOnTransientError(t *testing.T) {
	t.Parallel()

	s := &fakeSink{script: []error{fault.Sink("rpush", errors.New("EOF"), true)}}
	src := newInbox(t, "A")

	w := newConnectedWorker(t, s, src, fault.Strict(), fastRetry)
	err := runUntilDone(t, w, context.Background())
	if !fault.IsRetryable(err) || fault.KindOf(err) != fault.KindSink {
		t.Fatalf("Run err = %v, want the retryable sink error", err)
	}
	if s.attempt != 1 {
		t.Fatalf("attempts = %d, want 1", s.attempt)
	}
}

func TestRun_UntaggedErrorsAreClassified(t *testing.T) {
	t.Parallel()

	s := &fakeSink{script: []error{context.DeadlineExceeded}}
	src := newInbox(t, "A")
	src.Close()

	w := newConnectedWorker(t, s, src, fault.Hardened(), fastRetry)
	if err := runUntilDone(t, w, context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := s.payloads(); len(got) != 1 {
		t.Fatalf("pushed = %v, want A once", got)
	}
}

func TestRun_PushTimeoutIsRetried(t *testing.T) {
	t.Parallel()

	s := &fakeSink{block: true}
	src := newInbox(t, "A")
	src.Close()

	cfg := fastRetry
	cfg.PushTimeout = 20 * time.Millisecond
	w := newConnectedWorker(t, s, src, fault.Hardened(), cfg)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	deadline := time.Now().Add(3 * time.Second)
	for w.Stats().Failed < 2 {
		if time.Now().After(deadline) {
			t.Fatal("push timeouts were not retried")
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.mu.Lock()
	s.block = false
	s.mu.Unlock()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not finish after the sink recovered")
	}
	if !strings.Contains(w.Stats().LastError, "timeout") {
		t.Fatalf("LastError = %q, want push timeout", w.Stats().LastError)
	}
}

func TestRun_CancelMidRetryLeavesMessageUnacked(t *testing.T) {
	t.Parallel()

	s := &fakeSink{always: fault.Sink("rpush", errors.New("connection refused"), true)}
	src := newInbox(t, "A")

	w := newConnectedWorker(t, s, src, fault.Hardened(), fastRetry)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for w.Stats().Failed < 3 {
		if time.Now().After(deadline) {
			t.Fatal("worker did not retry")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run after cancel = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
	if len(src.ackedPayloads()) != 0 {
		t.Fatalf("acked %v, want nothing", src.ackedPayloads())
	}
	if w.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", w.State())
	}
}

func TestRun_MaxElapsedGivesUp(t *testing.T) {
	t.Parallel()

	s := &fakeSink{always: fault.Sink("rpush", errors.New("connection refused"), true)}
	src := newInbox(t, "A")

	cfg := fastRetry
	cfg.RetryMaxElapsed = 50 * time.Millisecond
	w := newConnectedWorker(t, s, src, fault.Hardened(), cfg)

	err := runUntilDone(t, w, context.Background())
	if fault.KindOf(err) != fault.KindSink {
		t.Fatalf("Run err = %v, want sink error after giving up", err)
	}
}

func TestRun_MsgpackEncoding(t *testing.T) {
	t.Parallel()

	s := &fakeSink{}
	src := newInbox(t, "lap 3")
	src.Close()

	w := newConnectedWorker(t, s, src, fault.Hardened(), Config{Encoding: codec.Msgpack})
	if err := runUntilDone(t, w, context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	s.mu.Lock()
	raw := s.pushed[0]
	s.mu.Unlock()
	env, err := codec.DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if env.Payload != "lap 3" || env.ID == "" || env.Source != "127.0.0.1:9" {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestClose_ClosesSinkOnce(t *testing.T) {
	t.Parallel()

	s := &fakeSink{}
	w := newConnectedWorker(t, s, newInbox(t), nil, Config{})
	_ = w.Close()
	_ = w.Close()
	if s.closed != 1 {
		t.Fatalf("sink closed %d times, want 1", s.closed)
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	if StateForwarding.String() != "forwarding" || !StateForwarding.Healthy() {
		t.Fatal("forwarding should be a healthy state")
	}
	if StateFailed.Healthy() || StateConnecting.Healthy() {
		t.Fatal("failed and connecting are not healthy")
	}
}
