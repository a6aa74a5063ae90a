package pipeline

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/totalperformancedata/gmaxrelay/internal/fault"
	"github.com/totalperformancedata/gmaxrelay/internal/forwarder"
	"github.com/totalperformancedata/gmaxrelay/internal/journal"
	"github.com/totalperformancedata/gmaxrelay/internal/model"
	"github.com/totalperformancedata/gmaxrelay/internal/sink"
	"github.com/totalperformancedata/gmaxrelay/internal/sink/redisq"
	"github.com/totalperformancedata/gmaxrelay/internal/udpserver"
)

const queueKey = "test_queue"

func redisConnector(addr string) forwarder.Connector {
	return func(ctx context.Context) (sink.Sink, error) {
		return redisq.Connect(ctx, redisq.Config{Addr: addr, DialTimeout: 500 * time.Millisecond})
	}
}

func testConfig() Config {
	return Config{
		ListenAddr: "127.0.0.1:0",
		Forwarder: forwarder.Config{
			Destination:  queueKey,
			PushTimeout:  time.Second,
			RetryInitial: 10 * time.Millisecond,
			RetryMax:     100 * time.Millisecond,
		},
		DrainTimeout: 2 * time.Second,
	}
}

type running struct {
	p      *Pipeline
	cancel context.CancelFunc
	done   chan error
}

func startPipeline(t *testing.T, cfg Config, connect forwarder.Connector) *running {
	t.Helper()
	p := New(cfg, connect)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{p: p, cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-r.done:
		case <-time.After(5 * time.Second):
			t.Error("pipeline did not stop")
		}
	})
	return r
}

func (r *running) stop(t *testing.T) error {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		r.done <- err
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
		return nil
	}
}

func sendPackets(t *testing.T, addr string, packets ...[]byte) {
	t.Helper()
	conn, err := net.Dial("udp", addr)
	if err != nil {
		t.Fatalf("dial udp %s: %v", addr, err)
	}
	defer conn.Close()
	for _, p := range packets {
		if _, err := conn.Write(p); err != nil {
			t.Fatalf("write: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitEventually(t *testing.T, timeout, interval time.Duration, condition func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if condition() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("eventually timeout: %s", msg)
		}
		time.Sleep(interval)
	}
}

func listEquals(mr *miniredis.Miniredis, want ...string) func() bool {
	return func() bool {
		got, err := mr.List(queueKey)
		if err != nil {
			return len(want) == 0
		}
		return strings.Join(got, "\x00") == strings.Join(want, "\x00")
	}
}

func list(mr *miniredis.Miniredis) []string {
	got, _ := mr.List(queueKey)
	return got
}

func TestE2E_PacketsArriveInOrder(t *testing.T) {
	mr := miniredis.RunT(t)
	r := startPipeline(t, testConfig(), redisConnector(mr.Addr()))

	sendPackets(t, r.p.Addr(), []byte("A"), []byte("B"), []byte("C"))
	waitEventually(t, 5*time.Second, 10*time.Millisecond, listEquals(mr, "A", "B", "C"), "A,B,C in the list")

	st := r.p.Status()
	if st.Sink != "redis" || st.Destination != queueKey || st.Receiver.Received != 3 {
		t.Fatalf("status = %+v", st)
	}
	if !r.p.Healthy() {
		t.Fatalf("pipeline not healthy, worker state %s", st.WorkerState)
	}
	if err := r.stop(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := r.p.Status().WorkerState; got != forwarder.StateStopped.String() {
		t.Fatalf("worker state after shutdown = %s, want stopped", got)
	}
}

func TestE2E_ManyPacketsNoGapsOrDuplicates(t *testing.T) {
	mr := miniredis.RunT(t)
	r := startPipeline(t, testConfig(), redisConnector(mr.Addr()))

	const n = 200
	want := make([]string, n)
	packets := make([][]byte, n)
	for i := range packets {
		want[i] = "pkt-" + strings.Repeat("x", i%7) + string(rune('a'+i%26))
		packets[i] = []byte(want[i])
	}
	sendPackets(t, r.p.Addr(), packets...)

	waitEventually(t, 10*time.Second, 20*time.Millisecond, listEquals(mr, want...), "all packets in order")
}

func TestE2E_InvalidUTF8IsDroppedAndLaterPacketsFlow(t *testing.T) {
	mr := miniredis.RunT(t)
	r := startPipeline(t, testConfig(), redisConnector(mr.Addr()))

	sendPackets(t, r.p.Addr(), []byte("A"), []byte{0xff, 0xfe, 0xfd}, []byte("B"))
	waitEventually(t, 5*time.Second, 10*time.Millisecond, listEquals(mr, "A", "B"), "A,B after an invalid packet")

	if got := r.p.Status().Receiver.DroppedDecode; got != 1 {
		t.Fatalf("DroppedDecode = %d, want 1", got)
	}
}

func TestE2E_StrictPolicyAbortsOnInvalidUTF8(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.Policy = fault.Strict()
	r := startPipeline(t, cfg, redisConnector(mr.Addr()))

	sendPackets(t, r.p.Addr(), []byte("A"))
	waitEventually(t, 5*time.Second, 10*time.Millisecond, listEquals(mr, "A"), "A before the invalid packet")
	sendPackets(t, r.p.Addr(), []byte{0xc3, 0x28})

	select {
	case err := <-r.done:
		r.done <- err
		if fault.ExitCode(err) != fault.ExitDecode {
			t.Fatalf("Run err = %v (exit %d), want decode exit", err, fault.ExitCode(err))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("strict pipeline did not abort on invalid UTF-8")
	}
}

func TestE2E_OversizePolicies(t *testing.T) {
	big := []byte(strings.Repeat("y", 64))

	t.Run("truncate", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := testConfig()
		cfg.Receiver.MaxDatagramSize = 16
		r := startPipeline(t, cfg, redisConnector(mr.Addr()))

		sendPackets(t, r.p.Addr(), big, []byte("next"))
		waitEventually(t, 5*time.Second, 10*time.Millisecond,
			listEquals(mr, strings.Repeat("y", 16), "next"), "truncated packet then next")
	})

	t.Run("reject", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := testConfig()
		cfg.Receiver.MaxDatagramSize = 16
		cfg.Receiver.Oversize = udpserver.OversizeReject
		r := startPipeline(t, cfg, redisConnector(mr.Addr()))

		sendPackets(t, r.p.Addr(), big, []byte("next"))
		waitEventually(t, 5*time.Second, 10*time.Millisecond, listEquals(mr, "next"), "only the packet after the rejected one")
		if got := r.p.Status().Receiver.DroppedOversize; got != 1 {
			t.Fatalf("DroppedOversize = %d, want 1", got)
		}
	})
}

func TestStart_UnreachableSinkFailsBeforeBind(t *testing.T) {
	mr := miniredis.RunT(t)
	redisAddr := mr.Addr()
	mr.Close()

	// Reserve a UDP port, then free it for the pipeline.
	probe, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	listenAddr := probe.LocalAddr().String()
	_ = probe.Close()

	cfg := testConfig()
	cfg.ListenAddr = listenAddr
	p := New(cfg, redisConnector(redisAddr))
	err = p.Start(context.Background())
	if fault.KindOf(err) != fault.KindConnection {
		t.Fatalf("Start err = %v, want connection error", err)
	}
	if fault.ExitCode(err) != fault.ExitConnection {
		t.Fatalf("exit code = %d, want %d", fault.ExitCode(err), fault.ExitConnection)
	}

	// The socket was never bound, so the port is still free.
	again, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		t.Fatalf("port %s was bound by a failed Start: %v", listenAddr, err)
	}
	_ = again.Close()

	if err := p.Run(context.Background()); err == nil {
		t.Fatal("expected Run after a failed Start to error")
	}
}

func TestStart_BindFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	occupied, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer occupied.Close()

	cfg := testConfig()
	cfg.ListenAddr = occupied.LocalAddr().String()
	err = New(cfg, redisConnector(mr.Addr())).Start(context.Background())
	if fault.ExitCode(err) != fault.ExitBind {
		t.Fatalf("Start err = %v, want bind error", err)
	}
}

func TestE2E_SinkOutageDeliversAfterRestoreWithoutDuplicates(t *testing.T) {
	mr := miniredis.RunT(t)
	r := startPipeline(t, testConfig(), redisConnector(mr.Addr()))

	sendPackets(t, r.p.Addr(), []byte("A"))
	waitEventually(t, 5*time.Second, 10*time.Millisecond, listEquals(mr, "A"), "A delivered before the outage")

	mr.Close()
	sendPackets(t, r.p.Addr(), []byte("B"))
	waitEventually(t, 5*time.Second, 10*time.Millisecond, func() bool {
		return r.p.Status().Forwarder.Failed > 0
	}, "push of B failing during the outage")

	if err := mr.Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	waitEventually(t, 10*time.Second, 20*time.Millisecond, listEquals(mr, "A", "B"), "B delivered after restore")

	time.Sleep(100 * time.Millisecond)
	if got := list(mr); len(got) != 2 {
		t.Fatalf("list = %v, want exactly [A B]", got)
	}
}

func TestE2E_JournalReplaysUndeliveredMessages(t *testing.T) {
	mr := miniredis.RunT(t)
	path := filepath.Join(t.TempDir(), "spool", "relay.journal")

	// A previous run accepted "old" but crashed before delivering it.
	j, err := journal.Open(path)
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	old := model.NewMessage("old", "10.0.0.1:5000", false)
	if _, err := j.Append(&old); err != nil {
		t.Fatalf("Append: %v", err)
	}
	_ = j.Close()

	cfg := testConfig()
	cfg.JournalPath = path
	r := startPipeline(t, cfg, redisConnector(mr.Addr()))

	sendPackets(t, r.p.Addr(), []byte("new"))
	waitEventually(t, 5*time.Second, 10*time.Millisecond, listEquals(mr, "old", "new"), "replayed message before new one")
	if err := r.stop(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Everything was acknowledged, so nothing replays next time.
	j, err = journal.Open(path)
	if err != nil {
		t.Fatalf("reopen journal: %v", err)
	}
	defer j.Close()
	pending := 0
	if err := j.Replay(func(model.Message) error { pending++; return nil }); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if pending != 0 {
		t.Fatalf("pending journal entries = %d, want 0", pending)
	}
}

func TestShutdown_DrainTimeoutKeepsUndeliveredInJournal(t *testing.T) {
	mr := miniredis.RunT(t)
	path := filepath.Join(t.TempDir(), "relay.journal")

	cfg := testConfig()
	cfg.JournalPath = path
	cfg.DrainTimeout = 100 * time.Millisecond
	r := startPipeline(t, cfg, redisConnector(mr.Addr()))

	mr.Close()
	sendPackets(t, r.p.Addr(), []byte("stuck"))
	waitEventually(t, 5*time.Second, 10*time.Millisecond, func() bool {
		return r.p.Status().Forwarder.Failed > 0
	}, "push failing while the sink is down")

	start := time.Now()
	if err := r.stop(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("shutdown took %s, want about the drain timeout", elapsed)
	}

	j, err := journal.Open(path)
	if err != nil {
		t.Fatalf("reopen journal: %v", err)
	}
	defer j.Close()
	var replayed []string
	_ = j.Replay(func(m model.Message) error {
		replayed = append(replayed, m.Payload)
		return nil
	})
	if len(replayed) != 1 || replayed[0] != "stuck" {
		t.Fatalf("replayed = %v, want [stuck]", replayed)
	}
}

func TestStatusBeforeStart(t *testing.T) {
	p := New(testConfig(), nil)
	st := p.Status()
	if st.WorkerState != forwarder.StateUninitialized.String() || st.ListenAddr != "127.0.0.1:0" {
		t.Fatalf("status = %+v", st)
	}
	if p.Healthy() {
		t.Fatal("unstarted pipeline reported healthy")
	}
}

func TestStatusWhileStarting(t *testing.T) {
	mr := miniredis.RunT(t)

	connect := redisConnector(mr.Addr())
	slowConnect := func(ctx context.Context) (sink.Sink, error) {
		time.Sleep(20 * time.Millisecond)
		return connect(ctx)
	}
	p := New(testConfig(), slowConnect)

	stop := make(chan struct{})
	polled := make(chan int)
	go func() {
		n := 0
		for {
			select {
			case <-stop:
				polled <- n
				return
			default:
			}
			_ = p.Status()
			_ = p.Healthy()
			_ = p.Addr()
			n++
		}
	}()

	if err := p.Start(context.Background()); err != nil {
		close(stop)
		<-polled
		t.Fatalf("Start: %v", err)
	}
	close(stop)
	if n := <-polled; n == 0 {
		t.Fatal("status was never read during Start")
	}

	st := p.Status()
	if st.StartedAt.IsZero() || st.ListenAddr == "127.0.0.1:0" {
		t.Fatalf("status after Start = %+v", st)
	}
	if !p.Healthy() {
		t.Fatal("started pipeline not healthy")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestStart_RetryAfterFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	p := New(testConfig(), redisConnector(addr))
	if err := p.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded against a stopped sink")
	}
	if err := p.Start(context.Background()); err == nil || strings.Contains(err.Error(), "already started") {
		t.Fatalf("second Start err = %v, want a sink error", err)
	}
}
