// Package pipeline wires the receiver, handoff queue, optional spool journal
// and forwarding worker together and owns their startup and shutdown order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/totalperformancedata/gmaxrelay/internal/fault"
	"github.com/totalperformancedata/gmaxrelay/internal/forwarder"
	"github.com/totalperformancedata/gmaxrelay/internal/handoff"
	"github.com/totalperformancedata/gmaxrelay/internal/journal"
	"github.com/totalperformancedata/gmaxrelay/internal/model"
	"github.com/totalperformancedata/gmaxrelay/internal/udpserver"
)

// Config holds everything the pipeline needs to start.
type Config struct {
	ListenAddr   string
	Receiver     udpserver.ServerConfig
	QueueMode    handoff.Mode
	QueueCap     int
	JournalPath  string // empty disables the spool journal
	Forwarder    forwarder.Config
	Policy       fault.Policy
	DrainTimeout time.Duration
}

// Pipeline is one relay instance: socket → decode → queue → sink.
type Pipeline struct {
	cfg     Config
	connect forwarder.Connector

	// mu guards the components below; the status API reads them while Start
	// is still assigning them.
	mu        sync.RWMutex
	starting  bool
	journal   *journal.Journal
	queue     *handoff.Queue
	worker    *forwarder.Worker
	receiver  *udpserver.Server
	startedAt time.Time
}

func New(cfg Config, connect forwarder.Connector) *Pipeline {
	if cfg.Policy == nil {
		cfg.Policy = fault.Hardened()
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = model.DefaultDrainTimeout
	}
	cfg.Receiver.Policy = cfg.Policy
	return &Pipeline{cfg: cfg, connect: connect}
}

// Start opens the journal, connects the sink, replays undelivered journal
// entries and binds the socket, in that order. A sink that cannot be reached
// fails Start before the socket is bound.
func (p *Pipeline) Start(ctx context.Context) (err error) {
	p.mu.Lock()
	if p.starting {
		p.mu.Unlock()
		return errors.New("pipeline: already started")
	}
	p.starting = true
	p.mu.Unlock()

	defer func() {
		if err != nil {
			p.mu.Lock()
			p.starting = false
			p.mu.Unlock()
		}
	}()

	var j *journal.Journal
	if p.cfg.JournalPath != "" {
		if j, err = journal.Open(p.cfg.JournalPath); err != nil {
			return fault.Spool("pipeline: open journal", err)
		}
	}

	qcfg := handoff.Config{Mode: p.cfg.QueueMode, Capacity: p.cfg.QueueCap}
	if j != nil {
		qcfg.Journal = j
	}
	q, err := handoff.New(qcfg)
	if err != nil {
		closeJournal(j)
		return fmt.Errorf("pipeline: %w", err)
	}
	w := forwarder.New(p.connect, q, p.cfg.Policy, p.cfg.Forwarder)

	p.mu.Lock()
	p.journal, p.queue, p.worker = j, q, w
	p.mu.Unlock()

	if err = w.Connect(ctx); err != nil {
		closeJournal(j)
		return err
	}

	if j != nil {
		replayed := 0
		err := j.Replay(func(msg model.Message) error {
			replayed++
			return q.Restore(msg)
		})
		if err != nil {
			p.closeSinkAndJournal()
			return fault.Spool("pipeline: replay journal", err)
		}
		if replayed > 0 {
			log.Info().Str("component", "pipeline").Int("messages", replayed).Msg("replayed undelivered messages from journal")
		}
	}

	receiver := udpserver.NewServer(p.cfg.ListenAddr, p.cfg.Receiver)
	if err := receiver.Bind(ctx); err != nil {
		p.closeSinkAndJournal()
		return err
	}

	p.mu.Lock()
	p.receiver = receiver
	p.startedAt = time.Now().UTC()
	p.mu.Unlock()
	return nil
}

// Run drives the receiver and the worker until ctx is cancelled or either
// fails. On the way out it stops intake, lets the worker drain the queue for
// up to the drain timeout, then closes the sink and journal. The first fatal
// error is returned; a clean shutdown returns nil.
func (p *Pipeline) Run(ctx context.Context) error {
	worker, queue, receiver, _ := p.components()
	if receiver == nil {
		return errors.New("pipeline: Run before Start")
	}
	defer p.closeSinkAndJournal()

	// The worker outlives ctx so it can drain; it is cancelled only when the
	// drain deadline passes.
	workerCtx, cancelWorker := context.WithCancel(context.Background())
	defer cancelWorker()

	g, gctx := errgroup.WithContext(ctx)
	workerDone := make(chan struct{})

	g.Go(func() error {
		defer close(workerDone)
		return worker.Run(workerCtx)
	})
	g.Go(func() error {
		defer queue.Close()
		return receiver.Run(gctx, queue)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-workerDone:
		}
		_ = receiver.Stop()
		queue.Close()

		drain := time.NewTimer(p.cfg.DrainTimeout)
		defer drain.Stop()
		select {
		case <-workerDone:
		case <-drain.C:
			log.Warn().
				Str("component", "pipeline").
				Int("undelivered", queue.Len()).
				Dur("drain_timeout", p.cfg.DrainTimeout).
				Msg("drain timeout reached, abandoning queued messages")
			cancelWorker()
			<-workerDone
		}
		return nil
	})

	err := g.Wait()
	log.Info().
		Str("component", "pipeline").
		Str("worker_state", worker.State().String()).
		Uint64("forwarded", worker.Stats().Forwarded).
		Msg("pipeline stopped")
	return err
}

func (p *Pipeline) closeSinkAndJournal() {
	p.mu.RLock()
	w, j := p.worker, p.journal
	p.mu.RUnlock()

	if w != nil {
		if err := w.Close(); err != nil {
			log.Warn().Str("component", "pipeline").Err(err).Msg("close sink")
		}
	}
	closeJournal(j)
}

func closeJournal(j *journal.Journal) {
	if j == nil {
		return
	}
	if err := j.Close(); err != nil {
		log.Warn().Str("component", "pipeline").Err(err).Msg("close journal")
	}
}

func (p *Pipeline) components() (*forwarder.Worker, *handoff.Queue, *udpserver.Server, time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.worker, p.queue, p.receiver, p.startedAt
}

// Addr returns the bound listen address, or the configured one before Start.
func (p *Pipeline) Addr() string {
	_, _, receiver, _ := p.components()
	if receiver == nil {
		return p.cfg.ListenAddr
	}
	return receiver.Addr()
}

// Healthy reports whether the worker holds a usable sink connection.
func (p *Pipeline) Healthy() bool {
	worker, _, _, _ := p.components()
	return worker != nil && worker.State().Healthy()
}

// Status returns a snapshot for the status API.
func (p *Pipeline) Status() model.Status {
	worker, queue, receiver, startedAt := p.components()
	st := model.Status{
		StartedAt:   startedAt,
		ListenAddr:  p.cfg.ListenAddr,
		Destination: p.cfg.Forwarder.Destination,
		WorkerState: forwarder.StateUninitialized.String(),
	}
	if worker != nil {
		st.Sink = worker.SinkName()
		st.Destination = worker.Destination()
		st.WorkerState = worker.State().String()
		st.Forwarder = worker.Stats()
	}
	if queue != nil {
		st.Queue = queue.Stats()
	}
	if receiver != nil {
		st.ListenAddr = receiver.Addr()
		st.Receiver = receiver.Stats()
	}
	return st
}
