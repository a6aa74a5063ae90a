package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/totalperformancedata/gmaxrelay/internal/codec"
	"github.com/totalperformancedata/gmaxrelay/internal/fault"
	"github.com/totalperformancedata/gmaxrelay/internal/forwarder"
	"github.com/totalperformancedata/gmaxrelay/internal/handoff"
	"github.com/totalperformancedata/gmaxrelay/internal/httpserver"
	"github.com/totalperformancedata/gmaxrelay/internal/lifecycle"
	"github.com/totalperformancedata/gmaxrelay/internal/pipeline"
	"github.com/totalperformancedata/gmaxrelay/internal/udpserver"
)

// buildPipelineConfig turns the flat runtime config into the pipeline's
// typed config, rejecting unknown enum values.
func buildPipelineConfig(cfg appConfig) (pipeline.Config, error) {
	var pcfg pipeline.Config

	oversize, err := udpserver.ParseOversizePolicy(cfg.OversizePolicy)
	if err != nil {
		return pcfg, fmt.Errorf("invalid oversize-policy: %w", err)
	}
	mode, err := handoff.ParseMode(cfg.QueueMode)
	if err != nil {
		return pcfg, fmt.Errorf("invalid queue-mode: %w", err)
	}
	encoding, err := codec.Parse(cfg.Encoding)
	if err != nil {
		return pcfg, fmt.Errorf("invalid encoding: %w", err)
	}
	policy, err := fault.Named(cfg.ErrorPolicy)
	if err != nil {
		return pcfg, fmt.Errorf("invalid error-policy: %w", err)
	}
	if len(cfg.PolicyOverrides) > 0 {
		if policy, err = policy.With(cfg.PolicyOverrides); err != nil {
			return pcfg, fmt.Errorf("invalid policy-overrides: %w", err)
		}
	}

	return pipeline.Config{
		ListenAddr: cfg.ListenAddr,
		Receiver: udpserver.ServerConfig{
			MaxDatagramSize: cfg.MaxDatagramSize,
			Oversize:        oversize,
			ReuseAddr:       cfg.ReuseAddr,
			ReadBufferBytes: cfg.ReadBuffer,
		},
		QueueMode:   mode,
		QueueCap:    cfg.QueueCapacity,
		JournalPath: cfg.JournalPath,
		Forwarder: forwarder.Config{
			Destination:     cfg.Destination,
			PushTimeout:     cfg.PushTimeout,
			RetryInitial:    cfg.RetryInitial,
			RetryMax:        cfg.RetryMax,
			RetryMaxElapsed: cfg.RetryMaxElapsed,
			EscalateAfter:   cfg.EscalateAfter,
			Encoding:        encoding,
		},
		Policy:       policy,
		DrainTimeout: cfg.DrainTimeout,
	}, nil
}

// runRelay starts the relay and blocks until it stops. Startup failures and
// fatal in-loop errors are returned as *fault.Error values so main can map
// them to exit codes.
func runRelay(cfg appConfig) error {
	cleanupLogger, err := configureRuntimeLogger(cfg)
	if err != nil {
		return err
	}
	defer cleanupLogger()

	pcfg, err := buildPipelineConfig(cfg)
	if err != nil {
		return err
	}
	plugin, err := selectSinkPlugin(cfg)
	if err != nil {
		return err
	}

	// Set up context and signal handling before connecting anything
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
			return
		}
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
		_ = lifecycle.NotifyStopping()
		cancel()

		// Shutdown deadline starts now, and covers the queue drain.
		deadline := time.NewTimer(cfg.DrainTimeout + defaultShutdownDeadline)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Println("\nForce shutdown.")
		case <-deadline.C:
			fmt.Println("Shutdown timed out, forcing exit.")
		}
		os.Exit(1)
	}()

	relay := pipeline.New(pcfg, plugin.Connect)

	// Start HTTP API server if enabled. It answers 503 until the sink is up.
	if cfg.APIEnabled {
		apiServer := httpserver.NewServer(cfg.APIAddr, relay)
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
		defer apiServer.Stop()
	}

	if err := relay.Start(ctx); err != nil {
		log.Error().Str("component", "relay").Err(err).Str("sink", plugin.Name()).Msg("startup failed")
		return err
	}

	printStartupBanner(cfg, relay.Addr(), plugin)

	if err := lifecycle.NotifyReady(); err != nil {
		log.Debug().Str("component", "relay").Err(err).Msg("sd_notify ready")
	}
	_ = lifecycle.NotifyStatus(fmt.Sprintf("relaying %s to %s %q", relay.Addr(), plugin.Name(), cfg.Destination))

	err = relay.Run(ctx)
	_ = lifecycle.NotifyStopping()
	if err != nil {
		log.Error().
			Str("component", "relay").
			Err(err).
			Str("kind", fault.KindOf(err).String()).
			Int("exit_code", fault.ExitCode(err)).
			Msg("relay stopped on fatal error")
		return err
	}
	return nil
}
