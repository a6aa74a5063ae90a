package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// configureRuntimeLogger points the global zerolog logger at stderr or, when
// log-file is set, at that file. The returned func closes the file.
func configureRuntimeLogger(cfg appConfig) (func(), error) {
	level, err := parseLogLevel(cfg.LogLevel)
	if err != nil {
		return func() {}, err
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var out io.Writer = os.Stderr
	cleanup := func() {}

	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0755); err != nil {
			return func() {}, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return func() {}, fmt.Errorf("open log file: %w", err)
		}
		out = f
		cleanup = func() { _ = f.Close() }
	}

	if cfg.LogFormat == "console" {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05.000",
			NoColor:    cfg.LogFile != "",
		}
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return cleanup, nil
}
