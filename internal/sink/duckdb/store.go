// Package duckdb stores relayed messages as rows in an embedded DuckDB database.
package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/rs/zerolog/log"

	"github.com/totalperformancedata/gmaxrelay/internal/fault"
	"github.com/totalperformancedata/gmaxrelay/internal/sink"
	"github.com/totalperformancedata/gmaxrelay/internal/sink/duckdb/migrate"
)

// Store manages the DuckDB database connection. It implements sink.Sink.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
	closed bool

	cleaner *RetentionCleaner
}

var _ sink.Sink = (*Store)(nil)

// StoreConfig holds optional Store parameters.
type StoreConfig struct {
	RetentionDays int // 0 keeps rows forever
}

// Row is one stored message.
type Row struct {
	ID          int64
	Destination string
	Payload     []byte
	InsertedAt  time.Time
}

// NewStore opens or creates a DuckDB database and applies migrations.
// If dbPath is empty, an in-memory database is used.
func NewStore(ctx context.Context, dbPath string, conf ...StoreConfig) (*Store, error) {
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fault.Connection("duckdb mkdir", err)
		}
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, fault.Connection("duckdb open", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fault.Connection("duckdb ping", err)
	}
	runner := migrate.NewRunner(db)
	version, pending, err := runner.Status(ctx)
	if err != nil {
		db.Close()
		return nil, fault.Connection("duckdb schema status", err)
	}
	if pending > 0 {
		log.Info().
			Str("component", "duckdb").
			Int("schema_version", version).
			Int("pending", pending).
			Msg("applying schema migrations")
	}
	if _, err := runner.Apply(ctx); err != nil {
		db.Close()
		return nil, fault.Connection("duckdb migrate", err)
	}

	s := &Store{db: db, dbPath: dbPath}
	if len(conf) > 0 && conf[0].RetentionDays > 0 {
		s.cleaner = NewRetentionCleaner(s, RetentionConfig{RetentionDays: conf[0].RetentionDays})
	}
	return s, nil
}

func (s *Store) Name() string { return "duckdb" }

// Push inserts one row. Only a context deadline is worth retrying; any other
// failure is a schema or storage problem that a retry will not fix.
func (s *Store) Push(ctx context.Context, destination string, payload []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fault.Sink("duckdb insert", sql.ErrConnDone, false)
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO relay_messages (destination, payload, inserted_at) VALUES (?, ?, ?)",
		destination, payload, time.Now().UTC())
	if err != nil {
		return fault.Sink("duckdb insert "+destination, err, errors.Is(err, context.DeadlineExceeded))
	}
	return nil
}

// Messages returns the rows for destination in insertion order.
func (s *Store) Messages(ctx context.Context, destination string) ([]Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, destination, payload, inserted_at FROM relay_messages WHERE destination = ? ORDER BY id",
		destination)
	if err != nil {
		return nil, fmt.Errorf("duckdb: query messages: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.ID, &r.Destination, &r.Payload, &r.InsertedAt); err != nil {
			return nil, fmt.Errorf("duckdb: scan message: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteBefore removes rows inserted before cutoff and returns how many.
func (s *Store) DeleteBefore(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, sql.ErrConnDone
	}
	res, err := s.db.Exec("DELETE FROM relay_messages WHERE inserted_at < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("duckdb: delete expired: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention cleaner and closes the database.
func (s *Store) Close() error {
	if s.cleaner != nil {
		s.cleaner.Stop()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
