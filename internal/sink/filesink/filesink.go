// Package filesink appends relayed messages to one file per destination.
package filesink

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/totalperformancedata/gmaxrelay/internal/fault"
	"github.com/totalperformancedata/gmaxrelay/internal/sink"
)

const (
	defaultFileMode = 0644
	defaultDirMode  = 0755
	fileExt         = ".log"
)

var errInvalidDestination = errors.New("destination must be a plain file name")

// Sink writes "<payload>\n" to <dir>/<destination>.log and fsyncs each push.
// Payloads containing newlines are written as-is.
type Sink struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
}

var _ sink.Sink = (*Sink)(nil)

// Open creates dir if needed and checks that it is writable.
func Open(dir string) (*Sink, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fault.Connection("file sink", errors.New("directory is empty"))
	}
	if err := os.MkdirAll(dir, defaultDirMode); err != nil {
		return nil, fault.Connection("file sink mkdir", err)
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return nil, fault.Connection("file sink probe", err)
	}
	_ = probe.Close()
	_ = os.Remove(probe.Name())

	return &Sink{dir: dir, files: make(map[string]*os.File)}, nil
}

func (s *Sink) Name() string { return "file" }

// Path returns the file a destination is written to.
func (s *Sink) Path(destination string) string {
	return filepath.Join(s.dir, destination+fileExt)
}

func (s *Sink) Push(ctx context.Context, destination string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return fault.Sink("file push", err, true)
	}
	if err := validDestination(destination); err != nil {
		return fault.Sink("file push", err, false)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.fileLocked(destination)
	if err != nil {
		return fault.Sink("file open "+destination, err, retryable(err))
	}

	line := make([]byte, 0, len(payload)+1)
	line = append(line, payload...)
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		s.dropLocked(destination)
		return fault.Sink("file write "+destination, err, retryable(err))
	}
	if err := f.Sync(); err != nil {
		s.dropLocked(destination)
		return fault.Sink("file sync "+destination, err, retryable(err))
	}
	return nil
}

func (s *Sink) fileLocked(destination string) (*os.File, error) {
	if f, ok := s.files[destination]; ok {
		return f, nil
	}
	if s.files == nil {
		return nil, os.ErrClosed
	}
	f, err := os.OpenFile(s.Path(destination), os.O_CREATE|os.O_APPEND|os.O_WRONLY, defaultFileMode)
	if err != nil {
		return nil, err
	}
	s.files[destination] = f
	return f, nil
}

// dropLocked forgets a handle after a failed write so the next push reopens it.
func (s *Sink) dropLocked(destination string) {
	if f, ok := s.files[destination]; ok {
		_ = f.Close()
		delete(s.files, destination)
	}
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for name, f := range s.files {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("filesink: close %s: %w", name, err))
		}
	}
	s.files = nil
	return errors.Join(errs...)
}

func validDestination(destination string) error {
	if destination == "" || destination == "." || destination == ".." ||
		strings.ContainsAny(destination, `/\`) || strings.ContainsRune(destination, 0) {
		return fmt.Errorf("%w: %q", errInvalidDestination, destination)
	}
	return nil
}

func retryable(err error) bool {
	if errors.Is(err, fs.ErrPermission) || errors.Is(err, os.ErrClosed) {
		return false
	}
	return true
}
