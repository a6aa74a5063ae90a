// Package sink defines the push-only capability the forwarder drives, shared
// by every backend under internal/sink/.
package sink

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// Sink is one stateful connection to a downstream queue or store.
// Push is synchronous: a nil error means the backend accepted payload.
// Errors should be tagged with fault.Sink so the forwarder can decide
// whether to retry.
type Sink interface {
	Name() string
	Push(ctx context.Context, destination string, payload []byte) error
	Close() error
}

// Transient reports whether err looks like a connection-level failure that
// may clear on its own: timeouts, refused or reset connections, EOF.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
