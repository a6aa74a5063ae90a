// Package fault defines the relay's error taxonomy and the policy table that
// decides, per error kind, whether to abort, drop the message or retry.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Kind tags an error with the pipeline failure it represents.
type Kind int

const (
	KindUnknown Kind = iota
	KindBind
	KindConnection
	KindDecode
	KindOversize
	KindSink
	KindSocketRead
	KindSpool
)

var kindNames = map[Kind]string{
	KindUnknown:    "unknown",
	KindBind:       "bind",
	KindConnection: "connection",
	KindDecode:     "decode",
	KindOversize:   "oversize",
	KindSink:       "sink",
	KindSocketRead: "socket-read",
	KindSpool:      "spool",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind converts a config key such as "decode" or "socket-read" to a Kind.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "_", "-")
	for k, name := range kindNames {
		if k != KindUnknown && name == s {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("fault: unknown error kind %q", s)
}

// Error is a tagged pipeline error. It wraps the underlying cause.
type Error struct {
	Kind      Kind
	Op        string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New tags err with kind. A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Bind reports a listener socket that could not be bound.
func Bind(op string, err error) error { return New(KindBind, op, err) }

// Connection reports a sink that could not be reached or authenticated at startup.
func Connection(op string, err error) error { return New(KindConnection, op, err) }

// Decode reports a datagram that is not valid UTF-8 text.
func Decode(op string, err error) error { return New(KindDecode, op, err) }

// Oversize reports a datagram larger than the receive buffer under the reject policy.
func Oversize(op string, err error) error { return New(KindOversize, op, err) }

// SocketRead reports a socket failure after a successful bind.
func SocketRead(op string, err error) error { return New(KindSocketRead, op, err) }

// Spool reports a journal read or write failure, such as a full disk.
func Spool(op string, err error) error { return New(KindSpool, op, err) }

// Sink reports a failed push. retryable marks transient failures
// (dropped connection, timeout) that may succeed on a later attempt.
func Sink(op string, err error, retryable bool) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindSink, Op: op, Retryable: retryable, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err is a sink error marked retryable.
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}
