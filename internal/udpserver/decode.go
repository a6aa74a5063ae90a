// Package udpserver implements the datagram receiver: it owns the bound UDP
// socket, decodes each packet as UTF-8 text and enqueues one message per packet.
package udpserver

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/totalperformancedata/gmaxrelay/internal/fault"
)

// OversizePolicy decides what happens to a datagram larger than the buffer.
type OversizePolicy string

const (
	// OversizeTruncate keeps the first MaxDatagramSize bytes and marks the message truncated.
	OversizeTruncate OversizePolicy = "truncate"
	// OversizeReject raises a fault.KindOversize error, resolved by the policy table.
	OversizeReject OversizePolicy = "reject"
)

var (
	ErrInvalidUTF8 = errors.New("payload is not valid UTF-8")
	ErrOversize    = errors.New("datagram exceeds buffer size")
)

// ParseOversizePolicy validates a configured oversize policy.
func ParseOversizePolicy(s string) (OversizePolicy, error) {
	switch p := OversizePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return OversizeTruncate, nil
	case OversizeTruncate, OversizeReject:
		return p, nil
	default:
		return "", fmt.Errorf("udpserver: unknown oversize policy %q", s)
	}
}

// Decode turns the bytes read for one datagram into message text. data may be
// one byte longer than maxSize, which is how the receiver detects oversize
// datagrams. A truncated payload is cut back to the last whole rune, so valid
// UTF-8 stays valid.
func Decode(data []byte, maxSize int, policy OversizePolicy) (payload string, truncated bool, err error) {
	if maxSize > 0 && len(data) > maxSize {
		if policy == OversizeReject {
			return "", false, fault.Oversize("read datagram", fmt.Errorf("%w (%d bytes)", ErrOversize, maxSize))
		}
		data = trimPartialRune(data[:maxSize])
		truncated = true
	}
	if !utf8.Valid(data) {
		return "", truncated, fault.Decode("decode datagram", ErrInvalidUTF8)
	}
	return string(data), truncated, nil
}

// trimPartialRune drops an incomplete multi-byte sequence at the end of b.
func trimPartialRune(b []byte) []byte {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return b
		}
		return b[:i]
	}
	return b
}
