package udpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/totalperformancedata/gmaxrelay/internal/fault"
	"github.com/totalperformancedata/gmaxrelay/internal/handoff"
	"github.com/totalperformancedata/gmaxrelay/internal/model"
)

// DefaultAddr is the wildcard listen address on the default port.
var DefaultAddr = net.JoinHostPort(model.DefaultBindHost, fmt.Sprint(model.DefaultPort))

// ServerConfig holds tunable parameters for the UDP server.
type ServerConfig struct {
	MaxDatagramSize int
	Oversize        OversizePolicy
	ReuseAddr       bool // SO_REUSEADDR, unix only
	ReadBufferBytes int  // SO_RCVBUF; 0 keeps the kernel default
	Policy          fault.Policy
}

// Server receives UTF-8 text datagrams on one bound socket and hands each
// one, in arrival order, to an outbox.
type Server struct {
	addr       string
	conn       *net.UDPConn
	maxSize    int
	oversize   OversizePolicy
	reuseAddr  bool
	readBuffer int
	policy     fault.Policy

	stopping atomic.Bool
	stopOnce sync.Once

	received        atomic.Uint64
	truncated       atomic.Uint64
	droppedDecode   atomic.Uint64
	droppedOversize atomic.Uint64
	lastPacketNs    atomic.Int64

	// Per-packet warnings are sampled so a flood of bad packets cannot flood the log.
	packetLog zerolog.Logger
}

// NewServer creates a new UDP server. Default addr is "0.0.0.0:33322".
func NewServer(addr string, conf ...ServerConfig) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	s := &Server{
		addr:     addr,
		maxSize:  model.DefaultMaxDatagramSize,
		oversize: OversizeTruncate,
		policy:   fault.Hardened(),
	}
	if len(conf) > 0 {
		c := conf[0]
		if c.MaxDatagramSize > 0 {
			s.maxSize = c.MaxDatagramSize
		}
		if c.Oversize != "" {
			s.oversize = c.Oversize
		}
		if c.Policy != nil {
			s.policy = c.Policy
		}
		s.reuseAddr = c.ReuseAddr
		s.readBuffer = c.ReadBufferBytes
	}

	logger := log.With().Str("component", "udpserver").Logger()
	s.packetLog = logger.Sample(&zerolog.BurstSampler{Burst: 10, Period: time.Second})
	return s
}

// Bind opens the listening socket. A failure is a fault.KindBind error.
func (s *Server) Bind(ctx context.Context) error {
	if s.conn != nil {
		return fault.Bind("listen "+s.addr, errors.New("already bound"))
	}

	lc := net.ListenConfig{}
	if s.reuseAddr {
		lc.Control = reuseAddrControl
	}
	pc, err := lc.ListenPacket(ctx, "udp", s.addr)
	if err != nil {
		return fault.Bind("listen "+s.addr, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return fault.Bind("listen "+s.addr, fmt.Errorf("unexpected packet conn %T", pc))
	}
	if s.readBuffer > 0 {
		if err := conn.SetReadBuffer(s.readBuffer); err != nil {
			_ = conn.Close()
			return fault.Bind("set read buffer", err)
		}
	}
	s.conn = conn

	log.Info().
		Str("component", "udpserver").
		Str("addr", conn.LocalAddr().String()).
		Int("max_datagram_size", s.maxSize).
		Str("oversize_policy", string(s.oversize)).
		Msg("bound to socket, listening")
	return nil
}

// Run receives datagrams until ctx is cancelled, Stop is called, or a fatal
// error occurs. Shutdown returns nil; fatal errors are *fault.Error values.
func (s *Server) Run(ctx context.Context, out model.Outbox) error {
	if s.conn == nil {
		return errors.New("udpserver: Run before Bind")
	}

	// ReadFromUDP only returns once the socket is closed.
	stop := context.AfterFunc(ctx, func() { _ = s.Stop() })
	defer stop()

	buf := make([]byte, s.maxSize+1)
	for {
		n, remote, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || s.stopping.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			rerr := fault.SocketRead("read datagram", err)
			if s.policy.Resolve(rerr) == fault.ActionDrop {
				s.packetLog.Warn().Err(err).Msg("socket read failed, continuing")
				continue
			}
			return rerr
		}

		s.received.Add(1)
		s.lastPacketNs.Store(time.Now().UnixNano())

		payload, truncated, derr := Decode(buf[:n], s.maxSize, s.oversize)
		if derr != nil {
			if s.policy.Resolve(derr) != fault.ActionDrop {
				return derr
			}
			s.countDrop(derr)
			s.packetLog.Warn().Err(derr).Str("remote", remote.String()).Int("bytes", n).Msg("dropped datagram")
			continue
		}
		if truncated {
			s.truncated.Add(1)
			s.packetLog.Warn().Str("remote", remote.String()).Int("max_datagram_size", s.maxSize).Msg("datagram exceeded buffer, truncated")
		}

		msg := model.NewMessage(payload, remote.String(), truncated)
		if err := out.Push(ctx, msg); err != nil {
			switch {
			case errors.Is(err, handoff.ErrFull):
				s.packetLog.Warn().Str("id", msg.ID).Msg("handoff queue full, message dropped")
			case errors.Is(err, handoff.ErrClosed), ctx.Err() != nil:
				return nil
			default:
				return fmt.Errorf("udpserver: enqueue: %w", err)
			}
		}
	}
}

func (s *Server) countDrop(err error) {
	switch fault.KindOf(err) {
	case fault.KindOversize:
		s.droppedOversize.Add(1)
	default:
		s.droppedDecode.Add(1)
	}
}

// Stop closes the socket, unblocking Run. It is safe to call more than once.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		if s.conn != nil {
			err = s.conn.Close()
		}
	})
	return err
}

// Addr returns the bound address, or the configured address before Bind.
func (s *Server) Addr() string {
	if s.conn != nil {
		return s.conn.LocalAddr().String()
	}
	return s.addr
}

// Stats returns a snapshot of the receive counters.
func (s *Server) Stats() model.ReceiverStats {
	stats := model.ReceiverStats{
		Received:        s.received.Load(),
		Truncated:       s.truncated.Load(),
		DroppedDecode:   s.droppedDecode.Load(),
		DroppedOversize: s.droppedOversize.Load(),
	}
	if ns := s.lastPacketNs.Load(); ns > 0 {
		stats.LastPacketAt = time.Unix(0, ns).UTC()
	}
	return stats
}
