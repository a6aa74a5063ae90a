// Package redisq pushes relayed messages onto a Redis list.
package redisq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/totalperformancedata/gmaxrelay/internal/fault"
	"github.com/totalperformancedata/gmaxrelay/internal/sink"
)

// PushMode selects which end of the list new messages go to.
type PushMode string

const (
	// RPush appends; consumers read with LPOP/BLPOP.
	RPush PushMode = "rpush"
	// LPush prepends; consumers read with RPOP/BRPOP.
	LPush PushMode = "lpush"
)

const (
	DefaultAddr        = "127.0.0.1:6379"
	DefaultDialTimeout = 5 * time.Second
)

// Server error prefixes that clear on their own.
var transientPrefixes = []string{"LOADING", "BUSY", "TRYAGAIN", "MASTERDOWN", "READONLY", "CLUSTERDOWN"}

// Config holds the Redis connection parameters.
type Config struct {
	// Addr is host:port or a redis:// URL.
	Addr        string
	Username    string
	Password    string
	DB          int
	Mode        PushMode
	DialTimeout time.Duration
}

// Sink is a single-connection Redis client.
type Sink struct {
	client *redis.Client
	mode   PushMode
}

var _ sink.Sink = (*Sink)(nil)

// ParsePushMode validates a configured push mode.
func ParsePushMode(s string) (PushMode, error) {
	switch m := PushMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return RPush, nil
	case RPush, LPush:
		return m, nil
	default:
		return "", fmt.Errorf("redisq: unknown push mode %q", s)
	}
}

// Connect dials Redis and verifies the connection and credentials with PING.
func Connect(ctx context.Context, cfg Config) (*Sink, error) {
	opts, err := options(cfg)
	if err != nil {
		return nil, fault.Connection("redis options", err)
	}
	mode, err := ParsePushMode(string(cfg.Mode))
	if err != nil {
		return nil, fault.Connection("redis options", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fault.Connection("redis ping "+opts.Addr, err)
	}
	return &Sink{client: client, mode: mode}, nil
}

func options(cfg Config) (*redis.Options, error) {
	var opts *redis.Options
	addr := strings.TrimSpace(cfg.Addr)
	switch {
	case addr == "":
		opts = &redis.Options{Addr: DefaultAddr}
	case strings.Contains(addr, "://"):
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, err
		}
		opts = parsed
	default:
		opts = &redis.Options{Addr: addr}
	}
	if cfg.Username != "" {
		opts.Username = cfg.Username
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	opts.DialTimeout = cfg.DialTimeout
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}

	// One connection, no client-side retries: the forwarder owns retry policy.
	opts.PoolSize = 1
	opts.MinIdleConns = 0
	opts.MaxRetries = -1
	return opts, nil
}

func (s *Sink) Name() string { return "redis" }

// Push appends payload to the list named destination.
func (s *Sink) Push(ctx context.Context, destination string, payload []byte) error {
	var err error
	if s.mode == LPush {
		err = s.client.LPush(ctx, destination, payload).Err()
	} else {
		err = s.client.RPush(ctx, destination, payload).Err()
	}
	if err != nil {
		return fault.Sink(string(s.mode)+" "+destination, err, retryable(err))
	}
	return nil
}

func (s *Sink) Close() error { return s.client.Close() }

func retryable(err error) bool {
	if errors.Is(err, redis.ErrClosed) {
		return false
	}
	var rerr redis.Error
	if errors.As(err, &rerr) {
		msg := rerr.Error()
		for _, p := range transientPrefixes {
			if strings.HasPrefix(msg, p) {
				return true
			}
		}
		return false
	}
	// Anything that is not a server reply is a transport problem: the client
	// redials on the next command.
	return true
}
