// Package pulsarq publishes relayed messages to Apache Pulsar topics.
package pulsarq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"

	"github.com/totalperformancedata/gmaxrelay/internal/fault"
	"github.com/totalperformancedata/gmaxrelay/internal/sink"
)

const (
	DefaultURL               = "pulsar://127.0.0.1:6650"
	DefaultConnectionTimeout = 5 * time.Second
	DefaultOperationTimeout  = 30 * time.Second
)

// ErrClosed is returned by Push after Close.
var ErrClosed = errors.New("pulsarq: sink closed")

// Config holds the Pulsar client parameters.
type Config struct {
	URL               string
	Token             string // JWT auth when set
	Topic             string // producer opened eagerly at Connect
	ConnectionTimeout time.Duration
	OperationTimeout  time.Duration
}

// Sink keeps one producer per topic on a shared client.
type Sink struct {
	client pulsar.Client

	mu        sync.Mutex
	producers map[string]pulsar.Producer
}

var _ sink.Sink = (*Sink)(nil)

// Connect creates the client and a producer for cfg.Topic. Creating the
// producer performs the topic lookup, so an unreachable broker or a rejected
// token fails here rather than on the first push.
func Connect(ctx context.Context, cfg Config) (*Sink, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		url = DefaultURL
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fault.Connection("pulsar options", errors.New("topic is required"))
	}

	opts := pulsar.ClientOptions{
		URL:               url,
		ConnectionTimeout: cfg.ConnectionTimeout,
		OperationTimeout:  cfg.OperationTimeout,
	}
	if opts.ConnectionTimeout <= 0 {
		opts.ConnectionTimeout = DefaultConnectionTimeout
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = DefaultOperationTimeout
	}
	if cfg.Token != "" {
		opts.Authentication = pulsar.NewAuthenticationToken(cfg.Token)
	}

	client, err := pulsar.NewClient(opts)
	if err != nil {
		return nil, fault.Connection("pulsar client", err)
	}
	s := &Sink{client: client, producers: make(map[string]pulsar.Producer)}

	// CreateProducer has no context; give up on it when ctx ends.
	done := make(chan error, 1)
	go func() {
		_, err := s.producer(cfg.Topic)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			_ = s.Close()
			return nil, fault.Connection("pulsar producer "+cfg.Topic, err)
		}
	case <-ctx.Done():
		go func() {
			<-done
			_ = s.Close()
		}()
		return nil, fault.Connection("pulsar producer "+cfg.Topic, ctx.Err())
	}
	return s, nil
}

func (s *Sink) producer(topic string) (pulsar.Producer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.producers == nil {
		return nil, ErrClosed
	}
	if p, ok := s.producers[topic]; ok {
		return p, nil
	}
	p, err := s.client.CreateProducer(pulsar.ProducerOptions{
		Topic:           topic,
		DisableBatching: true,
	})
	if err != nil {
		return nil, err
	}
	s.producers[topic] = p
	return p, nil
}

func (s *Sink) Name() string { return "pulsar" }

// Push sends payload to the topic named destination and waits for the broker ack.
func (s *Sink) Push(ctx context.Context, destination string, payload []byte) error {
	p, err := s.producer(destination)
	if err != nil {
		return fault.Sink("pulsar producer "+destination, err, retryable(err))
	}
	if _, err := p.Send(ctx, &pulsar.ProducerMessage{Payload: payload}); err != nil {
		return fault.Sink("pulsar send "+destination, err, retryable(err))
	}
	return nil
}

func (s *Sink) Close() error {
	s.mu.Lock()
	producers := s.producers
	s.producers = nil
	s.mu.Unlock()

	for _, p := range producers {
		p.Close()
	}
	if s.client != nil {
		s.client.Close()
	}
	return nil
}

func retryable(err error) bool {
	var perr *pulsar.Error
	if errors.As(err, &perr) {
		return retryableResult(perr.Result())
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed) {
		return false
	}
	// Untyped errors come from the connection layer and clear on reconnect.
	return true
}

func retryableResult(r pulsar.Result) bool {
	switch r {
	case pulsar.TimeoutError,
		pulsar.LookupError,
		pulsar.ConnectError,
		pulsar.ReadError,
		pulsar.NotConnectedError,
		pulsar.ServiceUnitNotReady,
		pulsar.TooManyLookupRequestException,
		pulsar.ProducerQueueIsFull,
		pulsar.ClientMemoryBufferIsFull,
		pulsar.BrokerPersistenceError,
		pulsar.ProducerBlockedQuotaExceededError,
		pulsar.ProducerBlockedQuotaExceededException:
		return true
	default:
		return false
	}
}

func (c Config) String() string {
	return fmt.Sprintf("pulsar url=%s topic=%s token=%t", c.URL, c.Topic, c.Token != "")
}
