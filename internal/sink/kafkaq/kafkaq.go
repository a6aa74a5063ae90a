// Package kafkaq produces relayed messages to a Kafka topic.
package kafkaq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"

	"github.com/totalperformancedata/gmaxrelay/internal/fault"
	"github.com/totalperformancedata/gmaxrelay/internal/sink"
)

const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultBatchTimeout = 10 * time.Millisecond
)

// Config holds the Kafka producer parameters.
type Config struct {
	Brokers     []string
	Username    string
	Password    string // enables SASL/PLAIN when set
	DialTimeout time.Duration
	AutoCreate  bool
}

// Sink writes each message synchronously with acks from all in-sync replicas.
type Sink struct {
	writer *kafka.Writer
}

var _ sink.Sink = (*Sink)(nil)

// Connect checks that a broker is reachable and builds the writer.
func Connect(ctx context.Context, cfg Config) (*Sink, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, fault.Connection("kafka options", errors.New("no brokers configured"))
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	var mechanism sasl.Mechanism
	if cfg.Password != "" {
		mechanism = plain.Mechanism{Username: cfg.Username, Password: cfg.Password}
	}

	dialer := &kafka.Dialer{Timeout: timeout, DualStack: true, SASLMechanism: mechanism}
	if err := probe(ctx, dialer, brokers); err != nil {
		return nil, fault.Connection("kafka dial", err)
	}

	return &Sink{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			RequiredAcks:           kafka.RequireAll,
			Async:                  false,
			BatchSize:              1,
			BatchTimeout:           DefaultBatchTimeout,
			MaxAttempts:            1,
			AllowAutoTopicCreation: cfg.AutoCreate,
			Transport: &kafka.Transport{
				DialTimeout: timeout,
				SASL:        mechanism,
			},
		},
	}, nil
}

// probe dials brokers until one answers a metadata request.
func probe(ctx context.Context, dialer *kafka.Dialer, brokers []string) error {
	var errs []error
	for _, addr := range brokers {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		_, err = conn.Brokers()
		_ = conn.Close()
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", addr, err))
	}
	return errors.Join(errs...)
}

func (s *Sink) Name() string { return "kafka" }

// Push writes payload to the topic named destination.
func (s *Sink) Push(ctx context.Context, destination string, payload []byte) error {
	err := s.writer.WriteMessages(ctx, kafka.Message{Topic: destination, Value: payload})
	if err != nil {
		return fault.Sink("kafka produce "+destination, err, retryable(err))
	}
	return nil
}

func (s *Sink) Close() error { return s.writer.Close() }

func retryable(err error) bool {
	var writeErrs kafka.WriteErrors
	if errors.As(err, &writeErrs) {
		for _, werr := range writeErrs {
			if werr != nil && !retryable(werr) {
				return false
			}
		}
		return true
	}
	var kerr kafka.Error
	if errors.As(err, &kerr) {
		return kerr.Temporary()
	}
	var tooLarge kafka.MessageTooLargeError
	if errors.As(err, &tooLarge) {
		return false
	}
	// A closed writer reports io.ErrClosedPipe.
	if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
