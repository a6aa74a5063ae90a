package main

import (
	"time"

	"github.com/totalperformancedata/gmaxrelay/internal/codec"
	"github.com/totalperformancedata/gmaxrelay/internal/fault"
	"github.com/totalperformancedata/gmaxrelay/internal/forwarder"
	"github.com/totalperformancedata/gmaxrelay/internal/handoff"
	"github.com/totalperformancedata/gmaxrelay/internal/httpserver"
	"github.com/totalperformancedata/gmaxrelay/internal/model"
	"github.com/totalperformancedata/gmaxrelay/internal/sink/redisq"
	"github.com/totalperformancedata/gmaxrelay/internal/udpserver"
)

const (
	defaultHost             = model.DefaultBindHost
	defaultPort             = model.DefaultPort
	defaultMaxDatagramSize  = model.DefaultMaxDatagramSize
	defaultOversizePolicy   = string(udpserver.OversizeTruncate)
	defaultQueueMode        = string(handoff.ModeUnbounded)
	defaultQueueCapacity    = handoff.DefaultBoundedCapacity
	defaultSink             = sinkRedis
	defaultDestination      = model.DefaultDestination
	defaultEncoding         = string(codec.Raw)
	defaultCredentialEnv    = model.DefaultCredentialEnv
	defaultRedisAddr        = redisq.DefaultAddr
	defaultRedisPushMode    = string(redisq.RPush)
	defaultPushTimeout      = model.DefaultPushTimeout
	defaultRetryInitial     = forwarder.DefaultRetryInitial
	defaultRetryMax         = forwarder.DefaultRetryMax
	defaultEscalateAfter    = forwarder.DefaultEscalateAfter
	defaultDrainTimeout     = model.DefaultDrainTimeout
	defaultErrorPolicy      = fault.PolicyHardened
	defaultAPIAddr          = httpserver.DefaultAddr
	defaultLogLevel         = "info"
	defaultLogFormat        = "console"
	defaultDuckDBRetention  = 30 // days, 0 = disabled
	defaultShutdownDeadline = 10 * time.Second
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	Host            string `mapstructure:"host" yaml:"host"`
	Port            int    `mapstructure:"port" yaml:"port"`
	ListenAddr      string `mapstructure:"listen-addr" yaml:"listen-addr"`
	ReuseAddr       bool   `mapstructure:"reuse-addr" yaml:"reuse-addr"`
	ReadBuffer      int    `mapstructure:"read-buffer" yaml:"read-buffer"`
	MaxDatagramSize int    `mapstructure:"max-datagram-size" yaml:"max-datagram-size"`
	OversizePolicy  string `mapstructure:"oversize-policy" yaml:"oversize-policy"`

	QueueMode     string `mapstructure:"queue-mode" yaml:"queue-mode"`
	QueueCapacity int    `mapstructure:"queue-capacity" yaml:"queue-capacity"`
	JournalPath   string `mapstructure:"journal-path" yaml:"journal-path"`

	Sink          string `mapstructure:"sink" yaml:"sink"`
	Destination   string `mapstructure:"destination" yaml:"destination"`
	Encoding      string `mapstructure:"encoding" yaml:"encoding"`
	CredentialEnv string `mapstructure:"credential-env" yaml:"credential-env"`

	RedisAddr     string `mapstructure:"redis-addr" yaml:"redis-addr"`
	RedisUsername string `mapstructure:"redis-username" yaml:"redis-username"`
	RedisDB       int    `mapstructure:"redis-db" yaml:"redis-db"`
	RedisPushMode string `mapstructure:"redis-push-mode" yaml:"redis-push-mode"`

	FileDir string `mapstructure:"file-dir" yaml:"file-dir"`

	KafkaBrokers    []string `mapstructure:"kafka-brokers" yaml:"kafka-brokers"`
	KafkaUsername   string   `mapstructure:"kafka-username" yaml:"kafka-username"`
	KafkaAutoCreate bool     `mapstructure:"kafka-auto-create" yaml:"kafka-auto-create"`

	PulsarURL string `mapstructure:"pulsar-url" yaml:"pulsar-url"`

	DuckDBPath          string `mapstructure:"duckdb-path" yaml:"duckdb-path"`
	DuckDBRetentionDays int    `mapstructure:"duckdb-retention-days" yaml:"duckdb-retention-days"`

	PushTimeout     time.Duration `mapstructure:"push-timeout" yaml:"push-timeout"`
	RetryInitial    time.Duration `mapstructure:"retry-initial" yaml:"retry-initial"`
	RetryMax        time.Duration `mapstructure:"retry-max" yaml:"retry-max"`
	RetryMaxElapsed time.Duration `mapstructure:"retry-max-elapsed" yaml:"retry-max-elapsed"`
	EscalateAfter   int           `mapstructure:"escalate-after" yaml:"escalate-after"`
	DrainTimeout    time.Duration `mapstructure:"drain-timeout" yaml:"drain-timeout"`

	ErrorPolicy     string            `mapstructure:"error-policy" yaml:"error-policy"`
	PolicyOverrides map[string]string `mapstructure:"policy-overrides" yaml:"policy-overrides,omitempty"`

	APIEnabled bool   `mapstructure:"api-enabled" yaml:"api-enabled"`
	APIAddr    string `mapstructure:"api-addr" yaml:"api-addr"`

	LogLevel  string `mapstructure:"log-level" yaml:"log-level"`
	LogFormat string `mapstructure:"log-format" yaml:"log-format"`
	LogFile   string `mapstructure:"log-file" yaml:"log-file"`

	ConfigPath string `mapstructure:"-" yaml:"-"` // not from config file
}
