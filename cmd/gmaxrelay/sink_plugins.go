package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/totalperformancedata/gmaxrelay/internal/sink"
	"github.com/totalperformancedata/gmaxrelay/internal/sink/duckdb"
	"github.com/totalperformancedata/gmaxrelay/internal/sink/filesink"
	"github.com/totalperformancedata/gmaxrelay/internal/sink/kafkaq"
	"github.com/totalperformancedata/gmaxrelay/internal/sink/pulsarq"
	"github.com/totalperformancedata/gmaxrelay/internal/sink/redisq"
)

const (
	sinkRedis  = "redis"
	sinkFile   = "file"
	sinkKafka  = "kafka"
	sinkPulsar = "pulsar"
	sinkDuckDB = "duckdb"
)

// SinkPlugin is a small plugin primitive for wiring sink backends.
// Connect matches forwarder.Connector and runs once at startup.
type SinkPlugin interface {
	Name() string
	Target() string // shown in the startup banner
	Connect(ctx context.Context) (sink.Sink, error)
}

func buildSinkPlugins(cfg appConfig) []SinkPlugin {
	secret := credential(cfg.CredentialEnv)
	return []SinkPlugin{
		redisSinkPlugin{cfg: redisq.Config{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: secret,
			DB:       cfg.RedisDB,
			Mode:     redisq.PushMode(strings.ToLower(cfg.RedisPushMode)),
		}},
		fileSinkPlugin{dir: cfg.FileDir},
		kafkaSinkPlugin{cfg: kafkaq.Config{
			Brokers:    cfg.KafkaBrokers,
			Username:   cfg.KafkaUsername,
			Password:   secret,
			AutoCreate: cfg.KafkaAutoCreate,
		}},
		pulsarSinkPlugin{cfg: pulsarq.Config{
			URL:   cfg.PulsarURL,
			Token: secret,
			Topic: cfg.Destination,
		}},
		duckdbSinkPlugin{path: cfg.DuckDBPath, retentionDays: cfg.DuckDBRetentionDays},
	}
}

// selectSinkPlugin returns the plugin named by cfg.Sink after checking the
// settings that plugin needs.
func selectSinkPlugin(cfg appConfig) (SinkPlugin, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Sink))
	switch name {
	case sinkRedis:
		if _, err := redisq.ParsePushMode(cfg.RedisPushMode); err != nil {
			return nil, fmt.Errorf("invalid redis-push-mode: %w", err)
		}
		if cfg.RedisDB < 0 {
			return nil, fmt.Errorf("invalid redis-db: %d", cfg.RedisDB)
		}
	case sinkFile:
		if strings.TrimSpace(cfg.FileDir) == "" {
			return nil, fmt.Errorf("file-dir is required for the file sink")
		}
	case sinkKafka:
		if len(cfg.KafkaBrokers) == 0 {
			return nil, fmt.Errorf("kafka-brokers is required for the kafka sink")
		}
	case sinkPulsar:
		if strings.TrimSpace(cfg.PulsarURL) == "" {
			return nil, fmt.Errorf("pulsar-url is required for the pulsar sink")
		}
	case sinkDuckDB:
		if cfg.DuckDBRetentionDays < 0 {
			return nil, fmt.Errorf("invalid duckdb-retention-days: %d", cfg.DuckDBRetentionDays)
		}
	}

	for _, plugin := range buildSinkPlugins(cfg) {
		if plugin.Name() == name {
			return plugin, nil
		}
	}
	return nil, fmt.Errorf("unknown sink %q (want redis, file, kafka, pulsar or duckdb)", cfg.Sink)
}

// credential reads the sink secret from the environment variable named by
// credential-env. An unset or empty name means no secret.
func credential(envName string) string {
	if envName == "" {
		return ""
	}
	return os.Getenv(envName)
}

type redisSinkPlugin struct {
	cfg redisq.Config
}

func (p redisSinkPlugin) Name() string { return sinkRedis }

func (p redisSinkPlugin) Target() string {
	mode := p.cfg.Mode
	if mode == "" {
		mode = redisq.RPush
	}
	return fmt.Sprintf("%s db=%d %s", p.cfg.Addr, p.cfg.DB, mode)
}

func (p redisSinkPlugin) Connect(ctx context.Context) (sink.Sink, error) {
	s, err := redisq.Connect(ctx, p.cfg)
	if err != nil {
		return nil, err
	}
	return s, nil
}

type fileSinkPlugin struct {
	dir string
}

func (p fileSinkPlugin) Name() string { return sinkFile }

func (p fileSinkPlugin) Target() string { return shortenPath(p.dir) }

func (p fileSinkPlugin) Connect(_ context.Context) (sink.Sink, error) {
	s, err := filesink.Open(p.dir)
	if err != nil {
		return nil, err
	}
	return s, nil
}

type kafkaSinkPlugin struct {
	cfg kafkaq.Config
}

func (p kafkaSinkPlugin) Name() string { return sinkKafka }

func (p kafkaSinkPlugin) Target() string { return strings.Join(p.cfg.Brokers, ",") }

func (p kafkaSinkPlugin) Connect(ctx context.Context) (sink.Sink, error) {
	s, err := kafkaq.Connect(ctx, p.cfg)
	if err != nil {
		return nil, err
	}
	return s, nil
}

type pulsarSinkPlugin struct {
	cfg pulsarq.Config
}

func (p pulsarSinkPlugin) Name() string { return sinkPulsar }

func (p pulsarSinkPlugin) Target() string { return p.cfg.URL }

func (p pulsarSinkPlugin) Connect(ctx context.Context) (sink.Sink, error) {
	s, err := pulsarq.Connect(ctx, p.cfg)
	if err != nil {
		return nil, err
	}
	return s, nil
}

type duckdbSinkPlugin struct {
	path          string
	retentionDays int
}

func (p duckdbSinkPlugin) Name() string { return sinkDuckDB }

func (p duckdbSinkPlugin) Target() string {
	if p.path == "" {
		return "in-memory"
	}
	return shortenPath(p.path)
}

func (p duckdbSinkPlugin) Connect(ctx context.Context) (sink.Sink, error) {
	s, err := duckdb.NewStore(ctx, p.path, duckdb.StoreConfig{RetentionDays: p.retentionDays})
	if err != nil {
		return nil, err
	}
	return s, nil
}
