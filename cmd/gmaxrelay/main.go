package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/totalperformancedata/gmaxrelay/internal/fault"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run is main without the os.Exit, returning the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	flags := newFlagSet(stderr)
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return fault.ExitOK
		}
		return fault.ExitUsage
	}

	if showVersion, _ := flags.GetBool("version"); showVersion {
		fmt.Fprintf(stdout, "gmaxrelay - UDP to queue relay\n")
		fmt.Fprintf(stdout, "  Version:    %s\n", version)
		fmt.Fprintf(stdout, "  Commit:     %s\n", commit)
		fmt.Fprintf(stdout, "  Built:      %s\n", buildTime)
		fmt.Fprintf(stdout, "  Go version: %s\n", goVersion)
		return fault.ExitOK
	}

	configPath, _ := flags.GetString("config")
	cfg, err := loadConfig(configPath, flags, flags.Args())
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		return fault.ExitUsage
	}

	if printCfg, _ := flags.GetBool("print-config"); printCfg {
		if err := printConfig(stdout, cfg); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return fault.ExitUsage
		}
		return fault.ExitOK
	}

	if err := runRelay(cfg); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return fault.ExitCode(err)
	}
	return fault.ExitOK
}

// cliOnlyFlags are handled by run and never reach viper.
var cliOnlyFlags = map[string]bool{"config": true, "version": true, "print-config": true}

func newFlagSet(stderr io.Writer) *pflag.FlagSet {
	flags := pflag.NewFlagSet("gmaxrelay", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() {
		fmt.Fprintf(stderr, "Usage: gmaxrelay [flags] [port]\n\n")
		flags.PrintDefaults()
	}

	flags.String("config", "", "config file (default is $HOME/.config/gmaxrelay/config.yml)")
	flags.Bool("version", false, "print version information")
	flags.Bool("print-config", false, "print the effective configuration as YAML and exit")

	flags.Int("port", defaultPort, "UDP listen port (also accepted as the first argument)")
	flags.String("host", defaultHost, "UDP bind host")
	flags.String("sink", defaultSink, "sink backend: redis, file, kafka, pulsar or duckdb")
	flags.String("destination", defaultDestination, "queue, topic or table key messages are pushed to")
	flags.String("encoding", defaultEncoding, "sink value encoding: raw or msgpack")
	flags.String("redis-addr", defaultRedisAddr, "redis host:port or redis:// URL")
	flags.String("queue-mode", defaultQueueMode, "handoff queue mode: unbounded, block or drop")
	flags.String("journal-path", "", "spool journal file; empty disables the journal")
	flags.String("error-policy", defaultErrorPolicy, "error policy: hardened or strict")
	flags.Bool("api-enabled", false, "serve the status API")
	flags.String("api-addr", defaultAPIAddr, "status API listen address")
	flags.String("log-level", defaultLogLevel, "log level: trace, debug, info, warn or error")
	flags.String("log-format", defaultLogFormat, "log format: console or json")
	return flags
}

func loadConfig(configPath string, flags *pflag.FlagSet, args []string) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	defaultStateDir := filepath.Join(home, ".local", "share", "gmaxrelay")

	v := viper.New()
	v.SetEnvPrefix("GMAXRELAY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("host", defaultHost)
	v.SetDefault("port", defaultPort)
	v.SetDefault("listen-addr", "")
	v.SetDefault("reuse-addr", false)
	v.SetDefault("read-buffer", 0)
	v.SetDefault("max-datagram-size", defaultMaxDatagramSize)
	v.SetDefault("oversize-policy", defaultOversizePolicy)
	v.SetDefault("queue-mode", defaultQueueMode)
	v.SetDefault("queue-capacity", defaultQueueCapacity)
	v.SetDefault("journal-path", "")
	v.SetDefault("sink", defaultSink)
	v.SetDefault("destination", defaultDestination)
	v.SetDefault("encoding", defaultEncoding)
	v.SetDefault("credential-env", defaultCredentialEnv)
	v.SetDefault("redis-addr", defaultRedisAddr)
	v.SetDefault("redis-username", "")
	v.SetDefault("redis-db", 0)
	v.SetDefault("redis-push-mode", defaultRedisPushMode)
	v.SetDefault("file-dir", filepath.Join(defaultStateDir, "queues"))
	v.SetDefault("kafka-brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("kafka-username", "")
	v.SetDefault("kafka-auto-create", false)
	v.SetDefault("pulsar-url", "pulsar://127.0.0.1:6650")
	v.SetDefault("duckdb-path", filepath.Join(defaultStateDir, "gmaxrelay.duckdb"))
	v.SetDefault("duckdb-retention-days", defaultDuckDBRetention)
	v.SetDefault("push-timeout", defaultPushTimeout)
	v.SetDefault("retry-initial", defaultRetryInitial)
	v.SetDefault("retry-max", defaultRetryMax)
	v.SetDefault("retry-max-elapsed", time.Duration(0))
	v.SetDefault("escalate-after", defaultEscalateAfter)
	v.SetDefault("drain-timeout", defaultDrainTimeout)
	v.SetDefault("error-policy", defaultErrorPolicy)
	v.SetDefault("api-enabled", false)
	v.SetDefault("api-addr", defaultAPIAddr)
	v.SetDefault("log-level", defaultLogLevel)
	v.SetDefault("log-format", defaultLogFormat)
	v.SetDefault("log-file", "")

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if cliOnlyFlags[f.Name] || bindErr != nil {
				return
			}
			bindErr = v.BindPFlag(f.Name, f)
		})
		if bindErr != nil {
			return cfg, bindErr
		}
	}

	// A positional port overrides every other source.
	switch len(args) {
	case 0:
	case 1:
		port, err := strconv.Atoi(args[0])
		if err != nil {
			return cfg, fmt.Errorf("invalid port argument %q", args[0])
		}
		v.Set("port", port)
	default:
		return cfg, fmt.Errorf("unexpected arguments: %s", strings.Join(args[1:], " "))
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		defaultConfigPath := filepath.Join(home, ".config", "gmaxrelay", "config.yml")
		v.SetConfigFile(defaultConfigPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	if _, err := os.Stat(v.ConfigFileUsed()); err == nil {
		cfg.ConfigPath = v.ConfigFileUsed()
	}

	// Expand ~ in file paths
	for _, p := range []*string{&cfg.JournalPath, &cfg.FileDir, &cfg.DuckDBPath, &cfg.LogFile} {
		if strings.HasPrefix(*p, "~/") {
			*p = filepath.Join(home, (*p)[2:])
		}
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	}

	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg appConfig) error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if _, _, err := net.SplitHostPort(cfg.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen-addr %q: %w", cfg.ListenAddr, err)
	}
	if cfg.MaxDatagramSize <= 0 || cfg.MaxDatagramSize > maxUDPPayload {
		return fmt.Errorf("invalid max-datagram-size: %d (must be 1..%d)", cfg.MaxDatagramSize, maxUDPPayload)
	}
	if cfg.ReadBuffer < 0 {
		return fmt.Errorf("invalid read-buffer: %d", cfg.ReadBuffer)
	}
	if cfg.QueueCapacity < 0 {
		return fmt.Errorf("invalid queue-capacity: %d", cfg.QueueCapacity)
	}
	if strings.TrimSpace(cfg.Destination) == "" {
		return errors.New("destination must not be empty")
	}
	if cfg.PushTimeout <= 0 {
		return fmt.Errorf("invalid push-timeout: %s", cfg.PushTimeout)
	}
	if cfg.RetryInitial <= 0 {
		return fmt.Errorf("invalid retry-initial: %s", cfg.RetryInitial)
	}
	if cfg.RetryMax < cfg.RetryInitial {
		return fmt.Errorf("invalid retry-max: %s is below retry-initial %s", cfg.RetryMax, cfg.RetryInitial)
	}
	if cfg.RetryMaxElapsed < 0 {
		return fmt.Errorf("invalid retry-max-elapsed: %s", cfg.RetryMaxElapsed)
	}
	if cfg.EscalateAfter <= 0 {
		return fmt.Errorf("invalid escalate-after: %d", cfg.EscalateAfter)
	}
	if cfg.DrainTimeout <= 0 {
		return fmt.Errorf("invalid drain-timeout: %s", cfg.DrainTimeout)
	}
	if _, err := parseLogLevel(cfg.LogLevel); err != nil {
		return err
	}
	switch cfg.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log-format %q (want console or json)", cfg.LogFormat)
	}
	if cfg.APIEnabled {
		if _, _, err := net.SplitHostPort(cfg.APIAddr); err != nil {
			return fmt.Errorf("invalid api-addr %q: %w", cfg.APIAddr, err)
		}
	}

	if _, err := buildPipelineConfig(cfg); err != nil {
		return err
	}
	_, err := selectSinkPlugin(cfg)
	return err
}

// maxUDPPayload is the largest payload an IPv4 UDP datagram can carry.
const maxUDPPayload = 65507

func parseLogLevel(s string) (zerolog.Level, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.NoLevel, fmt.Errorf("invalid log-level %q", s)
	}
	return level, nil
}

var durationKeys = map[string]bool{
	"push-timeout":      true,
	"retry-initial":     true,
	"retry-max":         true,
	"retry-max-elapsed": true,
	"drain-timeout":     true,
}

// printConfig writes cfg as YAML that loadConfig reads back unchanged.
// Durations are rendered as "5s" rather than nanoseconds.
func printConfig(w io.Writer, cfg appConfig) error {
	var doc yaml.Node
	if err := doc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	for i := 0; i+1 < len(doc.Content); i += 2 {
		key, val := doc.Content[i], doc.Content[i+1]
		if !durationKeys[key.Value] {
			continue
		}
		if ns, err := strconv.ParseInt(val.Value, 10, 64); err == nil {
			val.Value = time.Duration(ns).String()
			val.Tag = "!!str"
		}
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return enc.Close()
}
