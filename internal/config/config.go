// Package config provides configuration for the crmweb server.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Keys understood by Load. Each is also read from the environment as
// CRMWEB_<KEY> and as the bare upper-case <KEY>.
const (
	KeyHTTPPort          = "http_port"
	KeyStoreBackend      = "store_backend"
	KeyDatabaseURL       = "database_url"
	KeyDataDir           = "data_dir"
	KeyWorkerCommand     = "worker_command"
	KeyWorkerArgs        = "worker_args"
	KeyWorkerDir         = "worker_dir"
	KeyBufferSize        = "buffer_size"
	KeySubscriberBuffer  = "subscriber_buffer"
	KeyMaxConcurrentRuns = "max_concurrent_runs"
	KeyMaxMessageBytes   = "max_message_bytes"
	KeyPolicyFile        = "policy_file"
	KeyGracePeriod       = "grace_period"
	KeyTerminateTimeout  = "terminate_timeout"
	KeyPersistInterval   = "persist_interval"
	KeyHeartbeatInterval = "heartbeat_interval"
	KeyWSPingInterval    = "ws_ping_interval"
	KeyWSWriteTimeout    = "ws_write_timeout"
	KeyShutdownTimeout   = "shutdown_timeout"
	KeyLogLevel          = "log_level"
)

const envPrefix = "CRMWEB"

var defaults = map[string]any{
	KeyHTTPPort:          8080,
	KeyStoreBackend:      "sqlite",
	KeyDatabaseURL:       "file:crmweb.db?cache=shared&mode=rwc",
	KeyDataDir:           "data",
	KeyWorkerCommand:     "",
	KeyWorkerArgs:        []string{},
	KeyWorkerDir:         "",
	KeyBufferSize:        10000,
	KeySubscriberBuffer:  256,
	KeyMaxConcurrentRuns: 16,
	KeyMaxMessageBytes:   64 * 1024,
	KeyPolicyFile:        "",
	KeyGracePeriod:       5 * time.Minute,
	KeyTerminateTimeout:  5 * time.Second,
	KeyPersistInterval:   2 * time.Second,
	KeyHeartbeatInterval: 15 * time.Second,
	KeyWSPingInterval:    30 * time.Second,
	KeyWSWriteTimeout:    10 * time.Second,
	KeyShutdownTimeout:   10 * time.Second,
	KeyLogLevel:          "info",
}

// Config holds the server configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Storage
	StoreBackend string
	DatabaseURL  string
	DataDir      string

	// Worker
	WorkerCommand string
	WorkerArgs    []string
	WorkerDir     string

	// Runs
	BufferSize        int
	SubscriberBuffer  int
	MaxConcurrentRuns int
	MaxMessageBytes   int
	PolicyFile        string

	// Timeouts
	GracePeriod       time.Duration
	TerminateTimeout  time.Duration
	PersistInterval   time.Duration
	HeartbeatInterval time.Duration
	WSPingInterval    time.Duration
	WSWriteTimeout    time.Duration
	ShutdownTimeout   time.Duration

	// Logging
	LogLevel string
}

// New returns a viper instance with defaults and environment bindings
// registered. Callers may bind flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
		upper := strings.ToUpper(key)
		_ = v.BindEnv(key, envPrefix+"_"+upper, upper)
	}
	return v
}

// Load reads configFile (if set) into v and decodes the result.
// A nil v is replaced by New().
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if v == nil {
		v = New()
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{
		HTTPPort:          v.GetInt(KeyHTTPPort),
		StoreBackend:      v.GetString(KeyStoreBackend),
		DatabaseURL:       v.GetString(KeyDatabaseURL),
		DataDir:           v.GetString(KeyDataDir),
		WorkerCommand:     v.GetString(KeyWorkerCommand),
		WorkerArgs:        v.GetStringSlice(KeyWorkerArgs),
		WorkerDir:         v.GetString(KeyWorkerDir),
		BufferSize:        v.GetInt(KeyBufferSize),
		SubscriberBuffer:  v.GetInt(KeySubscriberBuffer),
		MaxConcurrentRuns: v.GetInt(KeyMaxConcurrentRuns),
		MaxMessageBytes:   v.GetInt(KeyMaxMessageBytes),
		PolicyFile:        v.GetString(KeyPolicyFile),
		GracePeriod:       v.GetDuration(KeyGracePeriod),
		TerminateTimeout:  v.GetDuration(KeyTerminateTimeout),
		PersistInterval:   v.GetDuration(KeyPersistInterval),
		HeartbeatInterval: v.GetDuration(KeyHeartbeatInterval),
		WSPingInterval:    v.GetDuration(KeyWSPingInterval),
		WSWriteTimeout:    v.GetDuration(KeyWSWriteTimeout),
		ShutdownTimeout:   v.GetDuration(KeyShutdownTimeout),
		LogLevel:          v.GetString(KeyLogLevel),
	}
	return cfg, cfg.Validate()
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("%s must be between 1 and 65535, got %d", KeyHTTPPort, c.HTTPPort))
	}
	switch c.StoreBackend {
	case "sqlite":
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("%s is required for the sqlite backend", KeyDatabaseURL))
		}
	case "jsonl":
		if c.DataDir == "" {
			errs = append(errs, fmt.Errorf("%s is required for the jsonl backend", KeyDataDir))
		}
	default:
		errs = append(errs, fmt.Errorf("%s must be sqlite or jsonl, got %q", KeyStoreBackend, c.StoreBackend))
	}
	if c.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyBufferSize))
	}
	if c.SubscriberBuffer <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeySubscriberBuffer))
	}
	if c.MaxConcurrentRuns < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyMaxConcurrentRuns))
	}
	for key, d := range map[string]time.Duration{
		KeyGracePeriod:       c.GracePeriod,
		KeyTerminateTimeout:  c.TerminateTimeout,
		KeyPersistInterval:   c.PersistInterval,
		KeyHeartbeatInterval: c.HeartbeatInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be a positive duration", key))
		}
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", KeyLogLevel, err))
	}
	return errors.Join(errs...)
}

// SlogLevel returns the configured log level, falling back to info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Location returns the store location for the configured backend.
func (c *Config) Location() string {
	if c.StoreBackend == "jsonl" {
		return c.DataDir
	}
	return c.DatabaseURL
}
