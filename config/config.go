// Package config provides configuration management for the rowmill
// orchestrator.
//
// Configuration is loaded from multiple sources with proper precedence
// (later sources override earlier ones):
//  1. Default values
//  2. Configuration files (./config.yaml, ./configs/config.yaml,
//     ~/.rowmill/config.yaml, /etc/rowmill/config.yaml)
//  3. .env files
//  4. Environment variables with the ROWMILL_ prefix
//
// Environment variables use underscores for nested keys:
//   - ROWMILL_METADATA_DSN=postgres://...
//   - ROWMILL_EXECUTOR_MAX_WORKERS=8
//   - ROWMILL_QUEUE_LEASE_DURATION=60s
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServiceConfig contains service metadata.
type ServiceConfig struct {
	// Name is the service name used in log fields
	Name string `mapstructure:"name"`

	// WorkerID identifies this orchestrator instance for queue claims.
	// Defaults to the hostname when empty.
	WorkerID string `mapstructure:"worker_id"`
}

// MetadataConfig contains metadata store connection settings.
type MetadataConfig struct {
	// DSN is the PostgreSQL connection string for the metadata store
	DSN string `mapstructure:"dsn"`

	// Schema is the schema prefix applied to all metadata tables.
	// Passed explicitly to the store gateway; there is no ambient default.
	Schema string `mapstructure:"schema"`

	// MaxConnections caps the metadata pool size
	MaxConnections int `mapstructure:"max_connections"`
}

// ExecutorConfig tunes the per-run parallel executor.
type ExecutorConfig struct {
	// MaxWorkers is the per-run worker pool size. Zero means min(cpu-1, 8).
	MaxWorkers int `mapstructure:"max_workers"`

	// BatchSize is rows per chunk (ORDINAL) or target rows per KEY step
	BatchSize int `mapstructure:"batch_size"`

	// MinRowsForParallel is the threshold to switch from 1 worker to MaxWorkers
	MinRowsForParallel int64 `mapstructure:"min_rows_for_parallel"`

	// ChunkTimeout is the per-chunk hard timeout. Zero disables it.
	ChunkTimeout time.Duration `mapstructure:"chunk_timeout"`

	// CancelGrace is how long a cancelled run may drain in-flight chunks
	CancelGrace time.Duration `mapstructure:"cancel_grace"`

	// RowErrorCap is the per-run number of stored failure rows
	RowErrorCap int `mapstructure:"row_error_cap"`
}

// RetryConfig tunes the chunk-level retry controller.
type RetryConfig struct {
	// MaxRetries is the number of transient-error retries per chunk
	MaxRetries int `mapstructure:"max_retries"`

	// InitialDelay is the first backoff delay
	InitialDelay time.Duration `mapstructure:"initial_delay"`

	// MaxDelay is the backoff ceiling
	MaxDelay time.Duration `mapstructure:"max_delay"`

	// Multiplier is the exponential factor
	Multiplier float64 `mapstructure:"multiplier"`

	// Jitter enables full-jitter randomization
	Jitter bool `mapstructure:"jitter"`
}

// QueueConfig tunes the durable request queue.
type QueueConfig struct {
	// LeaseDuration is how long a claim is valid without a heartbeat
	LeaseDuration time.Duration `mapstructure:"lease_duration"`

	// ReclaimInterval is how often the expired-claim sweep runs
	ReclaimInterval time.Duration `mapstructure:"reclaim_interval"`

	// PollInterval is how long the dispatcher sleeps when the queue is empty
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// ScheduleConfig tunes the schedule evaluator.
type ScheduleConfig struct {
	// TickInterval is the evaluator loop interval
	TickInterval time.Duration `mapstructure:"tick_interval"`

	// Timezone is the IANA timezone all schedule times are interpreted in
	Timezone string `mapstructure:"timezone"`
}

// ProgressConfig tunes progress tracking and publication.
type ProgressConfig struct {
	// WriteMinInterval coalesces run-log progress writes
	WriteMinInterval time.Duration `mapstructure:"write_min_interval"`

	// RedisAddr, when set, enables the Redis pub/sub progress sink
	RedisAddr string `mapstructure:"redis_addr"`

	// RedisChannel is the pub/sub channel for progress snapshots
	RedisChannel string `mapstructure:"redis_channel"`

	// AMQPURL, when set, enables the AMQP run-event notifier
	AMQPURL string `mapstructure:"amqp_url"`

	// AMQPQueue is the queue run events are published to
	AMQPQueue string `mapstructure:"amqp_queue"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Format is the log format (json, text)
	Format string `mapstructure:"format"`
}

// Config is the full orchestrator configuration.
type Config struct {
	Service  ServiceConfig  `mapstructure:"service"`
	Metadata MetadataConfig `mapstructure:"metadata"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Progress ProgressConfig `mapstructure:"progress"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// Loader provides configuration loading functionality.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a new configuration loader with the given environment
// prefix.
func NewLoader(envPrefix string) *Loader {
	return &Loader{
		v:      viper.New(),
		prefix: envPrefix,
	}
}

// SetConfigDefaults sets the standard rowmill defaults.
func (l *Loader) SetConfigDefaults() {
	l.v.SetDefault("service.name", "rowmill")
	l.v.SetDefault("service.worker_id", "")

	l.v.SetDefault("metadata.dsn", "")
	l.v.SetDefault("metadata.schema", "")
	l.v.SetDefault("metadata.max_connections", 10)

	l.v.SetDefault("executor.max_workers", 0)
	l.v.SetDefault("executor.batch_size", 1000)
	l.v.SetDefault("executor.min_rows_for_parallel", 100000)
	l.v.SetDefault("executor.chunk_timeout", "0s")
	l.v.SetDefault("executor.cancel_grace", "30s")
	l.v.SetDefault("executor.row_error_cap", 1000)

	l.v.SetDefault("retry.max_retries", 3)
	l.v.SetDefault("retry.initial_delay", "1s")
	l.v.SetDefault("retry.max_delay", "60s")
	l.v.SetDefault("retry.multiplier", 2.0)
	l.v.SetDefault("retry.jitter", true)

	l.v.SetDefault("queue.lease_duration", "60s")
	l.v.SetDefault("queue.reclaim_interval", "30s")
	l.v.SetDefault("queue.poll_interval", "2s")

	l.v.SetDefault("schedule.tick_interval", "15s")
	l.v.SetDefault("schedule.timezone", "UTC")

	l.v.SetDefault("progress.write_min_interval", "2s")
	l.v.SetDefault("progress.redis_addr", "")
	l.v.SetDefault("progress.redis_channel", "rowmill.progress")
	l.v.SetDefault("progress.amqp_url", "")
	l.v.SetDefault("progress.amqp_queue", "rowmill.run-events")

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "json")
}

// Load reads configuration from file, .env, and environment variables.
// If cfgFile is empty, searches for config.yaml in standard locations.
func (l *Loader) Load(cfgFile string, target interface{}) error {
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./configs")
		l.v.AddConfigPath("$HOME/.rowmill")
		l.v.AddConfigPath("/etc/rowmill")
	}

	if err := l.v.ReadInConfig(); err != nil {
		if cfgFile != "" && !isFileNotFoundError(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		if cfgFile == "" {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	// Merge .env file if present
	l.v.SetConfigFile(".env")
	l.v.SetConfigType("env")
	_ = l.v.MergeInConfig()

	if l.prefix != "" {
		l.v.SetEnvPrefix(l.prefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if err := l.v.Unmarshal(target); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}

	return nil
}

// LoadConfig loads the orchestrator configuration with standard defaults
// under the ROWMILL environment prefix.
func LoadConfig(cfgFile string) (*Config, error) {
	loader := NewLoader("ROWMILL")
	loader.SetConfigDefaults()

	cfg := &Config{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, err
	}

	applyDerivedDefaults(cfg)

	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyDerivedDefaults fills values that depend on the runtime environment.
func applyDerivedDefaults(cfg *Config) {
	if cfg.Executor.MaxWorkers <= 0 {
		cfg.Executor.MaxWorkers = DefaultMaxWorkers()
	}
	if cfg.Service.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "rowmill"
		}
		cfg.Service.WorkerID = host
	}
}

// DefaultMaxWorkers returns min(cpu-1, 8), never less than 1.
func DefaultMaxWorkers() int {
	w := runtime.NumCPU() - 1
	if w > 8 {
		w = 8
	}
	if w < 1 {
		w = 1
	}
	return w
}

// ValidateConfig validates the loaded configuration.
func ValidateConfig(cfg *Config) error {
	if cfg.Executor.BatchSize <= 0 {
		return fmt.Errorf("executor.batch_size must be positive, got %d", cfg.Executor.BatchSize)
	}
	if cfg.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative, got %d", cfg.Retry.MaxRetries)
	}
	if cfg.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1, got %v", cfg.Retry.Multiplier)
	}
	if cfg.Queue.LeaseDuration <= 0 {
		return fmt.Errorf("queue.lease_duration must be positive, got %v", cfg.Queue.LeaseDuration)
	}
	if cfg.Schedule.TickInterval <= 0 {
		return fmt.Errorf("schedule.tick_interval must be positive, got %v", cfg.Schedule.TickInterval)
	}
	if _, err := time.LoadLocation(cfg.Schedule.Timezone); err != nil {
		return fmt.Errorf("schedule.timezone: %w", err)
	}
	return nil
}

// HeartbeatInterval returns the claim heartbeat interval derived from the
// lease duration.
func (q QueueConfig) HeartbeatInterval() time.Duration {
	return q.LeaseDuration / 3
}

// Location resolves the configured timezone.
func (s ScheduleConfig) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// isFileNotFoundError checks if an error is a file not found error.
func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
