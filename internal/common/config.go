// Package common provides shared utilities for the job scheduler CORE's
// ambient stack: logging, configuration, startup banner, and version
// reporting.
package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds the ambient configuration for the demo binary. The CORE
// packages themselves take plain values/durations, not *Config — config
// parsing is a CLI-layer concern, out of CORE scope per spec §1.
type Config struct {
	Environment string          `toml:"environment"`
	Server      ServerConfig    `toml:"server"`
	Mongo       MongoConfig     `toml:"mongo"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Logging     LoggingConfig   `toml:"logging"`
}

// ServerConfig holds the status/websocket HTTP endpoint configuration.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// MongoConfig holds the document store connection configuration. Pool
// management and index creation are out of CORE scope per spec §1; this
// just carries the dial target.
type MongoConfig struct {
	URI        string `toml:"uri"`
	Database   string `toml:"database"`
	Collection string `toml:"collection"`
}

// SchedulerConfig holds the Job Processor's tunables (spec §4.4, §5).
type SchedulerConfig struct {
	// ProcessEvery is the periodic discovery cadence, e.g. "5s".
	ProcessEvery string `toml:"process_every"`

	MaxConcurrency int `toml:"max_concurrency"`
	TotalLockLimit int `toml:"total_lock_limit"`

	// DefaultLockLifetime is the lock lifetime the demo binary gives the
	// definition it registers, e.g. "10m". It is not passed to the
	// Processor, which uses its own 10m default for definitions without
	// a LockLifetime.
	DefaultLockLifetime string `toml:"default_lock_lifetime"`

	DefaultBatchSize int `toml:"default_batch_size"`

	// RetryMaxAttempts/RetryBaseDelay/RetryMaxDelay configure the Retry
	// Executor wrapping every Repository write (spec §4.1).
	RetryMaxAttempts int    `toml:"retry_max_attempts"`
	RetryBaseDelay   string `toml:"retry_base_delay"`
	RetryMaxDelay    string `toml:"retry_max_delay"`
}

// GetProcessEvery parses ProcessEvery, defaulting to 5s on empty/invalid input.
func (c *SchedulerConfig) GetProcessEvery() time.Duration {
	return parseDurationOr(c.ProcessEvery, 5*time.Second)
}

// GetDefaultLockLifetime parses DefaultLockLifetime, defaulting to 10m.
func (c *SchedulerConfig) GetDefaultLockLifetime() time.Duration {
	return parseDurationOr(c.DefaultLockLifetime, 10*time.Minute)
}

// GetRetryBaseDelay parses RetryBaseDelay, defaulting to 100ms.
func (c *SchedulerConfig) GetRetryBaseDelay() time.Duration {
	return parseDurationOr(c.RetryBaseDelay, 100*time.Millisecond)
}

// GetRetryMaxDelay parses RetryMaxDelay, defaulting to 5s.
func (c *SchedulerConfig) GetRetryMaxDelay() time.Duration {
	return parseDurationOr(c.RetryMaxDelay, 5*time.Second)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// LoggingConfig holds logging configuration for the ambient logger.
type LoggingConfig struct {
	Level string `toml:"level"`
}

// NewDefaultConfig returns a Config with sensible defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8090,
		},
		Mongo: MongoConfig{
			URI:        "mongodb://localhost:27017",
			Database:   "jobcore",
			Collection: "jobs",
		},
		Scheduler: SchedulerConfig{
			ProcessEvery:        "5s",
			MaxConcurrency:      20,
			TotalLockLimit:      0,
			DefaultLockLifetime: "10m",
			DefaultBatchSize:    5,
			RetryMaxAttempts:    3,
			RetryBaseDelay:      "100ms",
			RetryMaxDelay:       "5s",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from files with environment overrides,
// in the teacher's merge-then-override idiom: later files override
// earlier ones, and environment variables take precedence over both.
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue // skip missing files
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)
	return config, nil
}

// applyEnvOverrides applies JOBCORE_* environment variable overrides.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("JOBCORE_ENV"); env != "" {
		config.Environment = env
	}
	if host := os.Getenv("JOBCORE_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("JOBCORE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if uri := os.Getenv("JOBCORE_MONGO_URI"); uri != "" {
		config.Mongo.URI = uri
	}
	if level := os.Getenv("JOBCORE_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if v := os.Getenv("JOBCORE_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Scheduler.MaxConcurrency = n
		}
	}
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
