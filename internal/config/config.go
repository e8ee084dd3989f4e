// Package config loads the extractor configuration from defaults, an optional
// YAML file, ELIGIBILITY_* environment variables and command-line flags.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/eligibility-extractor/pkg/checkpoint"
	"github.com/Sternrassler/eligibility-extractor/pkg/client"
	"github.com/Sternrassler/eligibility-extractor/pkg/logging"
	"github.com/Sternrassler/eligibility-extractor/pkg/ratelimit"
)

// Year bounds accepted for partitions.
const (
	MinYear = 2017
	MaxYear = 2030
)

// Checkpoint backends.
const (
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete extractor configuration.
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Processing ProcessingConfig `mapstructure:"processing"`
	Input      InputConfig      `mapstructure:"input"`
	Output     OutputConfig     `mapstructure:"output"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// APIConfig describes the remote eligibility endpoint.
type APIConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Endpoint  string        `mapstructure:"endpoint"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
	Accept    string        `mapstructure:"accept"`
}

// RateLimitConfig mirrors ratelimit.Config plus the limiter scope and the
// token acquire timeout.
type RateLimitConfig struct {
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	BurstRequests     int           `mapstructure:"burst_requests"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	MaxRetryDelay     time.Duration `mapstructure:"max_retry_delay"`
	BackoffFactor     float64       `mapstructure:"backoff_factor"`
	MaxRetries        int           `mapstructure:"max_retries"`
	Jitter            bool          `mapstructure:"jitter"`
	AcquireTimeout    time.Duration `mapstructure:"acquire_timeout"`
	Scope             string        `mapstructure:"scope"`
}

// ProcessingConfig controls a run.
type ProcessingConfig struct {
	// Years is decoded separately so that both lists and comma separated
	// strings are accepted.
	Years              []int `mapstructure:"-"`
	CheckpointInterval int   `mapstructure:"checkpoint_interval"`
	Parallel           bool  `mapstructure:"parallel"`
	SaveRawResponses   bool  `mapstructure:"save_raw_responses"`
}

// InputConfig locates the identifier CSV.
type InputConfig struct {
	NPICSVPath string `mapstructure:"npi_csv_path"`
	NPIColumn  string `mapstructure:"npi_column"`
	Validate   bool   `mapstructure:"validate"`
}

// OutputConfig is the root of raw responses, checkpoints and reports.
type OutputConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// CheckpointConfig selects the checkpoint store.
type CheckpointConfig struct {
	Backend       string        `mapstructure:"backend"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	KeyPrefix     string        `mapstructure:"key_prefix"`
	TTL           time.Duration `mapstructure:"ttl"`
}

// LoggingConfig configures zerolog.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// MetricsConfig configures the /metrics and /health listener. An empty
// address disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Validate checks every section and normalizes the year list.
func (c *Config) Validate() error {
	if err := c.RateLimitConfig().Validate(); err != nil {
		return fmt.Errorf("%w: rate_limit: %w", ErrInvalidConfig, err)
	}
	if c.RateLimit.AcquireTimeout <= 0 {
		return fmt.Errorf("%w: rate_limit.acquire_timeout must be > 0 (got %v)", ErrInvalidConfig, c.RateLimit.AcquireTimeout)
	}
	if _, err := ratelimit.ParseScope(c.RateLimit.Scope); err != nil {
		return fmt.Errorf("%w: rate_limit.scope: %w", ErrInvalidConfig, err)
	}
	if c.API.BaseURL == "" {
		return fmt.Errorf("%w: api.base_url is required", ErrInvalidConfig)
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("%w: api.timeout must be > 0 (got %v)", ErrInvalidConfig, c.API.Timeout)
	}

	years, err := NormalizeYears(c.Processing.Years)
	if err != nil {
		return fmt.Errorf("%w: processing.years: %w", ErrInvalidConfig, err)
	}
	c.Processing.Years = years

	if c.Processing.CheckpointInterval < 1 {
		return fmt.Errorf("%w: processing.checkpoint_interval must be >= 1 (got %d)", ErrInvalidConfig, c.Processing.CheckpointInterval)
	}

	switch c.Checkpoint.Backend {
	case BackendFile, BackendMemory:
	case BackendRedis:
		if c.Checkpoint.RedisAddr == "" {
			return fmt.Errorf("%w: checkpoint.redis_addr is required for the redis backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown checkpoint.backend %q", ErrInvalidConfig, c.Checkpoint.Backend)
	}
	if c.Checkpoint.TTL < 0 {
		return fmt.Errorf("%w: checkpoint.ttl must be >= 0", ErrInvalidConfig)
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: logging.level: %w", ErrInvalidConfig, err)
	}
	return nil
}

// RateLimitConfig converts the section into the immutable limiter value.
func (c *Config) RateLimitConfig() ratelimit.Config {
	return ratelimit.Config{
		RequestsPerSecond: c.RateLimit.RequestsPerSecond,
		BurstRequests:     c.RateLimit.BurstRequests,
		RetryDelay:        c.RateLimit.RetryDelay,
		MaxRetryDelay:     c.RateLimit.MaxRetryDelay,
		BackoffFactor:     c.RateLimit.BackoffFactor,
		MaxRetries:        c.RateLimit.MaxRetries,
		Jitter:            c.RateLimit.Jitter,
	}
}

// Scope returns the parsed limiter scope. Call after Validate.
func (c *Config) Scope() ratelimit.Scope {
	scope, err := ratelimit.ParseScope(c.RateLimit.Scope)
	if err != nil {
		return ratelimit.ScopeShared
	}
	return scope
}

// HTTPConfig converts the api section.
func (c *Config) HTTPConfig() client.HTTPConfig {
	return client.HTTPConfig{
		BaseURL:   c.API.BaseURL,
		Endpoint:  c.API.Endpoint,
		Timeout:   c.API.Timeout,
		UserAgent: c.API.UserAgent,
		Accept:    c.API.Accept,
	}
}

// Partitions returns the configured years as partition keys.
func (c *Config) Partitions() []string {
	keys := make([]string, 0, len(c.Processing.Years))
	for _, y := range c.Processing.Years {
		keys = append(keys, fmt.Sprintf("%d", y))
	}
	return keys
}

// LoggingConfig converts the logging section. Call after Validate.
func (c *Config) LoggingConfig(out io.Writer) logging.Config {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	return logging.Config{
		Level:  level,
		Pretty: c.Logging.Pretty,
		Output: out,
	}
}

// CheckpointDir is where the file backend keeps its checkpoints.
func (c *Config) CheckpointDir() string {
	return filepath.Join(c.Output.BaseDir, "logs")
}

// SummaryPath is where a run summary is written.
func (c *Config) SummaryPath() string {
	return filepath.Join(c.Output.BaseDir, "reports", "processing_summary.json")
}

// OpenCheckpointStore builds the configured store. The returned close
// function releases backend connections and is never nil.
func (c *Config) OpenCheckpointStore(ctx context.Context) (checkpoint.Store, func() error, error) {
	noop := func() error { return nil }

	switch c.Checkpoint.Backend {
	case BackendMemory:
		return checkpoint.NewMemoryStore(), noop, nil
	case BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     c.Checkpoint.RedisAddr,
			Password: c.Checkpoint.RedisPassword,
			DB:       c.Checkpoint.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, noop, fmt.Errorf("connect to redis at %s: %w", c.Checkpoint.RedisAddr, err)
		}
		return checkpoint.NewRedisStore(rdb, c.Checkpoint.KeyPrefix, c.Checkpoint.TTL), rdb.Close, nil
	default:
		return checkpoint.NewFileStore(c.CheckpointDir()), noop, nil
	}
}
