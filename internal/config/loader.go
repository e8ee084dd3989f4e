package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Sternrassler/eligibility-extractor/pkg/checkpoint"
	"github.com/Sternrassler/eligibility-extractor/pkg/client"
	"github.com/Sternrassler/eligibility-extractor/pkg/identifiers"
	"github.com/Sternrassler/eligibility-extractor/pkg/orchestrator"
	"github.com/Sternrassler/eligibility-extractor/pkg/ratelimit"
)

// EnvPrefix prefixes every environment override, e.g.
// ELIGIBILITY_RATE_LIMIT_REQUESTS_PER_SECOND.
const EnvPrefix = "ELIGIBILITY"

// DefaultYears are the partitions processed when none are configured.
var DefaultYears = []int{2023, 2024, 2025}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	api := client.DefaultHTTPConfig()
	v.SetDefault("api.base_url", api.BaseURL)
	v.SetDefault("api.endpoint", api.Endpoint)
	v.SetDefault("api.timeout", api.Timeout)
	v.SetDefault("api.user_agent", api.UserAgent)
	v.SetDefault("api.accept", api.Accept)

	rl := ratelimit.DefaultConfig()
	v.SetDefault("rate_limit.requests_per_second", rl.RequestsPerSecond)
	v.SetDefault("rate_limit.burst_requests", rl.BurstRequests)
	v.SetDefault("rate_limit.retry_delay", rl.RetryDelay)
	v.SetDefault("rate_limit.max_retry_delay", rl.MaxRetryDelay)
	v.SetDefault("rate_limit.backoff_factor", rl.BackoffFactor)
	v.SetDefault("rate_limit.max_retries", rl.MaxRetries)
	v.SetDefault("rate_limit.jitter", rl.Jitter)
	v.SetDefault("rate_limit.acquire_timeout", ratelimit.DefaultAcquireTimeout)
	v.SetDefault("rate_limit.scope", string(ratelimit.ScopeShared))

	v.SetDefault("processing.years", DefaultYears)
	v.SetDefault("processing.checkpoint_interval", orchestrator.DefaultCheckpointInterval)
	v.SetDefault("processing.parallel", true)
	v.SetDefault("processing.save_raw_responses", true)

	v.SetDefault("input.npi_csv_path", "data/npi.csv")
	v.SetDefault("input.npi_column", identifiers.DefaultColumn)
	v.SetDefault("input.validate", true)

	v.SetDefault("output.base_dir", "output")

	v.SetDefault("checkpoint.backend", BackendFile)
	v.SetDefault("checkpoint.redis_addr", "localhost:6379")
	v.SetDefault("checkpoint.redis_password", "")
	v.SetDefault("checkpoint.redis_db", 0)
	v.SetDefault("checkpoint.key_prefix", checkpoint.DefaultKeyPrefix)
	v.SetDefault("checkpoint.ttl", time.Duration(0))

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)

	v.SetDefault("metrics.addr", "")
}

// New returns a viper instance with defaults and environment binding. When
// file is non-empty it is read as YAML.
func New(file string) (*viper.Viper, error) {
	v := viper.New()
	if err := Configure(v, file); err != nil {
		return nil, err
	}
	return v, nil
}

// Configure prepares an existing viper instance the same way New does.
func Configure(v *viper.Viper, file string) error {
	SetDefaults(v)
	BindEnv(v)

	if file == "" {
		return nil
	}
	// An explicitly named file must exist.
	if _, err := os.Stat(file); err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	v.SetConfigFile(file)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", file, err)
	}
	return nil
}

// BindEnv enables ELIGIBILITY_* overrides on v.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	years, err := ParseYears(v.Get("processing.years"))
	if err != nil {
		return nil, fmt.Errorf("%w: processing.years: %w", ErrInvalidConfig, err)
	}
	cfg.Processing.Years = years

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseYears accepts a comma separated string or a list of numbers or
// numeric strings.
func ParseYears(raw any) ([]int, error) {
	var parts []string
	switch val := raw.(type) {
	case nil:
		return nil, nil
	case string:
		parts = strings.Split(val, ",")
	case []string:
		parts = val
	case []int:
		return slices.Clone(val), nil
	case []any:
		for _, item := range val {
			parts = append(parts, fmt.Sprint(item))
		}
	case int:
		return []int{val}, nil
	default:
		return nil, fmt.Errorf("unsupported year list %T", raw)
	}

	years := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		y, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("year %q is not a number", p)
		}
		years = append(years, y)
	}
	return years, nil
}

// NormalizeYears checks the bounds and returns the years sorted without
// duplicates.
func NormalizeYears(years []int) ([]int, error) {
	if len(years) == 0 {
		return nil, errors.New("at least one year is required")
	}
	out := slices.Clone(years)
	for _, y := range out {
		if y < MinYear || y > MaxYear {
			return nil, fmt.Errorf("year %d outside %d..%d", y, MinYear, MaxYear)
		}
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}
