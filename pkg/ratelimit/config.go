// Package ratelimit implements the client-side token bucket that keeps
// eligibility API traffic under the server's request rate, plus the
// provider that decides whether partitions share one bucket or own one each.
package ratelimit

import (
	"fmt"
	"time"
)

// Defaults mirror the limits published for the eligibility API.
const (
	DefaultRequestsPerSecond = 2.0
	DefaultBurstRequests     = 5
	DefaultRetryDelay        = 1 * time.Second
	DefaultMaxRetryDelay     = 8 * time.Second
	DefaultBackoffFactor     = 2.0
	DefaultMaxRetries        = 3

	// DefaultAcquireTimeout bounds how long one request waits for a token.
	// It is independent of the server and of the per-request socket timeout.
	DefaultAcquireTimeout = 30 * time.Second
)

// Config holds rate limit and retry parameters.
// It is built once at startup and passed by value; nothing mutates it afterwards.
type Config struct {
	// RequestsPerSecond is the steady refill rate of the bucket.
	RequestsPerSecond float64 `json:"requests_per_second"`

	// BurstRequests is the bucket capacity.
	BurstRequests int `json:"burst_requests"`

	// RetryDelay is the base delay of the exponential backoff curve.
	RetryDelay time.Duration `json:"retry_delay"`

	// MaxRetryDelay caps any single backoff delay.
	MaxRetryDelay time.Duration `json:"max_retry_delay"`

	// BackoffFactor is the exponential multiplier (> 1).
	BackoffFactor float64 `json:"backoff_factor"`

	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int `json:"max_retries"`

	// Jitter spreads each delay by up to ±10%.
	Jitter bool `json:"jitter"`
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: DefaultRequestsPerSecond,
		BurstRequests:     DefaultBurstRequests,
		RetryDelay:        DefaultRetryDelay,
		MaxRetryDelay:     DefaultMaxRetryDelay,
		BackoffFactor:     DefaultBackoffFactor,
		MaxRetries:        DefaultMaxRetries,
		Jitter:            true,
	}
}

// Validate checks the configuration invariants.
func (c Config) Validate() error {
	if c.RequestsPerSecond <= 0 {
		return fmt.Errorf("requests_per_second must be > 0 (got %v)", c.RequestsPerSecond)
	}
	if c.BurstRequests < 1 {
		return fmt.Errorf("burst_requests must be >= 1 (got %d)", c.BurstRequests)
	}
	if c.BackoffFactor <= 1 {
		return fmt.Errorf("backoff_factor must be > 1 (got %v)", c.BackoffFactor)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0 (got %d)", c.MaxRetries)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry_delay must be >= 0 (got %v)", c.RetryDelay)
	}
	if c.MaxRetryDelay < c.RetryDelay {
		return fmt.Errorf("max_retry_delay (%v) must be >= retry_delay (%v)", c.MaxRetryDelay, c.RetryDelay)
	}
	return nil
}

// RefillInterval returns the time it takes to refill one token.
func (c Config) RefillInterval() time.Duration {
	return time.Duration(float64(time.Second) / c.RequestsPerSecond)
}
