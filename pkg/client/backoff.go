package client

import (
	"math"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/Sternrassler/eligibility-extractor/pkg/ratelimit"
)

// jitterFraction is the maximum relative perturbation applied to a delay.
const jitterFraction = 0.1

// BackoffPolicy decides whether an attempt may be retried and how long to
// wait before the next one.
type BackoffPolicy struct {
	baseDelay  time.Duration
	maxDelay   time.Duration
	factor     float64
	maxRetries int
	jitter     bool

	// random returns a value in [0, 1).
	random func() float64
}

// NewBackoffPolicy creates a policy from the retry part of cfg.
func NewBackoffPolicy(cfg ratelimit.Config) *BackoffPolicy {
	return &BackoffPolicy{
		baseDelay:  cfg.RetryDelay,
		maxDelay:   cfg.MaxRetryDelay,
		factor:     cfg.BackoffFactor,
		maxRetries: cfg.MaxRetries,
		jitter:     cfg.Jitter,
		random:     rand.Float64,
	}
}

// MaxRetries returns the number of retries allowed after the first attempt.
func (p *BackoffPolicy) MaxRetries() int {
	return p.maxRetries
}

// ShouldRetry reports whether attempt (0-based) may be followed by another
// one. Retryable conditions are 429, any 5xx and transport errors. A status
// of 0 means no response was received.
func (p *BackoffPolicy) ShouldRetry(attempt, status int, err error) bool {
	if attempt < 0 || attempt >= p.maxRetries {
		return false
	}
	if err != nil {
		return IsTransportError(err)
	}
	return status == http.StatusTooManyRequests || (status >= 500 && status < 600)
}

// DelayFor returns the wait before retrying after attempt. The result is in
// [0, max retry delay].
func (p *BackoffPolicy) DelayFor(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(p.baseDelay) * math.Pow(p.factor, float64(attempt))
	if delay > float64(p.maxDelay) || math.IsInf(delay, 0) || math.IsNaN(delay) {
		delay = float64(p.maxDelay)
	}

	if p.jitter {
		delay += delay * jitterFraction * (2*p.random() - 1)
	}

	// Jitter may push past either bound.
	delay = math.Max(0, math.Min(delay, float64(p.maxDelay)))
	return time.Duration(delay)
}
