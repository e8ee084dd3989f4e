package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/eligibility-extractor/pkg/ratelimit"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eligibility_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "eligibility_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.1, 0.5, 1, 2, 4, 8, 16},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eligibility_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// Acquirer hands out rate limit permits. *ratelimit.TokenBucket implements it.
type Acquirer interface {
	Acquire(ctx context.Context, timeout time.Duration) (bool, error)
}

// Response is the result of one remote call.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// Operation performs one network call. It is invoked once per attempt.
type Operation func(ctx context.Context) (*Response, error)

// RetryingInvoker runs an Operation under a rate limiter and a backoff policy.
type RetryingInvoker struct {
	limiter        Acquirer
	policy         *BackoffPolicy
	acquireTimeout time.Duration
	logger         zerolog.Logger

	// sleep waits for d or until ctx is done (replaceable in tests).
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryingInvoker creates an invoker. An acquireTimeout <= 0 uses
// ratelimit.DefaultAcquireTimeout.
func NewRetryingInvoker(limiter Acquirer, policy *BackoffPolicy, acquireTimeout time.Duration, logger zerolog.Logger) *RetryingInvoker {
	if acquireTimeout <= 0 {
		acquireTimeout = ratelimit.DefaultAcquireTimeout
	}
	return &RetryingInvoker{
		limiter:        limiter,
		policy:         policy,
		acquireTimeout: acquireTimeout,
		logger:         logger,
		sleep:          sleepContext,
	}
}

// Invoke runs op until it yields a non-retryable result or the policy is
// exhausted, and returns the last result with the number of calls made.
//
// Status-coded failures are returned as responses, including after the last
// retry. Transport errors that survive every retry are wrapped in
// ErrRetryExhausted; non-retryable errors are returned as is. In-flight calls
// are not aborted by cancellation; ctx is checked before each attempt and
// during backoff.
func (r *RetryingInvoker) Invoke(ctx context.Context, op Operation) (*Response, int, error) {
	attempts := 0

	for attempt := 0; attempt <= r.policy.MaxRetries(); attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, attempts, fmt.Errorf("%w: %w", ErrContextCancelled, err)
		}

		ok, err := r.limiter.Acquire(ctx, r.acquireTimeout)
		if err != nil {
			return nil, attempts, fmt.Errorf("%w: %w", ErrContextCancelled, err)
		}
		if !ok {
			r.logger.Warn().
				Int("attempt", attempt).
				Dur("timeout", r.acquireTimeout).
				Msg("Rate limiter acquire timed out")
			return nil, attempts, fmt.Errorf("%w after %s", ErrRateLimiterTimeout, r.acquireTimeout)
		}

		attempts++
		resp, err := op(context.WithoutCancel(ctx))
		if err == nil && resp == nil {
			err = errors.New("operation returned no response")
		}

		var status int
		var class ErrorClass
		switch {
		case err != nil:
			class = ErrorClassNetwork
			if !IsTransportError(err) {
				return nil, attempts, err
			}
		default:
			status = resp.StatusCode
			class = ClassifyStatus(status)
		}

		if !r.policy.ShouldRetry(attempt, status, err) {
			if err != nil {
				retryExhaustedTotal.WithLabelValues(string(class)).Inc()
				r.logger.Warn().
					Err(err).
					Int("attempts", attempts).
					Msg("Retry attempts exhausted")
				return nil, attempts, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempts, err)
			}
			if class == ErrorClassServer || class == ErrorClassRateLimit {
				retryExhaustedTotal.WithLabelValues(string(class)).Inc()
				r.logger.Warn().
					Int("status_code", status).
					Int("attempts", attempts).
					Msg("Retry attempts exhausted")
			}
			return resp, attempts, nil
		}

		delay := r.policy.DelayFor(attempt)
		retriesTotal.WithLabelValues(string(class)).Inc()
		retryBackoffSeconds.WithLabelValues(string(class)).Observe(delay.Seconds())

		event := r.logger.Warn().
			Str("error_class", string(class)).
			Int("attempt", attempt).
			Dur("backoff", delay)
		if err != nil {
			event = event.Err(err)
		} else {
			event = event.Int("status_code", status)
		}
		event.Msg("Retrying request after backoff")

		if err := r.sleep(ctx, delay); err != nil {
			r.logger.Warn().
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return nil, attempts, fmt.Errorf("%w: %w", ErrContextCancelled, err)
		}
	}

	// The final iteration always returns; a negative retry count skips the loop.
	return nil, attempts, fmt.Errorf("%w: no attempts allowed", ErrRetryExhausted)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
