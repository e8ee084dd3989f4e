// Package client fetches eligibility records one identifier at a time under
// a token bucket rate limit, retrying transient failures with exponential
// backoff and classifying every fetch into exactly one terminal outcome.
package client

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/eligibility-extractor/pkg/identifiers"
	"github.com/Sternrassler/eligibility-extractor/pkg/logging"
	"github.com/Sternrassler/eligibility-extractor/pkg/ratelimit"
	"github.com/Sternrassler/eligibility-extractor/pkg/schema"
)

// Prometheus metrics for fetch operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eligibility_requests_total",
		Help: "Total eligibility API requests by partition and status",
	}, []string{"partition", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "eligibility_request_duration_seconds",
		Help:    "Eligibility API request duration in seconds by partition",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"partition"})

	outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eligibility_outcomes_total",
		Help: "Terminal fetch outcomes by partition and kind",
	}, []string{"partition", "outcome"})
)

// RemoteFetchFunc performs one request for identifier in partition.
// Transport failures are returned as errors.
type RemoteFetchFunc func(ctx context.Context, identifier, partition string) (*Response, error)

// Validator parses a 200 body into a record.
type Validator interface {
	Validate(body []byte) (*schema.Record, error)
}

// Config holds the client configuration.
type Config struct {
	// Fetch performs the network call (required).
	Fetch RemoteFetchFunc

	// Validator checks 200 bodies. Defaults to schema.NewValidator().
	Validator Validator

	// Limiter grants request permits. When nil the client owns a bucket
	// built from RateLimit.
	Limiter Acquirer

	// RateLimit drives the backoff policy and, without Limiter, the bucket.
	// The zero value means ratelimit.DefaultConfig().
	RateLimit ratelimit.Config

	// AcquireTimeout bounds the wait for one permit.
	AcquireTimeout time.Duration

	Logger *zerolog.Logger
}

// Client is the rate-limited fetch client. It is safe for concurrent use.
type Client struct {
	fetch     RemoteFetchFunc
	validator Validator
	invoker   *RetryingInvoker
	logger    zerolog.Logger

	mu    sync.Mutex
	stats Stats
}

// New creates a new fetch client.
func New(cfg Config) (*Client, error) {
	if cfg.Fetch == nil {
		return nil, fmt.Errorf("fetch function is required")
	}

	rl := cfg.RateLimit
	if rl == (ratelimit.Config{}) {
		rl = ratelimit.DefaultConfig()
	}
	if err := rl.Validate(); err != nil {
		return nil, fmt.Errorf("rate limit config: %w", err)
	}

	logger := logging.NewLogger("fetch-client")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NewTokenBucket(rl)
	}

	validator := cfg.Validator
	if validator == nil {
		validator = schema.NewValidator()
	}

	return &Client{
		fetch:     cfg.Fetch,
		validator: validator,
		invoker:   NewRetryingInvoker(limiter, NewBackoffPolicy(rl), cfg.AcquireTimeout, logger),
		logger:    logger,
	}, nil
}

// Fetch retrieves and validates the record for identifier in partition. The
// record is nil unless the outcome is a success. Counters are updated once
// per call.
func (c *Client) Fetch(ctx context.Context, identifier, partition string) (rec *schema.Record, outcome FetchOutcome) {
	outcome = FetchOutcome{
		Identifier: identifier,
		Partition:  partition,
		Timestamp:  time.Now().UTC(),
	}

	var requests int64
	var requestTime time.Duration

	defer func() {
		if p := recover(); p != nil {
			rec = nil
			outcome.Kind = OutcomeInternalError
			outcome.Success = false
			outcome.Error = fmt.Sprintf("panic: %v", p)
			c.logger.Error().
				Str("partition", partition).
				Str("identifier", identifier).
				Interface("panic", p).
				Msg("Recovered panic while fetching")
		}
		c.finish(outcome, requests, requestTime)
	}()

	if err := identifiers.Validate(identifier); err != nil {
		outcome.Kind = OutcomeInvalidIdentifier
		outcome.Error = err.Error()
		return nil, outcome
	}

	op := func(ctx context.Context) (*Response, error) {
		start := time.Now()
		resp, err := c.fetch(ctx, identifier, partition)
		elapsed := time.Since(start)

		requests++
		requestTime += elapsed
		requestDuration.WithLabelValues(partition).Observe(elapsed.Seconds())

		status := "network_error"
		if err == nil && resp != nil {
			status = strconv.Itoa(resp.StatusCode)
		}
		requestsTotal.WithLabelValues(partition, status).Inc()

		c.logger.Debug().
			Str("partition", partition).
			Str("identifier", identifier).
			Str("status_code", status).
			Dur("duration", elapsed).
			Msg("Request completed")
		return resp, err
	}

	resp, attempts, err := c.invoker.Invoke(ctx, op)
	outcome.RetryCount = max(attempts-1, 0)

	if err != nil {
		outcome.Kind = classifyError(err)
		outcome.Error = err.Error()
		return nil, outcome
	}

	outcome.StatusCode = resp.StatusCode
	outcome.Kind = classifyResponse(resp.StatusCode)
	if outcome.Kind != OutcomeSuccess {
		outcome.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
		return nil, outcome
	}

	record, err := c.validator.Validate(resp.Body)
	if err != nil {
		outcome.Kind = OutcomeValidationError
		outcome.Error = err.Error()
		return nil, outcome
	}

	outcome.Success = true
	return record, outcome
}

// Stats returns a snapshot of the client's counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Client) finish(outcome FetchOutcome, requests int64, requestTime time.Duration) {
	c.mu.Lock()
	c.stats.record(outcome.Kind)
	c.stats.Requests += requests
	c.stats.Retries += int64(outcome.RetryCount)
	c.stats.TotalRequestTime += requestTime
	c.mu.Unlock()

	outcomesTotal.WithLabelValues(outcome.Partition, string(outcome.Kind)).Inc()

	var event *zerolog.Event
	switch outcome.Kind {
	case OutcomeSuccess:
		event = c.logger.Debug()
	case OutcomeNotFound, OutcomeInvalidIdentifier, OutcomeCancelled:
		event = c.logger.Info()
	case OutcomeInternalError:
		return
	default:
		event = c.logger.Warn()
	}
	event.
		Str("partition", outcome.Partition).
		Str("identifier", outcome.Identifier).
		Str("outcome", string(outcome.Kind)).
		Int("status_code", outcome.StatusCode).
		Int("retry_count", outcome.RetryCount).
		Str("error", outcome.Error).
		Msg("Fetch finished")
}

func classifyError(err error) OutcomeKind {
	switch {
	case errors.Is(err, ErrRateLimiterTimeout):
		return OutcomeRateLimiterTimeout
	case errors.Is(err, ErrContextCancelled):
		return OutcomeCancelled
	case errors.Is(err, ErrRetryExhausted), IsTransportError(err):
		return OutcomeTransportError
	default:
		return OutcomeFetchError
	}
}
