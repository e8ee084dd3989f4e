package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// NoTimeout makes Acquire wait until a token is available.
const NoTimeout time.Duration = -1

// TokenBucket is a thread-safe token bucket. Tokens refill continuously at
// RequestsPerSecond up to BurstRequests. The bucket starts full.
//
// The token count stays within [0, BurstRequests] at every observation and
// a grant always removes exactly one whole token. golang.org/x/time/rate does
// not fit: its reservations borrow against future refills and drive the
// count negative.
type TokenBucket struct {
	name     string
	rate     float64
	capacity float64
	interval time.Duration
	clock    func() time.Time

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time

	acquired int64
	timeouts int64
	waited   time.Duration
}

// Option configures a TokenBucket.
type Option func(*TokenBucket)

// WithName sets the bucket name used in metrics and stats.
func WithName(name string) Option {
	return func(b *TokenBucket) {
		b.name = name
	}
}

// WithClock replaces the wall clock used for refills (for testing).
func WithClock(clock func() time.Time) Option {
	return func(b *TokenBucket) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// NewTokenBucket creates a full bucket from the rate part of cfg.
func NewTokenBucket(cfg Config, opts ...Option) *TokenBucket {
	b := &TokenBucket{
		name:     "default",
		rate:     cfg.RequestsPerSecond,
		capacity: float64(cfg.BurstRequests),
		interval: cfg.RefillInterval(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.tokens = b.capacity
	b.lastRefill = b.clock()
	bucketTokens.WithLabelValues(b.name).Set(b.tokens)
	return b
}

// Name returns the bucket name.
func (b *TokenBucket) Name() string {
	return b.name
}

// Acquire takes one token, waiting for a refill when the bucket is empty.
//
// A negative timeout (NoTimeout) waits until a token is available. A zero
// timeout returns false whenever a wait would be needed. A positive timeout
// returns false as soon as the projected wait would exceed it. The only
// error returned is the context error when ctx ends while waiting.
func (b *TokenBucket) Acquire(ctx context.Context, timeout time.Duration) (bool, error) {
	start := b.clock()

	for {
		if b.TryAcquire() {
			return true, nil
		}

		wait := b.interval
		if timeout >= 0 && b.clock().Sub(start)+wait > timeout {
			b.mu.Lock()
			b.timeouts++
			b.mu.Unlock()
			bucketTimeouts.WithLabelValues(b.name).Inc()
			return false, nil
		}

		b.mu.Lock()
		b.waited += wait
		b.mu.Unlock()
		bucketWaitSeconds.WithLabelValues(b.name).Add(wait.Seconds())

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}
}

// TryAcquire takes one token if one is available and never waits.
func (b *TokenBucket) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	b.acquired++
	bucketAcquired.WithLabelValues(b.name).Inc()
	bucketTokens.WithLabelValues(b.name).Set(b.tokens)
	return true
}

// Tokens returns the current token count after applying pending refills.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// Stats returns a snapshot of the bucket counters.
func (b *TokenBucket) Stats() BucketStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return BucketStats{
		Name:              b.name,
		RequestsPerSecond: b.rate,
		BurstRequests:     int(b.capacity),
		CurrentTokens:     b.tokens,
		Acquired:          b.acquired,
		Timeouts:          b.timeouts,
		TotalWait:         b.waited,
	}
}

// refill must be called with mu held.
func (b *TokenBucket) refill() {
	now := b.clock()
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed.Seconds()*b.rate)
	b.lastRefill = now
}

// BucketStats is a read-only snapshot of a TokenBucket.
type BucketStats struct {
	Name              string        `json:"name"`
	RequestsPerSecond float64       `json:"requests_per_second"`
	BurstRequests     int           `json:"burst_requests"`
	CurrentTokens     float64       `json:"current_tokens"`
	Acquired          int64         `json:"acquired"`
	Timeouts          int64         `json:"timeouts"`
	TotalWait         time.Duration `json:"total_wait"`
}
