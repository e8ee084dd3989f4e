package ratelimit

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Scope selects how partitions map onto token buckets.
type Scope string

const (
	// ScopeShared hands every partition the same bucket, so the configured
	// rate is a limit for the whole run.
	ScopeShared Scope = "shared"

	// ScopePerPartition gives every partition its own bucket, so the
	// aggregate rate grows with the number of partitions.
	ScopePerPartition Scope = "per_partition"
)

// sharedBucketName is the bucket name used under ScopeShared.
const sharedBucketName = "shared"

// ParseScope converts a configuration string into a Scope.
func ParseScope(value string) (Scope, error) {
	switch Scope(value) {
	case ScopeShared, ScopePerPartition:
		return Scope(value), nil
	case "":
		return ScopeShared, nil
	default:
		return "", fmt.Errorf("unknown limiter scope %q (want %q or %q)", value, ScopeShared, ScopePerPartition)
	}
}

// Provider hands out token buckets according to its Scope.
type Provider struct {
	scope  Scope
	config Config
	opts   []Option
	logger zerolog.Logger

	mu      sync.Mutex
	buckets map[string]*TokenBucket
}

// NewProvider creates a bucket provider. Options are applied to every bucket
// it creates (the bucket name is always set by the provider).
func NewProvider(scope Scope, cfg Config, logger zerolog.Logger, opts ...Option) (*Provider, error) {
	scope, err := ParseScope(string(scope))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("rate limit config: %w", err)
	}
	return &Provider{
		scope:   scope,
		config:  cfg,
		opts:    opts,
		logger:  logger,
		buckets: make(map[string]*TokenBucket),
	}, nil
}

// Scope returns the provider scope.
func (p *Provider) Scope() Scope {
	return p.scope
}

// For returns the bucket serving the given partition.
func (p *Provider) For(partition string) *TokenBucket {
	name := partition
	if p.scope == ScopeShared {
		name = sharedBucketName
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if b, ok := p.buckets[name]; ok {
		return b
	}

	opts := append(append([]Option{}, p.opts...), WithName(name))
	b := NewTokenBucket(p.config, opts...)
	p.buckets[name] = b

	p.logger.Debug().
		Str("bucket", name).
		Str("scope", string(p.scope)).
		Float64("requests_per_second", p.config.RequestsPerSecond).
		Int("burst_requests", p.config.BurstRequests).
		Msg("Token bucket created")

	return b
}

// Stats returns snapshots of all buckets created so far, sorted by name.
func (p *Provider) Stats() []BucketStats {
	p.mu.Lock()
	buckets := make([]*TokenBucket, 0, len(p.buckets))
	for _, b := range p.buckets {
		buckets = append(buckets, b)
	}
	p.mu.Unlock()

	stats := make([]BucketStats, 0, len(buckets))
	for _, b := range buckets {
		stats = append(stats, b.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}
