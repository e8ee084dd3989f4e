package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for token bucket activity.
var (
	bucketAcquired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eligibility_ratelimit_acquired_total",
		Help: "Total number of tokens granted by bucket",
	}, []string{"bucket"})

	bucketTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eligibility_ratelimit_timeouts_total",
		Help: "Total number of token acquisitions that gave up on their timeout",
	}, []string{"bucket"})

	bucketWaitSeconds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eligibility_ratelimit_wait_seconds_total",
		Help: "Total time spent waiting for tokens by bucket",
	}, []string{"bucket"})

	bucketTokens = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "eligibility_ratelimit_tokens",
		Help: "Tokens currently available by bucket",
	}, []string{"bucket"})
)
