// Package metrics provides centralized Prometheus metrics registry for the extractor.
// All metrics are defined in their respective packages (ratelimit, client,
// checkpoint, orchestrator) to maintain modularity and avoid circular dependencies.
//
// This package provides the scrape handler and a reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the extractor.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the source served by Handler.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the /metrics scrape handler.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Rate Limit Metrics (pkg/ratelimit):
//   - eligibility_ratelimit_acquired_total{bucket} (Counter): Tokens granted
//   - eligibility_ratelimit_timeouts_total{bucket} (Counter): Acquires refused by timeout
//   - eligibility_ratelimit_wait_seconds_total{bucket} (Counter): Time spent waiting for refills
//   - eligibility_ratelimit_tokens{bucket} (Gauge): Tokens left after the last grant
//
// Request Metrics (pkg/client):
//   - eligibility_requests_total{partition, status} (Counter): Requests by partition and HTTP status
//   - eligibility_request_duration_seconds{partition} (Histogram): Request duration by partition
//   - eligibility_outcomes_total{partition, outcome} (Counter): Terminal outcomes by kind
//
// Retry Metrics (pkg/client):
//   - eligibility_retries_total{error_class} (Counter): Retry attempts by error class
//   - eligibility_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - eligibility_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Checkpoint Metrics (pkg/checkpoint):
//   - eligibility_checkpoint_writes_total{backend} (Counter): Checkpoint writes
//   - eligibility_checkpoint_errors_total{backend, operation} (Counter): Store errors
//
// Partition Metrics (pkg/orchestrator):
//   - eligibility_partitions_active (Gauge): Partitions currently running
//   - eligibility_partition_duration_seconds{partition} (Histogram): Partition wall-clock time
//   - eligibility_partitions_total{state} (Counter): Finished partitions by state
//
// Example Prometheus Queries:
//
//   # Observed request rate per partition
//   sum by (partition) (rate(eligibility_requests_total[1m]))
//
//   # Share of requests throttled by the server
//   sum(rate(eligibility_requests_total{status="429"}[5m])) /
//   sum(rate(eligibility_requests_total[5m]))
//
//   # Success rate
//   sum(rate(eligibility_outcomes_total{outcome="success"}[5m])) /
//   sum(rate(eligibility_outcomes_total[5m]))
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(eligibility_request_duration_seconds_bucket[5m]))
