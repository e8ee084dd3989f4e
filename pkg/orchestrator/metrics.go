package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	partitionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eligibility_partitions_active",
		Help: "Number of partitions currently running",
	})

	partitionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "eligibility_partition_duration_seconds",
		Help:    "Wall-clock duration of one partition run",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	}, []string{"partition"})

	partitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eligibility_partitions_total",
		Help: "Finished partition runs by terminal state",
	}, []string{"state"})
)
