package checkpoint

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Writes tracks successful checkpoint writes by backend
	Writes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eligibility_checkpoint_writes_total",
			Help: "Total number of checkpoint writes",
		},
		[]string{"backend"}, // "file", "redis", "memory"
	)

	// Errors tracks checkpoint operation errors
	Errors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eligibility_checkpoint_errors_total",
			Help: "Total number of checkpoint operation errors",
		},
		[]string{"backend", "operation"}, // "read", "write", "delete"
	)
)
