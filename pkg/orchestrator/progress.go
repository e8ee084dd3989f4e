package orchestrator

import (
	"time"

	"github.com/Sternrassler/eligibility-extractor/pkg/client"
)

// PartitionState is the lifecycle state of a PartitionWorker.
type PartitionState string

const (
	StateIdle      PartitionState = "idle"
	StateRunning   PartitionState = "running"
	StateCompleted PartitionState = "completed"
	StateFailed    PartitionState = "failed"
	StateCancelled PartitionState = "cancelled"
)

// Terminal reports whether the state is final.
func (s PartitionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// PartitionProgress holds the counters of one partition. Counters other than
// the Resumed fields cover the current run only.
type PartitionProgress struct {
	Partition string `json:"partition"`
	Total     int    `json:"total"`

	Attempted   int `json:"attempted"`
	Succeeded   int `json:"succeeded"`
	NotFound    int `json:"not_found"`
	BadRequest  int `json:"bad_request"`
	RateLimited int `json:"rate_limited"`
	ServerError int `json:"server_error"`
	Transport   int `json:"transport_error"`
	Other       int `json:"other_error"`

	// Resumed is the number of identifiers skipped from a checkpoint.
	Resumed          int `json:"resumed"`
	ResumedSucceeded int `json:"resumed_succeeded"`
	ResumedFailed    int `json:"resumed_failed"`

	Elapsed time.Duration `json:"elapsed"`
}

// Failed returns the failures of the current run.
func (p PartitionProgress) Failed() int {
	return p.Attempted - p.Succeeded
}

// Processed returns identifiers handled so far, resumed ones included.
func (p PartitionProgress) Processed() int {
	return p.Resumed + p.Attempted
}

// TotalSucceeded includes successes carried over from a checkpoint.
func (p PartitionProgress) TotalSucceeded() int {
	return p.ResumedSucceeded + p.Succeeded
}

// TotalFailed includes failures carried over from a checkpoint.
func (p PartitionProgress) TotalFailed() int {
	return p.ResumedFailed + p.Failed()
}

func (p *PartitionProgress) record(kind client.OutcomeKind) {
	p.Attempted++
	switch kind {
	case client.OutcomeSuccess:
		p.Succeeded++
	case client.OutcomeNotFound:
		p.NotFound++
	case client.OutcomeBadRequest:
		p.BadRequest++
	case client.OutcomeRateLimited:
		p.RateLimited++
	case client.OutcomeServerError:
		p.ServerError++
	case client.OutcomeTransportError:
		p.Transport++
	default:
		p.Other++
	}
}

// ProgressFunc receives (current, total, identifier) after each identifier.
// It runs on the partition's goroutine.
type ProgressFunc func(current, total int, identifier string)
