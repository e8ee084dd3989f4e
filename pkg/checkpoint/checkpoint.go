package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates no checkpoint exists for the partition.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrInvalidCheckpoint indicates a stored checkpoint is corrupted.
	ErrInvalidCheckpoint = errors.New("invalid checkpoint")
)

// Checkpoint is a durable progress marker for one partition.
type Checkpoint struct {
	Partition string    `json:"partition"`
	Processed int       `json:"processed"`
	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Timestamp time.Time `json:"timestamp"`
}

// New creates a checkpoint stamped with the current time.
func New(partition string, processed, total, succeeded, failed int) Checkpoint {
	return Checkpoint{
		Partition: partition,
		Processed: processed,
		Total:     total,
		Succeeded: succeeded,
		Failed:    failed,
		Timestamp: time.Now().UTC(),
	}
}

// Validate checks the internal consistency of the checkpoint.
func (c Checkpoint) Validate() error {
	if c.Partition == "" {
		return fmt.Errorf("%w: empty partition", ErrInvalidCheckpoint)
	}
	if c.Processed < 0 || c.Total < 0 || c.Processed > c.Total {
		return fmt.Errorf("%w: processed %d of %d", ErrInvalidCheckpoint, c.Processed, c.Total)
	}
	if c.Succeeded < 0 || c.Failed < 0 || c.Succeeded+c.Failed > c.Processed {
		return fmt.Errorf("%w: succeeded %d + failed %d exceeds processed %d",
			ErrInvalidCheckpoint, c.Succeeded, c.Failed, c.Processed)
	}
	return nil
}

// Trusted reports whether the checkpoint can be used to skip identifiers of
// a list with total entries.
func (c Checkpoint) Trusted(total int) bool {
	return c.Validate() == nil && c.Total == total
}

// Complete reports whether every identifier was processed.
func (c Checkpoint) Complete() bool {
	return c.Total > 0 && c.Processed == c.Total
}

// Store persists checkpoints. Last write for a partition wins.
type Store interface {
	Write(ctx context.Context, cp Checkpoint) error
	// Read returns ErrNotFound when the partition has no checkpoint.
	Read(ctx context.Context, partition string) (*Checkpoint, error)
	Delete(ctx context.Context, partition string) error
	// Backend names the store in metrics and logs.
	Backend() string
}
