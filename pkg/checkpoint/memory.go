package checkpoint

import (
	"context"
	"sync"
)

const backendMemory = "memory"

// MemoryStore keeps checkpoints in process.
type MemoryStore struct {
	mu     sync.Mutex
	data   map[string]Checkpoint
	writes map[string]int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:   make(map[string]Checkpoint),
		writes: make(map[string]int),
	}
}

// Backend implements Store.
func (s *MemoryStore) Backend() string {
	return backendMemory
}

// Write stores cp.
func (s *MemoryStore) Write(ctx context.Context, cp Checkpoint) error {
	if err := cp.Validate(); err != nil {
		Errors.WithLabelValues(backendMemory, "write").Inc()
		return err
	}
	s.mu.Lock()
	s.data[cp.Partition] = cp
	s.writes[cp.Partition]++
	s.mu.Unlock()

	Writes.WithLabelValues(backendMemory).Inc()
	return nil
}

// Read returns a copy of the checkpoint of partition.
func (s *MemoryStore) Read(ctx context.Context, partition string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.data[partition]
	if !ok {
		return nil, ErrNotFound
	}
	return &cp, nil
}

// Delete removes the checkpoint of partition.
func (s *MemoryStore) Delete(ctx context.Context, partition string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, partition)
	return nil
}

// WriteCount returns how many times partition was written.
func (s *MemoryStore) WriteCount(partition string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[partition]
}
