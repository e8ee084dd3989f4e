package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const backendFile = "file"

// FileStore keeps one JSON file per partition in a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates a store rooted at dir. The directory is created on
// first write.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Dir returns the checkpoint directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// Path returns the file holding the checkpoint of partition.
func (s *FileStore) Path(partition string) string {
	return filepath.Join(s.dir, Key{Partition: partition}.FileName())
}

// Backend implements Store.
func (s *FileStore) Backend() string {
	return backendFile
}

// Write stores cp, replacing any previous checkpoint atomically.
func (s *FileStore) Write(ctx context.Context, cp Checkpoint) error {
	if err := cp.Validate(); err != nil {
		Errors.WithLabelValues(backendFile, "write").Inc()
		return err
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		Errors.WithLabelValues(backendFile, "write").Inc()
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		Errors.WithLabelValues(backendFile, "write").Inc()
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".checkpoint-*.tmp")
	if err != nil {
		Errors.WithLabelValues(backendFile, "write").Inc()
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		Errors.WithLabelValues(backendFile, "write").Inc()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		Errors.WithLabelValues(backendFile, "write").Inc()
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path(cp.Partition)); err != nil {
		Errors.WithLabelValues(backendFile, "write").Inc()
		return fmt.Errorf("rename checkpoint: %w", err)
	}

	Writes.WithLabelValues(backendFile).Inc()
	return nil
}

// Read loads the checkpoint of partition.
func (s *FileStore) Read(ctx context.Context, partition string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.Path(partition))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		Errors.WithLabelValues(backendFile, "read").Inc()
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		Errors.WithLabelValues(backendFile, "read").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidCheckpoint, err)
	}
	return &cp, nil
}

// Delete removes the checkpoint of partition. Missing files are not an error.
func (s *FileStore) Delete(ctx context.Context, partition string) error {
	if err := os.Remove(s.Path(partition)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		Errors.WithLabelValues(backendFile, "delete").Inc()
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}
