// Package checkpoint persists per-partition progress so an interrupted run
// can resume without re-fetching identifiers it already processed.
//
// Three stores implement Store:
//
//   - FileStore writes one JSON file per partition and replaces it with an
//     atomic rename, so a crash mid-write leaves the previous checkpoint.
//   - RedisStore keeps checkpoints under deterministic keys with an optional
//     TTL, which lets a restarted process on another host pick them up.
//   - MemoryStore keeps them in process (tests and dry runs).
//
// # Basic Usage
//
//	store := checkpoint.NewFileStore(filepath.Join(outputDir, "logs"))
//
//	cp := checkpoint.New("2024", processed, total, succeeded, failed)
//	if err := store.Write(ctx, cp); err != nil {
//		return err
//	}
//
//	prev, err := store.Read(ctx, "2024")
//	if errors.Is(err, checkpoint.ErrNotFound) {
//		// start from the first identifier
//	}
//
// Only the last write for a partition is kept. A checkpoint is advisory: the
// caller decides with Trusted whether it still matches the identifier list.
//
// # Metrics
//
//   - eligibility_checkpoint_writes_total{backend}
//   - eligibility_checkpoint_errors_total{backend,operation}
package checkpoint
