package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/eligibility-extractor/pkg/checkpoint"
	"github.com/Sternrassler/eligibility-extractor/pkg/client"
	"github.com/Sternrassler/eligibility-extractor/pkg/schema"
)

// fakeFetcher returns a scripted outcome kind per identifier; unknown
// identifiers succeed.
type fakeFetcher struct {
	mu      sync.Mutex
	kinds   map[string]client.OutcomeKind
	panics  map[string]bool
	calls   []string
	onFetch func(id string)
}

func (f *fakeFetcher) Fetch(ctx context.Context, id, partition string) (*schema.Record, client.FetchOutcome) {
	f.mu.Lock()
	f.calls = append(f.calls, id)
	kind, ok := f.kinds[id]
	shouldPanic := f.panics[id]
	hook := f.onFetch
	f.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	if shouldPanic {
		panic("fetch bug")
	}
	if ctx.Err() != nil {
		return nil, client.FetchOutcome{Identifier: id, Partition: partition, Kind: client.OutcomeCancelled}
	}
	if !ok {
		kind = client.OutcomeSuccess
	}

	outcome := client.FetchOutcome{
		Identifier: id,
		Partition:  partition,
		Kind:       kind,
		Success:    kind == client.OutcomeSuccess,
		Timestamp:  time.Now(),
	}
	if !outcome.Success {
		return nil, outcome
	}
	return &schema.Record{NPI: id, Raw: []byte(`{"data":{"npi":"` + id + `"}}`)}, outcome
}

func (f *fakeFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func testIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = "10000000" + string(rune('0'+i/10)) + string(rune('0'+i%10))
	}
	return ids
}

func TestPartitionWorker_ProducesOneOutcomePerIdentifier(t *testing.T) {
	ids := testIDs(6)
	f := &fakeFetcher{kinds: map[string]client.OutcomeKind{
		ids[1]: client.OutcomeNotFound,
		ids[2]: client.OutcomeBadRequest,
		ids[3]: client.OutcomeServerError,
		ids[4]: client.OutcomeTransportError,
		ids[5]: client.OutcomeValidationError,
	}}

	var progress []int
	w := NewPartitionWorker(WorkerConfig{
		Partition: "2024",
		Fetcher:   f,
		Progress: func(current, total int, id string) {
			if total != 6 {
				t.Errorf("progress total = %d, want 6", total)
			}
			progress = append(progress, current)
		},
		Logger: zerolog.Nop(),
	})

	res, err := w.Run(context.Background(), ids)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.State != StateCompleted || w.State() != StateCompleted {
		t.Errorf("State = %q, want completed", res.State)
	}
	if len(res.Outcomes) != len(ids) {
		t.Errorf("outcomes = %d, want %d", len(res.Outcomes), len(ids))
	}
	for _, id := range ids {
		if _, ok := res.Outcomes[id]; !ok {
			t.Errorf("missing outcome for %s", id)
		}
	}

	calls := f.Calls()
	for i := range ids {
		if calls[i] != ids[i] {
			t.Fatalf("calls = %v, want input order %v", calls, ids)
		}
	}
	for i, cur := range progress {
		if cur != i+1 {
			t.Fatalf("progress = %v, want 1..6", progress)
		}
	}

	p := res.Progress
	if p.Attempted != 6 || p.Succeeded != 1 || p.NotFound != 1 || p.BadRequest != 1 ||
		p.ServerError != 1 || p.Transport != 1 || p.Other != 1 || p.Failed() != 5 {
		t.Errorf("Progress = %+v", p)
	}
	if p.Elapsed <= 0 {
		t.Error("Elapsed should be set")
	}
}

func TestPartitionWorker_RecoversPanics(t *testing.T) {
	ids := testIDs(3)
	f := &fakeFetcher{panics: map[string]bool{ids[1]: true}}
	w := NewPartitionWorker(WorkerConfig{Partition: "2024", Fetcher: f, Logger: zerolog.Nop()})

	res, err := w.Run(context.Background(), ids)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.State != StateCompleted {
		t.Errorf("State = %q, want completed", res.State)
	}
	if got := res.Outcomes[ids[1]]; got.Kind != client.OutcomeInternalError || got.Success {
		t.Errorf("outcome = %+v, want internal_error", got)
	}
	if len(f.Calls()) != 3 {
		t.Errorf("processing should continue after a panic, calls = %v", f.Calls())
	}
}

func TestPartitionWorker_EmptyListFails(t *testing.T) {
	w := NewPartitionWorker(WorkerConfig{Partition: "2024", Fetcher: &fakeFetcher{}, Logger: zerolog.Nop()})

	res, err := w.Run(context.Background(), nil)
	if !errors.Is(err, ErrNoIdentifiers) {
		t.Errorf("err = %v, want ErrNoIdentifiers", err)
	}
	if res.State != StateFailed {
		t.Errorf("State = %q, want failed", res.State)
	}
}

func TestPartitionWorker_RawDirSetupFailure(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "raw")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	f := &fakeFetcher{}
	w := NewPartitionWorker(WorkerConfig{
		Partition: "2024",
		Fetcher:   f,
		RawDir:    filepath.Join(blocker, "2024"),
		Logger:    zerolog.Nop(),
	})

	res, err := w.Run(context.Background(), testIDs(2))
	if err == nil || res.State != StateFailed {
		t.Errorf("Run() = %q, %v, want failed", res.State, err)
	}
	if len(f.Calls()) != 0 {
		t.Errorf("no identifier should be fetched after setup failure")
	}
}

func TestPartitionWorker_SavesRawResponses(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "raw", "2024")
	ids := testIDs(2)
	f := &fakeFetcher{kinds: map[string]client.OutcomeKind{ids[1]: client.OutcomeNotFound}}
	w := NewPartitionWorker(WorkerConfig{Partition: "2024", Fetcher: f, RawDir: dir, Logger: zerolog.Nop()})

	if _, err := w.Run(context.Background(), ids); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(dir, ids[0]+".json")); err != nil {
		t.Errorf("raw response for success missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ids[1]+".json")); !os.IsNotExist(err) {
		t.Errorf("raw response for failure should not exist")
	}
}

func TestPartitionWorker_CheckpointInterval(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	ids := testIDs(5)
	f := &fakeFetcher{kinds: map[string]client.OutcomeKind{ids[3]: client.OutcomeNotFound}}

	var seen []int
	f.onFetch = func(string) {
		if cp, err := store.Read(context.Background(), "2024"); err == nil {
			seen = append(seen, cp.Processed)
		}
	}

	w := NewPartitionWorker(WorkerConfig{
		Partition:          "2024",
		Fetcher:            f,
		Checkpoints:        store,
		CheckpointInterval: 2,
		Logger:             zerolog.Nop(),
	})
	if _, err := w.Run(context.Background(), ids); err != nil {
		t.Fatal(err)
	}

	// Intervals at 2 and 4, plus the final checkpoint.
	if got := store.WriteCount("2024"); got != 3 {
		t.Errorf("checkpoint writes = %d, want 3", got)
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] < seen[i-1] {
			t.Errorf("checkpoint processed decreased: %v", seen)
		}
	}

	cp, err := store.Read(context.Background(), "2024")
	if err != nil {
		t.Fatal(err)
	}
	if cp.Processed != 5 || cp.Total != 5 || cp.Succeeded != 4 || cp.Failed != 1 {
		t.Errorf("final checkpoint = %+v", cp)
	}
}

func TestPartitionWorker_ResumeSkipsProcessed(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	ids := testIDs(5)
	if err := store.Write(ctx, checkpoint.New("2024", 2, 5, 1, 1)); err != nil {
		t.Fatal(err)
	}

	f := &fakeFetcher{}
	w := NewPartitionWorker(WorkerConfig{
		Partition:   "2024",
		Fetcher:     f,
		Checkpoints: store,
		Resume:      true,
		Logger:      zerolog.Nop(),
	})
	res, err := w.Run(ctx, ids)
	if err != nil {
		t.Fatal(err)
	}

	calls := f.Calls()
	if len(calls) != 3 || calls[0] != ids[2] {
		t.Errorf("calls = %v, want the last 3 identifiers", calls)
	}
	if res.Progress.Resumed != 2 || res.Progress.Processed() != 5 {
		t.Errorf("Progress = %+v", res.Progress)
	}

	cp, _ := store.Read(ctx, "2024")
	if cp.Processed != 5 || cp.Succeeded != 4 || cp.Failed != 1 {
		t.Errorf("checkpoint after resume = %+v, want counts carried forward", cp)
	}
}

func TestPartitionWorker_ResumeIgnoresMismatchedCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	if err := store.Write(ctx, checkpoint.New("2024", 2, 9, 2, 0)); err != nil {
		t.Fatal(err)
	}

	f := &fakeFetcher{}
	w := NewPartitionWorker(WorkerConfig{Partition: "2024", Fetcher: f, Checkpoints: store, Resume: true, Logger: zerolog.Nop()})
	if _, err := w.Run(ctx, testIDs(5)); err != nil {
		t.Fatal(err)
	}
	if len(f.Calls()) != 5 {
		t.Errorf("calls = %d, want all 5 re-fetched", len(f.Calls()))
	}
}

func TestPartitionWorker_ResumeCompletedPartition(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	if err := store.Write(ctx, checkpoint.New("2024", 3, 3, 3, 0)); err != nil {
		t.Fatal(err)
	}

	f := &fakeFetcher{}
	w := NewPartitionWorker(WorkerConfig{Partition: "2024", Fetcher: f, Checkpoints: store, Resume: true, Logger: zerolog.Nop()})
	res, err := w.Run(ctx, testIDs(3))
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Calls()) != 0 || res.State != StateCompleted {
		t.Errorf("calls = %d, state = %q", len(f.Calls()), res.State)
	}
}

func TestPartitionWorker_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := checkpoint.NewMemoryStore()
	ids := testIDs(5)

	f := &fakeFetcher{}
	f.onFetch = func(id string) {
		if id == ids[1] {
			cancel()
		}
	}

	w := NewPartitionWorker(WorkerConfig{Partition: "2024", Fetcher: f, Checkpoints: store, Logger: zerolog.Nop()})
	res, err := w.Run(ctx, ids)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if res.State != StateCancelled {
		t.Errorf("State = %q, want cancelled", res.State)
	}
	if len(res.Outcomes) != 1 {
		t.Errorf("outcomes = %d, want only the identifier finished before cancellation", len(res.Outcomes))
	}

	cp, err := store.Read(context.Background(), "2024")
	if err != nil {
		t.Fatalf("cancelled partition should leave a checkpoint: %v", err)
	}
	if cp.Processed != 1 {
		t.Errorf("checkpoint processed = %d, want 1", cp.Processed)
	}
}

// contextStore fails reads on a done context or with readErr, the way a
// network backed store does.
type contextStore struct {
	*checkpoint.MemoryStore
	readErr error
}

func (s *contextStore) Read(ctx context.Context, partition string) (*checkpoint.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.readErr != nil {
		return nil, s.readErr
	}
	return s.MemoryStore.Read(ctx, partition)
}

func TestPartitionWorker_CancelledBeforeStartKeepsCheckpoint(t *testing.T) {
	store := &contextStore{MemoryStore: checkpoint.NewMemoryStore()}
	if err := store.Write(context.Background(), checkpoint.New("2024", 3, 5, 3, 0)); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := &fakeFetcher{}
	w := NewPartitionWorker(WorkerConfig{Partition: "2024", Fetcher: f, Checkpoints: store, Resume: true, Logger: zerolog.Nop()})
	res, err := w.Run(ctx, testIDs(5))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if res.State != StateCancelled {
		t.Errorf("State = %q, want cancelled", res.State)
	}
	if len(f.Calls()) != 0 {
		t.Errorf("calls = %v, want none", f.Calls())
	}

	cp, err := store.Read(context.Background(), "2024")
	if err != nil {
		t.Fatal(err)
	}
	if cp.Processed != 3 {
		t.Errorf("checkpoint processed = %d, want 3 kept", cp.Processed)
	}
	if got := store.WriteCount("2024"); got != 1 {
		t.Errorf("checkpoint writes = %d, want only the seed", got)
	}
}

func TestPartitionWorker_UnreadableCheckpointThenCancelKeepsCheckpoint(t *testing.T) {
	store := &contextStore{MemoryStore: checkpoint.NewMemoryStore(), readErr: errors.New("connection reset")}
	if err := store.Write(context.Background(), checkpoint.New("2024", 3, 5, 3, 0)); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ids := testIDs(5)
	f := &fakeFetcher{onFetch: func(string) { cancel() }}
	w := NewPartitionWorker(WorkerConfig{Partition: "2024", Fetcher: f, Checkpoints: store, Resume: true, Logger: zerolog.Nop()})
	res, err := w.Run(ctx, ids)
	if !errors.Is(err, context.Canceled) || res.State != StateCancelled {
		t.Errorf("Run() = %q, %v, want cancelled", res.State, err)
	}

	store.readErr = nil
	cp, err := store.Read(context.Background(), "2024")
	if err != nil {
		t.Fatal(err)
	}
	if cp.Processed != 3 {
		t.Errorf("checkpoint processed = %d, want 3 kept", cp.Processed)
	}
}

func TestPartitionWorker_ProgressSinkPanicIsContained(t *testing.T) {
	ids := testIDs(3)
	f := &fakeFetcher{}
	var seen []int
	w := NewPartitionWorker(WorkerConfig{
		Partition: "2024",
		Fetcher:   f,
		Progress: func(current, total int, id string) {
			seen = append(seen, current)
			if current == 1 {
				panic("sink bug")
			}
		},
		Logger: zerolog.Nop(),
	})

	res, err := w.Run(context.Background(), ids)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.State != StateCompleted || res.Progress.Succeeded != 3 {
		t.Errorf("result = %q %+v, want completed with 3 succeeded", res.State, res.Progress)
	}
	if len(seen) != 3 {
		t.Errorf("progress calls = %v, want 1..3", seen)
	}
}

func TestPartitionWorker_RunTwice(t *testing.T) {
	w := NewPartitionWorker(WorkerConfig{Partition: "2024", Fetcher: &fakeFetcher{}, Logger: zerolog.Nop()})
	if _, err := w.Run(context.Background(), testIDs(1)); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Run(context.Background(), testIDs(1)); !errors.Is(err, ErrWorkerStarted) {
		t.Errorf("second Run() error = %v, want ErrWorkerStarted", err)
	}
}

func TestPartitionState_Terminal(t *testing.T) {
	for state, want := range map[PartitionState]bool{
		StateIdle:      false,
		StateRunning:   false,
		StateCompleted: true,
		StateFailed:    true,
		StateCancelled: true,
	} {
		if state.Terminal() != want {
			t.Errorf("%q.Terminal() = %v, want %v", state, !want, want)
		}
	}
}
