package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/eligibility-extractor/pkg/checkpoint"
	"github.com/Sternrassler/eligibility-extractor/pkg/client"
	"github.com/Sternrassler/eligibility-extractor/pkg/logging"
	"github.com/Sternrassler/eligibility-extractor/pkg/schema"
)

// DefaultCheckpointInterval is the number of identifiers between checkpoints.
const DefaultCheckpointInterval = 1000

// ErrWorkerStarted is returned when Run is called on a worker that already ran.
var ErrWorkerStarted = errors.New("partition worker already started")

// Fetcher fetches one identifier. *client.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, identifier, partition string) (*schema.Record, client.FetchOutcome)
}

// WorkerConfig configures a PartitionWorker.
type WorkerConfig struct {
	Partition string
	Fetcher   Fetcher

	// Checkpoints is optional; without it no progress is persisted.
	Checkpoints        checkpoint.Store
	CheckpointInterval int

	// Resume skips identifiers recorded by a trusted checkpoint.
	Resume bool

	// RawDir receives one JSON file per successful identifier when set.
	RawDir string

	Progress ProgressFunc
	Logger   zerolog.Logger
}

// PartitionResult is the outcome of one partition run.
type PartitionResult struct {
	Partition  string                         `json:"partition"`
	State      PartitionState                 `json:"state"`
	Progress   PartitionProgress              `json:"progress"`
	Outcomes   map[string]client.FetchOutcome `json:"-"`
	StartedAt  time.Time                      `json:"started_at"`
	FinishedAt time.Time                      `json:"finished_at"`
	Error      string                         `json:"error,omitempty"`
}

// PartitionWorker processes the full identifier list for one partition,
// strictly in input order.
type PartitionWorker struct {
	cfg    WorkerConfig
	logger zerolog.Logger

	mu       sync.Mutex
	state    PartitionState
	progress PartitionProgress
	outcomes map[string]client.FetchOutcome

	// stored is the processed count of the checkpoint read at start.
	stored int
}

// NewPartitionWorker creates an idle worker.
func NewPartitionWorker(cfg WorkerConfig) *PartitionWorker {
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = DefaultCheckpointInterval
	}
	return &PartitionWorker{
		cfg:      cfg,
		logger:   logging.ForPartition(cfg.Logger, cfg.Partition),
		state:    StateIdle,
		progress: PartitionProgress{Partition: cfg.Partition},
		outcomes: make(map[string]client.FetchOutcome),
	}
}

// State returns the current state.
func (w *PartitionWorker) State() PartitionState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Progress returns a snapshot of the counters.
func (w *PartitionWorker) Progress() PartitionProgress {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.progress
}

// Run processes ids. Identifier-level failures are recorded as outcomes and
// never abort the loop. The returned error is non-nil only when the
// partition failed before its loop started or the context ended.
func (w *PartitionWorker) Run(ctx context.Context, ids []string) (*PartitionResult, error) {
	w.mu.Lock()
	if w.state != StateIdle {
		w.mu.Unlock()
		return nil, ErrWorkerStarted
	}
	w.state = StateRunning
	w.progress.Total = len(ids)
	w.mu.Unlock()

	result := &PartitionResult{Partition: w.cfg.Partition, StartedAt: time.Now().UTC()}
	start := time.Now()

	partitionsActive.Inc()
	defer partitionsActive.Dec()

	finish := func(state PartitionState, err error) (*PartitionResult, error) {
		w.mu.Lock()
		w.state = state
		w.progress.Elapsed = time.Since(start)
		result.State = state
		result.Progress = w.progress
		result.Outcomes = w.outcomes
		w.mu.Unlock()

		result.FinishedAt = time.Now().UTC()
		if err != nil {
			result.Error = err.Error()
		}
		partitionsTotal.WithLabelValues(string(state)).Inc()
		partitionDuration.WithLabelValues(w.cfg.Partition).Observe(result.Progress.Elapsed.Seconds())
		return result, err
	}

	if err := w.setup(ids); err != nil {
		w.logger.Error().Err(err).Msg("Partition setup failed")
		return finish(StateFailed, err)
	}

	if err := ctx.Err(); err != nil {
		w.logger.Warn().Msg("Partition cancelled before start")
		return finish(StateCancelled, err)
	}

	first := w.resumePoint(ctx, len(ids))

	w.logger.Info().
		Int("total", len(ids)).
		Int("start_index", first).
		Msg("Partition started")

	for i := first; i < len(ids); i++ {
		if err := ctx.Err(); err != nil {
			return w.cancelled(ctx, finish, err)
		}

		id := ids[i]
		rec, outcome := w.fetch(ctx, id)

		// A fetch interrupted by cancellation did not process the identifier.
		if outcome.Kind == client.OutcomeCancelled {
			return w.cancelled(ctx, finish, ctx.Err())
		}

		w.mu.Lock()
		w.outcomes[id] = outcome
		w.progress.record(outcome.Kind)
		w.mu.Unlock()

		if rec != nil && w.cfg.RawDir != "" {
			w.saveRaw(id, rec)
		}

		w.report(i+1, len(ids), id)

		if (i+1)%w.cfg.CheckpointInterval == 0 && i+1 < len(ids) {
			w.writeCheckpoint(ctx)
		}
	}

	w.writeCheckpoint(ctx)

	p := w.Progress()
	w.logger.Info().
		Int("processed", p.Processed()).
		Int("total", p.Total).
		Int("succeeded", p.TotalSucceeded()).
		Int("failed", p.TotalFailed()).
		Dur("elapsed", time.Since(start)).
		Msg("Partition completed")

	return finish(StateCompleted, nil)
}

func (w *PartitionWorker) setup(ids []string) error {
	if len(ids) == 0 {
		return ErrNoIdentifiers
	}
	if w.cfg.Fetcher == nil {
		return fmt.Errorf("fetcher is required")
	}
	if w.cfg.RawDir != "" {
		if err := os.MkdirAll(w.cfg.RawDir, 0o755); err != nil {
			return fmt.Errorf("prepare raw response dir: %w", err)
		}
	}
	return nil
}

// resumePoint returns the index of the first identifier to fetch.
func (w *PartitionWorker) resumePoint(ctx context.Context, total int) int {
	if !w.cfg.Resume || w.cfg.Checkpoints == nil {
		return 0
	}

	cp, err := w.cfg.Checkpoints.Read(ctx, w.cfg.Partition)
	if err != nil {
		if !errors.Is(err, checkpoint.ErrNotFound) {
			w.logger.Warn().Err(err).Msg("Ignoring unreadable checkpoint")
		}
		return 0
	}
	if !cp.Trusted(total) {
		w.logger.Warn().
			Int("processed", cp.Processed).
			Int("checkpoint_total", cp.Total).
			Int("total", total).
			Msg("Ignoring checkpoint that does not match the identifier list")
		return 0
	}

	w.mu.Lock()
	w.stored = cp.Processed
	w.progress.Resumed = cp.Processed
	w.progress.ResumedSucceeded = cp.Succeeded
	w.progress.ResumedFailed = cp.Failed
	w.mu.Unlock()

	w.logger.Info().
		Int("processed", cp.Processed).
		Int("total", total).
		Time("checkpoint_time", cp.Timestamp).
		Msg("Resuming from checkpoint")
	return cp.Processed
}

// fetch shields the loop from panics in the fetch path.
func (w *PartitionWorker) fetch(ctx context.Context, id string) (rec *schema.Record, outcome client.FetchOutcome) {
	defer func() {
		if p := recover(); p != nil {
			w.logger.Error().
				Str("identifier", id).
				Interface("panic", p).
				Msg("Recovered panic while processing identifier")
			rec = nil
			outcome = client.FetchOutcome{
				Identifier: id,
				Partition:  w.cfg.Partition,
				Kind:       client.OutcomeInternalError,
				Error:      fmt.Sprintf("panic: %v", p),
				Timestamp:  time.Now().UTC(),
			}
		}
	}()
	return w.cfg.Fetcher.Fetch(ctx, id, w.cfg.Partition)
}

// report passes progress to the sink. A panicking sink is logged and does
// not stop the partition.
func (w *PartitionWorker) report(current, total int, id string) {
	if w.cfg.Progress == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			w.logger.Warn().
				Str("identifier", id).
				Interface("panic", p).
				Msg("Recovered panic in progress sink")
		}
	}()
	w.cfg.Progress(current, total, id)
}

func (w *PartitionWorker) cancelled(ctx context.Context, finish func(PartitionState, error) (*PartitionResult, error), err error) (*PartitionResult, error) {
	p := w.Progress()

	// Persist what was done so a later run can resume from here. A run that
	// fetched nothing, or lags behind the stored checkpoint, keeps the
	// stored one.
	w.mu.Lock()
	stored := w.stored
	w.mu.Unlock()
	if p.Attempted > 0 && p.Processed() >= stored {
		w.writeCheckpoint(context.WithoutCancel(ctx))
	} else {
		w.logger.Debug().
			Int("processed", p.Processed()).
			Int("stored", stored).
			Msg("Keeping stored checkpoint")
	}

	w.logger.Warn().
		Int("processed", p.Processed()).
		Int("total", p.Total).
		Msg("Partition cancelled")
	return finish(StateCancelled, err)
}

func (w *PartitionWorker) writeCheckpoint(ctx context.Context) {
	if w.cfg.Checkpoints == nil {
		return
	}

	p := w.Progress()
	cp := checkpoint.New(w.cfg.Partition, p.Processed(), p.Total, p.TotalSucceeded(), p.TotalFailed())
	if err := w.cfg.Checkpoints.Write(ctx, cp); err != nil {
		w.logger.Warn().
			Err(err).
			Str("backend", w.cfg.Checkpoints.Backend()).
			Msg("Checkpoint write failed")
		return
	}

	w.logger.Info().
		Int("processed", cp.Processed).
		Int("total", cp.Total).
		Msg("Checkpoint written")
}

func (w *PartitionWorker) saveRaw(id string, rec *schema.Record) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, rec.Raw, "", "  "); err != nil {
		buf.Reset()
		buf.Write(rec.Raw)
	}

	path := filepath.Join(w.cfg.RawDir, id+".json")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		w.logger.Warn().
			Err(err).
			Str("identifier", id).
			Msg("Failed to save raw response")
	}
}
