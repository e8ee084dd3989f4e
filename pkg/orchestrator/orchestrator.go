// Package orchestrator runs one PartitionWorker per partition over a shared
// identifier list, sequentially or in parallel, and merges their progress
// into run-level statistics and a persisted summary.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/eligibility-extractor/pkg/checkpoint"
	"github.com/Sternrassler/eligibility-extractor/pkg/client"
	"github.com/Sternrassler/eligibility-extractor/pkg/identifiers"
	"github.com/Sternrassler/eligibility-extractor/pkg/logging"
	"github.com/Sternrassler/eligibility-extractor/pkg/ratelimit"
)

var (
	// ErrNoIdentifiers is returned when there is nothing to process.
	ErrNoIdentifiers = errors.New("no identifiers to process")

	// ErrNoPartitions is returned when no partition is configured.
	ErrNoPartitions = errors.New("no partitions configured")
)

// PartitionError reports a partition that failed or was cancelled.
type PartitionError struct {
	Partition string
	State     PartitionState
	Err       error
}

// Error implements the error interface.
func (e *PartitionError) Error() string {
	return fmt.Sprintf("partition %s %s: %v", e.Partition, e.State, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *PartitionError) Unwrap() error {
	return e.Err
}

// IdentifierSource supplies the ordered identifier list.
type IdentifierSource interface {
	Load() ([]string, error)
}

// Identifiers is an in-memory IdentifierSource.
type Identifiers []string

// Load implements IdentifierSource.
func (ids Identifiers) Load() ([]string, error) {
	return append([]string(nil), ids...), nil
}

// Config holds the orchestrator configuration. It is read-only after New.
type Config struct {
	RateLimit      ratelimit.Config
	Scope          ratelimit.Scope
	AcquireTimeout time.Duration

	// Fetch is the remote call used by every partition client (required).
	Fetch     client.RemoteFetchFunc
	Validator client.Validator

	// OutputDir receives raw responses, file checkpoints and the run
	// summary. Empty disables all file output.
	OutputDir string

	// Checkpoints defaults to a FileStore under OutputDir/logs, or to a
	// MemoryStore without OutputDir.
	Checkpoints checkpoint.Store

	Logger *zerolog.Logger
}

// Options controls one ProcessAll call.
type Options struct {
	Parallel           bool
	CheckpointInterval int
	SaveRawResponses   bool
	Resume             bool

	// Progress returns the progress sink of a partition; nil disables it.
	Progress func(partition string) ProgressFunc
}

// DefaultOptions returns the default processing options.
func DefaultOptions() Options {
	return Options{
		Parallel:           true,
		CheckpointInterval: DefaultCheckpointInterval,
		SaveRawResponses:   true,
	}
}

// Stats aggregates one full run.
type Stats struct {
	TotalIdentifiers    int           `json:"total_identifiers"`
	PartitionsProcessed int           `json:"partitions_processed"`
	PartitionsCompleted int           `json:"partitions_completed"`
	PartitionsFailed    int           `json:"partitions_failed"`
	PartitionsCancelled int           `json:"partitions_cancelled"`
	TotalOutcomes       int           `json:"total_outcomes"`
	Succeeded           int           `json:"succeeded"`
	Failed              int           `json:"failed"`
	TotalFetchAttempts  int64         `json:"total_fetch_attempts"`
	ProcessingTime      time.Duration `json:"processing_time"`
	SuccessRate         float64       `json:"success_rate"`
}

// RunResult is everything ProcessAll produced.
type RunResult struct {
	RunID      string                      `json:"run_id"`
	StartedAt  time.Time                   `json:"started_at"`
	FinishedAt time.Time                   `json:"finished_at"`
	Partitions map[string]*PartitionResult `json:"partitions"`
	Stats      Stats                       `json:"stats"`
	Clients    map[string]client.Stats     `json:"client_stats"`
	Limiters   []ratelimit.BucketStats     `json:"limiter_stats"`
}

// Orchestrator coordinates partition workers.
type Orchestrator struct {
	cfg      Config
	limiters *ratelimit.Provider
	store    checkpoint.Store
	logger   zerolog.Logger

	mu          sync.Mutex
	ids         []string
	readerStats *identifiers.Report
	last        *RunResult
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Fetch == nil {
		return nil, fmt.Errorf("fetch function is required")
	}
	if cfg.RateLimit == (ratelimit.Config{}) {
		cfg.RateLimit = ratelimit.DefaultConfig()
	}

	logger := logging.NewLogger("orchestrator")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	limiters, err := ratelimit.NewProvider(cfg.Scope, cfg.RateLimit, logger)
	if err != nil {
		return nil, err
	}

	store := cfg.Checkpoints
	if store == nil {
		if cfg.OutputDir != "" {
			store = checkpoint.NewFileStore(filepath.Join(cfg.OutputDir, "logs"))
		} else {
			store = checkpoint.NewMemoryStore()
		}
	}

	return &Orchestrator{
		cfg:      cfg,
		limiters: limiters,
		store:    store,
		logger:   logger,
	}, nil
}

// LoadIdentifiers reads the identifier list used by later runs.
func (o *Orchestrator) LoadIdentifiers(src IdentifierSource) ([]string, error) {
	ids, err := src.Load()
	if err != nil {
		return nil, fmt.Errorf("load identifiers: %w", err)
	}
	if len(ids) == 0 {
		return nil, ErrNoIdentifiers
	}

	o.mu.Lock()
	o.ids = ids
	o.readerStats = nil
	switch r := src.(type) {
	case interface{ Report() identifiers.Report }:
		rep := r.Report()
		o.readerStats = &rep
	case interface{ Stats() identifiers.Stats }:
		o.readerStats = &identifiers.Report{Stats: r.Stats()}
	}
	o.mu.Unlock()

	o.logger.Info().Int("total", len(ids)).Msg("Identifiers loaded")
	return ids, nil
}

// LoadCheckpoint returns the stored checkpoint of partition, or
// checkpoint.ErrNotFound.
func (o *Orchestrator) LoadCheckpoint(ctx context.Context, partition string) (*checkpoint.Checkpoint, error) {
	return o.store.Read(ctx, partition)
}

// Checkpoints returns the checkpoint store.
func (o *Orchestrator) Checkpoints() checkpoint.Store {
	return o.store
}

// Stats returns the statistics of the last run.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return Stats{}
	}
	return o.last.Stats
}

// ProcessAll runs every partition over the loaded identifiers. A run result
// is returned whenever processing started; the error joins a PartitionError
// for each partition that did not complete.
func (o *Orchestrator) ProcessAll(ctx context.Context, partitions []string, opts Options) (*RunResult, error) {
	o.mu.Lock()
	ids := o.ids
	o.mu.Unlock()

	if len(ids) == 0 {
		return nil, ErrNoIdentifiers
	}
	partitions = uniquePartitions(partitions)
	if len(partitions) == 0 {
		return nil, ErrNoPartitions
	}

	run := &RunResult{
		RunID:      uuid.NewString(),
		StartedAt:  time.Now().UTC(),
		Partitions: make(map[string]*PartitionResult, len(partitions)),
		Clients:    make(map[string]client.Stats, len(partitions)),
	}
	logger := logging.ForRun(o.logger, run.RunID)

	workers := make(map[string]*PartitionWorker, len(partitions))
	clients := make(map[string]*client.Client, len(partitions))
	for _, p := range partitions {
		w, c, err := o.newWorker(p, opts, logger)
		if err != nil {
			return nil, fmt.Errorf("partition %s: %w", p, err)
		}
		workers[p] = w
		clients[p] = c
	}

	parallel := opts.Parallel && len(partitions) > 1
	logger.Info().
		Int("identifiers", len(ids)).
		Strs("partitions", partitions).
		Bool("parallel", parallel).
		Str("limiter_scope", string(o.limiters.Scope())).
		Msg("Processing started")

	type finished struct {
		res *PartitionResult
		err error
	}

	start := time.Now()
	results := make(chan finished, len(partitions))

	if parallel {
		var wg sync.WaitGroup
		for _, p := range partitions {
			wg.Add(1)
			go func(w *PartitionWorker) {
				defer wg.Done()
				res, err := w.Run(ctx, ids)
				results <- finished{res: res, err: err}
			}(workers[p])
		}
		wg.Wait()
	} else {
		for _, p := range partitions {
			res, err := workers[p].Run(ctx, ids)
			results <- finished{res: res, err: err}
		}
	}
	close(results)

	var errs []error
	for f := range results {
		run.Partitions[f.res.Partition] = f.res
		if f.res.State != StateCompleted {
			errs = append(errs, &PartitionError{Partition: f.res.Partition, State: f.res.State, Err: f.err})
		}
	}
	for p, c := range clients {
		run.Clients[p] = c.Stats()
	}
	run.Limiters = o.limiters.Stats()
	run.FinishedAt = time.Now().UTC()
	run.Stats = mergeStats(len(ids), run, time.Since(start))

	o.mu.Lock()
	o.last = run
	readerStats := o.readerStats
	o.mu.Unlock()

	if o.cfg.OutputDir != "" {
		path := filepath.Join(o.cfg.OutputDir, "reports", SummaryFileName)
		if err := WriteSummary(path, NewSummary(run, readerStats)); err != nil {
			logger.Error().Err(err).Str("path", path).Msg("Failed to write run summary")
			errs = append(errs, err)
		} else {
			logger.Info().Str("path", path).Msg("Run summary written")
		}
	}

	logger.Info().
		Int("outcomes", run.Stats.TotalOutcomes).
		Int("succeeded", run.Stats.Succeeded).
		Int("failed", run.Stats.Failed).
		Int64("fetch_attempts", run.Stats.TotalFetchAttempts).
		Float64("success_rate", run.Stats.SuccessRate).
		Dur("elapsed", run.Stats.ProcessingTime).
		Msg("Processing finished")

	return run, errors.Join(errs...)
}

func (o *Orchestrator) newWorker(partition string, opts Options, logger zerolog.Logger) (*PartitionWorker, *client.Client, error) {
	clientLogger := logging.Component(logger, "fetch-client")
	c, err := client.New(client.Config{
		Fetch:          o.cfg.Fetch,
		Validator:      o.cfg.Validator,
		Limiter:        o.limiters.For(partition),
		RateLimit:      o.cfg.RateLimit,
		AcquireTimeout: o.cfg.AcquireTimeout,
		Logger:         &clientLogger,
	})
	if err != nil {
		return nil, nil, err
	}

	var rawDir string
	if opts.SaveRawResponses {
		if o.cfg.OutputDir != "" {
			rawDir = filepath.Join(o.cfg.OutputDir, "raw", partition)
		} else {
			logger.Warn().Msg("Raw responses requested without an output directory")
		}
	}

	var progress ProgressFunc
	if opts.Progress != nil {
		progress = opts.Progress(partition)
	}

	w := NewPartitionWorker(WorkerConfig{
		Partition:          partition,
		Fetcher:            c,
		Checkpoints:        o.store,
		CheckpointInterval: opts.CheckpointInterval,
		Resume:             opts.Resume,
		RawDir:             rawDir,
		Progress:           progress,
		Logger:             logging.Component(logger, "partition-worker"),
	})
	return w, c, nil
}

func mergeStats(totalIdentifiers int, run *RunResult, elapsed time.Duration) Stats {
	s := Stats{
		TotalIdentifiers:    totalIdentifiers,
		PartitionsProcessed: len(run.Partitions),
		ProcessingTime:      elapsed,
	}
	for _, res := range run.Partitions {
		switch res.State {
		case StateCompleted:
			s.PartitionsCompleted++
		case StateFailed:
			s.PartitionsFailed++
		case StateCancelled:
			s.PartitionsCancelled++
		}
		s.TotalOutcomes += len(res.Outcomes)
		s.Succeeded += res.Progress.Succeeded
		s.Failed += res.Progress.Failed()
	}
	for _, cs := range run.Clients {
		s.TotalFetchAttempts += cs.Requests
	}
	if attempted := s.Succeeded + s.Failed; attempted > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(attempted) * 100
	}
	return s
}

// uniquePartitions drops empty and repeated keys, keeping order.
func uniquePartitions(partitions []string) []string {
	seen := make(map[string]struct{}, len(partitions))
	out := make([]string, 0, len(partitions))
	for _, p := range partitions {
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
