package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/eligibility-extractor/internal/config"
	"github.com/Sternrassler/eligibility-extractor/pkg/client"
	"github.com/Sternrassler/eligibility-extractor/pkg/identifiers"
	"github.com/Sternrassler/eligibility-extractor/pkg/logging"
	"github.com/Sternrassler/eligibility-extractor/pkg/orchestrator"
	"github.com/Sternrassler/eligibility-extractor/pkg/ratelimit"
	"github.com/Sternrassler/eligibility-extractor/pkg/schema"
)

// progressEvery is how often the CLI logs partition progress.
const progressEvery = 100

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Fetch eligibility records for every identifier and year",
	Long: `Read NPIs from a CSV file and fetch the eligibility record of each one for
every configured year. Years run in parallel unless --sequential is given.

Interrupting the run (Ctrl-C) writes a checkpoint per year; run again with
--resume to continue where it stopped.`,
	RunE: runExtract,
}

func init() {
	rootCmd.AddCommand(extractCmd)

	extractCmd.Flags().String("npi-csv", "", "CSV file with an NPI column")
	extractCmd.Flags().String("npi-column", "", "name of the identifier column (default NPI)")
	extractCmd.Flags().String("output-dir", "", "directory for raw responses, checkpoints and reports")
	extractCmd.Flags().String("years", "", "comma separated years to process, e.g. 2023,2024")
	extractCmd.Flags().Int("checkpoint-every", 0, "write a checkpoint every N identifiers")
	extractCmd.Flags().String("limiter-scope", "", "rate limiter scope: shared or per_partition")
	extractCmd.Flags().String("metrics-addr", "", "serve /metrics and /health on this address during the run")
	extractCmd.Flags().String("checkpoint-backend", "", "checkpoint store: file, redis or memory")
	extractCmd.Flags().String("redis-addr", "", "redis address for the redis checkpoint backend")
	extractCmd.Flags().Bool("dry-run", false, "load and validate identifiers, print the plan, send nothing")
	extractCmd.Flags().Bool("resume", false, "resume each year from its checkpoint")
	extractCmd.Flags().Bool("sequential", false, "process years one after another")
	extractCmd.Flags().Bool("no-raw", false, "do not save raw responses")
}

// extractOptions are the per-invocation switches that are not configuration.
type extractOptions struct {
	DryRun bool
	Resume bool

	// Fetch replaces the HTTP fetcher (tests).
	Fetch client.RemoteFetchFunc
}

func runExtract(cmd *cobra.Command, args []string) error {
	dryRun, err := cmd.Flags().GetBool("dry-run")
	if err != nil {
		return err
	}
	resume, err := cmd.Flags().GetBool("resume")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, err = extract(ctx, cfg, extractOptions{DryRun: dryRun, Resume: resume}, cmd.OutOrStdout(), logger)
	return err
}

// extract runs one extraction. The run result is nil for dry runs and for
// failures before processing started.
func extract(ctx context.Context, cfg *config.Config, opts extractOptions, out io.Writer, logger zerolog.Logger) (*orchestrator.RunResult, error) {
	store, closeStore, err := cfg.OpenCheckpointStore(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close checkpoint store")
		}
	}()

	fetch := opts.Fetch
	if fetch == nil {
		fetch = client.NewHTTPFetcher(cfg.HTTPConfig()).Fetch
	}

	orchLogger := logging.Component(logger, "orchestrator")
	orch, err := orchestrator.New(orchestrator.Config{
		RateLimit:      cfg.RateLimitConfig(),
		Scope:          cfg.Scope(),
		AcquireTimeout: cfg.RateLimit.AcquireTimeout,
		Fetch:          fetch,
		Validator:      schema.NewValidator(),
		OutputDir:      cfg.Output.BaseDir,
		Checkpoints:    store,
		Logger:         &orchLogger,
	})
	if err != nil {
		return nil, err
	}

	reader := identifiers.NewReader(cfg.Input.NPICSVPath, logging.NewLogger("identifiers"))
	reader.Column = cfg.Input.NPIColumn
	reader.SkipValidation = !cfg.Input.Validate

	ids, err := orch.LoadIdentifiers(reader)
	if err != nil {
		return nil, err
	}

	if opts.DryRun {
		stats := reader.Stats()
		renderPlanTable(out, plan{
			Identifiers:    len(ids),
			Invalid:        stats.Invalid,
			Duplicate:      stats.Duplicate,
			Blank:          stats.Blank,
			Partitions:     cfg.Partitions(),
			Scope:          string(cfg.Scope()),
			Parallel:       cfg.Processing.Parallel,
			RPS:            cfg.RateLimit.RequestsPerSecond,
			Resume:         opts.Resume,
			Checkpoints:    store.Backend(),
			MinimumRuntime: minimumRuntime(len(ids), cfg),
		})
		return nil, nil
	}

	if cfg.Metrics.Addr != "" {
		srv, err := startMetricsServer(cfg.Metrics.Addr, logger)
		if err != nil {
			return nil, err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("Metrics server shutdown failed")
			}
		}()
	}

	run, runErr := orch.ProcessAll(ctx, cfg.Partitions(), orchestrator.Options{
		Parallel:           cfg.Processing.Parallel,
		CheckpointInterval: cfg.Processing.CheckpointInterval,
		SaveRawResponses:   cfg.Processing.SaveRawResponses,
		Resume:             opts.Resume,
		Progress:           progressLogger(logger),
	})
	if run == nil {
		return nil, runErr
	}

	renderRunTable(out, run)
	if cfg.Output.BaseDir != "" {
		fmt.Fprintf(out, "Summary: %s\n", cfg.SummaryPath())
	}

	if errors.Is(runErr, context.Canceled) {
		fmt.Fprintln(out, "Run interrupted; continue with --resume.")
	}
	return run, runErr
}

// minimumRuntime estimates the shortest possible run from the token refill
// rate. A shared bucket serves all requests; per-partition buckets run in
// parallel.
func minimumRuntime(ids int, cfg *config.Config) time.Duration {
	partitions := len(cfg.Processing.Years)
	requests := ids * partitions
	if cfg.Scope() == ratelimit.ScopePerPartition && cfg.Processing.Parallel {
		requests = ids
	}
	waiting := requests - cfg.RateLimit.BurstRequests
	if waiting <= 0 || cfg.RateLimit.RequestsPerSecond <= 0 {
		return 0
	}
	return time.Duration(float64(waiting) / cfg.RateLimit.RequestsPerSecond * float64(time.Second))
}

func progressLogger(logger zerolog.Logger) func(partition string) orchestrator.ProgressFunc {
	return func(partition string) orchestrator.ProgressFunc {
		return func(current, total int, identifier string) {
			if current%progressEvery != 0 && current != total {
				return
			}
			logger.Info().
				Str("partition", partition).
				Int("processed", current).
				Int("total", total).
				Str("identifier", identifier).
				Msg("Progress")
		}
	}
}
