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

	"github.com/Sternrassler/eligibility-extractor/internal/testutil"
	"github.com/Sternrassler/eligibility-extractor/pkg/checkpoint"
	"github.com/Sternrassler/eligibility-extractor/pkg/client"
	"github.com/Sternrassler/eligibility-extractor/pkg/ratelimit"
)

func fastRateConfig() ratelimit.Config {
	return ratelimit.Config{
		RequestsPerSecond: 1000,
		BurstRequests:     10,
		RetryDelay:        10 * time.Millisecond,
		MaxRetryDelay:     40 * time.Millisecond,
		BackoffFactor:     2,
		MaxRetries:        3,
	}
}

func newTestOrchestrator(t *testing.T, mock *testutil.MockAPI, mutate func(*Config)) *Orchestrator {
	t.Helper()
	logger := zerolog.Nop()
	fetcher := client.NewHTTPFetcher(client.HTTPConfig{BaseURL: mock.URL(), Endpoint: testutil.Endpoint})

	cfg := Config{
		RateLimit:   fastRateConfig(),
		Fetch:       fetcher.Fetch,
		Checkpoints: checkpoint.NewMemoryStore(),
		Logger:      &logger,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	o, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return o
}

func TestNew_Validation(t *testing.T) {
	fetch := func(context.Context, string, string) (*client.Response, error) { return nil, nil }

	if _, err := New(Config{}); err == nil {
		t.Error("New() without fetch should fail")
	}
	if _, err := New(Config{Fetch: fetch, Scope: "global"}); err == nil {
		t.Error("New() with unknown scope should fail")
	}
	o, err := New(Config{Fetch: fetch})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if o.Checkpoints().Backend() != "memory" {
		t.Errorf("default store without output dir = %q, want memory", o.Checkpoints().Backend())
	}
	o, err = New(Config{Fetch: fetch, OutputDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if o.Checkpoints().Backend() != "file" {
		t.Errorf("default store with output dir = %q, want file", o.Checkpoints().Backend())
	}
}

func TestProcessAll_Preconditions(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	o := newTestOrchestrator(t, mock, nil)

	if _, err := o.ProcessAll(context.Background(), []string{"2024"}, DefaultOptions()); !errors.Is(err, ErrNoIdentifiers) {
		t.Errorf("ProcessAll() without identifiers error = %v, want ErrNoIdentifiers", err)
	}
	if _, err := o.LoadIdentifiers(Identifiers{}); !errors.Is(err, ErrNoIdentifiers) {
		t.Errorf("LoadIdentifiers() of empty source error = %v, want ErrNoIdentifiers", err)
	}
	if _, err := o.LoadIdentifiers(Identifiers{"1234567890"}); err != nil {
		t.Fatal(err)
	}
	if _, err := o.ProcessAll(context.Background(), nil, DefaultOptions()); !errors.Is(err, ErrNoPartitions) {
		t.Errorf("ProcessAll() without partitions error = %v, want ErrNoPartitions", err)
	}
	if _, err := o.ProcessAll(context.Background(), []string{""}, DefaultOptions()); !errors.Is(err, ErrNoPartitions) {
		t.Errorf("ProcessAll() with blank partition error = %v, want ErrNoPartitions", err)
	}
	if mock.RequestCount() != 0 {
		t.Errorf("requests = %d, want none before preconditions hold", mock.RequestCount())
	}
}

func TestProcessAll_MixedOutcomes(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.Script("1111111111", testutil.NewRecordResponse("1111111111"))
	mock.Script("2222222222", testutil.NewNotFoundResponse())
	mock.Script("3333333333", testutil.NewServerErrorResponse(), testutil.NewRecordResponse("3333333333"))

	o := newTestOrchestrator(t, mock, nil)
	if _, err := o.LoadIdentifiers(Identifiers{"1111111111", "2222222222", "3333333333"}); err != nil {
		t.Fatal(err)
	}

	run, err := o.ProcessAll(context.Background(), []string{"2024"}, Options{})
	if err != nil {
		t.Fatalf("ProcessAll() error = %v", err)
	}

	res := run.Partitions["2024"]
	if res == nil || res.State != StateCompleted {
		t.Fatalf("partition result = %+v", res)
	}
	if res.Progress.Succeeded != 2 || res.Progress.NotFound != 1 {
		t.Errorf("Progress = %+v, want 2 succeeded and 1 not found", res.Progress)
	}
	if got := res.Outcomes["3333333333"]; !got.Success || got.RetryCount < 1 {
		t.Errorf("retried outcome = %+v, want success with retry_count >= 1", got)
	}
	if got := res.Outcomes["2222222222"]; got.Kind != client.OutcomeNotFound || got.RetryCount != 0 {
		t.Errorf("not found outcome = %+v", got)
	}
	if mock.CallsFor("2222222222") != 1 {
		t.Errorf("404 should be fetched once, got %d", mock.CallsFor("2222222222"))
	}

	stats := o.Stats()
	if stats.TotalIdentifiers != 3 || stats.PartitionsProcessed != 1 || stats.TotalOutcomes != 3 {
		t.Errorf("Stats() = %+v", stats)
	}
	if stats.TotalFetchAttempts != 4 {
		t.Errorf("TotalFetchAttempts = %d, want 4", stats.TotalFetchAttempts)
	}
	if stats.Succeeded != 2 || stats.Failed != 1 {
		t.Errorf("Succeeded/Failed = %d/%d", stats.Succeeded, stats.Failed)
	}
	if run.RunID == "" {
		t.Error("RunID should be set")
	}
}

func TestProcessAll_InvalidIdentifierMakesNoRequest(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	o := newTestOrchestrator(t, mock, nil)
	if _, err := o.LoadIdentifiers(Identifiers{"12345"}); err != nil {
		t.Fatal(err)
	}

	run, err := o.ProcessAll(context.Background(), []string{"2024"}, Options{})
	if err != nil {
		t.Fatalf("ProcessAll() error = %v", err)
	}
	got := run.Partitions["2024"].Outcomes["12345"]
	if got.Kind != client.OutcomeInvalidIdentifier || got.Success {
		t.Errorf("outcome = %+v, want invalid_identifier", got)
	}
	if mock.RequestCount() != 0 {
		t.Errorf("requests = %d, want 0", mock.RequestCount())
	}
}

func TestProcessAll_TwoPartitions(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	ids := Identifiers{"1000000001", "1000000002", "1000000003"}
	for _, parallel := range []bool{true, false} {
		mock.Reset()
		o := newTestOrchestrator(t, mock, nil)
		if _, err := o.LoadIdentifiers(ids); err != nil {
			t.Fatal(err)
		}

		var mu sync.Mutex
		counts := map[string]int{}
		opts := Options{
			Parallel: parallel,
			Progress: func(partition string) ProgressFunc {
				return func(current, total int, id string) {
					mu.Lock()
					counts[partition]++
					mu.Unlock()
				}
			},
		}

		run, err := o.ProcessAll(context.Background(), []string{"2023", "2024", "2023"}, opts)
		if err != nil {
			t.Fatalf("parallel=%v: ProcessAll() error = %v", parallel, err)
		}
		if len(run.Partitions) != 2 {
			t.Errorf("parallel=%v: partitions = %d, want 2 (duplicates dropped)", parallel, len(run.Partitions))
		}
		if counts["2023"] != 3 || counts["2024"] != 3 {
			t.Errorf("parallel=%v: progress counts = %v", parallel, counts)
		}
		if mock.RequestCount() != 6 {
			t.Errorf("parallel=%v: requests = %d, want 6", parallel, mock.RequestCount())
		}
		years := map[string]int{}
		for _, r := range mock.Requests() {
			years[r.Year]++
		}
		if years["2023"] != 3 || years["2024"] != 3 {
			t.Errorf("parallel=%v: requests per year = %v", parallel, years)
		}
		if len(run.Clients) != 2 {
			t.Errorf("parallel=%v: each partition should own a client, got %d", parallel, len(run.Clients))
		}
	}
}

// observedRate returns the request rate after the initial burst.
func observedRate(reqs []testutil.Request, burst int) float64 {
	if len(reqs) <= burst {
		return 0
	}
	first, last := reqs[0].Time, reqs[0].Time
	for _, r := range reqs {
		if r.Time.Before(first) {
			first = r.Time
		}
		if r.Time.After(last) {
			last = r.Time
		}
	}
	span := last.Sub(first).Seconds()
	if span == 0 {
		return 0
	}
	return float64(len(reqs)-burst) / span
}

func TestProcessAll_LimiterScopes(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}

	cfg := ratelimit.Config{
		RequestsPerSecond: 2,
		BurstRequests:     1,
		RetryDelay:        10 * time.Millisecond,
		MaxRetryDelay:     10 * time.Millisecond,
		BackoffFactor:     2,
	}
	ids := Identifiers{"1000000001", "1000000002", "1000000003", "1000000004", "1000000005"}

	tests := []struct {
		scope   ratelimit.Scope
		buckets int
		maxRate float64
		minRate float64
	}{
		{scope: ratelimit.ScopePerPartition, buckets: 2, maxRate: 4.4, minRate: 2.5},
		{scope: ratelimit.ScopeShared, buckets: 1, maxRate: 2.2, minRate: 1},
	}

	for _, tt := range tests {
		t.Run(string(tt.scope), func(t *testing.T) {
			mock := testutil.NewMockAPI()
			defer mock.Close()

			o := newTestOrchestrator(t, mock, func(c *Config) {
				c.RateLimit = cfg
				c.Scope = tt.scope
			})
			if _, err := o.LoadIdentifiers(ids); err != nil {
				t.Fatal(err)
			}

			run, err := o.ProcessAll(context.Background(), []string{"2023", "2024"}, Options{Parallel: true})
			if err != nil {
				t.Fatalf("ProcessAll() error = %v", err)
			}
			if len(run.Limiters) != tt.buckets {
				t.Errorf("limiters = %d, want %d", len(run.Limiters), tt.buckets)
			}

			reqs := mock.Requests()
			if len(reqs) != 10 {
				t.Fatalf("requests = %d, want 10", len(reqs))
			}
			rate := observedRate(reqs, tt.buckets*cfg.BurstRequests)
			if rate > tt.maxRate || rate < tt.minRate {
				t.Errorf("observed rate = %.2f req/s, want within [%.1f, %.1f]", rate, tt.minRate, tt.maxRate)
			}
		})
	}
}

func TestProcessAll_ResumeAfterCheckpoint(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	store := checkpoint.NewMemoryStore()
	o := newTestOrchestrator(t, mock, func(c *Config) { c.Checkpoints = store })
	ids := Identifiers{"1000000001", "1000000002", "1000000003", "1000000004", "1000000005"}
	if _, err := o.LoadIdentifiers(ids); err != nil {
		t.Fatal(err)
	}

	// First run is interrupted after two identifiers.
	ctx, cancel := context.WithCancel(context.Background())
	opts := Options{
		CheckpointInterval: 2,
		Progress: func(string) ProgressFunc {
			return func(current, total int, id string) {
				if current == 2 {
					cancel()
				}
			}
		},
	}
	run, err := o.ProcessAll(ctx, []string{"2024"}, opts)
	if err == nil {
		t.Fatal("interrupted run should report the cancelled partition")
	}
	var pe *PartitionError
	if !errors.As(err, &pe) || pe.State != StateCancelled || !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want cancelled PartitionError", err)
	}
	if run.Partitions["2024"].State != StateCancelled {
		t.Errorf("State = %q, want cancelled", run.Partitions["2024"].State)
	}

	cp, err := o.LoadCheckpoint(context.Background(), "2024")
	if err != nil {
		t.Fatalf("LoadCheckpoint() error = %v", err)
	}
	if cp.Processed != 2 || cp.Total != 5 {
		t.Fatalf("checkpoint = %+v, want 2 of 5", cp)
	}

	mock.Reset()
	run, err = o.ProcessAll(context.Background(), []string{"2024"}, Options{Resume: true, CheckpointInterval: 2})
	if err != nil {
		t.Fatalf("resumed ProcessAll() error = %v", err)
	}
	if mock.RequestCount() != 3 {
		t.Errorf("requests on resume = %d, want 3", mock.RequestCount())
	}
	if mock.CallsFor("1000000001") != 0 || mock.CallsFor("1000000002") != 0 {
		t.Error("identifiers before the checkpoint must not be re-fetched")
	}

	cp, _ = o.LoadCheckpoint(context.Background(), "2024")
	if cp.Processed != 5 || cp.Succeeded != 5 {
		t.Errorf("final checkpoint = %+v", cp)
	}

	// A completed partition issues no requests when resumed again.
	mock.Reset()
	if _, err := o.ProcessAll(context.Background(), []string{"2024"}, Options{Resume: true}); err != nil {
		t.Fatal(err)
	}
	if mock.RequestCount() != 0 {
		t.Errorf("requests for completed partition = %d, want 0", mock.RequestCount())
	}
}

func TestProcessAll_FailedPartitionDoesNotStopOthers(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	out := t.TempDir()
	// A file where the 2023 raw directory should be makes that partition fail setup.
	if err := os.MkdirAll(filepath.Join(out, "raw"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(out, "raw", "2023"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, parallel := range []bool{false, true} {
		mock.Reset()
		o := newTestOrchestrator(t, mock, func(c *Config) { c.OutputDir = out })
		if _, err := o.LoadIdentifiers(Identifiers{"1000000001", "1000000002"}); err != nil {
			t.Fatal(err)
		}

		run, err := o.ProcessAll(context.Background(), []string{"2023", "2024"}, Options{Parallel: parallel, SaveRawResponses: true})
		var pe *PartitionError
		if !errors.As(err, &pe) || pe.Partition != "2023" || pe.State != StateFailed {
			t.Fatalf("parallel=%v: err = %v, want failed PartitionError for 2023", parallel, err)
		}
		if run.Partitions["2024"].State != StateCompleted {
			t.Errorf("parallel=%v: 2024 state = %q, want completed", parallel, run.Partitions["2024"].State)
		}
		if mock.RequestCount() != 2 {
			t.Errorf("parallel=%v: requests = %d, want 2", parallel, mock.RequestCount())
		}
		if _, err := os.Stat(filepath.Join(out, "raw", "2024", "1000000001.json")); err != nil {
			t.Errorf("parallel=%v: raw response missing: %v", parallel, err)
		}

		stats := o.Stats()
		if stats.PartitionsFailed != 1 || stats.PartitionsCompleted != 1 {
			t.Errorf("parallel=%v: Stats() = %+v", parallel, stats)
		}
	}
}

func TestProcessAll_WritesSummary(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.Script("1000000002", testutil.NewBadRequestResponse())

	out := t.TempDir()
	o := newTestOrchestrator(t, mock, func(c *Config) { c.OutputDir = out })
	if _, err := o.LoadIdentifiers(Identifiers{"1000000001", "1000000002"}); err != nil {
		t.Fatal(err)
	}

	run, err := o.ProcessAll(context.Background(), []string{"2025"}, Options{})
	if err != nil {
		t.Fatal(err)
	}

	summary, err := ReadSummary(filepath.Join(out, "reports", SummaryFileName))
	if err != nil {
		t.Fatalf("ReadSummary() error = %v", err)
	}
	if summary.RunID != run.RunID {
		t.Errorf("RunID = %q, want %q", summary.RunID, run.RunID)
	}
	if len(summary.Partitions) != 1 || summary.Partitions[0].Progress.BadRequest != 1 {
		t.Errorf("Partitions = %+v", summary.Partitions)
	}
	if summary.Stats.TotalIdentifiers != 2 || summary.Clients["2025"].Total != 2 {
		t.Errorf("summary stats = %+v, clients = %+v", summary.Stats, summary.Clients)
	}
	if len(summary.Limiters) != 1 || summary.Limiters[0].Name != "shared" {
		t.Errorf("Limiters = %+v", summary.Limiters)
	}
}
