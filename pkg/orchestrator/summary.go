package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/Sternrassler/eligibility-extractor/pkg/client"
	"github.com/Sternrassler/eligibility-extractor/pkg/identifiers"
	"github.com/Sternrassler/eligibility-extractor/pkg/ratelimit"
)

// SummaryFileName is the run summary written under <output>/reports.
const SummaryFileName = "processing_summary.json"

// Summary is the persisted report of one run.
type Summary struct {
	RunID       string                  `json:"run_id"`
	StartedAt   time.Time               `json:"started_at"`
	FinishedAt  time.Time               `json:"finished_at"`
	Stats       Stats                   `json:"stats"`
	Partitions  []PartitionResult       `json:"partitions"`
	Clients     map[string]client.Stats `json:"client_stats"`
	Limiters    []ratelimit.BucketStats `json:"limiter_stats"`
	Identifiers *identifiers.Report     `json:"identifier_stats,omitempty"`
}

// NewSummary builds a summary with partitions sorted by key.
func NewSummary(run *RunResult, readerStats *identifiers.Report) Summary {
	s := Summary{
		RunID:       run.RunID,
		StartedAt:   run.StartedAt,
		FinishedAt:  run.FinishedAt,
		Stats:       run.Stats,
		Clients:     run.Clients,
		Limiters:    run.Limiters,
		Identifiers: readerStats,
	}
	for _, key := range run.PartitionKeys() {
		s.Partitions = append(s.Partitions, *run.Partitions[key])
	}
	return s
}

// PartitionKeys returns the partitions of the run in sorted order.
func (r *RunResult) PartitionKeys() []string {
	keys := make([]string, 0, len(r.Partitions))
	for k := range r.Partitions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WriteSummary writes s as indented JSON, creating parent directories.
func WriteSummary(path string, s Summary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create summary dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

// ReadSummary loads a summary written by WriteSummary.
func ReadSummary(path string) (*Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read summary: %w", err)
	}
	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse summary: %w", err)
	}
	return &s, nil
}
