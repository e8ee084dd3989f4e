package cmd

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/Sternrassler/eligibility-extractor/pkg/checkpoint"
	"github.com/Sternrassler/eligibility-extractor/pkg/orchestrator"
)

func renderRunTable(w io.Writer, run *orchestrator.RunResult) {
	if run == nil {
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.SetTitle(fmt.Sprintf("Run %s", run.RunID))
	t.AppendHeader(table.Row{
		"Partition", "State", "Attempted", "Succeeded", "Not Found", "Bad Request",
		"Rate Limited", "Server Error", "Transport", "Other", "Resumed", "Elapsed",
	})

	var total orchestrator.PartitionProgress
	for _, key := range run.PartitionKeys() {
		res := run.Partitions[key]
		p := res.Progress
		t.AppendRow(table.Row{
			key,
			string(res.State),
			p.Attempted,
			p.Succeeded,
			p.NotFound,
			p.BadRequest,
			p.RateLimited,
			p.ServerError,
			p.Transport,
			p.Other,
			p.Resumed,
			p.Elapsed.Round(time.Millisecond),
		})

		total.Attempted += p.Attempted
		total.Succeeded += p.Succeeded
		total.NotFound += p.NotFound
		total.BadRequest += p.BadRequest
		total.RateLimited += p.RateLimited
		total.ServerError += p.ServerError
		total.Transport += p.Transport
		total.Other += p.Other
		total.Resumed += p.Resumed
	}

	t.AppendFooter(table.Row{
		"Total",
		fmt.Sprintf("%.1f%%", run.Stats.SuccessRate),
		total.Attempted,
		total.Succeeded,
		total.NotFound,
		total.BadRequest,
		total.RateLimited,
		total.ServerError,
		total.Transport,
		total.Other,
		total.Resumed,
		run.Stats.ProcessingTime.Round(time.Millisecond),
	})

	t.Render()
}

// checkpointRow is one partition in `checkpoint show`; Checkpoint is nil
// when nothing is stored.
type checkpointRow struct {
	Partition  string
	Checkpoint *checkpoint.Checkpoint
}

func renderCheckpointTable(w io.Writer, backend string, rows []checkpointRow) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.SetTitle(fmt.Sprintf("Checkpoints (%s)", backend))
	t.AppendHeader(table.Row{"Partition", "Processed", "Total", "Succeeded", "Failed", "Complete", "Written"})

	sort.Slice(rows, func(i, j int) bool { return rows[i].Partition < rows[j].Partition })
	for _, row := range rows {
		cp := row.Checkpoint
		if cp == nil {
			t.AppendRow(table.Row{row.Partition, "-", "-", "-", "-", "-", "none"})
			continue
		}
		t.AppendRow(table.Row{
			row.Partition,
			cp.Processed,
			cp.Total,
			cp.Succeeded,
			cp.Failed,
			cp.Complete(),
			cp.Timestamp.Local().Format(time.DateTime),
		})
	}

	t.Render()
}

// plan describes what a dry run would do.
type plan struct {
	Identifiers    int
	Invalid        int
	Duplicate      int
	Blank          int
	Partitions     []string
	Scope          string
	Parallel       bool
	RPS            float64
	Resume         bool
	Checkpoints    string
	MinimumRuntime time.Duration
}

func renderPlanTable(w io.Writer, p plan) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.SetTitle("Dry run")
	t.AppendRows([]table.Row{
		{"Identifiers", p.Identifiers},
		{"Invalid rows skipped", p.Invalid},
		{"Duplicates skipped", p.Duplicate},
		{"Blank rows skipped", p.Blank},
		{"Partitions", fmt.Sprint(p.Partitions)},
		{"Requests (minimum)", p.Identifiers * len(p.Partitions)},
		{"Limiter scope", p.Scope},
		{"Parallel", p.Parallel},
		{"Requests per second", p.RPS},
		{"Resume", p.Resume},
		{"Checkpoint store", p.Checkpoints},
		{"Estimated runtime (minimum)", p.MinimumRuntime.Round(time.Second)},
	})
	t.Render()
}
