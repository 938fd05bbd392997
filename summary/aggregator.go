// Package summary implements the end-of-run barrier: one summary payload per
// worker, wait-until-all-or-timeout, then a consolidated report rendered from
// whatever arrived.
package summary

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ethereum-optimism/infra/op-shard-reporter/metrics"
	"github.com/ethereum-optimism/infra/op-shard-reporter/registry"
	"github.com/ethereum-optimism/infra/op-shard-reporter/types"
)

// DefaultBarrierTimeout bounds how long the coordinator waits for summaries
// after all workers report complete.
const DefaultBarrierTimeout = 10 * time.Second

// Aggregator collects per-worker summaries and gates the consolidated report
// on all of workers 1..N reporting, or a timeout.
type Aggregator struct {
	logger   log.Logger
	expected int

	mu       sync.Mutex
	payloads map[int]types.SummaryPayload

	doneOnce sync.Once
	doneCh   chan struct{}
}

// NewAggregator creates an aggregator expecting summaries from workers
// 1..expected.
func NewAggregator(logger log.Logger, expected int) *Aggregator {
	return &Aggregator{
		logger:   logger,
		expected: expected,
		payloads: make(map[int]types.SummaryPayload),
		doneCh:   make(chan struct{}),
	}
}

var _ registry.SummarySink = (*Aggregator)(nil)

// Collect records one worker's summary. A duplicate for the same worker
// replaces the earlier payload.
func (a *Aggregator) Collect(workerID int, payload types.SummaryPayload) {
	if payload.WorkerID == 0 {
		payload.WorkerID = workerID
	}

	a.mu.Lock()
	_, replacing := a.payloads[workerID]
	a.payloads[workerID] = payload
	done := a.allReceivedLocked()
	a.mu.Unlock()

	if !replacing {
		metrics.RecordSummaryReceived()
	}
	a.logger.Debug("Collected worker summary", "workerID", workerID, "totalExamples", payload.TotalExamples)

	if done {
		a.doneOnce.Do(func() {
			close(a.doneCh)
		})
	}
}

// AllReceived reports whether every expected worker has a recorded payload.
func (a *Aggregator) AllReceived() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allReceivedLocked()
}

func (a *Aggregator) allReceivedLocked() bool {
	if a.expected <= 0 {
		return false
	}
	for id := 1; id <= a.expected; id++ {
		if _, ok := a.payloads[id]; !ok {
			return false
		}
	}
	return true
}

// Wait blocks until every summary has arrived or the timeout elapses, and
// returns the ids still missing (empty on full success). A timeout is
// deliberately non-fatal; the report degrades to the subset that arrived.
func (a *Aggregator) Wait(timeout time.Duration) []int {
	select {
	case <-a.doneCh:
		return nil
	case <-time.After(timeout):
	}

	missing := a.MissingWorkers()
	if len(missing) > 0 {
		a.logger.Warn("Timed out waiting for worker summaries", "timeout", timeout, "missing", missing)
	}
	return missing
}

// MissingWorkers lists expected worker ids that have not reported a summary.
func (a *Aggregator) MissingWorkers() []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	var missing []int
	for id := 1; id <= a.expected; id++ {
		if _, ok := a.payloads[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// Payloads returns the collected summaries ordered by worker id.
func (a *Aggregator) Payloads() []types.SummaryPayload {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]types.SummaryPayload, 0, len(a.payloads))
	for _, p := range a.payloads {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// RenderReport builds the consolidated end-of-run report from the collected
// summaries and the process-wide failure list. wallClock is the elapsed time
// since the coordinator started, shown against the summed per-worker
// durations to make the parallelism win visible.
func (a *Aggregator) RenderReport(runID string, wallClock time.Duration, failures []registry.Failure) string {
	payloads := a.Payloads()

	var (
		totalExamples  int
		totalPending   int
		summedDuration float64
		failedExamples []types.FailedExample
	)

	var sb strings.Builder

	t := table.NewWriter()
	t.SetOutputMirror(&sb)
	t.SetTitle(fmt.Sprintf("Consolidated Test Results (%s)", runID))
	t.AppendHeader(table.Row{"Worker", "Examples", "Failed", "Pending", "Duration"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Examples", Align: text.AlignRight},
		{Name: "Failed", Align: text.AlignRight},
		{Name: "Pending", Align: text.AlignRight},
		{Name: "Duration", Align: text.AlignRight},
	})

	for _, p := range payloads {
		totalExamples += p.TotalExamples
		totalPending += p.PendingCount
		summedDuration += p.Duration
		failedExamples = append(failedExamples, p.FailedExamples...)

		t.AppendRow(table.Row{
			p.WorkerID,
			p.TotalExamples,
			len(p.FailedExamples),
			p.PendingCount,
			fmt.Sprintf("%.1fs", p.Duration),
		})
	}

	t.AppendFooter(table.Row{
		"TOTAL",
		totalExamples,
		len(failedExamples),
		totalPending,
		fmt.Sprintf("%.1fs", summedDuration),
	})

	if len(failedExamples) > 0 || len(failures) > 0 {
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	} else {
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	}
	t.Render()

	if missing := a.MissingWorkers(); len(missing) > 0 {
		fmt.Fprintf(&sb, "\nWARNING: no summary received from workers %v; report covers %d of %d workers\n",
			missing, len(payloads), a.expected)
	}

	if len(failedExamples) > 0 {
		fmt.Fprintf(&sb, "\nFailed examples:\n")
		for _, fe := range failedExamples {
			fmt.Fprintf(&sb, "  %s\n    %s\n", fe.Description, fe.Location)
			if fe.Message != "" {
				fmt.Fprintf(&sb, "    %s\n", firstLine(fe.Message))
			}
		}
	}

	if len(failures) > 0 {
		fmt.Fprintf(&sb, "\nFailures reported during the run:\n")
		for _, f := range failures {
			fmt.Fprintf(&sb, "  [worker %d] %s (%s)\n", f.WorkerID, f.Description, f.Location)
			if f.Message != "" {
				fmt.Fprintf(&sb, "    %s\n", firstLine(f.Message))
			}
		}
	}

	fmt.Fprintf(&sb, "\nFinished in %.1fs (workers spent %.1fs total)\n", wallClock.Seconds(), summedDuration)
	return sb.String()
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx != -1 {
		return s[:idx]
	}
	return s
}
