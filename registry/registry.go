// Package registry holds the authoritative view of every worker's progress.
// All mutation flows through Dispatch, which the coordinator calls from a
// single consume goroutine; the registry itself never blocks and never
// propagates a failure out of the dispatch path.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-shard-reporter/metrics"
	"github.com/ethereum-optimism/infra/op-shard-reporter/types"
)

// WorkerStatus is the lifecycle state of a worker record.
type WorkerStatus string

const (
	StatusRegistered WorkerStatus = "registered"
	StatusRunning    WorkerStatus = "running"
	StatusCompleted  WorkerStatus = "completed"
)

// WorkerRecord tracks one worker process. Records are created by a register
// message, mutated by every progress message and finalized by complete.
type WorkerRecord struct {
	ID              int
	TotalTests      int
	CurrentTest     int
	ProgressPercent int
	Status          WorkerStatus
	StartTime       time.Time
	EndTime         time.Time
	TestResults     []types.TestResult

	// reached100 is the completion tracking used for display buffering: a
	// worker that reported 100% counts as done for that purpose even before
	// its explicit complete message arrives. Sticky on purpose, since
	// progress itself is allowed to move backwards.
	reached100 bool
}

// Failure is one entry in the process-wide failure list used by the final
// report. Failures are not attributed back to per-worker records.
type Failure struct {
	WorkerID    int
	Description string
	Location    string
	Message     string
	Backtrace   string
}

// SummarySink receives per-worker summary payloads as they arrive. The
// summary aggregator implements this.
type SummarySink interface {
	Collect(workerID int, payload types.SummaryPayload)
}

// Registry is the single dispatch point for inbound messages and the owner of
// all worker state.
type Registry struct {
	logger    log.Logger
	expected  int
	summaries SummarySink

	mu       sync.RWMutex
	records  map[int]*WorkerRecord
	failures []Failure

	completeOnce sync.Once
	completeCh   chan struct{}
}

// Config for a Registry.
type Config struct {
	Log log.Logger
	// ExpectedWorkers is N: ids 1..N must complete before the run is done.
	ExpectedWorkers int
	// Summaries receives summary payloads; may be nil.
	Summaries SummarySink
}

// NewRegistry creates a registry expecting workers 1..ExpectedWorkers.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		logger:     cfg.Log,
		expected:   cfg.ExpectedWorkers,
		summaries:  cfg.Summaries,
		records:    make(map[int]*WorkerRecord),
		completeCh: make(chan struct{}),
	}
}

// Dispatch routes one canonical message into the registry. The returned test
// result, when non-nil, is the live example carried by a progress message and
// should be rendered immediately by the caller. Malformed or unknown messages
// are ignored, except errors which are surfaced to the operator.
func (r *Registry) Dispatch(msg types.Message) *types.TestResult {
	metrics.RecordMessage(string(msg.Kind))

	switch msg.Kind {
	case types.KindRegister:
		r.handleRegister(msg)
	case types.KindProgress:
		return r.handleProgress(msg)
	case types.KindFailure:
		r.handleFailure(msg)
	case types.KindComplete:
		r.handleComplete(msg)
	case types.KindSummary:
		r.handleSummary(msg)
	case types.KindError:
		r.logger.Warn("Worker transport error", "reason", msg.Reason)
	default:
		r.logger.Debug("Ignoring unknown message kind", "kind", msg.Kind)
	}
	return nil
}

func (r *Registry) handleRegister(msg types.Message) {
	if msg.WorkerID <= 0 {
		r.logger.Debug("Ignoring register with invalid worker id", "workerID", msg.WorkerID)
		return
	}

	r.mu.Lock()
	r.records[msg.WorkerID] = &WorkerRecord{
		ID:         msg.WorkerID,
		TotalTests: msg.TotalTests,
		Status:     StatusRegistered,
		StartTime:  time.Now(),
	}
	r.mu.Unlock()

	metrics.RecordWorkerRegistered()
	r.logger.Debug("Worker registered", "workerID", msg.WorkerID, "totalTests", msg.TotalTests)
}

func (r *Registry) handleProgress(msg types.Message) *types.TestResult {
	r.mu.Lock()
	record, ok := r.records[msg.WorkerID]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug("Ignoring progress for unregistered worker", "workerID", msg.WorkerID)
		return nil
	}

	record.CurrentTest = msg.CurrentTest
	// Accepted verbatim: workers are allowed to report a lower percentage
	// than before, and nothing clamps the value into 0..100.
	record.ProgressPercent = msg.ProgressPercent
	if msg.ProgressPercent >= 100 {
		record.reached100 = true
	}
	if record.Status == StatusRegistered {
		record.Status = StatusRunning
	}
	if msg.TestResult != nil {
		record.TestResults = append(record.TestResults, *msg.TestResult)
	}
	r.mu.Unlock()

	r.signalIfAllComplete()
	return msg.TestResult
}

func (r *Registry) handleFailure(msg types.Message) {
	r.mu.Lock()
	r.failures = append(r.failures, Failure{
		WorkerID:    msg.WorkerID,
		Description: msg.Description,
		Location:    msg.Location,
		Message:     msg.FailureMessage,
		Backtrace:   msg.Backtrace,
	})
	r.mu.Unlock()
}

func (r *Registry) handleComplete(msg types.Message) {
	r.mu.Lock()
	record, ok := r.records[msg.WorkerID]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug("Ignoring complete for unregistered worker", "workerID", msg.WorkerID)
		return
	}
	record.Status = StatusCompleted
	record.EndTime = time.Now()
	record.ProgressPercent = 100
	record.reached100 = true
	r.mu.Unlock()

	metrics.RecordWorkerCompleted()
	r.logger.Debug("Worker completed", "workerID", msg.WorkerID)
	r.signalIfAllComplete()
}

func (r *Registry) handleSummary(msg types.Message) {
	if msg.Summary == nil {
		r.logger.Debug("Ignoring summary message without payload", "workerID", msg.WorkerID)
		return
	}
	if r.summaries != nil {
		r.summaries.Collect(msg.WorkerID, *msg.Summary)
	}
}

// AllComplete reports whether every worker id 1..N has either sent an explicit
// complete message or reported 100% progress.
func (r *Registry) AllComplete() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.allCompleteLocked()
}

func (r *Registry) allCompleteLocked() bool {
	if r.expected <= 0 {
		return false
	}
	for id := 1; id <= r.expected; id++ {
		record, ok := r.records[id]
		if !ok {
			return false
		}
		if record.Status != StatusCompleted && !record.reached100 {
			return false
		}
	}
	return true
}

// CompletionSignal returns a channel that is closed once AllComplete first
// becomes true. Waiters select on it instead of polling.
func (r *Registry) CompletionSignal() <-chan struct{} {
	return r.completeCh
}

func (r *Registry) signalIfAllComplete() {
	r.mu.RLock()
	done := r.allCompleteLocked()
	r.mu.RUnlock()
	if done {
		r.completeOnce.Do(func() {
			close(r.completeCh)
		})
	}
}

// ActiveWorkers counts workers that have registered but not yet completed.
func (r *Registry) ActiveWorkers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	active := 0
	for _, record := range r.records {
		if record.Status != StatusCompleted {
			active++
		}
	}
	return active
}

// Failures returns a copy of the process-wide failure list in arrival order.
func (r *Registry) Failures() []Failure {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Failure, len(r.failures))
	copy(out, r.failures)
	return out
}

// WorkerSnapshot is a read-only view of one worker, used for rendering.
type WorkerSnapshot struct {
	ID              int
	TotalTests      int
	CurrentTest     int
	ProgressPercent int
	Status          WorkerStatus
}

// Snapshot returns a point-in-time view of all workers ordered by id.
func (r *Registry) Snapshot() []WorkerSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]WorkerSnapshot, 0, len(r.records))
	for _, record := range r.records {
		out = append(out, WorkerSnapshot{
			ID:              record.ID,
			TotalTests:      record.TotalTests,
			CurrentTest:     record.CurrentTest,
			ProgressPercent: record.ProgressPercent,
			Status:          record.Status,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
