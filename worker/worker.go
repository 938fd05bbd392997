// Package worker is the shard-process side of the reporting protocol: it
// connects to the coordinator's transport endpoint and emits register,
// progress, failure, complete and summary messages as the host test framework
// runs. Everything here degrades silently: a worker that cannot reach the
// coordinator keeps running its tests and simply drops its reports.
package worker

import (
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-shard-reporter/transport"
	"github.com/ethereum-optimism/infra/op-shard-reporter/types"
)

// Reporter sends one worker's lifecycle messages to the coordinator.
type Reporter struct {
	id     int
	logger log.Logger

	mu     sync.Mutex
	client transport.Client // nil once disconnected
}

// Connect dials the coordinator endpoint with bounded retry. Connection
// failure is not an error to the caller: the returned Reporter is simply
// disconnected and every send becomes a no-op.
func Connect(endpoint string, id int, dial transport.DialConfig, logger log.Logger) *Reporter {
	r := &Reporter{id: id, logger: logger}

	client, err := transport.NewClient(endpoint, dial, logger)
	if err != nil {
		logger.Warn("Could not reach coordinator, reporting disabled for this worker",
			"workerID", id, "endpoint", endpoint, "error", err)
		return r
	}
	r.client = client
	return r
}

// Connected reports whether messages are currently being delivered.
func (r *Reporter) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client != nil
}

// Register announces this worker and its planned test count.
func (r *Reporter) Register(totalTests int) {
	r.send(types.Message{
		Kind:       types.KindRegister,
		WorkerID:   r.id,
		TotalTests: totalTests,
	})
}

// ReportProgress reports the current position. result may be nil when the
// update carries no finished example.
func (r *Reporter) ReportProgress(currentTest, progressPercent int, result *types.TestResult) {
	r.send(types.Message{
		Kind:            types.KindProgress,
		WorkerID:        r.id,
		CurrentTest:     currentTest,
		ProgressPercent: progressPercent,
		TestResult:      result,
	})
}

// ReportFailure reports one failing example for the process-wide failure list.
func (r *Reporter) ReportFailure(description, location, message, backtrace string) {
	r.send(types.Message{
		Kind:           types.KindFailure,
		WorkerID:       r.id,
		Description:    description,
		Location:       location,
		FailureMessage: message,
		Backtrace:      backtrace,
	})
}

// Complete marks this worker finished.
func (r *Reporter) Complete() {
	r.send(types.Message{
		Kind:     types.KindComplete,
		WorkerID: r.id,
	})
}

// SendSummary delivers the worker's end-of-run summary.
func (r *Reporter) SendSummary(payload types.SummaryPayload) {
	payload.WorkerID = r.id
	r.send(types.Message{
		Kind:     types.KindSummary,
		WorkerID: r.id,
		Summary:  &payload,
	})
}

// Close tears down the connection.
func (r *Reporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		_ = r.client.Close()
		r.client = nil
	}
}

// send delivers one message, downgrading to disconnected on the first send
// failure. Dropped messages are not queued for replay; the coordinator's
// barrier timeout covers the resulting gaps.
func (r *Reporter) send(msg types.Message) {
	r.mu.Lock()
	client := r.client
	r.mu.Unlock()

	if client == nil {
		return
	}
	if err := client.Send(msg); err != nil {
		r.logger.Warn("Dropping worker connection after send failure", "workerID", r.id, "error", err)
		r.mu.Lock()
		if r.client == client {
			_ = r.client.Close()
			r.client = nil
		}
		r.mu.Unlock()
	}
}
