// Package reporter is the composition root for the shard-reporting
// coordinator: it runs the lock-file election, owns the transport server, the
// worker registry, the display coordinator and the summary aggregator, and
// wires them into the op-service lifecycle.
package reporter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"

	"github.com/ethereum-optimism/infra/op-shard-reporter/display"
	"github.com/ethereum-optimism/infra/op-shard-reporter/election"
	"github.com/ethereum-optimism/infra/op-shard-reporter/metrics"
	"github.com/ethereum-optimism/infra/op-shard-reporter/registry"
	"github.com/ethereum-optimism/infra/op-shard-reporter/summary"
	"github.com/ethereum-optimism/infra/op-shard-reporter/transport"
	"github.com/ethereum-optimism/infra/op-shard-reporter/types"
)

// service implements the cliapp.Lifecycle interface.
var _ cliapp.Lifecycle = &service{}

// service coordinates N test-shard workers: it receives their messages over
// the transport, tracks progress, throttles display updates and renders the
// consolidated end-of-run report.
type service struct {
	ctx     context.Context
	config  *Config
	version string
	runID   string

	elector    *election.Elector
	role       election.Role
	server     transport.Server
	registry   *registry.Registry
	console    *display.Console
	policy     *display.UpdatePolicy
	aggregator *summary.Aggregator

	startTime time.Time
	running   atomic.Bool
	done      chan struct{}
	wg        sync.WaitGroup

	shutdownCallback func(error) // Callback to signal application shutdown
}

// New assembles the coordinator service. Nothing is started yet; election and
// transport setup happen in Start.
func New(ctx context.Context, config *Config, version string, shutdownCallback func(error)) (*service, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}

	config.Log.Debug("Creating shard reporter",
		"expectedWorkers", config.ExpectedWorkers,
		"transport", config.TransportMode,
		"lockFile", config.LockFile)

	out := config.Out
	if out == nil {
		out = os.Stdout
	}

	aggregator := summary.NewAggregator(config.Log, config.ExpectedWorkers)
	reg := registry.NewRegistry(registry.Config{
		Log:             config.Log,
		ExpectedWorkers: config.ExpectedWorkers,
		Summaries:       aggregator,
	})

	return &service{
		ctx:              ctx,
		config:           config,
		version:          version,
		runID:            uuid.New().String(),
		elector:          election.NewElector(config.LockFile, config.Log),
		registry:         reg,
		console:          display.NewConsole(out, nil, display.PlainStyler{}),
		policy:           display.NewUpdatePolicy(config.UpdateInterval, config.Thresholds),
		aggregator:       aggregator,
		shutdownCallback: shutdownCallback,
	}, nil
}

// Start runs the election and, on winning, brings up the transport server and
// the consume loop. Losing the election is not an error: the service becomes
// an inert stand-in and the caller's workers report to whoever won.
// Start implements the cliapp.Lifecycle interface.
func (s *service) Start(ctx context.Context) error {
	s.ctx = ctx
	s.startTime = time.Now()
	s.done = make(chan struct{})
	s.running.Store(true)

	if s.config.ForceCoordinator {
		s.role = election.RoleCoordinator
		s.config.Log.Info("Coordinator role forced by configuration")
	} else {
		s.role = s.elector.Acquire()
	}

	if s.role != election.RoleCoordinator {
		s.config.Log.Info("Another process holds the coordinator role, standing by", "lockFile", s.config.LockFile)
		return nil
	}

	server, err := transport.NewServer(transport.Config{
		Mode:         s.config.TransportMode,
		SocketPath:   s.config.SocketPath,
		InboxDir:     s.config.TransportDir,
		PollInterval: s.config.PollInterval,
		Logger:       s.config.Log,
	})
	if err != nil {
		s.releaseCoordinator()
		return NewRuntimeError(fmt.Errorf("failed to create transport server: %w", err))
	}
	if err := server.Start(ctx); err != nil {
		// Degrade rather than fail the test run being reported on: workers
		// fall back to their own uncoordinated output.
		s.config.Log.Error("Transport server failed to start, degrading to uncoordinated output", "error", err)
		s.releaseCoordinator()
		s.role = election.RoleWorker
		return nil
	}
	s.server = server

	if err := WriteEndpointFile(s.config.DiscoveryFile, server.Endpoint()); err != nil {
		s.config.Log.Warn("Failed to publish endpoint discovery file", "path", s.config.DiscoveryFile, "error", err)
	}

	s.wg.Add(1)
	go s.consumeLoop()

	// Once every worker is complete the service can initiate its own
	// shutdown; Stop then runs the summary barrier and the final report.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.registry.CompletionSignal():
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
		s.config.Log.Info("All workers complete", "runID", s.runID)
		if s.shutdownCallback != nil {
			go s.shutdownCallback(nil)
		}
	}()

	s.config.Log.Info("Shard reporter coordinating",
		"runID", s.runID,
		"endpoint", server.Endpoint(),
		"expectedWorkers", s.config.ExpectedWorkers)
	return nil
}

// Endpoint returns the externally-visible transport endpoint, or "" when this
// process is not the coordinator (the caller then falls back to per-process
// output).
func (s *service) Endpoint() string {
	if s.server == nil {
		return ""
	}
	return s.server.Endpoint()
}

// Role returns the elected role.
func (s *service) Role() election.Role {
	return s.role
}

// DumpOutput submits a final-report output fragment from the host framework.
// It is buffered while multiple workers are active so it cannot interleave
// with the consolidated report.
func (s *service) DumpOutput(line string) {
	s.console.Dump(line, s.registry.ActiveWorkers())
}

// consumeLoop is the sole caller into the registry and display state: every
// ingestion goroutine funnels through the transport's shared channel, so all
// dispatch stays effectively single-threaded.
func (s *service) consumeLoop() {
	defer s.wg.Done()

	for msg := range s.server.Messages() {
		switch msg.Kind {
		case types.KindRegister:
			s.policy.Seed(msg.WorkerID)
		case types.KindError:
			s.console.Diagnostic(fmt.Sprintf("transport error: %s", msg.Reason))
		}

		liveResult := s.registry.Dispatch(msg)
		if liveResult != nil {
			s.console.RenderResult(*liveResult)
		}

		if msg.Kind == types.KindProgress && s.policy.ShouldUpdate(msg.WorkerID, msg.ProgressPercent) {
			s.console.RenderProgress(s.registry.Snapshot())
		}
	}
}

// Stop waits for every worker to complete, runs the summary barrier, renders
// the consolidated report and tears the transport down.
// Stop implements the cliapp.Lifecycle interface.
func (s *service) Stop(ctx context.Context) error {
	if !s.running.Load() {
		s.config.Log.Debug("Service already stopped, nothing to do")
		return nil
	}
	s.running.Store(false)
	close(s.done)

	if s.role != election.RoleCoordinator {
		return nil
	}

	s.config.Log.Info("Stopping shard reporter", "runID", s.runID)

	select {
	case <-s.registry.CompletionSignal():
	case <-time.After(s.config.CompletionTimeout):
		s.config.Log.Warn("Timed out waiting for workers to complete", "timeout", s.config.CompletionTimeout)
	case <-ctx.Done():
		s.config.Log.Warn("Shutdown context canceled while waiting for workers", "error", ctx.Err())
	}

	missing := s.aggregator.Wait(s.config.BarrierTimeout)
	if len(missing) > 0 {
		s.console.Diagnostic(fmt.Sprintf("WARNING: missing summaries from workers %v", missing))
	}

	s.console.FlushDumps()

	wallClock := time.Since(s.startTime)
	metrics.RecordRunDuration(s.runID, wallClock)
	report := s.aggregator.RenderReport(s.runID, wallClock, s.registry.Failures())
	s.console.Diagnostic(report)
	s.console.Close()

	if s.server != nil {
		if err := s.server.Close(); err != nil {
			s.config.Log.Warn("Transport server shutdown failed", "error", err)
		}
	}
	s.releaseCoordinator()

	s.wg.Wait()
	s.config.Log.Info("Shard reporter stopped", "runID", s.runID, "duration", wallClock)
	return nil
}

// Stopped returns true if the service is stopped.
// Stopped implements the cliapp.Lifecycle interface.
func (s *service) Stopped() bool {
	return !s.running.Load()
}

func (s *service) releaseCoordinator() {
	if err := os.Remove(s.config.DiscoveryFile); err != nil && !os.IsNotExist(err) {
		s.config.Log.Warn("Failed to remove endpoint discovery file", "path", s.config.DiscoveryFile, "error", err)
	}
	s.elector.Release()
}
