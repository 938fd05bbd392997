// Package election decides which of several racing processes becomes the
// coordinator. The winner is whoever atomically creates the lock file; every
// ambiguous outcome resolves to the worker role so two coordinators can never
// coexist.
package election

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// Role is the outcome of an election attempt.
type Role int

const (
	RoleWorker Role = iota
	RoleCoordinator
)

func (r Role) String() string {
	if r == RoleCoordinator {
		return "coordinator"
	}
	return "worker"
}

const (
	// DefaultHeartbeatInterval is how often the coordinator refreshes the lock
	// file's timestamp to prove it is still alive.
	DefaultHeartbeatInterval = 2 * time.Second

	// DefaultStaleThreshold is how old a lock file may be before it is treated
	// as left behind by a dead coordinator and removed.
	DefaultStaleThreshold = 10 * time.Second

	// maxAcquireAttempts bounds the create/remove-stale cycle so contention
	// can never spin forever.
	maxAcquireAttempts = 3
)

// Elector performs lock-file based role election.
type Elector struct {
	lockPath          string
	heartbeatInterval time.Duration
	staleThreshold    time.Duration
	logger            log.Logger

	mu        sync.Mutex
	acquired  bool
	stopCh    chan struct{}
	stoppedWg sync.WaitGroup
}

// NewElector creates an elector for the given well-known lock file path.
func NewElector(lockPath string, logger log.Logger) *Elector {
	return &Elector{
		lockPath:          lockPath,
		heartbeatInterval: DefaultHeartbeatInterval,
		staleThreshold:    DefaultStaleThreshold,
		logger:            logger,
	}
}

// WithIntervals overrides the heartbeat cadence and staleness threshold.
// Intended for tests, which cannot wait out the production values.
func (e *Elector) WithIntervals(heartbeat, stale time.Duration) *Elector {
	e.heartbeatInterval = heartbeat
	e.staleThreshold = stale
	return e
}

// Acquire races for the coordinator role. It never returns an error to the
// caller: any I/O failure or unresolvable state degrades to RoleWorker.
func (e *Elector) Acquire() Role {
	for attempt := 0; attempt < maxAcquireAttempts; attempt++ {
		created, err := e.tryCreateLock()
		if err != nil {
			e.logger.Debug("Lock file creation failed, assuming worker role", "path", e.lockPath, "error", err)
			return RoleWorker
		}
		if created {
			e.startHeartbeat()
			e.logger.Debug("Acquired coordinator lock", "path", e.lockPath, "pid", os.Getpid())
			return RoleCoordinator
		}

		stale, err := e.lockIsStale()
		if err != nil {
			// Lock vanished between the create attempt and the stat, or is
			// unreadable. Retry the create; if it keeps failing we fall
			// through to RoleWorker after the attempt budget.
			continue
		}
		if !stale {
			e.logger.Debug("Live coordinator lock held by another process", "path", e.lockPath)
			return RoleWorker
		}

		e.logger.Warn("Removing stale coordinator lock", "path", e.lockPath)
		if err := os.Remove(e.lockPath); err != nil && !os.IsNotExist(err) {
			e.logger.Debug("Failed to remove stale lock, assuming worker role", "error", err)
			return RoleWorker
		}
	}
	return RoleWorker
}

// Release stops the heartbeat and deletes the lock file. Safe to call on a
// worker-role elector, where it is a no-op.
func (e *Elector) Release() {
	e.mu.Lock()
	if !e.acquired {
		e.mu.Unlock()
		return
	}
	e.acquired = false
	close(e.stopCh)
	e.mu.Unlock()

	e.stoppedWg.Wait()
	if err := os.Remove(e.lockPath); err != nil && !os.IsNotExist(err) {
		e.logger.Warn("Failed to remove coordinator lock", "path", e.lockPath, "error", err)
	}
}

// LockPath returns the well-known lock file path.
func (e *Elector) LockPath() string {
	return e.lockPath
}

// tryCreateLock attempts the exclusive atomic creation of the lock file.
// Returns (false, nil) when the lock is already held by someone.
func (e *Elector) tryCreateLock() (bool, error) {
	f, err := os.OpenFile(e.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if os.IsExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("creating lock file: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		os.Remove(e.lockPath)
		return false, fmt.Errorf("writing lock file: %w", err)
	}
	return true, nil
}

// lockIsStale reports whether the existing lock has not been refreshed within
// the staleness threshold. Heartbeat freshness replaces pid liveness probing:
// a kill(pid, 0) style check has platform-dependent semantics, while an mtime
// that keeps moving is unambiguous.
func (e *Elector) lockIsStale() (bool, error) {
	info, err := os.Stat(e.lockPath)
	if err != nil {
		return false, err
	}
	return time.Since(info.ModTime()) > e.staleThreshold, nil
}

// HolderPid reads the pid recorded in the lock file. Informational only; the
// election itself never trusts it for liveness.
func (e *Elector) HolderPid() (int, error) {
	data, err := os.ReadFile(e.lockPath)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed lock file contents: %w", err)
	}
	return pid, nil
}

// startHeartbeat launches the goroutine that refreshes the lock mtime until
// Release is called.
func (e *Elector) startHeartbeat() {
	e.mu.Lock()
	e.acquired = true
	e.stopCh = make(chan struct{})
	e.mu.Unlock()

	e.stoppedWg.Add(1)
	go func() {
		defer e.stoppedWg.Done()
		ticker := time.NewTicker(e.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				if err := os.Chtimes(e.lockPath, now, now); err != nil {
					e.logger.Warn("Failed to refresh coordinator lock heartbeat", "path", e.lockPath, "error", err)
				}
			case <-e.stopCh:
				return
			}
		}
	}()
}
