package election

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() log.Logger {
	return log.NewLogger(log.DiscardHandler())
}

func TestElector_AcquireAndRelease(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "coordinator.lock")
	elector := NewElector(lockPath, testLogger())

	role := elector.Acquire()
	assert.Equal(t, RoleCoordinator, role)

	// The lock file records this process id.
	pid, err := elector.HolderPid()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	elector.Release()
	_, err = os.Stat(lockPath)
	assert.True(t, os.IsNotExist(err), "lock file should be removed on release")
}

func TestElector_SecondProcessBecomesWorker(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "coordinator.lock")

	first := NewElector(lockPath, testLogger())
	require.Equal(t, RoleCoordinator, first.Acquire())
	defer first.Release()

	second := NewElector(lockPath, testLogger())
	assert.Equal(t, RoleWorker, second.Acquire())
}

func TestElector_Exclusivity(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "coordinator.lock")

	const racers = 16
	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		coordinators int
		electors     []*Elector
	)

	for i := 0; i < racers; i++ {
		elector := NewElector(lockPath, testLogger())
		electors = append(electors, elector)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if elector.Acquire() == RoleCoordinator {
				mu.Lock()
				coordinators++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, coordinators, "exactly one racer should win the election")
	for _, e := range electors {
		e.Release()
	}
}

func TestElector_StaleLockIsReclaimed(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "coordinator.lock")

	// Simulate a dead coordinator: a lock file whose heartbeat stopped long ago.
	require.NoError(t, os.WriteFile(lockPath, []byte("999999\n"), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(lockPath, old, old))

	elector := NewElector(lockPath, testLogger()).WithIntervals(10*time.Millisecond, 50*time.Millisecond)
	assert.Equal(t, RoleCoordinator, elector.Acquire())
	elector.Release()
}

func TestElector_FreshLockIsRespected(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "coordinator.lock")
	require.NoError(t, os.WriteFile(lockPath, []byte("999999\n"), 0o644))

	elector := NewElector(lockPath, testLogger())
	assert.Equal(t, RoleWorker, elector.Acquire())
}

func TestElector_HeartbeatRefreshesLock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "coordinator.lock")

	elector := NewElector(lockPath, testLogger()).WithIntervals(10*time.Millisecond, time.Hour)
	require.Equal(t, RoleCoordinator, elector.Acquire())
	defer elector.Release()

	// Age the file artificially, then wait for the heartbeat to refresh it.
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(lockPath, old, old))

	require.Eventually(t, func() bool {
		info, err := os.Stat(lockPath)
		return err == nil && time.Since(info.ModTime()) < time.Minute
	}, time.Second, 10*time.Millisecond, "heartbeat should refresh the lock mtime")
}

func TestElector_UnusableLockPathDefaultsToWorker(t *testing.T) {
	// A lock path whose parent directory does not exist cannot be created;
	// the elector must fail safe rather than claim coordinatorship.
	lockPath := filepath.Join(t.TempDir(), "missing", "sub", "coordinator.lock")
	elector := NewElector(lockPath, testLogger())
	assert.Equal(t, RoleWorker, elector.Acquire())
}
