package transport

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-shard-reporter/types"
)

func testLogger() log.Logger {
	return log.NewLogger(log.DiscardHandler())
}

// shortSocketPath returns a socket path short enough for the sun_path limit;
// t.TempDir can exceed it on some systems.
func shortSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "srt")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "t.sock")
}

func recvMessage(t *testing.T, ch <-chan types.Message) types.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return types.Message{}
	}
}

func TestSocketTransport_RoundTrip(t *testing.T) {
	path := shortSocketPath(t)
	server := NewSocketServer(path, testLogger())
	require.NoError(t, server.Start(context.Background()))
	defer server.Close()

	client, err := DialSocket(path, DefaultDialConfig(), testLogger())
	require.NoError(t, err)
	defer client.Close()

	sent := types.Message{
		Kind:            types.KindProgress,
		WorkerID:        2,
		CurrentTest:     5,
		ProgressPercent: 25,
		TestResult: &types.TestResult{
			Status:      types.TestStatusPassed,
			Description: "does the thing",
			Location:    "spec/thing_spec:9",
		},
	}
	require.NoError(t, client.Send(sent))

	got := recvMessage(t, server.Messages())
	assert.Equal(t, sent, got)
}

func TestSocketTransport_MultipleClients(t *testing.T) {
	path := shortSocketPath(t)
	server := NewSocketServer(path, testLogger())
	require.NoError(t, server.Start(context.Background()))
	defer server.Close()

	const workers = 4
	for id := 1; id <= workers; id++ {
		client, err := DialSocket(path, DefaultDialConfig(), testLogger())
		require.NoError(t, err)
		require.NoError(t, client.Send(types.Message{Kind: types.KindRegister, WorkerID: id, TotalTests: 10}))
		client.Close()
	}

	seen := make(map[int]bool)
	for i := 0; i < workers; i++ {
		msg := recvMessage(t, server.Messages())
		assert.Equal(t, types.KindRegister, msg.Kind)
		seen[msg.WorkerID] = true
	}
	assert.Len(t, seen, workers, "should receive one register per worker")
}

func TestSocketTransport_MalformedLineBecomesErrorMessage(t *testing.T) {
	path := shortSocketPath(t)
	server := NewSocketServer(path, testLogger())
	require.NoError(t, server.Start(context.Background()))
	defer server.Close()

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("this is not json\n"))
	require.NoError(t, err)
	_, err = conn.Write([]byte(`{"kind":"complete","worker_id":1}` + "\n"))
	require.NoError(t, err)

	first := recvMessage(t, server.Messages())
	assert.Equal(t, types.KindError, first.Kind)
	assert.NotEmpty(t, first.Reason)

	// The connection keeps working after a bad line.
	second := recvMessage(t, server.Messages())
	assert.Equal(t, types.KindComplete, second.Kind)
	assert.Equal(t, 1, second.WorkerID)
}

func TestSocketTransport_SingleWorkerOrderPreserved(t *testing.T) {
	path := shortSocketPath(t)
	server := NewSocketServer(path, testLogger())
	require.NoError(t, server.Start(context.Background()))
	defer server.Close()

	client, err := DialSocket(path, DefaultDialConfig(), testLogger())
	require.NoError(t, err)
	defer client.Close()

	for i := 1; i <= 10; i++ {
		require.NoError(t, client.Send(types.Message{Kind: types.KindProgress, WorkerID: 1, CurrentTest: i}))
	}

	for i := 1; i <= 10; i++ {
		msg := recvMessage(t, server.Messages())
		assert.Equal(t, i, msg.CurrentTest, "messages from one worker must arrive in send order")
	}
}

func TestDialSocket_BoundedRetry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.sock")

	start := time.Now()
	_, err := DialSocket(path, DialConfig{Attempts: 3, Delay: 10 * time.Millisecond, Timeout: time.Second}, testLogger())
	elapsed := time.Since(start)

	assert.Error(t, err)
	assert.Less(t, elapsed, time.Second, "retry loop should stop after the attempt budget")
}

func TestDialSocket_SucceedsOnceServerAppears(t *testing.T) {
	path := shortSocketPath(t)
	server := NewSocketServer(path, testLogger())

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = server.Start(context.Background())
	}()
	defer server.Close()

	client, err := DialSocket(path, DialConfig{Attempts: 50, Delay: 20 * time.Millisecond, Timeout: 5 * time.Second}, testLogger())
	require.NoError(t, err, "dial should succeed once the server starts listening")
	client.Close()
}

func TestSocketServer_CloseClosesMessageChannel(t *testing.T) {
	path := shortSocketPath(t)
	server := NewSocketServer(path, testLogger())
	require.NoError(t, server.Start(context.Background()))
	require.NoError(t, server.Close())

	select {
	case _, ok := <-server.Messages():
		assert.False(t, ok, "message channel should be closed after shutdown")
	case <-time.After(2 * time.Second):
		t.Fatal("message channel was not closed")
	}
}
