package display

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-shard-reporter/registry"
	"github.com/ethereum-optimism/infra/op-shard-reporter/types"
)

// syncBuffer makes bytes.Buffer safe for the writer goroutine plus the test
// goroutine reading it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestPlainStyler_Glyphs(t *testing.T) {
	styler := PlainStyler{}
	assert.Equal(t, ".", styler.Glyph(types.TestResult{Status: types.TestStatusPassed}))
	assert.Equal(t, "F", styler.Glyph(types.TestResult{Status: types.TestStatusFailed}))
	assert.Equal(t, "*", styler.Glyph(types.TestResult{Status: types.TestStatusPending}))
	assert.Equal(t, ".", styler.Glyph(types.TestResult{Status: types.TestStatus("weird")}))
}

func TestPlainStyler_ProgressLine(t *testing.T) {
	line := PlainStyler{}.ProgressLine([]registry.WorkerSnapshot{
		{ID: 1, ProgressPercent: 50, CurrentTest: 5, TotalTests: 10},
		{ID: 2, ProgressPercent: 25, CurrentTest: 2, TotalTests: 8},
	})
	assert.Equal(t, "shard 1: 50% (5/10) | shard 2: 25% (2/8)", line)
}

func TestConsole_RendersGlyphsInOrder(t *testing.T) {
	out := &syncBuffer{}
	console := NewConsole(out, nil, nil)

	console.RenderResult(types.TestResult{Status: types.TestStatusPassed})
	console.RenderResult(types.TestResult{Status: types.TestStatusFailed})
	console.RenderResult(types.TestResult{Status: types.TestStatusPending})
	console.Close()

	assert.Equal(t, ".F*", out.String())
}

func TestConsole_DumpBuffering(t *testing.T) {
	out := &syncBuffer{}
	console := NewConsole(out, nil, nil)

	// Two workers still active: lines are held back.
	console.Dump("worker 1 output", 2)
	console.Dump("worker 2 output", 2)
	console.Diagnostic("mid-run note")

	// Diagnostic goes through immediately, dumps do not.
	console.FlushDumps()
	console.Close()

	output := out.String()
	noteIdx := strings.Index(output, "mid-run note")
	w1Idx := strings.Index(output, "worker 1 output")
	w2Idx := strings.Index(output, "worker 2 output")
	require.GreaterOrEqual(t, noteIdx, 0)
	require.GreaterOrEqual(t, w1Idx, 0)
	require.GreaterOrEqual(t, w2Idx, 0)
	assert.Less(t, noteIdx, w1Idx, "buffered dumps flush after the diagnostic")
	assert.Less(t, w1Idx, w2Idx, "dumps flush in arrival order")
}

func TestConsole_DumpWritesThroughWhenOneWorkerLeft(t *testing.T) {
	out := &syncBuffer{}
	console := NewConsole(out, nil, nil)

	console.Dump("final worker output", 1)
	console.Close()

	assert.Contains(t, out.String(), "final worker output")
}

func TestConsole_CloseFlushesRemainingDumps(t *testing.T) {
	out := &syncBuffer{}
	console := NewConsole(out, nil, nil)

	console.Dump("never explicitly flushed", 3)
	console.Close()

	assert.Contains(t, out.String(), "never explicitly flushed",
		"buffered dumps must not be lost at shutdown")
}

func TestConsole_PlainSinkStripsANSI(t *testing.T) {
	out := &syncBuffer{}
	plain := &syncBuffer{}
	console := NewConsole(out, plain, nil)

	console.Dump("\x1b[31mred failure\x1b[0m", 1)
	console.Close()

	assert.Contains(t, out.String(), "\x1b[31m", "the terminal keeps its colors")
	assert.Equal(t, "red failure\n", plain.String(), "the plain sink gets stripped text")
}

func TestConsole_SubmitAfterCloseIsDropped(t *testing.T) {
	out := &syncBuffer{}
	console := NewConsole(out, nil, nil)
	console.Close()

	assert.NotPanics(t, func() {
		console.Diagnostic("too late")
		console.RenderResult(types.TestResult{Status: types.TestStatusPassed})
	})
	assert.NotContains(t, out.String(), "too late")
}

func TestConsole_ConcurrentSubmitters(t *testing.T) {
	out := &syncBuffer{}
	console := NewConsole(out, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				console.RenderResult(types.TestResult{Status: types.TestStatusPassed})
			}
		}()
	}
	wg.Wait()
	console.Close()

	assert.Equal(t, strings.Repeat(".", 400), out.String())
}
