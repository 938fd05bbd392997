// Package display owns everything that reaches the shared output stream. A
// single writer goroutine is the only code that touches the stream; every
// other component, including transport error paths running on reader
// goroutines, submits render commands over a channel instead of writing
// directly.
package display

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/acarl005/stripansi"

	"github.com/ethereum-optimism/infra/op-shard-reporter/metrics"
	"github.com/ethereum-optimism/infra/op-shard-reporter/registry"
	"github.com/ethereum-optimism/infra/op-shard-reporter/types"
)

// Styler renders progress state into terminal text. The fancy "digital rain"
// renderer lives outside this module; the console only needs these two pure
// functions of already-computed progress numbers.
type Styler interface {
	Glyph(result types.TestResult) string
	ProgressLine(workers []registry.WorkerSnapshot) string
}

// PlainStyler is the default, colorless styler.
type PlainStyler struct{}

var _ Styler = PlainStyler{}

func (PlainStyler) Glyph(result types.TestResult) string {
	switch result.Status {
	case types.TestStatusFailed:
		return "F"
	case types.TestStatusPending:
		return "*"
	default:
		return "."
	}
}

func (PlainStyler) ProgressLine(workers []registry.WorkerSnapshot) string {
	parts := make([]string, 0, len(workers))
	for _, w := range workers {
		parts = append(parts, fmt.Sprintf("shard %d: %d%% (%d/%d)", w.ID, w.ProgressPercent, w.CurrentTest, w.TotalTests))
	}
	return strings.Join(parts, " | ")
}

type cmdKind int

const (
	cmdGlyph cmdKind = iota
	cmdProgressLine
	cmdDump
	cmdDiagnostic
	cmdFlushDumps
)

type consoleCmd struct {
	kind cmdKind
	text string
	// moreThanOneActive gates dump buffering, sampled by the sender at
	// submission time so the writer goroutine needs no registry access.
	moreThanOneActive bool
}

// Console serializes all writes to the shared output stream and buffers dump
// output until the run is over, so per-worker noise never interleaves with
// the consolidated report.
type Console struct {
	out       io.Writer
	plainSink io.Writer // optional ANSI-stripped copy of dump output
	styler    Styler

	cmds chan consoleCmd
	wg   sync.WaitGroup

	closeOnce sync.Once

	// dumpBuffer is owned by the writer goroutine.
	dumpBuffer []string
}

// NewConsole creates the console and starts its writer goroutine. plainSink
// may be nil; when set it receives an ANSI-stripped copy of every dump line,
// which is what ends up in run log files.
func NewConsole(out io.Writer, plainSink io.Writer, styler Styler) *Console {
	if styler == nil {
		styler = PlainStyler{}
	}
	c := &Console{
		out:       out,
		plainSink: plainSink,
		styler:    styler,
		cmds:      make(chan consoleCmd, 64),
	}
	c.wg.Add(1)
	go c.writeLoop()
	return c
}

// RenderResult immediately appends one glyph for a live test result.
func (c *Console) RenderResult(result types.TestResult) {
	c.submit(consoleCmd{kind: cmdGlyph, text: c.styler.Glyph(result)})
}

// RenderProgress redraws the throttled progress line.
func (c *Console) RenderProgress(workers []registry.WorkerSnapshot) {
	metrics.RecordRenderUpdate()
	c.submit(consoleCmd{kind: cmdProgressLine, text: c.styler.ProgressLine(workers)})
}

// Dump submits a final-report output fragment. While more than one worker is
// still active the line is buffered; once the run is over FlushDumps emits
// the buffer verbatim in arrival order.
func (c *Console) Dump(line string, activeWorkers int) {
	c.submit(consoleCmd{kind: cmdDump, text: line, moreThanOneActive: activeWorkers > 1})
}

// Diagnostic writes operator-facing diagnostic text. Callable from any
// goroutine; the text is routed through the writer like everything else.
func (c *Console) Diagnostic(text string) {
	c.submit(consoleCmd{kind: cmdDiagnostic, text: text})
}

// FlushDumps emits all buffered dump lines. Called when the registry reports
// every worker complete.
func (c *Console) FlushDumps() {
	c.submit(consoleCmd{kind: cmdFlushDumps})
}

// Close flushes any remaining buffered output and stops the writer.
func (c *Console) Close() {
	c.closeOnce.Do(func() {
		close(c.cmds)
	})
	c.wg.Wait()
}

func (c *Console) submit(cmd consoleCmd) {
	defer func() {
		// A send on the closed command channel means output arrived after
		// Close; dropping it is the degraded-but-safe behavior.
		_ = recover()
	}()
	c.cmds <- cmd
}

func (c *Console) writeLoop() {
	defer c.wg.Done()
	for cmd := range c.cmds {
		switch cmd.kind {
		case cmdGlyph:
			fmt.Fprint(c.out, cmd.text)
		case cmdProgressLine:
			fmt.Fprintf(c.out, "\r%s", cmd.text)
		case cmdDiagnostic:
			fmt.Fprintf(c.out, "\n%s\n", cmd.text)
		case cmdDump:
			if cmd.moreThanOneActive {
				c.dumpBuffer = append(c.dumpBuffer, cmd.text)
				continue
			}
			c.writeDump(cmd.text)
		case cmdFlushDumps:
			for _, line := range c.dumpBuffer {
				c.writeDump(line)
			}
			c.dumpBuffer = nil
		}
	}

	// Whatever was still buffered at shutdown is flushed rather than lost.
	for _, line := range c.dumpBuffer {
		c.writeDump(line)
	}
	c.dumpBuffer = nil
}

func (c *Console) writeDump(line string) {
	fmt.Fprintln(c.out, line)
	if c.plainSink != nil {
		fmt.Fprintln(c.plainSink, stripansi.Strip(line))
	}
}
