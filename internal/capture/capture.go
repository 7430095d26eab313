// Package capture converts the side effects of one cell execution into the
// engine's structured Output sequence. One capture rule per variant:
// streamed text, raised errors, rendered images, tabular previews.
//
// The adapter must never abort the enclosing execution: every capture path
// recovers internal failures into a plain text Output.
package capture

import (
	"fmt"
	"sync"

	"github.com/LifelessA/NOTEBOOK-LMS/internal/logging"
	"github.com/LifelessA/NOTEBOOK-LMS/internal/types"
)

// degradedNote is emitted when a capture path fails internally.
const degradedNote = "output could not be captured"

// Collector accumulates Outputs for one execution in production order.
// It implements io.Writer so the interpreter's stdout can stream into it.
// Consecutive text writes concatenate into one text Output; any non-text
// capture flushes the pending text first, preserving arrival order.
type Collector struct {
	mu     sync.Mutex
	limits types.Limits

	outputs    []types.Output
	pending    []byte // text seen since the last non-text output
	totalBytes int
	exceeded   bool
}

// NewCollector builds a collector bounded by the given limits.
func NewCollector(limits types.Limits) *Collector {
	return &Collector{limits: limits}
}

// Write receives streamed stdout/stderr text. Always reports the full
// length as written so the producing code never observes a short write.
func (c *Collector) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.exceeded {
		return len(p), nil
	}
	room := c.limits.MaxOutputBytes - c.totalBytes
	if room <= 0 {
		c.exceeded = true
		return len(p), nil
	}
	chunk := p
	if len(chunk) > room {
		chunk = chunk[:room]
		c.exceeded = true
	}
	c.pending = append(c.pending, chunk...)
	c.totalBytes += len(chunk)
	return len(p), nil
}

// Text captures an already-complete text fragment (e.g. the echoed value of
// a trailing expression).
func (c *Collector) Text(s string) {
	_, _ = c.Write([]byte(s))
}

// Error captures a raised, uncaught error as an error Output. The frames
// are logical call-step descriptions, not file/line identifiers.
func (c *Collector) Error(message string, frames []string) {
	defer c.recoverCapture()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushTextLocked()
	c.appendLocked(types.ErrorOutput(message, frames))
}

// Image captures a rendered visual artifact as an immutable byte buffer.
// Buffers above the per-image cap are rejected with a truncation note
// rather than faulting the run.
func (c *Collector) Image(data []byte, mime string) {
	defer c.recoverCapture()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.limits.MaxImageBytes > 0 && len(data) > c.limits.MaxImageBytes {
		logging.Capture("image rejected: %d bytes exceeds %d cap", len(data), c.limits.MaxImageBytes)
		c.flushTextLocked()
		c.appendLocked(types.TextOutput(fmt.Sprintf(
			"%v: image of %d bytes exceeds %d byte cap", types.ErrOutputTooLarge, len(data), c.limits.MaxImageBytes)))
		return
	}
	room := c.limits.MaxOutputBytes - c.totalBytes
	if len(data) > room {
		c.exceeded = true
		return
	}

	buf := make([]byte, len(data)) // immutable copy, caller may reuse data
	copy(buf, data)
	c.totalBytes += len(buf)

	c.flushTextLocked()
	c.appendLocked(types.Output{Kind: types.OutputImage, Data: buf, Mime: mime})
}

// Table captures a tabular value as a bounded preview: the first N rows,
// all columns, with an explicit truncation marker when rows were dropped.
func (c *Collector) Table(columns []string, rows [][]any) {
	defer c.recoverCapture()
	c.mu.Lock()
	defer c.mu.Unlock()

	total := len(rows)
	preview := rows
	truncated := false
	if n := c.limits.RowPreviewCap; n > 0 && total > n {
		preview = rows[:n]
		truncated = true
	}

	// Copy the preview so later mutation by user code cannot change the
	// captured Result.
	copied := make([][]any, len(preview))
	for i, row := range preview {
		r := make([]any, len(row))
		copy(r, row)
		copied[i] = r
	}
	cols := make([]string, len(columns))
	copy(cols, columns)

	c.flushTextLocked()
	c.appendLocked(types.Output{
		Kind:      types.OutputTabular,
		Columns:   cols,
		Rows:      copied,
		TotalRows: total,
		Truncated: truncated,
	})
}

// Finish flushes pending text and returns the captured sequence along with
// whether an aggregate output cap was exceeded.
func (c *Collector) Finish() ([]types.Output, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushTextLocked()
	return c.outputs, c.exceeded
}

// flushTextLocked materializes pending text as one text Output.
func (c *Collector) flushTextLocked() {
	if len(c.pending) == 0 {
		return
	}
	c.outputs = append(c.outputs, types.TextOutput(string(c.pending)))
	c.pending = nil
}

// appendLocked appends an output, honoring the item cap.
func (c *Collector) appendLocked(out types.Output) {
	if c.limits.MaxOutputItems > 0 && len(c.outputs) >= c.limits.MaxOutputItems {
		c.exceeded = true
		return
	}
	c.outputs = append(c.outputs, out)
}

// recoverCapture degrades a failed capture to a text note instead of
// letting a panic abort the execution.
func (c *Collector) recoverCapture() {
	if r := recover(); r != nil {
		logging.Get(logging.CategoryCapture).Error("capture failed: %v", r)
		c.mu.Lock()
		defer c.mu.Unlock()
		c.flushTextLocked()
		c.outputs = append(c.outputs, types.TextOutput(degradedNote))
	}
}
