// Package types defines the entities shared across the notebook execution
// engine: notebooks, cells, execution results and their captured outputs.
package types

import (
	"time"
)

// CellKind distinguishes executable code cells from narrative text.
type CellKind string

const (
	CellCode     CellKind = "code"
	CellMarkdown CellKind = "markdown"
)

// Cell is one unit of notebook source. Identity is stable across reorders.
type Cell struct {
	ID     string   `json:"id"`
	Kind   CellKind `json:"kind"`
	Source string   `json:"source"`

	// Dirty is set when the source changed since the last successful
	// execution and cleared by a successful run.
	Dirty bool `json:"dirty"`

	// LastResult is nil until the cell has been executed at least once.
	LastResult *Result `json:"last_result,omitempty"`
}

// Notebook holds an ordered sequence of cells owned by one user. The live
// interpreter context belongs to the notebook's session, not to this struct.
type Notebook struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	Cells   []Cell `json:"cells"`
}

// CodeCellIndexes returns the positions of all code cells in stored order.
func (n *Notebook) CodeCellIndexes() []int {
	var idx []int
	for i := range n.Cells {
		if n.Cells[i].Kind == CellCode {
			idx = append(idx, i)
		}
	}
	return idx
}

// ResultStatus is the terminal status of one execution.
type ResultStatus string

const (
	// StatusOK means the sandbox completed within budget. User-code errors
	// still count as OK; they surface as an error Output.
	StatusOK ResultStatus = "ok"

	// StatusFaulted means the sandbox was forcibly terminated (timeout,
	// cancellation, resource cap) or the backend itself failed. The owning
	// session must treat the interpreter state as corrupted.
	StatusFaulted ResultStatus = "faulted"
)

// Result is the structured outcome of executing one cell.
type Result struct {
	Status   ResultStatus  `json:"status"`
	Outputs  []Output      `json:"outputs"`
	Duration time.Duration `json:"duration"`

	// Seq is the session-wide execution sequence number. Monotonic per
	// notebook; faulted runs consume a number too, so users observe gaps.
	Seq uint64 `json:"seq"`
}

// Faulted reports whether the run was forcibly terminated.
func (r *Result) Faulted() bool { return r.Status == StatusFaulted }

// OutputKind tags the Output variant.
type OutputKind string

const (
	OutputText    OutputKind = "text"
	OutputError   OutputKind = "error"
	OutputImage   OutputKind = "image"
	OutputTabular OutputKind = "tabular"
)

// Output is one captured effect of a cell execution. Exactly one variant is
// populated, selected by Kind. The order of Outputs in a Result preserves
// the production order of the underlying effects.
type Output struct {
	Kind OutputKind `json:"kind"`

	// OutputText
	Text string `json:"text,omitempty"`

	// OutputError
	Message string   `json:"message,omitempty"`
	Frames  []string `json:"frames,omitempty"`

	// OutputImage
	Data []byte `json:"data,omitempty"`
	Mime string `json:"mime,omitempty"`

	// OutputTabular
	Columns   []string `json:"columns,omitempty"`
	Rows      [][]any  `json:"rows,omitempty"`
	TotalRows int      `json:"total_rows,omitempty"`
	Truncated bool     `json:"truncated,omitempty"`
}

// TextOutput builds a text Output.
func TextOutput(s string) Output {
	return Output{Kind: OutputText, Text: s}
}

// ErrorOutput builds an error Output with logical call-step frames.
func ErrorOutput(message string, frames []string) Output {
	return Output{Kind: OutputError, Message: message, Frames: frames}
}

// Limits bounds one execution. The session fills zero values from policy
// before handing them to the sandbox.
type Limits struct {
	// MaxWall is the wall-clock budget. Execution is forcibly terminated
	// at this point and the interpreter state is considered corrupted.
	MaxWall time.Duration

	// MaxOutputBytes caps the aggregate size of captured output.
	MaxOutputBytes int

	// MaxOutputItems caps the number of Output items per Result.
	MaxOutputItems int

	// MaxImageBytes caps one image buffer. Oversized images degrade to a
	// truncation note instead of faulting the run.
	MaxImageBytes int

	// RowPreviewCap bounds tabular previews to the first N rows.
	RowPreviewCap int

	// AllowedImports extends the sandbox's default-deny import whitelist.
	AllowedImports []string
}

// SuggestKind classifies an autocomplete candidate.
type SuggestKind string

const (
	SuggestVar     SuggestKind = "var"
	SuggestFunc    SuggestKind = "func"
	SuggestType    SuggestKind = "type"
	SuggestPackage SuggestKind = "package"
)

// Suggestion is one ranked completion candidate.
type Suggestion struct {
	Candidate string      `json:"candidate"`
	Kind      SuggestKind `json:"kind"`
}
