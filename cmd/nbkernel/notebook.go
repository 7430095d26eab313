package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/LifelessA/NOTEBOOK-LMS/internal/types"
)

const (
	cellMarker     = "// %%"
	markdownMarker = "// %% markdown"
)

func absPath(path string) (string, error) {
	return filepath.Abs(path)
}

// splitCells parses a notebook file into cells. A line equal to "// %%"
// starts a code cell, "// %% markdown" a narrative cell. Text before the
// first marker becomes an implicit code cell when non-blank.
func splitCells(src string) []types.Cell {
	var cells []types.Cell
	kind := types.CellCode
	var buf []string

	flush := func() {
		body := strings.TrimRight(strings.Join(buf, "\n"), "\n")
		if strings.TrimSpace(body) != "" {
			cells = append(cells, types.Cell{
				ID:     fmt.Sprintf("cell-%d", len(cells)),
				Kind:   kind,
				Source: body,
				Dirty:  kind == types.CellCode,
			})
		}
		buf = buf[:0]
	}

	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == markdownMarker:
			flush()
			kind = types.CellMarkdown
		case trimmed == cellMarker || strings.HasPrefix(trimmed, cellMarker+" "):
			flush()
			kind = types.CellCode
		default:
			buf = append(buf, line)
		}
	}
	flush()
	return cells
}

// renderResults prints each result's outputs and returns the fault count.
func renderResults(w io.Writer, nb *types.Notebook, results []*types.Result) int {
	faults := 0
	codeIdx := nb.CodeCellIndexes()
	for i, res := range results {
		label := fmt.Sprintf("[%d]", i)
		if i < len(codeIdx) {
			label = fmt.Sprintf("[cell %d]", codeIdx[i])
		}
		fmt.Fprintf(w, "%s seq=%d status=%s (%s)\n", label, res.Seq, res.Status, res.Duration)
		for _, out := range res.Outputs {
			renderOutput(w, out)
		}
		if res.Faulted() {
			faults++
		}
	}
	return faults
}

func renderOutput(w io.Writer, out types.Output) {
	switch out.Kind {
	case types.OutputText:
		fmt.Fprint(w, indent(out.Text))
	case types.OutputError:
		fmt.Fprintf(w, "  error: %s\n", out.Message)
		for _, frame := range out.Frames {
			fmt.Fprintf(w, "    %s\n", frame)
		}
	case types.OutputImage:
		fmt.Fprintf(w, "  image: %s, %d bytes\n", out.Mime, len(out.Data))
	case types.OutputTabular:
		renderTable(w, out)
	}
}

func renderTable(w io.Writer, out types.Output) {
	fmt.Fprintf(w, "  table: %d column(s), %d row(s)", len(out.Columns), out.TotalRows)
	if out.Truncated {
		fmt.Fprintf(w, " (showing first %d)", len(out.Rows))
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "    %s\n", strings.Join(out.Columns, " | "))
	for _, row := range out.Rows {
		vals := make([]string, len(row))
		for i, v := range row {
			vals[i] = fmt.Sprint(v)
		}
		fmt.Fprintf(w, "    %s\n", strings.Join(vals, " | "))
	}
}

func indent(text string) string {
	if text == "" {
		return ""
	}
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	var b strings.Builder
	for _, line := range lines {
		b.WriteString("  ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}
