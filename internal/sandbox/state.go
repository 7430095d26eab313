package sandbox

import (
	"fmt"
	"io"
	"reflect"
	"sort"
	"sync"

	"github.com/LifelessA/NOTEBOOK-LMS/internal/capture"
	"github.com/LifelessA/NOTEBOOK-LMS/internal/types"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// State is the live interpreter context of one notebook: the bindings
// accumulated across executions. It is exclusively owned by the notebook's
// session and must never see more than one in-flight execution.
type State struct {
	interp  *interp.Interpreter
	sink    *redirectWriter
	display *displayBridge

	// journal records the source of every completed (possibly
	// error-producing) execution, in order. It is the replay basis for
	// durable snapshots.
	journal []string

	// imports tracks packages imported by executed cells, for completion.
	imports map[string]bool

	// bindings tracks identifiers declared by executed cells, for
	// completion. The interpreter does not expose its REPL scope, so the
	// declarations are recovered from each committed cell's syntax.
	bindings map[string]types.SuggestKind

	corrupted bool
}

// NewState initializes a fresh interpreter state with the display helpers
// pre-imported, mirroring the pre-seeded bindings notebook users expect.
func NewState() (*State, error) {
	sink := &redirectWriter{}
	i := interp.New(interp.Options{Stdout: sink, Stderr: sink})

	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("%w: failed to load stdlib: %v", types.ErrSandboxUnavailable, err)
	}

	bridge := &displayBridge{}
	exports := interp.Exports{
		"display/display": {
			"Image": reflect.ValueOf(bridge.Image),
			"Table": reflect.ValueOf(bridge.Table),
		},
	}
	if err := i.Use(exports); err != nil {
		return nil, fmt.Errorf("%w: failed to load display package: %v", types.ErrSandboxUnavailable, err)
	}
	// Pre-import the packages every notebook reaches for, so cells can use
	// them without their own import block.
	preload := []string{"display", "fmt", "math", "strings", "time"}
	imports := make(map[string]bool, len(preload))
	for _, pkg := range preload {
		if _, err := i.Eval(fmt.Sprintf("import %q", pkg)); err != nil {
			return nil, fmt.Errorf("%w: failed to pre-import %s: %v", types.ErrSandboxUnavailable, pkg, err)
		}
		imports[pkg] = true
	}

	return &State{
		interp:   i,
		sink:     sink,
		display:  bridge,
		imports:  imports,
		bindings: make(map[string]types.SuggestKind),
	}, nil
}

// Corrupted reports whether a forced termination left the state with
// undefined consistency. A corrupted state must be discarded.
func (st *State) Corrupted() bool { return st.corrupted }

// Journal returns a copy of the replay journal.
func (st *State) Journal() []string {
	out := make([]string, len(st.journal))
	copy(out, st.journal)
	return out
}

// SymbolNames lists the bindings declared by committed cells plus the
// imported package names. Read-only; never triggers execution.
func (st *State) SymbolNames() []types.Suggestion {
	merged := make(map[string]types.SuggestKind, len(st.bindings))

	for _, symbols := range st.interp.Symbols("main") {
		for name, v := range symbols {
			kind := types.SuggestVar
			switch {
			case !v.IsValid():
				continue
			case v.Kind() == reflect.Func:
				kind = types.SuggestFunc
			case v.Kind() == reflect.Ptr && v.IsNil():
				// yaegi exports defined types as nil pointers
				kind = types.SuggestType
			}
			merged[name] = kind
		}
	}
	// The syntax tracker knows the REPL-scope declarations the interpreter
	// never reports; it wins on conflicts.
	for name, kind := range st.bindings {
		merged[name] = kind
	}

	out := make([]types.Suggestion, 0, len(merged)+len(st.imports))
	for pkg := range st.imports {
		out = append(out, types.Suggestion{Candidate: pkg, Kind: types.SuggestPackage})
	}
	for name, kind := range merged {
		out = append(out, types.Suggestion{Candidate: name, Kind: kind})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Candidate < out[j].Candidate })
	return out
}

// redirectWriter is the interpreter's stdout/stderr sink. Its target is
// swapped per execution; writes outside a run are discarded, which also
// silences orphaned goroutines left behind by a forced termination.
type redirectWriter struct {
	mu     sync.Mutex
	target io.Writer
}

func (w *redirectWriter) redirect(target io.Writer) {
	w.mu.Lock()
	w.target = target
	w.mu.Unlock()
}

func (w *redirectWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	target := w.target
	w.mu.Unlock()
	if target == nil {
		return len(p), nil
	}
	return target.Write(p)
}

// displayBridge routes display.Image / display.Table calls made by cell
// code into the collector of the current execution. Executions on one
// state are serialized, so swapping the collector is safe.
type displayBridge struct {
	mu  sync.Mutex
	col *capture.Collector
}

func (b *displayBridge) bind(col *capture.Collector) {
	b.mu.Lock()
	b.col = col
	b.mu.Unlock()
}

func (b *displayBridge) current() *capture.Collector {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.col
}

// Image publishes an encoded image with its mime type.
func (b *displayBridge) Image(data []byte, mime string) {
	if col := b.current(); col != nil {
		col.Image(data, mime)
	}
}

// Table publishes a tabular value for a bounded preview.
func (b *displayBridge) Table(columns []string, rows [][]any) {
	if col := b.current(); col != nil {
		col.Table(columns, rows)
	}
}
