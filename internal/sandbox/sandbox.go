// Package sandbox runs one cell's code against a notebook's interpreter
// state with resource limits and isolation.
//
// Cells are interpreted with yaegi instead of being compiled, which keeps
// execution in-process, dependency-free and interruptible. Isolation is
// enforced two ways: imports are validated against a default-deny whitelist
// before evaluation, and wall-clock budgets are enforced through context
// cancellation.
//
// Termination trade-off: a run cancelled mid-flight (timeout or caller
// cancellation) leaves the interpreter state with undefined consistency.
// The state is marked corrupted and the owning session discards it and
// reinitializes on next use. This buys cheap in-process isolation at the
// cost of state durability across faults; it is a deliberate policy, not an
// accident.
package sandbox

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"
	"time"

	"github.com/LifelessA/NOTEBOOK-LMS/internal/capture"
	"github.com/LifelessA/NOTEBOOK-LMS/internal/logging"
	"github.com/LifelessA/NOTEBOOK-LMS/internal/types"
)

// defaultAllowedImports is the import whitelist applied to every cell.
// Filesystem, network, process and unsafe packages are deliberately absent;
// policy can extend the list per notebook via Limits.AllowedImports.
var defaultAllowedImports = map[string]bool{
	"bytes":           true,
	"encoding/base64": true,
	"encoding/csv":    true,
	"encoding/json":   true,
	"errors":          true,
	"fmt":             true,
	"math":            true,
	"math/rand":       true,
	"regexp":          true,
	"sort":            true,
	"strconv":         true,
	"strings":         true,
	"time":            true,
	"unicode":         true,

	// engine-provided output helpers
	"display": true,
}

// Execute runs one cell against the given state under the given limits.
//
// The returned Result is StatusOK when evaluation completed within budget,
// even if the code raised an error (captured as an error Output). It is
// StatusFaulted on forced termination or output-cap overflow, after which
// the state is corrupted. A non-nil error means the backend itself failed
// (SandboxUnavailable); the caller must invalidate the state handle.
func Execute(ctx context.Context, st *State, code string, limits types.Limits) (*types.Result, error) {
	if st == nil || st.interp == nil {
		return nil, fmt.Errorf("%w: no interpreter state", types.ErrSandboxUnavailable)
	}
	if st.corrupted {
		return nil, fmt.Errorf("%w: state is corrupted and must be reinitialized", types.ErrSandboxUnavailable)
	}

	timer := logging.StartTimer(logging.CategorySandbox, "execute")
	defer timer.StopWithThreshold(limits.MaxWall)

	col := capture.NewCollector(limits)
	start := time.Now()

	// Reject forbidden imports before touching the interpreter. A denied
	// import is a user-code fault: state untouched, Result stays OK.
	if err := validateImports(code, limits.AllowedImports); err != nil {
		col.Error(err.Error(), nil)
		outputs, _ := col.Finish()
		return &types.Result{Status: types.StatusOK, Outputs: outputs, Duration: time.Since(start)}, nil
	}

	runCtx := ctx
	if limits.MaxWall > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, limits.MaxWall)
		defer cancel()
	}

	// Route the interpreter's stdout and the display helpers into this
	// run's collector for the duration of the evaluation.
	st.sink.redirect(col)
	st.display.bind(col)
	defer func() {
		st.sink.redirect(nil)
		st.display.bind(nil)
	}()

	v, evalErr := st.interp.EvalWithContext(runCtx, code)
	duration := time.Since(start)

	// Forced termination: timeout or caller cancellation. The eval
	// goroutine may still be unwinding; the state is no longer trusted.
	if runCtx.Err() != nil {
		st.corrupted = true
		outputs, _ := col.Finish()
		msg := fmt.Sprintf("%v: execution exceeded %v", types.ErrResourceExceeded, limits.MaxWall)
		if ctx.Err() != nil {
			msg = fmt.Sprintf("%v: execution cancelled", types.ErrResourceExceeded)
		}
		outputs = append(outputs, types.ErrorOutput(msg, nil))
		logging.Sandbox("forced termination after %v", duration)
		return &types.Result{Status: types.StatusFaulted, Outputs: outputs, Duration: duration}, nil
	}

	if evalErr != nil {
		// User-code fault: captured as an error Output, state usable.
		// Bindings made before the raise point persist (commit-up-to-
		// failure), so the cell still joins the replay journal.
		col.Error(errorMessage(evalErr), errorFrames(evalErr))
	} else if echoable(code) && v.IsValid() && v.CanInterface() {
		echoValue(col, v.Interface())
	}

	outputs, exceeded := col.Finish()
	if exceeded {
		// Output-cap overflow takes the same recovery path as a timeout:
		// one uniform corruption policy instead of a second partial one.
		st.corrupted = true
		outputs = append(outputs, types.ErrorOutput(
			fmt.Sprintf("%v: output exceeded configured caps", types.ErrResourceExceeded), nil))
		return &types.Result{Status: types.StatusFaulted, Outputs: outputs, Duration: duration}, nil
	}

	st.journal = append(st.journal, code)
	recordImports(st, code)
	recordBindings(st, code)

	return &types.Result{Status: types.StatusOK, Outputs: outputs, Duration: duration}, nil
}

// echoValue writes the trailing expression's value as text, the notebook
// convention for bare expressions. Formatting a hostile value must not
// abort the run.
func echoValue(col *capture.Collector, v interface{}) {
	defer func() {
		if r := recover(); r != nil {
			col.Text("output could not be captured")
		}
	}()
	col.Text(fmt.Sprintf("%v", v))
}

// echoable reports whether the cell's last statement is a bare expression.
// Assignments and declarations are not echoed even though the interpreter
// returns their value. Import lines are stripped first; they are not valid
// inside a function body and must not mask a trailing expression.
func echoable(code string) bool {
	src := "package p\nfunc _() {\n" + stripImportLines(code) + "\n}"
	f, err := parser.ParseFile(token.NewFileSet(), "", src, 0)
	if err != nil {
		// Top-level declarations (func, type) parse differently and are
		// never echoed.
		return false
	}
	for _, decl := range f.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Body == nil || len(fn.Body.List) == 0 {
			continue
		}
		last := fn.Body.List[len(fn.Body.List)-1]
		_, isExpr := last.(*ast.ExprStmt)
		return isExpr
	}
	return false
}

// validateImports checks the cell's imports against the whitelist.
func validateImports(code string, extra []string) error {
	imports := parseImports(code)
	if len(imports) == 0 {
		return nil
	}

	allowed := make(map[string]bool, len(defaultAllowedImports)+len(extra))
	for pkg := range defaultAllowedImports {
		allowed[pkg] = true
	}
	for _, pkg := range extra {
		allowed[pkg] = true
	}

	var forbidden []string
	for _, pkg := range imports {
		if !allowed[pkg] {
			forbidden = append(forbidden, pkg)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("forbidden imports: %s", strings.Join(forbidden, ", "))
	}
	return nil
}

// parseImports extracts import paths from cell source. Handles both the
// single-line and block forms.
func parseImports(code string) []string {
	var imports []string
	inBlock := false
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case inBlock && strings.HasPrefix(trimmed, ")"):
			inBlock = false
		case inBlock:
			if pkg := strings.Trim(trimmed, `"`); pkg != "" {
				imports = append(imports, stripAlias(pkg))
			}
		case strings.HasPrefix(trimmed, "import "):
			pkg := strings.TrimSpace(strings.TrimPrefix(trimmed, "import "))
			imports = append(imports, stripAlias(strings.Trim(pkg, `"`)))
		}
	}
	return imports
}

// stripImportLines removes import statements so the remaining source can be
// parsed as a function body. Imports are validated and tracked separately.
func stripImportLines(code string) string {
	var kept []string
	inBlock := false
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case inBlock && strings.HasPrefix(trimmed, ")"):
			inBlock = false
		case inBlock:
		case strings.HasPrefix(trimmed, "import "):
		default:
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// stripAlias drops an `alias "path"` prefix, keeping the path.
func stripAlias(s string) string {
	if i := strings.LastIndex(s, `"`); i >= 0 {
		s = strings.Trim(s, `"`)
	}
	if fields := strings.Fields(s); len(fields) == 2 {
		return strings.Trim(fields[1], `"`)
	}
	return s
}

// recordImports tracks successfully imported packages for completion.
func recordImports(st *State, code string) {
	for _, pkg := range parseImports(code) {
		st.imports[pkg] = true
	}
}

// recordBindings tracks identifiers declared by a committed cell. Cells
// containing top-level declarations (func, type, var) parse as a file;
// statement cells parse as a function body. A cell that fits neither form
// contributes nothing.
func recordBindings(st *State, code string) {
	body := stripImportLines(code)

	if f, err := parser.ParseFile(token.NewFileSet(), "", "package p\n"+body, 0); err == nil {
		for _, decl := range f.Decls {
			switch d := decl.(type) {
			case *ast.FuncDecl:
				if d.Recv == nil {
					recordBinding(st, d.Name.Name, types.SuggestFunc)
				}
			case *ast.GenDecl:
				recordGenDecl(st, d)
			}
		}
		return
	}

	f, err := parser.ParseFile(token.NewFileSet(), "", "package p\nfunc _() {\n"+body+"\n}", 0)
	if err != nil {
		return
	}
	for _, decl := range f.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Body == nil {
			continue
		}
		for _, stmt := range fn.Body.List {
			switch s := stmt.(type) {
			case *ast.AssignStmt:
				if s.Tok != token.DEFINE {
					continue
				}
				for i, lhs := range s.Lhs {
					id, ok := lhs.(*ast.Ident)
					if !ok {
						continue
					}
					kind := types.SuggestVar
					if len(s.Rhs) == len(s.Lhs) {
						if _, isFunc := s.Rhs[i].(*ast.FuncLit); isFunc {
							kind = types.SuggestFunc
						}
					}
					recordBinding(st, id.Name, kind)
				}
			case *ast.DeclStmt:
				if g, ok := s.Decl.(*ast.GenDecl); ok {
					recordGenDecl(st, g)
				}
			}
		}
	}
}

func recordGenDecl(st *State, d *ast.GenDecl) {
	for _, spec := range d.Specs {
		switch sp := spec.(type) {
		case *ast.ValueSpec:
			for _, id := range sp.Names {
				recordBinding(st, id.Name, types.SuggestVar)
			}
		case *ast.TypeSpec:
			recordBinding(st, sp.Name.Name, types.SuggestType)
		}
	}
}

func recordBinding(st *State, name string, kind types.SuggestKind) {
	if name == "" || name == "_" {
		return
	}
	st.bindings[name] = kind
}

// errorMessage reduces an evaluation error to its human-readable first line.
func errorMessage(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i > 0 {
		return msg[:i]
	}
	return msg
}

// errorFrames derives logical call-step descriptions from the remaining
// lines of an evaluation error, newest first as yaegi reports them.
func errorFrames(err error) []string {
	lines := strings.Split(err.Error(), "\n")
	if len(lines) <= 1 {
		return nil
	}
	var frames []string
	for _, line := range lines[1:] {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			frames = append(frames, trimmed)
		}
	}
	return frames
}
