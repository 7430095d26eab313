// Package session owns one notebook's persistent interpreter state and its
// ordered cell list. All executions for a notebook flow through a single
// worker goroutine, so runs are serialized FIFO and the interpreter state
// never sees concurrent mutation.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/LifelessA/NOTEBOOK-LMS/internal/complete"
	"github.com/LifelessA/NOTEBOOK-LMS/internal/logging"
	"github.com/LifelessA/NOTEBOOK-LMS/internal/policy"
	"github.com/LifelessA/NOTEBOOK-LMS/internal/sandbox"
	"github.com/LifelessA/NOTEBOOK-LMS/internal/snapshot"
	"github.com/LifelessA/NOTEBOOK-LMS/internal/types"
)

// Phase is the session lifecycle state.
type Phase string

const (
	PhaseUninitialized Phase = "uninitialized"
	PhaseReady         Phase = "ready"
	PhaseRunning       Phase = "running"
	PhaseSuspended     Phase = "suspended"
	PhaseCorrupted     Phase = "corrupted"
)

// Options configures a session.
type Options struct {
	Policies  policy.Provider
	Snapshots snapshot.Store // nil disables durable persistence

	// RecoverFromSnapshot selects what a corrupted session reinitializes
	// from: the last durable snapshot (true) or an empty state (false).
	RecoverFromSnapshot bool

	// QueueDepth bounds the pending run queue.
	QueueDepth int
}

// RunAllOptions configures a whole-notebook run.
type RunAllOptions struct {
	// StopOnError stops at the first faulted Result; otherwise every code
	// cell runs and all results are collected.
	StopOnError bool
}

type requestKind int

const (
	reqRunCell requestKind = iota
	reqRunAll
	reqSuspend
	reqShutdown
)

type request struct {
	ctx       context.Context
	kind      requestKind
	cellIndex int
	runAll    RunAllOptions
	replyCh   chan reply
}

type reply struct {
	result  *types.Result
	results []*types.Result
	err     error
}

// Session binds one notebook to one live interpreter state, a monotonic
// execution sequence counter and a FIFO run queue.
type Session struct {
	notebookID string

	mu         sync.Mutex
	nb         *types.Notebook
	phase      Phase
	state      *sandbox.State
	seq        uint64
	symbols    []types.Suggestion
	lastActive time.Time

	// suspendedPayload holds the snapshot taken at suspension so resume
	// does not depend on the durable store being reachable.
	suspendedPayload []byte

	// pendingSave is a payload whose durable save failed; retried on the
	// next suspend or shutdown.
	pendingSave []byte

	opts Options

	reqCh     chan *request
	closedCh  chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// New creates a session for the notebook, optionally seeded with a durable
// snapshot payload to restore from on first run.
func New(nb *types.Notebook, restorePayload []byte, opts Options) *Session {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 64
	}
	s := &Session{
		notebookID:       nb.ID,
		nb:               nb,
		phase:            PhaseUninitialized,
		lastActive:       time.Now(),
		suspendedPayload: restorePayload,
		opts:             opts,
		reqCh:            make(chan *request, opts.QueueDepth),
		closedCh:         make(chan struct{}),
		doneCh:           make(chan struct{}),
	}
	if len(restorePayload) > 0 {
		s.phase = PhaseSuspended
	}
	go s.loop()
	logging.Session("session created for notebook %s (phase=%s)", nb.ID, s.phase)
	return s
}

// NotebookID returns the bound notebook's identity.
func (s *Session) NotebookID() string { return s.notebookID }

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// Busy reports whether an execution is in flight.
func (s *Session) Busy() bool { return s.Phase() == PhaseRunning }

// IdleSince returns the time of the last completed activity.
func (s *Session) IdleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// RunCell executes one cell's code against the session's state. If code is
// non-empty it replaces the cell's source first (an edit, marking the cell
// dirty). Concurrent calls queue in arrival order and never interleave. A
// context cancelled before the run starts dequeues it without executing.
func (s *Session) RunCell(ctx context.Context, cellIndex int, code string) (*types.Result, error) {
	s.mu.Lock()
	if cellIndex < 0 || cellIndex >= len(s.nb.Cells) {
		s.mu.Unlock()
		return nil, fmt.Errorf("cell index %d out of range", cellIndex)
	}
	cell := &s.nb.Cells[cellIndex]
	if cell.Kind != types.CellCode {
		s.mu.Unlock()
		return nil, fmt.Errorf("cell %d is not a code cell", cellIndex)
	}
	if code != "" && code != cell.Source {
		cell.Source = code
		cell.Dirty = true
	}
	s.mu.Unlock()

	rep, err := s.submit(ctx, &request{ctx: ctx, kind: reqRunCell, cellIndex: cellIndex})
	if err != nil {
		return nil, err
	}
	return rep.result, rep.err
}

// RunAll executes every code cell in stored order as one queue entry, so
// other submissions cannot interleave with the sweep.
func (s *Session) RunAll(ctx context.Context, opts RunAllOptions) ([]*types.Result, error) {
	rep, err := s.submit(ctx, &request{ctx: ctx, kind: reqRunAll, runAll: opts})
	if err != nil {
		return nil, err
	}
	return rep.results, rep.err
}

// Suggest returns ranked completion candidates for the prefix, read-only
// against the cached symbol listing. Returns an empty slice, not an error,
// when the notebook's policy disables autocomplete.
func (s *Session) Suggest(prefix string) []types.Suggestion {
	pol := s.opts.Policies.Policy(s.notebookID)
	if !pol.AutocompleteEnabled {
		return []types.Suggestion{}
	}
	s.mu.Lock()
	symbols := s.symbols
	s.mu.Unlock()

	ranked := complete.Rank(symbols, prefix, pol.MaxCandidates)
	logging.Complete("suggest %q -> %d candidates", prefix, len(ranked))
	return ranked
}

// Suspend snapshots the state and releases the interpreter. Queued behind
// any in-flight run, so it never interrupts one. A failed durable save
// keeps the session live in memory and returns the error for the caller to
// surface; the save is retried on the next suspend or shutdown.
func (s *Session) Suspend(ctx context.Context) error {
	rep, err := s.submit(ctx, &request{ctx: ctx, kind: reqSuspend})
	if err != nil {
		return err
	}
	return rep.err
}

// Close snapshots the state (best effort) and stops the worker. The
// session accepts no work afterwards.
func (s *Session) Close(ctx context.Context) error {
	var closeErr error
	s.closeOnce.Do(func() {
		rep, err := s.submit(ctx, &request{ctx: ctx, kind: reqShutdown})
		if err != nil {
			closeErr = err
		} else {
			closeErr = rep.err
		}
		close(s.closedCh)
		<-s.doneCh
		logging.Session("session closed for notebook %s", s.notebookID)
	})
	return closeErr
}

// submit enqueues a request and waits for its reply.
func (s *Session) submit(ctx context.Context, req *request) (reply, error) {
	req.replyCh = make(chan reply, 1)

	// The enqueue select below can race a concurrent close: the buffered
	// send stays ready after the worker exits. Checking first keeps a
	// submit-after-close from parking a request nobody will answer.
	select {
	case <-s.closedCh:
		return reply{}, types.ErrSessionClosed
	default:
	}

	select {
	case <-s.closedCh:
		return reply{}, types.ErrSessionClosed
	case <-ctx.Done():
		return reply{}, fmt.Errorf("%w: %v", types.ErrRunCancelled, ctx.Err())
	case s.reqCh <- req:
	}

	select {
	case rep := <-req.replyCh:
		return rep, nil
	case <-s.closedCh:
		return reply{}, types.ErrSessionClosed
	case <-ctx.Done():
		// The worker still owns the request; it observes the dead context
		// and drops it if it has not started. If it already started, the
		// run finishes in the forced-termination path and the reply is
		// discarded here.
		return reply{}, fmt.Errorf("%w: %v", types.ErrRunCancelled, ctx.Err())
	}
}

// loop is the per-session worker: it serializes all state access.
func (s *Session) loop() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.closedCh:
			s.drain()
			return
		case req := <-s.reqCh:
			if s.handle(req) {
				return
			}
		}
	}
}

// drain rejects any requests left in the queue after close.
func (s *Session) drain() {
	for {
		select {
		case req := <-s.reqCh:
			req.replyCh <- reply{err: types.ErrSessionClosed}
		default:
			return
		}
	}
}

// handle processes one request. Returns true when the worker must exit.
func (s *Session) handle(req *request) bool {
	// Cancelled while queued: dequeued, never executed.
	if req.ctx.Err() != nil && req.kind != reqShutdown {
		req.replyCh <- reply{err: fmt.Errorf("%w: %v", types.ErrRunCancelled, req.ctx.Err())}
		return false
	}

	switch req.kind {
	case reqRunCell:
		result, err := s.runOne(req.ctx, req.cellIndex)
		req.replyCh <- reply{result: result, err: err}
	case reqRunAll:
		results, err := s.runSweep(req.ctx, req.runAll)
		req.replyCh <- reply{results: results, err: err}
	case reqSuspend:
		req.replyCh <- reply{err: s.suspendNow(req.ctx)}
	case reqShutdown:
		req.replyCh <- reply{err: s.suspendNow(req.ctx)}
		s.drain()
		return true
	}
	return false
}
