package session

import (
	"context"
	"fmt"
	"time"

	"github.com/LifelessA/NOTEBOOK-LMS/internal/logging"
	"github.com/LifelessA/NOTEBOOK-LMS/internal/sandbox"
	"github.com/LifelessA/NOTEBOOK-LMS/internal/types"
)

// runOne executes a single code cell. Called only from the worker goroutine.
// The cell is re-resolved by its stable ID afterwards: the cell list can be
// edited while a run is in flight, so the index may no longer be valid.
func (s *Session) runOne(ctx context.Context, cellIndex int) (*types.Result, error) {
	s.mu.Lock()
	if cellIndex < 0 || cellIndex >= len(s.nb.Cells) {
		s.mu.Unlock()
		return nil, fmt.Errorf("cell index %d out of range", cellIndex)
	}
	cellID := s.nb.Cells[cellIndex].ID
	code := s.nb.Cells[cellIndex].Source
	s.mu.Unlock()

	if err := s.ensureState(ctx); err != nil {
		return nil, err
	}

	limits := s.opts.Policies.Policy(s.notebookID).Limits()

	s.setPhase(PhaseRunning)
	timer := logging.StartTimer(logging.CategorySession, fmt.Sprintf("run cell %s", cellID))
	result, err := sandbox.Execute(ctx, s.state, code, limits)
	timer.Stop()

	return s.settle(cellID, result, err)
}

// runSweep executes every code cell in stored order inside one queue entry.
func (s *Session) runSweep(ctx context.Context, opts RunAllOptions) ([]*types.Result, error) {
	s.mu.Lock()
	indexes := s.nb.CodeCellIndexes()
	s.mu.Unlock()

	results := make([]*types.Result, 0, len(indexes))
	for _, idx := range indexes {
		if ctx.Err() != nil {
			return results, fmt.Errorf("%w: %v", types.ErrRunCancelled, ctx.Err())
		}
		result, err := s.runOne(ctx, idx)
		if err != nil {
			return results, err
		}
		results = append(results, result)
		if result.Faulted() && opts.StopOnError {
			break
		}
	}
	return results, nil
}

// settle records one run's outcome: sequence assignment, cell bookkeeping,
// phase transition and symbol cache refresh. The cell is looked up by ID;
// when it was removed mid-run the result is still returned to the caller,
// only the per-cell bookkeeping is skipped.
func (s *Session) settle(cellID string, result *types.Result, execErr error) (*types.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActive = time.Now()

	if execErr != nil {
		// Sandbox-level failure: no Result was produced. The state is not
		// trustworthy; force reinitialization on the next run.
		s.state = nil
		s.phase = PhaseCorrupted
		logging.Session("notebook %s cell %s: sandbox failure: %v", s.notebookID, cellID, execErr)
		return nil, execErr
	}

	// Every run consumes a sequence number, faulted ones included, so
	// stale-result detection stays monotonic across reinitialization.
	s.seq++
	result.Seq = s.seq

	var cell *types.Cell
	for i := range s.nb.Cells {
		if s.nb.Cells[i].ID == cellID {
			cell = &s.nb.Cells[i]
			break
		}
	}
	if cell != nil {
		cell.LastResult = result
	} else {
		logging.Session("notebook %s cell %s: removed mid-run, result not attached", s.notebookID, cellID)
	}

	if result.Faulted() {
		// Interpreter state is gone. Discard it; the next run starts fresh
		// (or from the last snapshot, per configuration).
		s.state = nil
		s.symbols = nil
		s.phase = PhaseCorrupted
		logging.Session("notebook %s cell %s: faulted (seq=%d), state discarded",
			s.notebookID, cellID, result.Seq)
		return result, nil
	}

	if cell != nil {
		cell.Dirty = false
	}
	s.phase = PhaseReady
	s.symbols = s.state.SymbolNames()
	logging.SessionDebug("notebook %s cell %s: ok (seq=%d, outputs=%d, %s)",
		s.notebookID, cellID, result.Seq, len(result.Outputs), result.Duration)
	return result, nil
}

// ensureState makes a live interpreter available, restoring from a snapshot
// when one applies. Called only from the worker goroutine.
func (s *Session) ensureState(ctx context.Context) error {
	s.mu.Lock()
	phase := s.phase
	haveState := s.state != nil
	s.mu.Unlock()

	if haveState && phase != PhaseCorrupted {
		return nil
	}

	payload := s.restorePayload(phase)
	limits := s.opts.Policies.Policy(s.notebookID).Limits()

	var (
		st  *sandbox.State
		err error
	)
	if len(payload) > 0 {
		st, err = sandbox.Restore(ctx, payload, limits)
		if err != nil {
			logging.Session("notebook %s: snapshot restore failed, starting empty: %v",
				s.notebookID, err)
			st, err = sandbox.NewState()
		}
	} else {
		st, err = sandbox.NewState()
	}
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrSandboxUnavailable, err)
	}

	s.mu.Lock()
	s.state = st
	s.symbols = st.SymbolNames()
	s.phase = PhaseReady
	s.suspendedPayload = nil
	s.mu.Unlock()
	return nil
}

// restorePayload picks the snapshot to reinitialize from, depending on why
// the state is absent.
func (s *Session) restorePayload(phase Phase) []byte {
	s.mu.Lock()
	suspended := s.suspendedPayload
	s.mu.Unlock()

	switch phase {
	case PhaseSuspended:
		if len(suspended) > 0 {
			return suspended
		}
		return s.loadDurable()
	case PhaseCorrupted:
		if s.opts.RecoverFromSnapshot {
			return s.loadDurable()
		}
	}
	return nil
}

func (s *Session) loadDurable() []byte {
	if s.opts.Snapshots == nil {
		return nil
	}
	payload, ok, err := s.opts.Snapshots.Load(s.notebookID)
	if err != nil {
		logging.Session("notebook %s: snapshot load failed: %v", s.notebookID, err)
		return nil
	}
	if !ok {
		return nil
	}
	return payload
}

// suspendNow snapshots the live state and releases the interpreter.
// Called only from the worker goroutine. A failed durable save keeps the
// interpreter alive so no state is lost; the payload is retried later.
func (s *Session) suspendNow(_ context.Context) error {
	s.mu.Lock()
	st := s.state
	phase := s.phase
	pending := s.pendingSave
	s.mu.Unlock()

	// Retry a previously failed save first.
	if len(pending) > 0 && s.saveDurable(pending) == nil {
		s.mu.Lock()
		s.pendingSave = nil
		s.mu.Unlock()
	}

	if st == nil || phase != PhaseReady {
		return nil
	}

	payload, err := st.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot state: %w", err)
	}

	if err := s.saveDurable(payload); err != nil {
		s.mu.Lock()
		s.pendingSave = payload
		s.mu.Unlock()
		logging.Session("notebook %s: durable snapshot save failed, staying live: %v",
			s.notebookID, err)
		return err
	}

	s.mu.Lock()
	s.state = nil
	s.suspendedPayload = payload
	s.phase = PhaseSuspended
	s.lastActive = time.Now()
	s.mu.Unlock()
	logging.Session("notebook %s: suspended (%d journal bytes)", s.notebookID, len(payload))
	return nil
}

func (s *Session) saveDurable(payload []byte) error {
	if s.opts.Snapshots == nil {
		return nil
	}
	return s.opts.Snapshots.Save(s.notebookID, payload)
}
