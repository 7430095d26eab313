package sandbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/LifelessA/NOTEBOOK-LMS/internal/logging"
	"github.com/LifelessA/NOTEBOOK-LMS/internal/types"
)

// Interpreter bindings are not directly serializable, so a durable snapshot
// is the replay journal: the ordered sources of every completed execution.
// Restoring replays the journal into a fresh interpreter, which reproduces
// identical state for deterministic cells. The payload is opaque to every
// component outside this package.

const snapshotVersion = 1

type snapshotPayload struct {
	Version int      `json:"version"`
	Journal []string `json:"journal"`
}

// Snapshot serializes the state's replay journal.
func (st *State) Snapshot() ([]byte, error) {
	if st.corrupted {
		return nil, fmt.Errorf("%w: refusing to snapshot corrupted state", types.ErrSandboxUnavailable)
	}
	data, err := json.Marshal(snapshotPayload{Version: snapshotVersion, Journal: st.journal})
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

// Restore builds a fresh state and replays a snapshot payload into it.
// Replayed cells that error are expected (they erred originally too) and do
// not abort the restore; per-cell output is discarded.
func Restore(ctx context.Context, payload []byte, limits types.Limits) (*State, error) {
	var snap snapshotPayload
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}

	st, err := NewState()
	if err != nil {
		return nil, err
	}

	timer := logging.StartTimer(logging.CategorySandbox, "snapshot replay")
	defer timer.Stop()

	for i, src := range snap.Journal {
		res, err := Execute(ctx, st, src, limits)
		if err != nil {
			return nil, fmt.Errorf("replay failed at cell %d: %w", i, err)
		}
		if res.Faulted() {
			// A cell that completed within budget originally should not
			// fault on replay; treat the restored state as unusable.
			return nil, fmt.Errorf("%w: replay faulted at cell %d", types.ErrSandboxUnavailable, i)
		}
	}

	logging.Sandbox("restored state from snapshot: %d cells replayed", len(snap.Journal))
	return st, nil
}
