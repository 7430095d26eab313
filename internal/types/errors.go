package types

import "fmt"

// Error taxonomy for the engine. Only ErrSandboxUnavailable and an
// unresolved ErrSnapshotIO surface to callers as system-level failures;
// everything else resolves into a normal Result so the user sees the
// failure inside the cell.

// ErrResourceExceeded marks a run terminated at a time or output cap.
var ErrResourceExceeded = fmt.Errorf("resource limit exceeded")

// ErrSandboxUnavailable marks an execution backend that crashed or is
// unreachable. The owning session must invalidate its state handle.
var ErrSandboxUnavailable = fmt.Errorf("sandbox unavailable")

// ErrOutputTooLarge marks a single output truncated or rejected for size.
// It does not fault the enclosing Result.
var ErrOutputTooLarge = fmt.Errorf("output too large")

// ErrSnapshotIO marks a persistence failure. The session keeps operating
// in memory and retries the save on the next suspend or shutdown.
var ErrSnapshotIO = fmt.Errorf("snapshot i/o failure")

// ErrSessionClosed is returned for calls against a shut-down session.
var ErrSessionClosed = fmt.Errorf("session closed")

// ErrRunCancelled is returned when a queued run is cancelled before it
// starts. Once running, cancellation takes the forced-termination path.
var ErrRunCancelled = fmt.Errorf("run cancelled before execution")
