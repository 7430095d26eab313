// Package registry maps notebook identities to live sessions. It is the
// only component that creates sessions, so every notebook has at most one.
package registry

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/LifelessA/NOTEBOOK-LMS/internal/logging"
	"github.com/LifelessA/NOTEBOOK-LMS/internal/policy"
	"github.com/LifelessA/NOTEBOOK-LMS/internal/session"
	"github.com/LifelessA/NOTEBOOK-LMS/internal/snapshot"
	"github.com/LifelessA/NOTEBOOK-LMS/internal/types"
)

// Options configures the registry and the sessions it creates.
type Options struct {
	Policies  policy.Provider
	Snapshots snapshot.Store // nil disables durable persistence

	RecoverFromSnapshot bool
	QueueDepth          int

	// IdleTimeout is the threshold the janitor uses to suspend sessions.
	IdleTimeout time.Duration
}

// Registry holds the live sessions.
type Registry struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*session.Session
	closed   bool
}

// New creates an empty registry.
func New(opts Options) *Registry {
	return &Registry{
		opts:     opts,
		sessions: make(map[string]*session.Session),
	}
}

// Get returns the notebook's session, creating it on first use. A durable
// snapshot, when one exists, seeds the new session so it resumes where the
// notebook left off. A snapshot load failure degrades to a fresh session.
func (r *Registry) Get(nb *types.Notebook) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, types.ErrSessionClosed
	}
	if s, ok := r.sessions[nb.ID]; ok {
		return s, nil
	}

	var payload []byte
	if r.opts.Snapshots != nil {
		p, ok, err := r.opts.Snapshots.Load(nb.ID)
		if err != nil {
			logging.Registry("notebook %s: snapshot load failed, starting fresh: %v", nb.ID, err)
		} else if ok {
			payload = p
		}
	}

	s := session.New(nb, payload, session.Options{
		Policies:            r.opts.Policies,
		Snapshots:           r.opts.Snapshots,
		RecoverFromSnapshot: r.opts.RecoverFromSnapshot,
		QueueDepth:          r.opts.QueueDepth,
	})
	r.sessions[nb.ID] = s
	logging.Registry("session opened for notebook %s (live=%d)", nb.ID, len(r.sessions))
	return s, nil
}

// Lookup returns an existing session without creating one.
func (r *Registry) Lookup(notebookID string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[notebookID]
	return s, ok
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// EvictIdle suspends every session idle longer than threshold. A session
// with a run in flight is skipped and reconsidered on the next sweep.
// Returns the number of sessions suspended.
func (r *Registry) EvictIdle(ctx context.Context, threshold time.Duration) int {
	r.mu.Lock()
	candidates := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	r.mu.Unlock()

	cutoff := time.Now().Add(-threshold)
	evicted := 0
	for _, s := range candidates {
		if s.Busy() || s.Phase() == session.PhaseSuspended {
			continue
		}
		if s.IdleSince().After(cutoff) {
			continue
		}
		if err := s.Suspend(ctx); err != nil {
			logging.Registry("notebook %s: suspend failed, kept live: %v", s.NotebookID(), err)
			continue
		}
		evicted++
	}
	if evicted > 0 {
		logging.Registry("idle sweep suspended %d session(s)", evicted)
	}
	return evicted
}

// Janitor runs periodic idle sweeps until the context is done. Sweep
// interval is a quarter of the idle timeout.
func (r *Registry) Janitor(ctx context.Context) {
	if r.opts.IdleTimeout <= 0 {
		return
	}
	interval := r.opts.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.EvictIdle(ctx, r.opts.IdleTimeout)
		}
	}
}

// ShutdownAll snapshots and closes every session in parallel. The registry
// accepts no new sessions afterwards. Individual snapshot failures are
// collected but do not stop the other shutdowns.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*session.Session)
	r.mu.Unlock()

	// Plain group: one failed snapshot must not cancel the others.
	var g errgroup.Group
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			if err := s.Close(ctx); err != nil {
				logging.Registry("notebook %s: shutdown snapshot failed: %v", s.NotebookID(), err)
				return err
			}
			return nil
		})
	}
	err := g.Wait()
	logging.Registry("shutdown complete (%d sessions)", len(sessions))
	return err
}
