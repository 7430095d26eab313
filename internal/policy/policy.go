// Package policy resolves per-notebook execution policy: whether
// autocomplete is allowed and which resource limits a run must honor.
// Authorization is the caller's concern; the engine trusts its caller.
package policy

import (
	"sync"
	"time"

	"github.com/LifelessA/NOTEBOOK-LMS/internal/config"
	"github.com/LifelessA/NOTEBOOK-LMS/internal/types"
)

// Policy is the per-notebook configuration the session and sandbox honor.
type Policy struct {
	AutocompleteEnabled bool
	MaxCandidates       int
	TimeLimitMs         int
	OutputByteCap       int
	MaxOutputItems      int
	MaxImageBytes       int
	RowPreviewCap       int
	AllowedImports      []string
}

// Limits converts the policy into sandbox limits.
func (p Policy) Limits() types.Limits {
	return types.Limits{
		MaxWall:        time.Duration(p.TimeLimitMs) * time.Millisecond,
		MaxOutputBytes: p.OutputByteCap,
		MaxOutputItems: p.MaxOutputItems,
		MaxImageBytes:  p.MaxImageBytes,
		RowPreviewCap:  p.RowPreviewCap,
		AllowedImports: p.AllowedImports,
	}
}

// Provider resolves the policy for a notebook.
type Provider interface {
	Policy(notebookID string) Policy
}

// Store is a mutable Provider: engine-wide defaults plus per-notebook
// overrides. Safe for concurrent use; the config watcher updates the
// defaults at runtime.
type Store struct {
	mu        sync.RWMutex
	defaults  Policy
	overrides map[string]Policy
}

// NewStore builds a Store with defaults taken from config.
func NewStore(cfg *config.Config) *Store {
	return &Store{
		defaults:  FromConfig(cfg),
		overrides: make(map[string]Policy),
	}
}

// FromConfig maps engine configuration onto a default policy.
func FromConfig(cfg *config.Config) Policy {
	return Policy{
		AutocompleteEnabled: cfg.Autocomplete.Enabled,
		MaxCandidates:       cfg.Autocomplete.MaxCandidates,
		TimeLimitMs:         cfg.Limits.TimeLimitMs,
		OutputByteCap:       cfg.Limits.OutputByteCap,
		MaxOutputItems:      cfg.Limits.MaxOutputItems,
		MaxImageBytes:       cfg.Limits.MaxImageBytes,
		RowPreviewCap:       cfg.Limits.RowPreviewCap,
		AllowedImports:      cfg.Limits.AllowedImports,
	}
}

// Policy returns the override for a notebook if present, else the defaults.
func (s *Store) Policy(notebookID string) Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.overrides[notebookID]; ok {
		return p
	}
	return s.defaults
}

// SetDefaults replaces the engine-wide defaults.
func (s *Store) SetDefaults(p Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults = p
}

// SetOverride installs a per-notebook policy override.
func (s *Store) SetOverride(notebookID string, p Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[notebookID] = p
}

// ClearOverride removes a per-notebook override.
func (s *Store) ClearOverride(notebookID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.overrides, notebookID)
}
