package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/LifelessA/NOTEBOOK-LMS/internal/policy"
	"github.com/LifelessA/NOTEBOOK-LMS/internal/session"
	"github.com/LifelessA/NOTEBOOK-LMS/internal/snapshot"
	"github.com/LifelessA/NOTEBOOK-LMS/internal/types"
)

type fixedPolicy struct {
	p policy.Policy
}

func (f fixedPolicy) Policy(string) policy.Policy { return f.p }

func testPolicy() policy.Policy {
	return policy.Policy{
		AutocompleteEnabled: true,
		TimeLimitMs:         2000,
		OutputByteCap:       1 << 20,
		MaxOutputItems:      100,
		MaxImageBytes:       4 << 20,
		RowPreviewCap:       50,
	}
}

type memStore struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newMemStore() *memStore { return &memStore{m: make(map[string][]byte)} }

func (s *memStore) Load(id string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.m[id]
	return p, ok, nil
}

func (s *memStore) Save(id string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[id] = payload
	return nil
}

func (s *memStore) Close() error { return nil }

func notebook(id string, sources ...string) *types.Notebook {
	nb := &types.Notebook{ID: id}
	for i, src := range sources {
		nb.Cells = append(nb.Cells, types.Cell{
			ID:     fmt.Sprintf("c%d", i),
			Kind:   types.CellCode,
			Source: src,
		})
	}
	return nb
}

func resultText(res *types.Result) string {
	var b strings.Builder
	for _, out := range res.Outputs {
		if out.Kind == types.OutputText {
			b.WriteString(out.Text)
		}
	}
	return b.String()
}

func TestGetReturnsSameSession(t *testing.T) {
	reg := New(Options{Policies: fixedPolicy{testPolicy()}})
	defer reg.ShutdownAll(context.Background())

	nb := notebook("nb-1", "1 + 1")
	s1, err := reg.Get(nb)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	s2, err := reg.Get(nb)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s1 != s2 {
		t.Error("expected one session per notebook")
	}
	if reg.Len() != 1 {
		t.Errorf("live sessions: got %d, want 1", reg.Len())
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	reg := New(Options{Policies: fixedPolicy{testPolicy()}})
	defer reg.ShutdownAll(context.Background())
	ctx := context.Background()

	sA, err := reg.Get(notebook("nb-a", "shared := 1", "shared"))
	if err != nil {
		t.Fatalf("Get nb-a: %v", err)
	}
	sB, err := reg.Get(notebook("nb-b", "shared"))
	if err != nil {
		t.Fatalf("Get nb-b: %v", err)
	}

	if _, err := sA.RunCell(ctx, 0, ""); err != nil {
		t.Fatalf("RunCell: %v", err)
	}

	// nb-b must not see nb-a's binding.
	res, err := sB.RunCell(ctx, 0, "")
	if err != nil {
		t.Fatalf("RunCell: %v", err)
	}
	hasErr := false
	for _, out := range res.Outputs {
		if out.Kind == types.OutputError {
			hasErr = true
		}
	}
	if !hasErr {
		t.Error("expected undefined-variable error in the isolated session")
	}
}

func TestEvictIdleSkipsBusySessions(t *testing.T) {
	store := newMemStore()
	reg := New(Options{Policies: fixedPolicy{testPolicy()}, Snapshots: store})
	defer reg.ShutdownAll(context.Background())
	ctx := context.Background()

	busy, err := reg.Get(notebook("nb-busy", `time.Sleep(400 * time.Millisecond)`))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	idle, err := reg.Get(notebook("nb-idle", "1 + 1"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := idle.RunCell(ctx, 0, ""); err != nil {
		t.Fatalf("RunCell: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = busy.RunCell(ctx, 0, "")
	}()
	time.Sleep(100 * time.Millisecond) // let the slow run start

	evicted := reg.EvictIdle(ctx, 0)
	if evicted != 1 {
		t.Errorf("evicted: got %d, want 1", evicted)
	}
	if idle.Phase() != session.PhaseSuspended {
		t.Errorf("idle session phase: got %s, want %s", idle.Phase(), session.PhaseSuspended)
	}
	<-done
	if busy.Phase() == session.PhaseSuspended {
		t.Error("busy session must not be evicted mid-run")
	}
}

func TestEvictIdleHonorsThreshold(t *testing.T) {
	reg := New(Options{Policies: fixedPolicy{testPolicy()}})
	defer reg.ShutdownAll(context.Background())
	ctx := context.Background()

	s, err := reg.Get(notebook("nb-1", "1 + 1"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := s.RunCell(ctx, 0, ""); err != nil {
		t.Fatalf("RunCell: %v", err)
	}

	if evicted := reg.EvictIdle(ctx, time.Hour); evicted != 0 {
		t.Errorf("recently active session evicted: %d", evicted)
	}
}

func TestShutdownAllClosesEverything(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newMemStore()
	reg := New(Options{Policies: fixedPolicy{testPolicy()}, Snapshots: store})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s, err := reg.Get(notebook(fmt.Sprintf("nb-%d", i), fmt.Sprintf("v := %d", i)))
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if _, err := s.RunCell(ctx, 0, ""); err != nil {
			t.Fatalf("RunCell: %v", err)
		}
	}

	if err := reg.ShutdownAll(ctx); err != nil {
		t.Fatalf("ShutdownAll: %v", err)
	}
	if reg.Len() != 0 {
		t.Errorf("sessions after shutdown: got %d", reg.Len())
	}
	for i := 0; i < 3; i++ {
		if _, ok := store.m[fmt.Sprintf("nb-%d", i)]; !ok {
			t.Errorf("nb-%d has no durable snapshot after shutdown", i)
		}
	}

	// The registry accepts no new sessions afterwards.
	if _, err := reg.Get(notebook("nb-late", "1")); err == nil {
		t.Error("expected an error from Get after shutdown")
	}
}

func TestStateSurvivesRestartViaSQLite(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "snapshots.db")
	ctx := context.Background()

	open := func() (*Registry, snapshot.Store) {
		store, err := snapshot.NewSQLiteStore(dbPath, 5)
		if err != nil {
			t.Fatalf("NewSQLiteStore: %v", err)
		}
		return New(Options{Policies: fixedPolicy{testPolicy()}, Snapshots: store}), store
	}

	reg, store := open()
	s, err := reg.Get(notebook("nb-persist", "total := 40 + 2"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := s.RunCell(ctx, 0, ""); err != nil {
		t.Fatalf("RunCell: %v", err)
	}
	if err := reg.ShutdownAll(ctx); err != nil {
		t.Fatalf("ShutdownAll: %v", err)
	}
	store.Close()

	// Simulated restart: a fresh registry over the same database.
	reg, store = open()
	defer store.Close()
	defer reg.ShutdownAll(ctx)

	s, err = reg.Get(notebook("nb-persist", "total"))
	if err != nil {
		t.Fatalf("Get after restart: %v", err)
	}
	res, err := s.RunCell(ctx, 0, "")
	if err != nil {
		t.Fatalf("RunCell after restart: %v", err)
	}
	if got := resultText(res); got != "42" {
		t.Errorf("restored state: got %q, want %q", got, "42")
	}
}

func TestJanitorSuspendsIdleSessions(t *testing.T) {
	reg := New(Options{
		Policies:    fixedPolicy{testPolicy()},
		Snapshots:   newMemStore(),
		IdleTimeout: 4 * time.Second, // sweep interval clamps to 1s
	})
	defer reg.ShutdownAll(context.Background())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := reg.Get(notebook("nb-1", "1 + 1"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := s.RunCell(ctx, 0, ""); err != nil {
		t.Fatalf("RunCell: %v", err)
	}

	go reg.Janitor(ctx)

	// Not yet idle long enough.
	time.Sleep(1500 * time.Millisecond)
	if s.Phase() == session.PhaseSuspended {
		t.Fatal("session suspended before the idle threshold")
	}
}
