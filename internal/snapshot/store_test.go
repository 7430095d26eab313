package snapshot

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T, keep int) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "snapshots.db"), keep)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := newTestStore(t, 5)

	payload := []byte(`{"version":1,"journal":["x := 1"]}`)
	if err := store.Save("nb-1", payload); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, ok, err := store.Load("nb-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !ok {
		t.Fatal("expected a snapshot")
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload mismatch: got %q", got)
	}
}

func TestLoadMissingNotebook(t *testing.T) {
	store := newTestStore(t, 5)

	_, ok, err := store.Load("unknown")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ok {
		t.Error("expected ok=false for notebook with no snapshot")
	}
}

func TestHeadMovesToLatest(t *testing.T) {
	store := newTestStore(t, 5)

	for i := 0; i < 3; i++ {
		if err := store.Save("nb-1", []byte(fmt.Sprintf("v%d", i))); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
	}

	got, ok, err := store.Load("nb-1")
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if string(got) != "v2" {
		t.Errorf("head: got %q, want %q", got, "v2")
	}
}

func TestVersionPruning(t *testing.T) {
	store := newTestStore(t, 2)

	for i := 0; i < 6; i++ {
		if err := store.Save("nb-1", []byte(fmt.Sprintf("v%d", i))); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
	}

	var count int
	if err := store.db.QueryRow(
		`SELECT COUNT(*) FROM snapshots WHERE notebook_id = ?`, "nb-1").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Errorf("retained versions: got %d, want 2", count)
	}

	// Head still resolves after pruning.
	got, ok, err := store.Load("nb-1")
	if err != nil || !ok {
		t.Fatalf("Load after prune: ok=%v err=%v", ok, err)
	}
	if string(got) != "v5" {
		t.Errorf("head after prune: got %q, want %q", got, "v5")
	}
}

func TestNotebooksAreIndependent(t *testing.T) {
	store := newTestStore(t, 5)

	if err := store.Save("nb-a", []byte("aaa")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Save("nb-b", []byte("bbb")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, _, _ := store.Load("nb-a")
	if string(got) != "aaa" {
		t.Errorf("nb-a head: got %q", got)
	}
	got, _, _ = store.Load("nb-b")
	if string(got) != "bbb" {
		t.Errorf("nb-b head: got %q", got)
	}
}

func TestReopenSeesPriorData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.db")

	store, err := NewSQLiteStore(path, 5)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := store.Save("nb-1", []byte("durable")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	store.Close()

	reopened, err := NewSQLiteStore(path, 5)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, ok, err := reopened.Load("nb-1")
	if err != nil || !ok {
		t.Fatalf("Load after reopen: ok=%v err=%v", ok, err)
	}
	if string(got) != "durable" {
		t.Errorf("got %q, want %q", got, "durable")
	}
}
