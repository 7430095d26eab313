// Package snapshot persists opaque session snapshots durably.
//
// Writes are append-only: a save inserts a new version row and then swaps
// the notebook's head pointer inside one transaction, so a crash mid-write
// never corrupts the previously durable snapshot.
package snapshot

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/LifelessA/NOTEBOOK-LMS/internal/logging"
	"github.com/LifelessA/NOTEBOOK-LMS/internal/types"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the durable persistence consumed by the session registry.
// Payloads are opaque bytes produced by the sandbox.
type Store interface {
	// Load returns the head snapshot for a notebook, or ok=false when none
	// has been saved.
	Load(notebookID string) (payload []byte, ok bool, err error)

	// Save durably stores a new snapshot version and moves the head.
	Save(notebookID string, payload []byte) error

	// Close releases the underlying storage.
	Close() error
}

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db           *sql.DB
	mu           sync.Mutex
	keepVersions int
}

// NewSQLiteStore opens (or creates) the snapshot database at path.
// keepVersions bounds retained versions per notebook; <=0 keeps all.
func NewSQLiteStore(path string, keepVersions int) (*SQLiteStore, error) {
	timer := logging.StartTimer(logging.CategorySnapshot, "NewSQLiteStore")
	defer timer.Stop()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.Get(logging.CategorySnapshot).Warn("failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.Get(logging.CategorySnapshot).Warn("failed to set journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe with WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.Get(logging.CategorySnapshot).Warn("failed to set synchronous=NORMAL: %v", err)
	}

	store := &SQLiteStore{db: db, keepVersions: keepVersions}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Snapshot("snapshot store ready at %s", path)
	return store, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		notebook_id TEXT NOT NULL,
		payload BLOB NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_notebook ON snapshots(notebook_id);

	CREATE TABLE IF NOT EXISTS snapshot_heads (
		notebook_id TEXT PRIMARY KEY,
		snapshot_id INTEGER NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (snapshot_id) REFERENCES snapshots (id)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Load returns the payload the head pointer designates.
func (s *SQLiteStore) Load(notebookID string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payload []byte
	err := s.db.QueryRow(`
		SELECT sn.payload FROM snapshot_heads h
		JOIN snapshots sn ON sn.id = h.snapshot_id
		WHERE h.notebook_id = ?`, notebookID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: load %s: %v", types.ErrSnapshotIO, notebookID, err)
	}
	return payload, true, nil
}

// Save inserts a new version and swaps the head atomically.
func (s *SQLiteStore) Save(notebookID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin save %s: %v", types.ErrSnapshotIO, notebookID, err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`INSERT INTO snapshots (notebook_id, payload) VALUES (?, ?)`,
		notebookID, payload)
	if err != nil {
		return fmt.Errorf("%w: insert %s: %v", types.ErrSnapshotIO, notebookID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("%w: insert id %s: %v", types.ErrSnapshotIO, notebookID, err)
	}

	if _, err := tx.Exec(`
		INSERT INTO snapshot_heads (notebook_id, snapshot_id, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(notebook_id) DO UPDATE SET
			snapshot_id = excluded.snapshot_id,
			updated_at = CURRENT_TIMESTAMP`, notebookID, id); err != nil {
		return fmt.Errorf("%w: swap head %s: %v", types.ErrSnapshotIO, notebookID, err)
	}

	if s.keepVersions > 0 {
		if _, err := tx.Exec(`
			DELETE FROM snapshots WHERE notebook_id = ? AND id NOT IN (
				SELECT id FROM snapshots WHERE notebook_id = ?
				ORDER BY id DESC LIMIT ?)`,
			notebookID, notebookID, s.keepVersions); err != nil {
			logging.Get(logging.CategorySnapshot).Warn("version prune failed for %s: %v", notebookID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit %s: %v", types.ErrSnapshotIO, notebookID, err)
	}

	logging.Snapshot("saved snapshot for %s (%d bytes)", notebookID, len(payload))
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
