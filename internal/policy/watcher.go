package policy

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/LifelessA/NOTEBOOK-LMS/internal/config"
	"github.com/LifelessA/NOTEBOOK-LMS/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the engine config file and pushes changed defaults into a
// policy Store, so operators can flip the autocomplete flag or tighten
// limits without restarting running sessions.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	store       *Store
	configPath  string
	debounceDur time.Duration
	pendingAt   time.Time
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewWatcher creates a watcher for the given config file.
func NewWatcher(configPath string, store *Store) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:     fw,
		store:       store,
		configPath:  configPath,
		debounceDur: 500 * time.Millisecond, // settle rapid editor saves
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the event loop runs in a goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	// Watch the directory, not the file: editors replace files on save and
	// a file watch would be lost after the first rename.
	dir := filepath.Dir(w.configPath)
	if err := w.watcher.Add(dir); err != nil {
		logging.Get(logging.CategoryBoot).Warn("policy watcher: watch failed for %s: %v", dir, err)
	} else {
		logging.Boot("policy watcher: watching %s", dir)
	}

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.Get(logging.CategoryBoot).Error("policy watcher: close: %v", err)
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			w.pendingAt = time.Now()
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryBoot).Error("policy watcher: %v", err)

		case <-ticker.C:
			w.mu.Lock()
			due := !w.pendingAt.IsZero() && time.Since(w.pendingAt) >= w.debounceDur
			if due {
				w.pendingAt = time.Time{}
			}
			w.mu.Unlock()
			if due {
				w.reload()
			}
		}
	}
}

// reload re-reads the config file and swaps the store defaults.
func (w *Watcher) reload() {
	cfg, err := config.Load(w.configPath)
	if err != nil {
		logging.Get(logging.CategoryBoot).Error("policy watcher: reload failed: %v", err)
		return
	}
	w.store.SetDefaults(FromConfig(cfg))
	logging.Boot("policy watcher: defaults reloaded (autocomplete=%v, time_limit=%dms)",
		cfg.Autocomplete.Enabled, cfg.Limits.TimeLimitMs)
}
