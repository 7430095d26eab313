package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LifelessA/NOTEBOOK-LMS/internal/config"
)

func TestStoreDefaultsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Autocomplete.Enabled = false
	cfg.Limits.TimeLimitMs = 750

	store := NewStore(cfg)
	p := store.Policy("any-notebook")

	assert.False(t, p.AutocompleteEnabled)
	assert.Equal(t, 750, p.TimeLimitMs)
}

func TestOverrideWinsOverDefaults(t *testing.T) {
	store := NewStore(config.DefaultConfig())

	override := store.Policy("nb-1")
	override.AutocompleteEnabled = false
	override.TimeLimitMs = 100
	store.SetOverride("nb-1", override)

	assert.False(t, store.Policy("nb-1").AutocompleteEnabled)
	assert.Equal(t, 100, store.Policy("nb-1").TimeLimitMs)
	// Other notebooks keep the defaults.
	assert.True(t, store.Policy("nb-2").AutocompleteEnabled)

	store.ClearOverride("nb-1")
	assert.True(t, store.Policy("nb-1").AutocompleteEnabled)
}

func TestLimitsConversion(t *testing.T) {
	p := Policy{
		TimeLimitMs:    1500,
		OutputByteCap:  2048,
		MaxOutputItems: 10,
		MaxImageBytes:  4096,
		RowPreviewCap:  25,
		AllowedImports: []string{"net/url"},
	}
	limits := p.Limits()

	assert.Equal(t, 1500*time.Millisecond, limits.MaxWall)
	assert.Equal(t, 2048, limits.MaxOutputBytes)
	assert.Equal(t, 10, limits.MaxOutputItems)
	assert.Equal(t, 4096, limits.MaxImageBytes)
	assert.Equal(t, 25, limits.RowPreviewCap)
	assert.Equal(t, []string{"net/url"}, limits.AllowedImports)
}

func TestSetDefaultsAppliesToAllNotebooks(t *testing.T) {
	store := NewStore(config.DefaultConfig())

	updated := store.Policy("nb-1")
	updated.AutocompleteEnabled = false
	store.SetDefaults(updated)

	assert.False(t, store.Policy("nb-1").AutocompleteEnabled)
	assert.False(t, store.Policy("nb-2").AutocompleteEnabled)
}

func TestWatcherReloadsDefaults(t *testing.T) {
	if testing.Short() {
		t.Skip("debounce makes this test slow")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("autocomplete:\n  enabled: true\n"), 0644))

	store := NewStore(config.DefaultConfig())
	w, err := NewWatcher(path, store)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.True(t, store.Policy("nb-1").AutocompleteEnabled)

	// Operator flips the flag on disk.
	require.NoError(t, os.WriteFile(path, []byte("autocomplete:\n  enabled: false\n"), 0644))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !store.Policy("nb-1").AutocompleteEnabled {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("watcher did not reload the changed config")
}
