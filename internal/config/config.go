// Package config loads and persists engine configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all notebook engine configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Session lifecycle
	Sessions SessionConfig `yaml:"sessions"`

	// Per-run execution limits (engine-wide defaults; per-notebook
	// policy overrides win)
	Limits LimitsConfig `yaml:"limits"`

	// Autocomplete provider
	Autocomplete AutocompleteConfig `yaml:"autocomplete"`

	// Snapshot persistence
	Snapshots SnapshotConfig `yaml:"snapshots"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// SessionConfig configures session lifecycle management.
type SessionConfig struct {
	// IdleTimeout after which a Ready session is suspended (snapshotted,
	// interpreter released).
	IdleTimeout string `yaml:"idle_timeout"`

	// RecoverFromSnapshot selects what a corrupted session reinitializes
	// from: the last durable snapshot (true) or an empty state (false).
	RecoverFromSnapshot bool `yaml:"recover_from_snapshot"`

	// QueueDepth bounds the pending run queue per session.
	QueueDepth int `yaml:"queue_depth"`
}

// LimitsConfig configures default execution limits.
type LimitsConfig struct {
	TimeLimitMs    int      `yaml:"time_limit_ms"`
	OutputByteCap  int      `yaml:"output_byte_cap"`
	MaxOutputItems int      `yaml:"max_output_items"`
	MaxImageBytes  int      `yaml:"max_image_bytes"`
	RowPreviewCap  int      `yaml:"row_preview_cap"`
	AllowedImports []string `yaml:"allowed_imports"`
}

// AutocompleteConfig configures the autocomplete provider.
type AutocompleteConfig struct {
	Enabled bool `yaml:"enabled"`

	// MaxCandidates bounds a suggestion response.
	MaxCandidates int `yaml:"max_candidates"`
}

// SnapshotConfig configures durable snapshot storage.
type SnapshotConfig struct {
	DatabasePath string `yaml:"database_path"`

	// KeepVersions bounds retained snapshot versions per notebook.
	KeepVersions int `yaml:"keep_versions"`
}

// LoggingConfig configures the category logger.
type LoggingConfig struct {
	DebugMode bool   `yaml:"debug_mode"`
	Level     string `yaml:"level"` // debug, info, warn, error
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "nbkernel",
		Version: "1.0.0",

		Sessions: SessionConfig{
			IdleTimeout:         "30m",
			RecoverFromSnapshot: true,
			QueueDepth:          64,
		},

		Limits: LimitsConfig{
			TimeLimitMs:    10000,
			OutputByteCap:  1 << 20, // 1MB aggregate output
			MaxOutputItems: 100,
			MaxImageBytes:  4 << 20, // 4MB per image
			RowPreviewCap:  50,
		},

		Autocomplete: AutocompleteConfig{
			Enabled:       true,
			MaxCandidates: 50,
		},

		Snapshots: SnapshotConfig{
			DatabasePath: "data/nbkernel.db",
			KeepVersions: 5,
		},

		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults when
// the file does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save persists configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("NBKERNEL_DB"); path != "" {
		c.Snapshots.DatabasePath = path
	}
	if v := os.Getenv("NBKERNEL_TIME_LIMIT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.Limits.TimeLimitMs = ms
		}
	}
	if v := os.Getenv("NBKERNEL_IDLE_TIMEOUT"); v != "" {
		if _, err := time.ParseDuration(v); err == nil {
			c.Sessions.IdleTimeout = v
		}
	}
	if v := os.Getenv("NBKERNEL_AUTOCOMPLETE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Autocomplete.Enabled = b
		}
	}
	if v := os.Getenv("NBKERNEL_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.DebugMode = b
		}
	}
}

// IdleTimeout parses the configured idle timeout, falling back to the
// default on malformed input.
func (c *Config) IdleTimeout() time.Duration {
	d, err := time.ParseDuration(c.Sessions.IdleTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Minute
	}
	return d
}
