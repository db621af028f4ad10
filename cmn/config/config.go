// Package config loads the daemon's single global configuration: one
// process-wide config struct read from a JSON file whose directory
// comes from an environment variable (VFS_CONF_DIR).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// EnvConfDir names the environment variable carrying the
	// directory holding vfsd.json.
	EnvConfDir = "VFS_CONF_DIR"
	fileName   = "vfsd.json"
)

// Config is the daemon's process-wide configuration.
type Config struct {
	// ListenAddr is the C11 HTTP surface's bind address, e.g. ":8901".
	ListenAddr string `json:"listen_addr"`

	// SqliteDSN is the repository's sqlite file path (C3).
	SqliteDSN string `json:"sqlite_dsn"`

	// ContentRootParent is the root directory under which synced
	// content is mirrored, one subdirectory per mountId (C9).
	ContentRootParent string `json:"content_root_parent"`

	// DefaultMetadataTTLSec is used when a mount config omits it.
	DefaultMetadataTTLSec int64 `json:"default_metadata_ttl_sec"`

	// DefaultReconcileIntervalMs is used when a mount config omits it.
	DefaultReconcileIntervalMs int64 `json:"default_reconcile_interval_ms"`

	// DebounceMs is the scheduler's watch-event debounce window (C10).
	DebounceMs int64 `json:"debounce_ms"`

	// BackoffMsSteps is the scheduler's retry backoff ladder (C10).
	BackoffMsSteps []int64 `json:"backoff_ms_steps"`

	// LogLevel is one of "info", "warning", "error".
	LogLevel string `json:"log_level"`
}

// Default returns the built-in configuration used when no file is
// present; every field here has a sane standalone-daemon value.
func Default() *Config {
	return &Config{
		ListenAddr:                 ":8901",
		SqliteDSN:                  "vfs.db",
		ContentRootParent:          "./vfs-content",
		DefaultMetadataTTLSec:      60,
		DefaultReconcileIntervalMs: 5 * 60 * 1000,
		DebounceMs:                 500,
		BackoffMsSteps:             []int64{1000, 5000, 30000},
		LogLevel:                   "info",
	}
}

// Load reads vfsd.json from dir, falling back to Default() fields for
// anything the file omits. An empty dir is not an error: the caller
// runs with defaults (e.g. tests, or a daemon started without
// VFS_CONF_DIR).
func Load(dir string) (*Config, error) {
	cfg := Default()
	if dir == "" {
		return cfg, nil
	}
	path := filepath.Join(dir, fileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv is Load(os.Getenv(EnvConfDir)).
func LoadFromEnv() (*Config, error) {
	return Load(os.Getenv(EnvConfDir))
}
