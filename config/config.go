// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the daemon configuration from a single YAML
// file named by the TIDESYNC_CONFIG environment variable or the
// --config flag. There are no fallbacks or discovery: configuration
// is deterministic and auditable.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "500ms" or "1h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the daemon configuration.
type Config struct {
	// Nodes are the base URLs of the storage nodes, e.g.
	// "http://127.0.0.1:5001". At least one is required.
	Nodes []string `yaml:"nodes"`

	// DataDir is where the local database and the bus socket live.
	// The directory must exist.
	DataDir string `yaml:"data_dir"`

	// Identity configures the owner key material.
	Identity IdentityConfig `yaml:"identity"`

	// Naming tunes the resolver.
	Naming NamingConfig `yaml:"naming"`

	// Sync tunes the orchestrator.
	Sync SyncConfig `yaml:"sync"`

	// LogLevel is debug, info, warn, or error. Default info.
	LogLevel string `yaml:"log_level"`
}

// IdentityConfig configures the owner key material.
type IdentityConfig struct {
	// MaterialFile is the path to the owner's secret key material,
	// at least 16 bytes. The naming keypair and the snapshot sealing
	// passphrase are both derived from it. Required.
	MaterialFile string `yaml:"material_file"`

	// Seal enables sealing snapshot blobs before they leave the
	// device. Default true; disable only for debugging against a
	// private test network.
	Seal *bool `yaml:"seal,omitempty"`
}

// NamingConfig tunes the resolver.
type NamingConfig struct {
	// OptimisticWait is how long a fast-path answer waits for the
	// authoritative slow path before being used as-is. Default
	// 500ms.
	OptimisticWait Duration `yaml:"optimistic_wait"`

	// ResolveTimeout bounds one resolution attempt. Default 15s.
	ResolveTimeout Duration `yaml:"resolve_timeout"`

	// CacheTTL is how long resolved records serve as a fallback
	// after total resolution failure. Default 5m.
	CacheTTL Duration `yaml:"cache_ttl"`
}

// SyncConfig tunes the orchestrator.
type SyncConfig struct {
	// LockTimeout bounds the wait for the cross-context publish
	// lock. Default 10s.
	LockTimeout Duration `yaml:"lock_timeout"`

	// Debounce is the trigger coalescing window. Default 2s.
	Debounce Duration `yaml:"debounce"`

	// RecoveryDelay is how long the circuit breaker stays open
	// before probing the remote side again. Default 1h.
	RecoveryDelay Duration `yaml:"recovery_delay"`

	// RecoveryDepth bounds the snapshot-history walk in recovery
	// mode. Default 10.
	RecoveryDepth int `yaml:"recovery_depth"`
}

// Default returns the configuration defaults applied before the file
// is read.
func Default() *Config {
	seal := true
	return &Config{
		DataDir:  "/var/lib/tidesync",
		Identity: IdentityConfig{Seal: &seal},
		Naming: NamingConfig{
			OptimisticWait: Duration(500 * time.Millisecond),
			ResolveTimeout: Duration(15 * time.Second),
			CacheTTL:       Duration(5 * time.Minute),
		},
		Sync: SyncConfig{
			LockTimeout:   Duration(10 * time.Second),
			Debounce:      Duration(2 * time.Second),
			RecoveryDelay: Duration(time.Hour),
			RecoveryDepth: 10,
		},
		LogLevel: "info",
	}
}

// Load reads the file named by TIDESYNC_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv("TIDESYNC_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("config: TIDESYNC_CONFIG not set; set it to the " +
			"path of your tidesync.yaml, or use the --config flag")
	}
	return LoadFile(path)
}

// LoadFile reads, decodes, and validates one configuration file.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.expandVariables()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// expandVariables expands ${HOME}-style environment references in
// path fields.
func (c *Config) expandVariables() {
	c.DataDir = os.ExpandEnv(c.DataDir)
	c.Identity.MaterialFile = os.ExpandEnv(c.Identity.MaterialFile)
}

// Validate checks the configuration for errors that would only
// surface later as confusing runtime failures.
func (c *Config) Validate() error {
	if len(c.Nodes) == 0 {
		return fmt.Errorf("at least one storage node URL is required")
	}
	for _, node := range c.Nodes {
		parsed, err := url.Parse(node)
		if err != nil {
			return fmt.Errorf("node URL %q: %w", node, err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("node URL %q: scheme must be http or https", node)
		}
		if parsed.Host == "" {
			return fmt.Errorf("node URL %q: missing host", node)
		}
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if !filepath.IsAbs(c.DataDir) {
		return fmt.Errorf("data_dir %q must be absolute", c.DataDir)
	}

	if c.Identity.MaterialFile == "" {
		return fmt.Errorf("identity.material_file is required")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q: must be debug, info, warn, or error", c.LogLevel)
	}

	for _, d := range []struct {
		name  string
		value Duration
	}{
		{"naming.optimistic_wait", c.Naming.OptimisticWait},
		{"naming.resolve_timeout", c.Naming.ResolveTimeout},
		{"naming.cache_ttl", c.Naming.CacheTTL},
		{"sync.lock_timeout", c.Sync.LockTimeout},
		{"sync.debounce", c.Sync.Debounce},
		{"sync.recovery_delay", c.Sync.RecoveryDelay},
	} {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}
	if c.Sync.RecoveryDepth <= 0 {
		return fmt.Errorf("sync.recovery_depth must be positive")
	}
	return nil
}

// SealEnabled reports whether snapshot blobs are sealed before
// publishing.
func (c *Config) SealEnabled() bool {
	return c.Identity.Seal == nil || *c.Identity.Seal
}

// SocketPath is the bus socket location inside DataDir.
func (c *Config) SocketPath() string {
	return filepath.Join(c.DataDir, "bus.sock")
}

// DatabasePath is the SQLite database location inside DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "tidesync.db")
}
