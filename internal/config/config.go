// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for tabrelay.
//
// Configuration is TOML with sensible defaults, environment variable
// overrides, and validation. Location: ~/.tabrelay/config.toml, overridable
// with TABRELAY_CONFIG.
package config

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/tabrelay/internal/provider"
	"github.com/jeranaias/tabrelay/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete tabrelay configuration.
type Config struct {
	Version string `toml:"version"`

	// DefaultProvider selects which provider serves requests that name none.
	DefaultProvider string `toml:"default_provider"`

	// DefaultModel overrides the provider's builtin default model.
	DefaultModel string `toml:"default_model"`

	// Providers holds per-provider settings, keyed by provider id.
	Providers map[string]ProviderConfig `toml:"providers"`

	Storage StorageConfig `toml:"storage"`
	Server  ServerConfig  `toml:"server"`
	History HistoryConfig `toml:"history"`
}

// ProviderConfig is the per-provider section.
type ProviderConfig struct {
	// APIKey is the bearer token for this provider.
	APIKey string `toml:"api_key"`

	// BaseURL overrides the builtin endpoint, e.g. for proxies.
	BaseURL string `toml:"base_url"`

	// DefaultModel overrides the builtin default model.
	DefaultModel string `toml:"default_model"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Backend is one of "memory", "badger", "sqlite".
	Backend string `toml:"backend"`

	// Path is the backend's on-disk location. Ignored for "memory".
	Path string `toml:"path"`
}

// ServerConfig holds the WebSocket server settings.
type ServerConfig struct {
	// Listen is the host:port the relay binds.
	Listen string `toml:"listen"`
}

// HistoryConfig controls the prompt/answer history log.
type HistoryConfig struct {
	// MaxEntries caps the log; 0 selects the default.
	MaxEntries int `toml:"max_entries"`

	// Disabled turns history recording off entirely.
	Disabled bool `toml:"disabled"`
}

// validBackends are the accepted storage.backend values.
var validBackends = map[string]bool{"memory": true, "badger": true, "sqlite": true}

// Default returns the built-in default configuration.
func Default() *Config {
	return &Config{
		Version:         "1",
		DefaultProvider: "openrouter",
		Providers:       make(map[string]ProviderConfig),
		Storage: StorageConfig{
			Backend: "badger",
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:8765",
		},
	}
}

// =============================================================================
// PATHS
// =============================================================================

// ConfigDir returns the tabrelay configuration directory.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".tabrelay"), nil
}

// ConfigPath returns the config file location, honoring TABRELAY_CONFIG.
func ConfigPath() (string, error) {
	if p := os.Getenv("TABRELAY_CONFIG"); p != "" {
		return p, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// StorageDir returns the configured storage location, falling back to the
// data directory next to the config file.
func (c *Config) StorageDir() (string, error) {
	if c.Storage.Path != "" {
		return c.Storage.Path, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "data"), nil
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads the config file, applies env overrides, and validates. A
// missing file yields the defaults (still env-overridable).
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFromPath(path)
}

// LoadFromPath loads from an explicit file path.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if _, statErr := os.Stat(path); statErr == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	}
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnvOverrides applies environment variable overrides:
//   - TABRELAY_PROVIDER: overrides default_provider
//   - TABRELAY_MODEL: overrides default_model
//   - TABRELAY_API_KEY: overrides the default provider's api_key
//   - TABRELAY_LISTEN: overrides server.listen
//   - TABRELAY_STORAGE_BACKEND: overrides storage.backend
//   - TABRELAY_STORAGE_PATH: overrides storage.path
//   - TABRELAY_HISTORY_MAX: overrides history.max_entries
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("TABRELAY_PROVIDER"); v != "" {
		c.DefaultProvider = v
	}
	if v := os.Getenv("TABRELAY_MODEL"); v != "" {
		c.DefaultModel = v
	}
	if v := os.Getenv("TABRELAY_API_KEY"); v != "" {
		pc := c.Providers[c.DefaultProvider]
		pc.APIKey = v
		c.Providers[c.DefaultProvider] = pc
	}
	if v := os.Getenv("TABRELAY_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("TABRELAY_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("TABRELAY_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("TABRELAY_HISTORY_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.History.MaxEntries = n
		}
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.DefaultProvider == "" {
		return fmt.Errorf("default_provider must be set")
	}
	if !validBackends[c.Storage.Backend] {
		return fmt.Errorf("storage.backend %q is not one of memory, badger, sqlite", c.Storage.Backend)
	}
	if c.Server.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
			return fmt.Errorf("server.listen %q: %w", c.Server.Listen, err)
		}
	}
	if c.History.MaxEntries < 0 {
		return fmt.Errorf("history.max_entries must not be negative")
	}
	return nil
}

// =============================================================================
// SAVING
// =============================================================================

// Save writes the configuration atomically to the default location.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveToPath(cfg, path)
}

// SaveToPath writes the configuration atomically to an explicit path with
// 0600 permissions. API keys live in this file.
func SaveToPath(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# tabrelay configuration file\n")
	buf.WriteString("# Generated by tabrelay - edit with care\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return util.AtomicWriteFile(path, buf.Bytes(), 0600)
}

// =============================================================================
// ACCESSORS
// =============================================================================

// APIKey returns the configured key for a provider, empty when none.
func (c *Config) APIKey(providerID string) string {
	return c.Providers[providerID].APIKey
}

// ApplyToRegistry overlays per-provider overrides (base URL, default
// model) onto the registry and registers unknown provider ids as
// OpenAI-compatible endpoints.
func (c *Config) ApplyToRegistry(reg *provider.Registry) error {
	for id, pc := range c.Providers {
		p, ok := reg.Get(id)
		if !ok {
			p = provider.Provider{ID: id, Name: id}
		}
		if pc.BaseURL != "" {
			p.BaseURL = pc.BaseURL
		}
		if pc.DefaultModel != "" {
			p.DefaultModel = pc.DefaultModel
		}
		reg.Register(p)
	}
	if c.DefaultModel != "" {
		if p, ok := reg.Get(c.DefaultProvider); ok {
			p.DefaultModel = c.DefaultModel
			reg.Register(p)
		}
	}
	return reg.SetDefault(c.DefaultProvider)
}
