// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/tabrelay/internal/provider"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "openrouter", cfg.DefaultProvider)
	assert.Equal(t, "badger", cfg.Storage.Backend)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
default_provider = "deepseek"
default_model = "deepseek-reasoner"

[providers.deepseek]
api_key = "sk-ds-123"

[storage]
backend = "sqlite"
path = "/tmp/relay.db"

[server]
listen = "127.0.0.1:9000"

[history]
max_entries = 20
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "deepseek", cfg.DefaultProvider)
	assert.Equal(t, "sk-ds-123", cfg.APIKey("deepseek"))
	assert.Equal(t, "", cfg.APIKey("openrouter"))
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Listen)
	assert.Equal(t, 20, cfg.History.MaxEntries)
}

func TestLoadFromPath_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default().DefaultProvider, cfg.DefaultProvider)
}

func TestLoadFromPath_InvalidBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[storage]\nbackend = \"redis\"\n"), 0600))

	_, err := LoadFromPath(path)
	assert.ErrorContains(t, err, "storage.backend")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TABRELAY_PROVIDER", "openai")
	t.Setenv("TABRELAY_API_KEY", "sk-env")
	t.Setenv("TABRELAY_LISTEN", "127.0.0.1:7777")
	t.Setenv("TABRELAY_STORAGE_BACKEND", "memory")

	cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.DefaultProvider)
	assert.Equal(t, "sk-env", cfg.APIKey("openai"))
	assert.Equal(t, "127.0.0.1:7777", cfg.Server.Listen)
	assert.Equal(t, "memory", cfg.Storage.Backend)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"no provider", func(c *Config) { c.DefaultProvider = "" }, "default_provider"},
		{"bad backend", func(c *Config) { c.Storage.Backend = "flat" }, "storage.backend"},
		{"bad listen", func(c *Config) { c.Server.Listen = "no-port" }, "server.listen"},
		{"negative history", func(c *Config) { c.History.MaxEntries = -1 }, "history.max_entries"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := Default()
	cfg.DefaultProvider = "openai"
	cfg.Providers["openai"] = ProviderConfig{APIKey: "sk-save"}
	require.NoError(t, SaveToPath(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "openai", loaded.DefaultProvider)
	assert.Equal(t, "sk-save", loaded.APIKey("openai"))
}

func TestApplyToRegistry(t *testing.T) {
	cfg := Default()
	cfg.DefaultProvider = "deepseek"
	cfg.DefaultModel = "deepseek-reasoner"
	cfg.Providers["openrouter"] = ProviderConfig{BaseURL: "http://proxy.local/v1"}
	cfg.Providers["corp"] = ProviderConfig{BaseURL: "http://llm.corp/v1", DefaultModel: "corp-1"}

	reg := provider.NewRegistry()
	require.NoError(t, cfg.ApplyToRegistry(reg))

	assert.Equal(t, "deepseek", reg.Default().ID)
	assert.Equal(t, "deepseek-reasoner", reg.Default().DefaultModel)

	or, ok := reg.Get("openrouter")
	require.True(t, ok)
	assert.Equal(t, "http://proxy.local/v1", or.BaseURL)

	corp, ok := reg.Get("corp")
	require.True(t, ok)
	assert.Equal(t, "corp-1", corp.DefaultModel)
}

func TestApplyToRegistry_UnknownDefault(t *testing.T) {
	cfg := Default()
	cfg.DefaultProvider = "ghost"
	assert.Error(t, cfg.ApplyToRegistry(provider.NewRegistry()))
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`default_provider = "openrouter"`+"\n"), 0600))

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(c *Config) {
		select {
		case reloaded <- c:
		default:
		}
	})
	require.NoError(t, err)
	require.NoError(t, w.Watch())
	defer w.Close()

	cfg := Default()
	cfg.DefaultProvider = "openai"
	require.NoError(t, SaveToPath(cfg, path))

	select {
	case got := <-reloaded:
		assert.Equal(t, "openai", got.DefaultProvider)
	case <-time.After(3 * time.Second):
		t.Fatal("reload callback never fired")
	}
}
