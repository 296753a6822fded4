// tabrelay - background relay between browser surfaces and LLM providers.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/jeranaias/tabrelay/internal/config"
	"github.com/jeranaias/tabrelay/internal/contextstore"
	"github.com/jeranaias/tabrelay/internal/engine"
	"github.com/jeranaias/tabrelay/internal/modelcache"
	"github.com/jeranaias/tabrelay/internal/provider"
	"github.com/jeranaias/tabrelay/internal/server"
	"github.com/jeranaias/tabrelay/internal/storage"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "", "config file path (default ~/.tabrelay/config.toml)")
	listen := flag.String("listen", "", "bind address, overrides config")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tabrelay %s (%s)\n", Version, GitCommit)
		return
	}

	if err := run(*configPath, *listen); err != nil {
		log.Fatalf("tabrelay: %v", err)
	}
}

func run(configPath, listenOverride string) error {
	path := configPath
	if path == "" {
		var err error
		path, err = config.ConfigPath()
		if err != nil {
			return err
		}
	}
	cfg, err := config.LoadFromPath(path)
	if err != nil {
		return err
	}
	if listenOverride != "" {
		cfg.Server.Listen = listenOverride
	}

	kv, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer kv.Close()

	registry := provider.NewRegistry()
	if err := cfg.ApplyToRegistry(registry); err != nil {
		return err
	}

	store := contextstore.New(kv)
	startupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := store.RestoreAll(startupCtx); err != nil {
		// Degraded but usable: conversations start fresh.
		log.Printf("tabrelay: restore failed, starting with empty context: %v", err)
	}

	var history *engine.History
	if !cfg.History.Disabled {
		history = engine.NewHistory(kv, cfg.History.MaxEntries)
		if err := history.Load(startupCtx); err != nil {
			log.Printf("tabrelay: history load failed: %v", err)
		}
	}

	// The current config is re-read on hot reload; API keys resolve
	// against the latest copy.
	current := &configHolder{cfg: cfg}
	apiKey := func(providerID string) string {
		return current.get().APIKey(providerID)
	}

	eng := engine.New(engine.Config{
		Store:     store,
		Providers: registry,
		History:   history,
		APIKey:    apiKey,
	})
	cache := modelcache.New(modelcache.Config{
		KV:     kv,
		APIKey: apiKey,
	})

	srv := server.New(server.Config{
		Listen:    cfg.Server.Listen,
		Engine:    eng,
		Store:     store,
		Providers: registry,
		Cache:     cache,
	})

	watcher, err := config.NewWatcher(path, func(next *config.Config) {
		current.set(next)
		if err := next.ApplyToRegistry(registry); err != nil {
			log.Printf("tabrelay: reloaded config has bad provider setup: %v", err)
			return
		}
		log.Printf("CONFIG_RELOAD | path=%s", path)
	})
	if err != nil {
		log.Printf("tabrelay: config watch unavailable: %v", err)
	} else if err := watcher.Watch(); err != nil {
		log.Printf("tabrelay: config watch failed: %v", err)
	} else {
		defer watcher.Close()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Printf("SHUTDOWN | signal=%s", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("tabrelay: server shutdown: %v", err)
	}

	// Drain pending write-behind persistence before closing the store.
	if err := store.Flush(shutdownCtx); err != nil {
		log.Printf("tabrelay: context flush: %v", err)
	}
	if history != nil {
		if err := history.Flush(shutdownCtx); err != nil {
			log.Printf("tabrelay: history flush: %v", err)
		}
	}
	return nil
}

// openStorage opens the configured KV backend.
func openStorage(cfg *config.Config) (storage.KV, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return storage.NewMemKV(), nil
	case "badger":
		dir, err := cfg.StorageDir()
		if err != nil {
			return nil, err
		}
		return storage.OpenBadger(storage.BadgerConfig{Path: filepath.Join(dir, "badger")})
	case "sqlite":
		dir, err := cfg.StorageDir()
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, err
		}
		return storage.OpenSQLite(filepath.Join(dir, "relay.db"))
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// configHolder hands the latest config to key resolvers across hot
// reloads.
type configHolder struct {
	mu  sync.RWMutex
	cfg *config.Config
}

func (h *configHolder) get() *config.Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

func (h *configHolder) set(cfg *config.Config) {
	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
}
