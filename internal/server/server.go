// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the relay to UI surfaces.
//
// Endpoints:
//   - GET /v1/port     - WebSocket stream port (start/clear commands)
//   - GET /v1/models   - Cached model list for a provider
//   - GET /v1/balance  - Cached account balance for a provider
//   - GET /health      - Health check
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/jeranaias/tabrelay/internal/contextstore"
	"github.com/jeranaias/tabrelay/internal/engine"
	"github.com/jeranaias/tabrelay/internal/modelcache"
	"github.com/jeranaias/tabrelay/internal/provider"
)

// Version is the server version.
const Version = "0.1.0"

// DefaultListen is the default bind address.
const DefaultListen = "127.0.0.1:8765"

// Server wires the engine, context store, and caches behind HTTP.
type Server struct {
	listen string
	router *http.ServeMux
	server *http.Server

	engine    *engine.Engine
	store     *contextstore.Store
	providers *provider.Registry
	cache     *modelcache.Cache

	startTime time.Time
}

// Config assembles a Server.
type Config struct {
	Listen    string
	Engine    *engine.Engine
	Store     *contextstore.Store
	Providers *provider.Registry
	Cache     *modelcache.Cache
}

// New creates a server. An empty Listen selects the default address.
func New(cfg Config) *Server {
	s := &Server{
		listen:    cfg.Listen,
		router:    http.NewServeMux(),
		engine:    cfg.Engine,
		store:     cfg.Store,
		providers: cfg.Providers,
		cache:     cfg.Cache,
		startTime: time.Now(),
	}
	if s.listen == "" {
		s.listen = DefaultListen
	}
	s.setupRoutes()
	// Built here, not in Start, so Shutdown can be called from another
	// goroutine without racing the listener startup. No WriteTimeout: the
	// port endpoint holds connections open indefinitely.
	s.server = &http.Server{
		Addr:        s.listen,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	return s
}

// Addr returns the configured bind address.
func (s *Server) Addr() string {
	return s.listen
}

// Handler returns the routed handler with middleware applied. Exposed for
// tests.
func (s *Server) Handler() http.Handler {
	return Chain(
		RecoveryMiddleware(),
		LoggingMiddleware(log.Default()),
	)(s.router)
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("GET /v1/port", s.handlePort)
	s.router.HandleFunc("GET /v1/models", s.handleModels)
	s.router.HandleFunc("GET /v1/balance", s.handleBalance)
	s.router.HandleFunc("GET /health", s.handleHealth)
}

// Start runs the server until Shutdown or a listener error.
func (s *Server) Start() error {
	log.Printf("SERVER_START | addr=%s version=%s", s.listen, Version)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server. Safe to call even if Start never
// ran.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Printf("SERVER_SHUTDOWN | starting graceful shutdown")
	return s.server.Shutdown(ctx)
}

// =============================================================================
// HANDLERS
// =============================================================================

// resolveProvider reads the ?provider= query parameter, empty selecting
// the default.
func (s *Server) resolveProvider(r *http.Request) (provider.Provider, error) {
	id := r.URL.Query().Get("provider")
	if id == "" {
		return s.providers.Default(), nil
	}
	prov, ok := s.providers.Get(id)
	if !ok {
		return provider.Provider{}, fmt.Errorf("unknown provider %q", id)
	}
	return prov, nil
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	prov, err := s.resolveProvider(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	models, err := s.cache.Models(r.Context(), prov)
	if err != nil {
		writeError(w, upstreamStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"provider": prov.ID,
		"models":   models,
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	prov, err := s.resolveProvider(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	balance, err := s.cache.Balance(r.Context(), prov)
	if errors.Is(err, modelcache.ErrNoBalanceEndpoint) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, upstreamStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"provider": prov.ID,
		"balance":  balance,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        Version,
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
	})
}

// upstreamStatus maps a provider API error onto our response, 502 for
// anything else.
func upstreamStatus(err error) int {
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) && apiErr.Status > 0 {
		return apiErr.Status
	}
	return http.StatusBadGateway
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
