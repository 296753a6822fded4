// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"crypto/tls"
	"log"
	"net/http"
	"time"

	"github.com/jeranaias/tabrelay/internal/contextstore"
	"github.com/jeranaias/tabrelay/internal/provider"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultRequestTimeout is the hard timeout for one upstream request,
	// streaming or not.
	DefaultRequestTimeout = 120 * time.Second

	// MaxRetries bounds the non-streaming bridge's attempts.
	MaxRetries = 3

	// RetryBaseDelay is the base for the bridge's exponential backoff.
	RetryBaseDelay = 1 * time.Second

	// readBufferSize is the chunk size for streaming body reads.
	readBufferSize = 4 * 1024

	// maxErrorBody bounds how much of an error response body is read.
	maxErrorBody = 64 * 1024
)

// sharedStreamingClient is used for all upstream requests. No client-level
// timeout: streaming responses stay open for minutes and the per-request
// deadline is carried by the context.
var sharedStreamingClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	},
}

// =============================================================================
// ENGINE
// =============================================================================

// KeyResolver returns the API key for a provider id, empty when none is
// configured.
type KeyResolver func(providerID string) string

// Engine coordinates streaming sessions and one-shot completions.
type Engine struct {
	store     *contextstore.Store
	providers *provider.Registry
	history   *History
	apiKey    KeyResolver
	client    *http.Client
	timeout   time.Duration
	retryBase time.Duration
	reportErr func(op string, err error)
}

// Config assembles an Engine. Store, Providers and APIKey are required;
// everything else has defaults.
type Config struct {
	Store     *contextstore.Store
	Providers *provider.Registry
	APIKey    KeyResolver

	// History, when set, records completed prompt/answer pairs.
	History *History

	// Timeout overrides DefaultRequestTimeout.
	Timeout time.Duration

	// RetryBaseDelay overrides the bridge backoff base.
	RetryBaseDelay time.Duration

	// HTTPClient overrides the shared pooled client.
	HTTPClient *http.Client

	// ErrorReporter receives non-fatal background failures.
	ErrorReporter func(op string, err error)
}

// New creates an engine.
func New(cfg Config) *Engine {
	e := &Engine{
		store:     cfg.Store,
		providers: cfg.Providers,
		history:   cfg.History,
		apiKey:    cfg.APIKey,
		client:    cfg.HTTPClient,
		timeout:   cfg.Timeout,
		retryBase: cfg.RetryBaseDelay,
		reportErr: cfg.ErrorReporter,
	}
	if e.client == nil {
		e.client = sharedStreamingClient
	}
	if e.timeout <= 0 {
		e.timeout = DefaultRequestTimeout
	}
	if e.retryBase <= 0 {
		e.retryBase = RetryBaseDelay
	}
	if e.apiKey == nil {
		e.apiKey = func(string) string { return "" }
	}
	if e.reportErr == nil {
		e.reportErr = func(op string, err error) {
			log.Printf("engine: %s: %v", op, err)
		}
	}
	return e
}

// resolveProvider returns the provider for an id, or the registry default
// for the empty id.
func (e *Engine) resolveProvider(id string) (provider.Provider, bool) {
	if id == "" {
		return e.providers.Default(), true
	}
	return e.providers.Get(id)
}
