// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider describes the upstream LLM providers the relay can talk
// to and builds the outbound request bodies and headers for them.
package provider

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// ReasoningStyle selects how a provider family activates extended
// reasoning.
type ReasoningStyle string

const (
	// ReasoningNone: the provider has no reasoning switch; the builder
	// silently omits reasoning config.
	ReasoningNone ReasoningStyle = ""

	// ReasoningObject: an object flag, {"reasoning": {"enabled": true}}.
	ReasoningObject ReasoningStyle = "object"

	// ReasoningEffort: a scalar effort field, "reasoning_effort": "medium".
	ReasoningEffort ReasoningStyle = "effort"
)

// WebSearchStyle selects how a provider enables web search.
type WebSearchStyle string

const (
	// WebSearchNone: no web search capability.
	WebSearchNone WebSearchStyle = ""

	// WebSearchSuffix: append a marker to the model id (e.g. ":online").
	WebSearchSuffix WebSearchStyle = "suffix"

	// WebSearchFlag: set a request-level boolean flag.
	WebSearchFlag WebSearchStyle = "flag"
)

// Provider holds the static configuration for one upstream.
type Provider struct {
	ID           string
	Name         string
	BaseURL      string
	DefaultModel string

	ReasoningStyle  ReasoningStyle
	ReasoningEffort string // effort value when style is ReasoningEffort

	WebSearchStyle  WebSearchStyle
	WebSearchSuffix string // model suffix when style is WebSearchSuffix

	// BalancePath is the account-balance endpoint path, empty when the
	// provider exposes none.
	BalancePath string

	// Headers are provider-specific static headers merged into every
	// request.
	Headers map[string]string
}

// ChatCompletionsURL returns the chat completions endpoint.
func (p Provider) ChatCompletionsURL() string {
	return strings.TrimSuffix(p.BaseURL, "/") + "/chat/completions"
}

// ModelsURL returns the model-list endpoint.
func (p Provider) ModelsURL() string {
	return strings.TrimSuffix(p.BaseURL, "/") + "/models"
}

// BalanceURL returns the balance endpoint, or empty when unsupported.
func (p Provider) BalanceURL() string {
	if p.BalancePath == "" {
		return ""
	}
	return strings.TrimSuffix(p.BaseURL, "/") + p.BalancePath
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry is the set of configured providers. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	defaultID string
}

// Builtins returns the providers the relay knows out of the box.
func Builtins() []Provider {
	return []Provider{
		{
			ID:              "openrouter",
			Name:            "OpenRouter",
			BaseURL:         "https://openrouter.ai/api/v1",
			DefaultModel:    "openrouter/auto",
			ReasoningStyle:  ReasoningObject,
			WebSearchStyle:  WebSearchSuffix,
			WebSearchSuffix: ":online",
			BalancePath:     "/credits",
			Headers: map[string]string{
				"HTTP-Referer": "https://tabrelay.local",
				"X-Title":      "tabrelay",
			},
		},
		{
			ID:              "openai",
			Name:            "OpenAI",
			BaseURL:         "https://api.openai.com/v1",
			DefaultModel:    "gpt-4o-mini",
			ReasoningStyle:  ReasoningEffort,
			ReasoningEffort: "medium",
		},
		{
			ID:             "deepseek",
			Name:           "DeepSeek",
			BaseURL:        "https://api.deepseek.com/v1",
			DefaultModel:   "deepseek-chat",
			WebSearchStyle: WebSearchFlag,
			BalancePath:    "/user/balance",
		},
	}
}

// NewRegistry creates a registry seeded with the builtin providers.
// OpenRouter is the default.
func NewRegistry() *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range Builtins() {
		r.providers[p.ID] = p
	}
	r.defaultID = "openrouter"
	return r
}

// Get looks up a provider by id.
func (r *Registry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// Register adds or replaces a provider.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID] = p
}

// Default returns the default provider.
func (r *Registry) Default() Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[r.defaultID]
}

// SetDefault changes the default provider.
func (r *Registry) SetDefault(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[id]; !ok {
		return fmt.Errorf("unknown provider %q", id)
	}
	r.defaultID = id
	return nil
}

// =============================================================================
// UPSTREAM ERRORS
// =============================================================================

// APIError is a non-2xx response from an upstream provider.
type APIError struct {
	Status  int
	Code    string
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("upstream error [%s] (HTTP %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("upstream error (HTTP %d): %s", e.Status, e.Message)
}

// errorEnvelope is the common error body shape.
type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ParseErrorResponse converts a non-2xx body into an *APIError. The body is
// parsed best-effort; unparseable bodies fall back to a generic message.
func ParseErrorResponse(status int, body []byte) *APIError {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		return &APIError{Status: status, Code: env.Error.Code, Message: env.Error.Message}
	}

	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = "request failed"
	}
	return &APIError{Status: status, Message: msg}
}
