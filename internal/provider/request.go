// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"net/http"
	"strings"

	"github.com/jeranaias/tabrelay/internal/contextstore"
)

// ChatRequest is the outbound chat completions body.
type ChatRequest struct {
	Model    string                 `json:"model"`
	Messages []contextstore.Message `json:"messages"`
	Stream   bool                   `json:"stream"`

	// Reasoning activation — exactly one of these is set, per provider
	// family.
	Reasoning       *ReasoningConfig `json:"reasoning,omitempty"`
	ReasoningEffort string           `json:"reasoning_effort,omitempty"`

	// WebSearch is the request-level flag variant of web search.
	WebSearch bool `json:"web_search,omitempty"`
}

// ReasoningConfig is the object-flag reasoning activation shape.
type ReasoningConfig struct {
	Enabled bool `json:"enabled"`
}

// BuildOptions are the inputs to BuildRequestBody.
type BuildOptions struct {
	Model     string
	Messages  []contextstore.Message
	Stream    bool
	WebSearch bool
	Reasoning bool
}

// BuildRequestBody assembles the request body for a provider, applying its
// reasoning and web-search conventions. Capabilities the provider does not
// declare are silently omitted.
func BuildRequestBody(p Provider, opts BuildOptions) ChatRequest {
	model := opts.Model
	if model == "" {
		model = p.DefaultModel
	}

	req := ChatRequest{
		Messages: opts.Messages,
		Stream:   opts.Stream,
	}

	if opts.WebSearch {
		switch p.WebSearchStyle {
		case WebSearchSuffix:
			// Idempotent: never double-append on retries.
			if p.WebSearchSuffix != "" && !strings.HasSuffix(model, p.WebSearchSuffix) {
				model += p.WebSearchSuffix
			}
		case WebSearchFlag:
			req.WebSearch = true
		}
	}

	if opts.Reasoning {
		switch p.ReasoningStyle {
		case ReasoningObject:
			req.Reasoning = &ReasoningConfig{Enabled: true}
		case ReasoningEffort:
			effort := p.ReasoningEffort
			if effort == "" {
				effort = "medium"
			}
			req.ReasoningEffort = effort
		}
	}

	req.Model = model
	return req
}

// BuildAuthHeaders returns the headers for an authenticated request: bearer
// token, JSON content type, and any provider-specific static headers.
func BuildAuthHeaders(p Provider, apiKey string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+apiKey)
	h.Set("Content-Type", "application/json")
	for k, v := range p.Headers {
		h.Set(k, v)
	}
	return h
}
