// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jeranaias/tabrelay/internal/contextstore"
	"github.com/jeranaias/tabrelay/internal/provider"
)

// CompletionParams describe a one-shot (non-streaming) request. Either
// Messages is set (ad-hoc mode) or Key+Prompt are, mirroring the streaming
// path.
type CompletionParams struct {
	Provider string
	Model    string

	// Ad-hoc mode: full message list, context store bypassed.
	Messages []contextstore.Message

	// Conversation mode: the prompt is appended to the keyed context.
	Key    *contextstore.Key
	Prompt string

	WebSearch bool
	Reasoning bool
}

// CompletionResult is a successful one-shot response.
type CompletionResult struct {
	Content string
	Tokens  int
	Model   string
}

// chatResponse is the non-streaming response shape.
type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      contextstore.Message `json:"message"`
		FinishReason string               `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Complete performs a single-shot completion with bounded retry: up to
// MaxRetries attempts with exponential backoff. Only network failures and
// 5xx responses are retried; NoAPIKey, rate limits, client errors, and
// timeouts surface immediately.
func (e *Engine) Complete(ctx context.Context, params CompletionParams) (*CompletionResult, error) {
	prov, ok := e.resolveProvider(params.Provider)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, params.Provider)
	}
	apiKey := e.apiKey(prov.ID)
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}

	msgs := params.Messages
	if len(msgs) == 0 && params.Key != nil {
		msgs = e.store.Append(*params.Key, contextstore.NewUserMessage(params.Prompt))
		e.store.Persist(*params.Key)
	}

	body := provider.BuildRequestBody(prov, provider.BuildOptions{
		Model:     params.Model,
		Messages:  msgs,
		Stream:    false,
		WebSearch: params.WebSearch,
		Reasoning: params.Reasoning,
	})

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			delay := e.retryBase * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		res, err := e.doComplete(ctx, prov, apiKey, body)
		if err == nil {
			if params.Key != nil && len(params.Messages) == 0 {
				e.store.Append(*params.Key, contextstore.NewAssistantMessage(res.Content))
				e.store.Persist(*params.Key)
			}
			return res, nil
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// doComplete performs one non-streaming attempt.
func (e *Engine) doComplete(ctx context.Context, prov provider.Provider, apiKey string, body provider.ChatRequest) (*CompletionResult, error) {
	reqCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.postChat(reqCtx, prov, apiKey, body, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody*16))
	if err != nil {
		// The hard deadline can fire mid-read, after headers arrived.
		// That is still a timeout, and timeouts are never retried.
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyStatus(resp.StatusCode, raw)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return nil, ErrNoContent
	}

	model := parsed.Model
	if model == "" {
		model = body.Model
	}
	return &CompletionResult{
		Content: parsed.Choices[0].Message.Content,
		Tokens:  parsed.Usage.TotalTokens,
		Model:   model,
	}, nil
}
