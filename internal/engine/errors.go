// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jeranaias/tabrelay/internal/provider"
)

// Fatal-to-session errors. Each yields exactly one user-facing message so
// the UI can offer the right retry action.
var (
	// ErrNoAPIKey: no key configured for the provider; no network call is
	// made.
	ErrNoAPIKey = errors.New("no API key configured")

	// ErrUnknownProvider: the request named a provider the registry does
	// not know.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrTimeout: the request hit the hard timeout.
	ErrTimeout = errors.New("request timed out")

	// ErrRateLimited: HTTP 429 from the upstream.
	ErrRateLimited = errors.New("rate limited")

	// ErrNoContent: the stream ended without producing any output.
	ErrNoContent = errors.New("model returned no output")

	// ErrNoAnswer: the stream produced reasoning but no final answer.
	ErrNoAnswer = errors.New("model produced reasoning but no final answer")
)

// classifyStatus converts a non-2xx response into the session error
// taxonomy: 429 maps to ErrRateLimited, everything else surfaces the
// best-effort parsed upstream message.
func classifyStatus(status int, body []byte) error {
	apiErr := provider.ParseErrorResponse(status, body)
	if status == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %s", ErrRateLimited, apiErr.Message)
	}
	return apiErr
}

// retryable reports whether the bridge may retry after err. Only network
// failures and 5xx server errors qualify; NoAPIKey, rate limits, client
// errors, and timeouts surface immediately.
func retryable(err error) bool {
	if errors.Is(err, ErrNoAPIKey) || errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrTimeout) || errors.Is(err, ErrNoContent) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500
	}
	// Anything else here is a transport-level failure.
	return true
}
