// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine drives streaming and one-shot chat completion requests.
//
// The streaming orchestrator owns the session state machine: it resolves
// the provider and API key, loads and bounds the conversation context,
// issues the HTTP call, feeds incoming bytes through the SSE parser, and
// forwards events to the consumer port in arrival order. A "complete" or
// "error" event is always the last event of a session; once a session has
// started, no failure escapes as a Go error past the port boundary.
//
// The non-streaming bridge shares the context store and request builder
// and adds bounded retry for transient upstream failures.
package engine
