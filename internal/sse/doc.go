// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sse parses the Server-Sent-Events wire format used by
// OpenAI-compatible streaming chat completion endpoints.
//
// The package is deliberately pure: it operates on text the caller has
// already read off the wire. The caller owns the socket, the byte-to-text
// decoding, and the carry-over buffer between reads. This keeps line
// reassembly testable without a network in sight.
//
// Frame format: payload lines are prefixed with "data: "; the literal
// payload "[DONE]" marks the end of the event stream. Anything else on a
// data line is a JSON chunk object. Blank lines and non-data fields
// (comments, "id:", "retry:") are ignored.
package sse
