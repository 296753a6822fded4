// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sse

import (
	"encoding/json"
	"fmt"
	"strings"
)

// =============================================================================
// FRAME CONSTANTS
// =============================================================================

const (
	// dataPrefix marks an SSE payload line.
	dataPrefix = "data: "

	// doneSentinel is the literal terminal marker sent by OpenAI-compatible
	// endpoints. Some providers send trailing usage-only chunks after it, so
	// callers must keep reading until the network stream itself ends.
	doneSentinel = "[DONE]"
)

// =============================================================================
// LINE REASSEMBLY
// =============================================================================

// SplitLines joins the remainder carried over from the previous read with
// newly arrived text, splits on "\n", and returns every complete line plus
// the trailing partial line as the new remainder.
//
// Chaining remainders across calls never loses or duplicates bytes: a line
// spanning two network reads comes out identical to the single-read case.
// The remainder may hold a partial UTF-8 sequence; Go strings carry raw
// bytes, so the split rune survives concatenation on the next call.
func SplitLines(remainder, incoming string) (lines []string, rest string) {
	buf := remainder + incoming
	parts := strings.Split(buf, "\n")
	return parts[:len(parts)-1], parts[len(parts)-1]
}

// =============================================================================
// CHUNK TYPES
// =============================================================================

// ChunkEvent is one parsed streaming chunk from the chat completions
// endpoint.
type ChunkEvent struct {
	ID      string        `json:"id"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage"`
}

// ChunkChoice holds the incremental update for one choice.
type ChunkChoice struct {
	Delta        Delta  `json:"delta"`
	FinishReason string `json:"finish_reason"`
}

// Delta is a provider's incremental update object. Reasoning text arrives
// under two different field names depending on the provider family.
type Delta struct {
	Role             string `json:"role,omitempty"`
	Content          string `json:"content"`
	Reasoning        string `json:"reasoning,omitempty"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// Usage carries token accounting, usually only on the final chunk.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// FirstDelta returns the first choice's delta, or nil when the chunk has no
// choices (usage-only chunks have none).
func (e *ChunkEvent) FirstDelta() *Delta {
	if e == nil || len(e.Choices) == 0 {
		return nil
	}
	return &e.Choices[0].Delta
}

// ReasoningText returns the reasoning text regardless of which field name
// the provider used. Empty string when the delta carries none.
func (d *Delta) ReasoningText() string {
	if d == nil {
		return ""
	}
	if d.Reasoning != "" {
		return d.Reasoning
	}
	return d.ReasoningContent
}

// =============================================================================
// DATA LINE PARSING
// =============================================================================

// DataLine is the outcome of parsing a single SSE line. Exactly one of the
// three outcomes is set; the zero value means the line was ignorable (blank
// line, comment, or a non-data field).
type DataLine struct {
	// Done is true for the "[DONE]" sentinel.
	Done bool

	// Event is the parsed chunk for a valid data line.
	Event *ChunkEvent

	// ParseErr is set when the payload after the data prefix is not valid
	// JSON. A parse error is soft: callers log it and keep reading.
	ParseErr error
}

// ParseDataLine classifies one line of an SSE stream.
func ParseDataLine(line string) DataLine {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, dataPrefix) {
		return DataLine{}
	}

	payload := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
	if payload == doneSentinel {
		return DataLine{Done: true}
	}

	var ev ChunkEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return DataLine{ParseErr: fmt.Errorf("malformed chunk: %w", err)}
	}
	return DataLine{Event: &ev}
}

// =============================================================================
// DELTA STATS
// =============================================================================

// DeltaStats summarizes one chunk for diagnostics. Extraction never fails:
// missing fields simply read as zero.
type DeltaStats struct {
	ContentLength   int
	ReasoningLength int
	HasUsage        bool
	TotalTokens     int
}

// ExtractDeltaStats inspects a parsed chunk for telemetry purposes.
func ExtractDeltaStats(ev *ChunkEvent) DeltaStats {
	var stats DeltaStats
	if ev == nil {
		return stats
	}
	if d := ev.FirstDelta(); d != nil {
		stats.ContentLength = len(d.Content)
		stats.ReasoningLength = len(d.ReasoningText())
	}
	if ev.Usage != nil {
		stats.HasUsage = true
		stats.TotalTokens = ev.Usage.TotalTokens
	}
	return stats
}
