// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package port defines the event channel between the streaming core and a
// UI consumer. The core depends only on the Port interface, never on a
// concrete transport; internal/server provides the WebSocket transport and
// ChannelPort provides an in-process one for tests and embedding.
package port

import (
	"errors"
	"sync"

	"github.com/jeranaias/tabrelay/internal/contextstore"
)

// ErrDisconnected is returned by Send once the consumer is gone.
var ErrDisconnected = errors.New("consumer disconnected")

// Event types flowing core -> consumer. "complete" or "error" is always the
// last event of a session.
const (
	EventContent   = "content"
	EventReasoning = "reasoning"
	EventComplete  = "complete"
	EventError     = "error"
)

// Event is one message of the stream protocol.
type Event struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
	Error     string `json:"error,omitempty"`

	// Completion payload. Tokens is nil when the provider reported no
	// usage.
	Tokens      *int   `json:"tokens,omitempty"`
	ContextSize int    `json:"contextSize,omitempty"`
	Model       string `json:"model,omitempty"`
}

// StartRequest is the consumer -> core start-stream command.
type StartRequest struct {
	Prompt          string `json:"prompt"`
	WebSearch       bool   `json:"webSearch"`
	Reasoning       bool   `json:"reasoning"`
	ConversationKey string `json:"conversationKey"`
	Retry           bool   `json:"retry"`

	// Messages switches the session to ad-hoc mode: the list is sent as-is
	// and the per-tab context store is bypassed.
	Messages []contextstore.Message `json:"messages,omitempty"`

	// Model and Provider override the configured defaults when set.
	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// Port is the consumer side of a stream session.
type Port interface {
	// Send forwards one event. Returns ErrDisconnected (or a transport
	// error) once the consumer is gone; the core stops the stream then.
	Send(Event) error

	// Disconnected is closed when the consumer goes away. Checked
	// cooperatively before each chunk is processed.
	Disconnected() <-chan struct{}
}

// =============================================================================
// IN-PROCESS PORT
// =============================================================================

// ChannelPort is a channel-backed Port for tests and in-process consumers.
type ChannelPort struct {
	events chan Event
	closed chan struct{}
	once   sync.Once
}

// NewChannelPort creates a port with the given event buffer.
func NewChannelPort(buffer int) *ChannelPort {
	return &ChannelPort{
		events: make(chan Event, buffer),
		closed: make(chan struct{}),
	}
}

// Send implements Port.
func (p *ChannelPort) Send(ev Event) error {
	select {
	case <-p.closed:
		return ErrDisconnected
	default:
	}
	select {
	case p.events <- ev:
		return nil
	case <-p.closed:
		return ErrDisconnected
	}
}

// Disconnected implements Port.
func (p *ChannelPort) Disconnected() <-chan struct{} {
	return p.closed
}

// Events returns the consumer side of the channel.
func (p *ChannelPort) Events() <-chan Event {
	return p.events
}

// Disconnect simulates the consumer going away. Idempotent.
func (p *ChannelPort) Disconnect() {
	p.once.Do(func() { close(p.closed) })
}
