// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/jeranaias/tabrelay/internal/storage"
	"github.com/jeranaias/tabrelay/internal/util"
)

const (
	// historyStorageKey is the single record holding the history log.
	historyStorageKey = "tabrelay_history"

	// DefaultMaxHistoryEntries caps the history log; the oldest entries
	// are dropped first.
	DefaultMaxHistoryEntries = 50

	// historyPreviewLen bounds the stored prompt preview.
	historyPreviewLen = 200

	historyPersistTimeout = 10 * time.Second
)

// HistoryEntry is one completed exchange.
type HistoryEntry struct {
	Prompt string    `json:"prompt"`
	Answer string    `json:"answer"`
	Model  string    `json:"model"`
	At     time.Time `json:"at"`
}

// History is a capped log of completed prompt/answer pairs, persisted
// write-behind like the context store.
type History struct {
	mu         sync.Mutex
	entries    []HistoryEntry
	maxEntries int
	kv         storage.KV
	tail       chan struct{}
	reportErr  func(op string, err error)
}

// NewHistory creates a history log backed by kv (nil disables
// persistence). maxEntries <= 0 selects the default cap.
func NewHistory(kv storage.KV, maxEntries int) *History {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxHistoryEntries
	}
	return &History{
		maxEntries: maxEntries,
		kv:         kv,
		reportErr: func(op string, err error) {
			log.Printf("history: %s: %v", op, err)
		},
	}
}

// Load restores persisted entries. Called once at startup; a missing
// record or backend is a no-op.
func (h *History) Load(ctx context.Context) error {
	if h.kv == nil {
		return nil
	}
	got, err := h.kv.Get(ctx, []string{historyStorageKey})
	if err != nil {
		return err
	}
	raw, ok := got[historyStorageKey]
	if !ok {
		return nil
	}

	var entries []HistoryEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		h.reportErr("load", err)
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(entries) > h.maxEntries {
		entries = entries[len(entries)-h.maxEntries:]
	}
	h.entries = entries
	return nil
}

// Record appends an exchange and schedules persistence.
func (h *History) Record(prompt, answer, model string) {
	entry := HistoryEntry{
		Prompt: util.TruncateString(prompt, historyPreviewLen),
		Answer: answer,
		Model:  model,
		At:     time.Now(),
	}

	h.mu.Lock()
	h.entries = append(h.entries, entry)
	if len(h.entries) > h.maxEntries {
		h.entries = append([]HistoryEntry(nil), h.entries[len(h.entries)-h.maxEntries:]...)
	}
	snapshot := append([]HistoryEntry(nil), h.entries...)
	h.mu.Unlock()

	h.persist(snapshot)
}

// Entries returns a copy of the log, oldest first.
func (h *History) Entries() []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]HistoryEntry(nil), h.entries...)
}

// persist writes a snapshot behind any pending write.
func (h *History) persist(snapshot []HistoryEntry) {
	if h.kv == nil {
		return
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		h.reportErr("marshal", err)
		return
	}

	done := make(chan struct{})
	h.mu.Lock()
	prev := h.tail
	h.tail = done
	h.mu.Unlock()

	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		ctx, cancel := context.WithTimeout(context.Background(), historyPersistTimeout)
		defer cancel()
		if err := h.kv.Set(ctx, map[string][]byte{historyStorageKey: data}); err != nil {
			h.reportErr("persist", err)
		}
	}()
}

// Flush waits for pending writes, or until ctx is done.
func (h *History) Flush(ctx context.Context) error {
	h.mu.Lock()
	tail := h.tail
	h.mu.Unlock()
	if tail == nil {
		return nil
	}
	select {
	case <-tail:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
