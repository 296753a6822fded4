// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package contextstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jeranaias/tabrelay/internal/storage"
)

// MaxContextMessages is the retention bound: a conversation never holds
// more than this many messages.
const MaxContextMessages = 16

// persistTimeout bounds each background storage write.
const persistTimeout = 10 * time.Second

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single conversation turn. Immutable once appended; ordering
// is insertion order.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewUserMessage creates a user turn.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates an assistant turn.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// ErrorReporter receives background failures (persistence, restore decode).
type ErrorReporter func(op string, err error)

// =============================================================================
// STORE
// =============================================================================

// Store maps conversation keys to bounded message lists, with write-behind
// persistence to a KV backend. All methods are safe for concurrent use;
// append+truncate for one key is a single critical section, so concurrent
// sessions on the same key cannot interleave mid-mutation.
type Store struct {
	mu            sync.Mutex
	conversations map[Key][]Message

	// persistTail chains background writes per key so an older snapshot can
	// never land after a newer one.
	persistTail map[Key]chan struct{}

	kv        storage.KV
	reportErr ErrorReporter
}

// New creates a store backed by kv. A nil kv disables persistence; the
// store then works purely in memory.
func New(kv storage.KV) *Store {
	return &Store{
		conversations: make(map[Key][]Message),
		persistTail:   make(map[Key]chan struct{}),
		kv:            kv,
		reportErr: func(op string, err error) {
			log.Printf("contextstore: %s: %v", op, err)
		},
	}
}

// SetErrorReporter replaces the background-failure reporter. Tests use this
// to assert that no failure goes unobserved.
func (s *Store) SetErrorReporter(fn ErrorReporter) {
	if fn != nil {
		s.reportErr = fn
	}
}

// Get returns a copy of the current message list for key. Never nil.
func (s *Store) Get(key Key) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.conversations[key]...)
}

// Size returns the current message count for key.
func (s *Store) Size(key Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conversations[key])
}

// Append adds a message, drops the oldest turns beyond MaxContextMessages,
// and returns a copy of the resulting list.
func (s *Store) Append(key Key, msg Message) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := append(s.conversations[key], msg)
	if len(list) > MaxContextMessages {
		list = append([]Message(nil), list[len(list)-MaxContextMessages:]...)
	}
	s.conversations[key] = list

	return append([]Message(nil), list...)
}

// Clear removes the conversation from memory and schedules deletion of its
// persisted record.
func (s *Store) Clear(key Key) {
	s.mu.Lock()
	delete(s.conversations, key)
	s.mu.Unlock()

	s.enqueueWrite(key, nil)
}

// Persist schedules a write of the current list for key. The write is
// asynchronous; failures are reported and swallowed — the in-memory state
// stays authoritative for the process lifetime.
func (s *Store) Persist(key Key) {
	s.mu.Lock()
	snapshot := append([]Message(nil), s.conversations[key]...)
	s.mu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		s.reportErr("marshal "+key.String(), err)
		return
	}
	s.enqueueWrite(key, data)
}

// enqueueWrite chains a storage operation behind any pending write for the
// same key. data == nil means delete.
func (s *Store) enqueueWrite(key Key, data []byte) {
	if s.kv == nil {
		return
	}

	done := make(chan struct{})
	s.mu.Lock()
	prev := s.persistTail[key]
	s.persistTail[key] = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}

		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		var err error
		if data == nil {
			err = s.kv.Remove(ctx, []string{key.StorageKey()})
		} else {
			err = s.kv.Set(ctx, map[string][]byte{key.StorageKey(): data})
		}
		if err != nil {
			s.reportErr("persist "+key.String(), err)
		}
	}()
}

// Flush waits for all pending background writes, or until ctx is done.
// Called at shutdown and by tests.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	tails := make([]chan struct{}, 0, len(s.persistTail))
	for _, ch := range s.persistTail {
		tails = append(tails, ch)
	}
	s.mu.Unlock()

	for _, ch := range tails {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// RestoreAll loads every persisted conversation in the namespace into the
// in-memory map. Called once at startup. Entries that fail to decode are
// reported and skipped; a missing backing store is a no-op.
func (s *Store) RestoreAll(ctx context.Context) error {
	if s.kv == nil {
		return nil
	}

	all, err := s.kv.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("restore conversations: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for storageKey, raw := range all {
		key, ok := ParseStoredKey(storageKey)
		if !ok {
			continue // other namespaces share the store
		}
		var msgs []Message
		if err := json.Unmarshal(raw, &msgs); err != nil {
			s.reportErr("restore "+storageKey, err)
			continue
		}
		if len(msgs) > MaxContextMessages {
			msgs = msgs[len(msgs)-MaxContextMessages:]
		}
		s.conversations[key] = msgs
	}
	return nil
}
