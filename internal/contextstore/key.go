// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package contextstore

import (
	"fmt"
	"strconv"
	"strings"
)

// storageKeyPrefix namespaces conversation records in the KV store.
const storageKeyPrefix = "tabrelay_context_"

// DefaultKeyID is the literal conversation key used when no tab context
// exists. It must round-trip through storage as a string, never as a
// number.
const DefaultKeyID = "default"

// Key identifies a conversation: a numeric tab id, or the default sentinel.
// The zero value is the default key.
type Key struct {
	tab   int
	isTab bool
}

// TabKey returns the key for a browser tab id.
func TabKey(id int) Key {
	return Key{tab: id, isTab: true}
}

// DefaultKey returns the tab-less sentinel key.
func DefaultKey() Key {
	return Key{}
}

// IsDefault reports whether k is the sentinel key.
func (k Key) IsDefault() bool {
	return !k.isTab
}

// Tab returns the tab id and whether the key has one.
func (k Key) Tab() (int, bool) {
	return k.tab, k.isTab
}

// String returns the wire form: the tab id in decimal, or "default".
func (k Key) String() string {
	if !k.isTab {
		return DefaultKeyID
	}
	return strconv.Itoa(k.tab)
}

// StorageKey returns the namespaced key under which the conversation is
// persisted.
func (k Key) StorageKey() string {
	return storageKeyPrefix + k.String()
}

// ParseKeyID parses the wire form of a conversation key as sent by a
// consumer. Empty input maps to the default key.
func ParseKeyID(id string) (Key, error) {
	if id == "" || id == DefaultKeyID {
		return DefaultKey(), nil
	}
	n, err := strconv.Atoi(id)
	if err != nil {
		return Key{}, fmt.Errorf("invalid conversation key %q: %w", id, err)
	}
	return TabKey(n), nil
}

// ParseStoredKey recovers a Key from its storage key. Numeric suffixes
// parse back to tab ids; the default sentinel stays a string. Keys outside
// the namespace report false.
func ParseStoredKey(storageKey string) (Key, bool) {
	suffix, ok := strings.CutPrefix(storageKey, storageKeyPrefix)
	if !ok {
		return Key{}, false
	}
	if suffix == DefaultKeyID {
		return DefaultKey(), true
	}
	n, err := strconv.Atoi(suffix)
	if err != nil {
		return Key{}, false
	}
	return TabKey(n), true
}
