// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides the key-value storage collaborator consumed by
// the context store and caches.
//
// The interface mirrors extension storage semantics: opaque string keys,
// opaque byte values, whole-value overwrites. Three backends are provided:
// Badger (default, embedded LSM store), SQLite (single file), and an
// in-memory map for tests.
package storage

import "context"

// KV is the storage collaborator interface. Implementations must be safe
// for concurrent use.
type KV interface {
	// Get returns the values for the requested keys. Missing keys are
	// simply absent from the result, not an error.
	Get(ctx context.Context, keys []string) (map[string][]byte, error)

	// Set writes all given values, overwriting wholesale.
	Set(ctx context.Context, values map[string][]byte) error

	// Remove deletes the given keys. Deleting a missing key is not an error.
	Remove(ctx context.Context, keys []string) error

	// GetAll returns every stored entry. Used once at restore time.
	GetAll(ctx context.Context) (map[string][]byte, error)

	// Close releases backend resources.
	Close() error
}
