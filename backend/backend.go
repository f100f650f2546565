// Package backend provides the key/value stores that hold cached instance
// metadata.
package backend

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// Backend defines the interface for metadata stores.
// Implementations must be safe for concurrent use and provide atomic
// per-key Get/Put/Delete: a reader sees either the old or the new value,
// never a partial write.
type Backend interface {
	// Get retrieves the value stored at key.
	// Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value at key, replacing any existing value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes the value at key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)
}

// Lister is implemented by backends that can enumerate their keys.
type Lister interface {
	// List returns all keys with the given prefix.
	// The prefix should use "/" as the path separator.
	List(ctx context.Context, prefix string) ([]string, error)
}

// ListingBackend is a Backend that can also enumerate its keys.
type ListingBackend interface {
	Backend
	Lister
}
