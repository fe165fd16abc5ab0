package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no resource exists at the requested path.
var ErrNotFound = errors.New("resource not found")

// Store is a durable key/value store addressed by hierarchical string paths.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the resource bytes stored at path, or ErrNotFound.
	Get(ctx context.Context, path string) ([]byte, error)

	// Put writes the resource bytes at path, stamped with ts. An existing
	// resource at the same path is replaced wholesale.
	Put(ctx context.Context, path string, data []byte, ts time.Time) error

	// ListRecursive returns all resource paths under the given prefix,
	// lexicographically sorted.
	ListRecursive(ctx context.Context, prefix string) ([]string, error)

	// Close releases any resources held by the store.
	Close() error
}
