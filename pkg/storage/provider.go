package storage

import (
	"context"
	"io"
)

// Provider stores the temporary objects of public sessions.
// Local disk implements this; the in-memory provider serves tests and
// single-process deployments without a writable disk.
type Provider interface {
	// Name returns the provider name.
	Name() string

	// Create opens a new object for writing. Creating a key that already
	// exists is an error.
	Create(ctx context.Context, key string) (io.WriteCloser, error)

	// Open opens an object for reading and reports its size.
	Open(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)

	// Remove deletes an object. Removing a missing object returns ErrNotFound.
	Remove(ctx context.Context, key string) error

	// Close releases resources.
	Close() error
}
