// Package storage implements the pluggable object-store backend
// capability of the database: a flat, prefix-addressable blob
// keyspace with memory, local filesystem, S3, and GCS implementations.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get and Delete when key does not exist.
var ErrNotFound = errors.New("storage: key not found")

// ErrThrottled is returned when the backend signals rate-limiting; the
// engine classifies it and routes it to the backpressure controller.
var ErrThrottled = errors.New("storage: throttled")

// Backend is the storage-backend capability consumed by the storage
// engine: init, put, get, delete, list, exists. Implementations
// must surface rate-limiting errors as ErrThrottled (or an error
// satisfying errors.Is against it) so C5 can react.
type Backend interface {
	// Init prepares the backend (creating buckets/directories as
	// needed). It is safe to call more than once.
	Init(ctx context.Context) error

	// Put writes bytes under key, overwriting any existing value.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Get reads the bytes stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key, or returns ErrNotFound if it does not exist.
	Delete(ctx context.Context, key string) error

	// List returns up to maxKeys keys under prefix in lexicographic
	// order, plus a continuation token (empty when exhausted).
	List(ctx context.Context, prefix, pageToken string, maxKeys int) ([]string, string, error)

	// Exists reports whether the backing bucket/directory is reachable.
	Exists(ctx context.Context) (bool, error)

	// Close releases any held resources.
	Close() error
}

// Kind names a Backend implementation, matching the storage.kind
// configuration option.
type Kind string

const (
	KindMemory  Kind = "memory"
	KindLocalFS Kind = "local_fs"
	KindS3      Kind = "s3"
	KindGCS     Kind = "gcs"
)

// Options configures backend construction; which fields are consulted
// depends on Kind.
type Options struct {
	Kind        Kind
	Bucket      string
	Prefix      string
	Region      string
	Credentials string
	LocalPath   string
}

// New constructs the Backend named by opts.Kind.
func New(ctx context.Context, opts Options) (Backend, error) {
	switch opts.Kind {
	case KindLocalFS:
		return NewLocalFS(opts.LocalPath)
	case KindS3:
		return NewS3(ctx, opts)
	case KindGCS:
		return NewGCS(ctx, opts)
	case KindMemory, "":
		return NewMemory(), nil
	default:
		return nil, errors.New("storage: unknown backend kind " + string(opts.Kind))
	}
}
