package store

import (
	"context"
	"errors"
)

// Keyspace prefixes used by the control plane
const (
	TaskPrefix   = "task:"
	WorkerPrefix = "worker:"
)

var (
	// ErrNotFound is returned when a key has no value
	ErrNotFound = errors.New("store: key not found")

	// ErrUnavailable wraps transport-level failures. Callers decide between
	// retrying and propagating; redelivery handles non-terminal writes.
	ErrUnavailable = errors.New("store: unavailable")
)

// KV is the narrow key-value interface the control plane persists through.
// Writes are last-writer-wins; serialisation per task id is delegated to the
// dispatch engine's partition ownership.
type KV interface {
	// Put stores value under key. A zero ttl means no expiry.
	Put(ctx context.Context, key string, value []byte, ttl ...Option) error

	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key; deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// ListByPrefix streams every key/value pair under prefix to fn,
	// stopping early if fn returns false.
	ListByPrefix(ctx context.Context, prefix string, fn func(key string, value []byte) bool) error

	// Close releases the backend
	Close() error
}

// Option adjusts a single Put
type Option func(*putOptions)

type putOptions struct {
	ttlSeconds int64
}

// WithTTLSeconds expires the key after the given number of seconds.
// Backends without native expiry retain the key until a retention sweep.
func WithTTLSeconds(seconds int64) Option {
	return func(o *putOptions) {
		o.ttlSeconds = seconds
	}
}

func applyOptions(opts []Option) putOptions {
	var o putOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
