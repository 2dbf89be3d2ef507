// Package results implements the results backends that hold query payloads
// between a worker run and the client's fetch.
package results

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"sqllab/internal/domain"
)

// KeyPrefix namespaces result payloads in shared stores.
const KeyPrefix = "sqllab/results/"

// Store is an error-reporting key/value store for payloads. Get returns a
// *domain.NotFoundError when the key is absent or expired.
type Store interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
}

var _ domain.ResultBackend = (*Backend)(nil)

// Backend adapts a Store to domain.ResultBackend. Write failures are logged
// and reported as a refused Set.
type Backend struct {
	store  Store
	logger *slog.Logger
}

// NewBackend wraps store.
func NewBackend(store Store, logger *slog.Logger) *Backend {
	return &Backend{store: store, logger: logger.With("component", "results_backend")}
}

// Set stores value and reports whether the write succeeded.
func (b *Backend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	if err := b.store.Put(ctx, key, value, ttl); err != nil {
		b.logger.Warn("results backend refused write", "key", key, "bytes", len(value), "error", err)
		return false
	}
	return true
}

// Get returns the stored payload.
func (b *Backend) Get(ctx context.Context, key string) ([]byte, error) {
	return b.store.Get(ctx, key)
}

func notFound(key string) error {
	return domain.ErrNotFound("results key %q not found", key)
}

// IsNotFound reports whether err means the key does not exist.
func IsNotFound(err error) bool {
	var nf *domain.NotFoundError
	return errors.As(err, &nf)
}
