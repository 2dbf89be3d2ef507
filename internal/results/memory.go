package results

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryStore keeps payloads in a size-bounded LRU with a single TTL.
// Suitable for the in-process pool runner only.
type MemoryStore struct {
	lru *expirable.LRU[string, []byte]
}

// NewMemoryStore creates a MemoryStore holding at most size entries, each
// expiring after ttl.
func NewMemoryStore(size int, ttl time.Duration) *MemoryStore {
	if size <= 0 {
		size = 1024
	}
	return &MemoryStore{lru: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

// Put stores value. The per-call ttl is ignored in favour of the store TTL.
func (s *MemoryStore) Put(_ context.Context, key string, value []byte, _ time.Duration) error {
	buf := make([]byte, len(value))
	copy(buf, value)
	s.lru.Add(key, buf)
	return nil
}

// Get returns the stored value.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := s.lru.Get(key)
	if !ok {
		return nil, notFound(key)
	}
	return v, nil
}
