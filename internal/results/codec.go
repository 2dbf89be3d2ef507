package results

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zlib"
)

type compressedStore struct {
	next Store
}

// NewCompressed zlib-compresses payloads on the way into next.
func NewCompressed(next Store) Store {
	return &compressedStore{next: next}
}

func (s *compressedStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	packed, err := Compress(value)
	if err != nil {
		return err
	}
	return s.next.Put(ctx, key, packed, ttl)
}

func (s *compressedStore) Get(ctx context.Context, key string) ([]byte, error) {
	packed, err := s.next.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return Decompress(packed)
}

// Compress returns the zlib encoding of b.
func Compress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		return nil, fmt.Errorf("zlib write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("zlib close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(b []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("zlib reader: %w", err)
	}
	defer r.Close() //nolint:errcheck
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("zlib read: %w", err)
	}
	return out, nil
}
