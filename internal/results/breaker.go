package results

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

type breakerStore struct {
	next Store
	cb   *gobreaker.CircuitBreaker[[]byte]
}

// BreakerConfig tunes the circuit breaker around a store.
type BreakerConfig struct {
	// ConsecutiveFailures opens the breaker. Zero means 5.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open. Zero means 30s.
	OpenTimeout time.Duration
}

// NewBreaker stops calling next after repeated failures so a dead backend
// fails fast instead of stalling every worker. Missing keys do not count as
// failures.
func NewBreaker(name string, next Store, cfg BreakerConfig, logger *slog.Logger) Store {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsNotFound(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("results backend breaker state changed", "backend", name, "from", from.String(), "to", to.String())
		},
	})
	return &breakerStore{next: next, cb: cb}
}

func (s *breakerStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.cb.Execute(func() ([]byte, error) {
		return nil, s.next.Put(ctx, key, value, ttl)
	})
	return err
}

func (s *breakerStore) Get(ctx context.Context, key string) ([]byte, error) {
	return s.cb.Execute(func() ([]byte, error) {
		return s.next.Get(ctx, key)
	})
}
