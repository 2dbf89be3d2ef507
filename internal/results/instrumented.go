package results

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"sqllab/internal/metrics"
)

type instrumentedStore struct {
	next Store

	putDuration, getDuration prometheus.ObserverVec
	storedSize, fetchedSize  prometheus.Observer
}

// NewInstrumented records latency and payload sizes of next under name.
func NewInstrumented(name string, next Store, m *metrics.Metrics) Store {
	return &instrumentedStore{
		next:        next,
		putDuration: m.BackendRequestDuration.MustCurryWith(prometheus.Labels{"backend": name, "method": "put"}),
		getDuration: m.BackendRequestDuration.MustCurryWith(prometheus.Labels{"backend": name, "method": "get"}),
		storedSize:  m.BackendValueSize.WithLabelValues(name, "put"),
		fetchedSize: m.BackendValueSize.WithLabelValues(name, "get"),
	}
}

func (s *instrumentedStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.storedSize.Observe(float64(len(value)))
	start := time.Now()
	err := s.next.Put(ctx, key, value, ttl)
	s.putDuration.WithLabelValues(statusLabel(err)).Observe(time.Since(start).Seconds())
	return err
}

func (s *instrumentedStore) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	v, err := s.next.Get(ctx, key)
	s.getDuration.WithLabelValues(statusLabel(err)).Observe(time.Since(start).Seconds())
	if err == nil {
		s.fetchedSize.Observe(float64(len(v)))
	}
	return v, err
}

func statusLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsNotFound(err):
		return "miss"
	default:
		return "error"
	}
}
