package results

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"sqllab/internal/domain"
	"sqllab/internal/metrics"
)

// Backend kinds accepted by New.
const (
	KindNone   = ""
	KindMemory = "memory"
	KindRedis  = "redis"
	KindS3     = "s3"
	KindGCS    = "gcs"
	KindAzure  = "azure"
	KindMinio  = "minio"
)

// Config selects and tunes the results backend.
type Config struct {
	Kind       string
	TTL        time.Duration
	Compress   bool
	MemorySize int
	RedisAddr  string
	Blob       BlobConfig
	Breaker    BreakerConfig
}

// New builds the configured backend wrapped in compression, breaker and
// instrumentation layers. It returns (nil, nil) when no backend is
// configured. The redis client, when one is created, is returned so the
// caller can close it.
func New(ctx context.Context, cfg Config, m *metrics.Metrics, logger *slog.Logger) (domain.ResultBackend, *redis.Client, error) {
	kind := strings.ToLower(strings.TrimSpace(cfg.Kind))
	var (
		store Store
		rdb   *redis.Client
		err   error
	)
	switch kind {
	case KindNone:
		return nil, nil, nil
	case KindMemory:
		store = NewMemoryStore(cfg.MemorySize, cfg.TTL)
	case KindRedis:
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		store = NewRedisStore(rdb)
	case KindS3:
		store, err = NewS3Store(cfg.Blob)
	case KindGCS:
		store, err = NewGCSStore(ctx, cfg.Blob)
	case KindAzure:
		store, err = NewAzureStore(cfg.Blob)
	case KindMinio:
		var ms *MinioStore
		ms, err = NewMinioStore(cfg.Blob)
		if err == nil {
			if berr := ms.EnsureBucket(ctx); berr != nil {
				logger.Warn("minio bucket check failed", "bucket", cfg.Blob.Bucket, "error", berr)
			}
			store = ms
		}
	default:
		return nil, nil, fmt.Errorf("unknown results backend %q", cfg.Kind)
	}
	if err != nil {
		return nil, nil, err
	}
	return Wrap(kind, store, cfg, m, logger), rdb, nil
}

// Wrap applies the standard decorator stack to store.
func Wrap(name string, store Store, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Backend {
	if cfg.Compress {
		store = NewCompressed(store)
	}
	if name != KindMemory {
		store = NewBreaker(name, store, cfg.Breaker, logger)
	}
	if m != nil {
		store = NewInstrumented(name, store, m)
	}
	return NewBackend(store, logger)
}
