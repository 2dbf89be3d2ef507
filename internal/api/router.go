package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"sqllab/internal/metrics"
	"sqllab/internal/middleware"
)

// RouterConfig holds everything NewRouter needs.
type RouterConfig struct {
	Handler        *Handler
	Validator      middleware.JWTValidator
	Metrics        *metrics.Metrics
	RateLimit      middleware.RateLimitConfig
	AllowedOrigins []string
	Logger         *slog.Logger
}

// NewRouter builds the chi router. ctx bounds the rate limiter's cleanup
// goroutine.
func NewRouter(ctx context.Context, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(cfg.Logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Public endpoints.
	r.Get("/healthz", cfg.Handler.Health)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	r.Route("/api/v1/sqllab", func(r chi.Router) {
		r.Use(middleware.Authenticate(cfg.Validator, cfg.Logger))
		if cfg.RateLimit.RequestsPerSecond > 0 {
			r.Use(middleware.RateLimiter(ctx, cfg.RateLimit))
		}
		r.Post("/execute", cfg.Handler.Execute)
		r.Post("/stop", cfg.Handler.Stop)
		r.Get("/results/{key}", cfg.Handler.Results)
		r.Get("/queries", cfg.Handler.Queries)
		r.Get("/queries/{client_id}", cfg.Handler.Query)
	})
	return r
}
