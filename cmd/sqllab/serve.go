package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"sqllab/internal/api"
	"sqllab/internal/app"
	"sqllab/internal/metrics"
	"sqllab/internal/middleware"
)

const (
	shutdownTimeout = 30 * time.Second
	drainTimeout    = 30 * time.Second
)

func newServeCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the reaper and (with TASK_QUEUE=pool) in-process workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, e)
		},
	}
}

func serve(ctx context.Context, e *env) error {
	cfg, logger := e.cfg, e.logger

	writeDB, readDB, err := openMetastore(ctx, e)
	if err != nil {
		return err
	}
	defer closeMetastore(writeDB, readDB)

	m := metrics.New()
	a, err := app.New(ctx, app.Deps{Cfg: cfg, WriteDB: writeDB, ReadDB: readDB, Metrics: m, Logger: logger}, app.RoleServer)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(drainTimeout); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}()

	if err := a.Reaper.Start(); err != nil {
		return err
	}
	defer a.Reaper.Stop()

	validator := middleware.NewSharedSecretValidator(cfg.Auth.JWTSecret)
	if cfg.Auth.Issuer != "" {
		validator = validator.WithIssuer(cfg.Auth.Issuer)
	}
	if cfg.Auth.Audience != "" {
		validator = validator.WithAudience(cfg.Auth.Audience)
	}

	router := api.NewRouter(ctx, api.RouterConfig{
		Handler:   api.NewHandler(a.Service, a.Health, logger),
		Validator: validator,
		Metrics:   m,
		RateLimit: middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			Burst:             cfg.RateLimitBurst,
		},
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Sync execution may run up to the SQL Lab timeout.
		WriteTimeout: cfg.SQLLab.Timeout() + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP API listening", "addr", cfg.ListenAddr, "tls", cfg.TLSCertFile != "",
			"results_backend", cfg.Results.Backend, "task_queue", cfg.TaskQueue.Kind)
		var err error
		if cfg.TLSCertFile != "" {
			err = srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down HTTP API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
