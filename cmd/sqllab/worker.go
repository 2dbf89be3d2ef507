package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"sqllab/internal/app"
	"sqllab/internal/metrics"
)

func newWorkerCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume async queries from the Redis task queue",
		Long: "Consume async queries from the Redis task queue. Requires TASK_QUEUE=redis and " +
			"REDIS_ADDR; the server must use the same queue key and a shared results backend.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return work(ctx, e)
		},
	}
}

func work(ctx context.Context, e *env) error {
	writeDB, readDB, err := openMetastore(ctx, e)
	if err != nil {
		return err
	}
	defer closeMetastore(writeDB, readDB)

	a, err := app.New(ctx, app.Deps{
		Cfg: e.cfg, WriteDB: writeDB, ReadDB: readDB, Metrics: metrics.New(), Logger: e.logger,
	}, app.RoleWorker)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(drainTimeout); err != nil {
			e.logger.Warn("shutdown", "error", err)
		}
	}()

	if err := a.Reaper.Start(); err != nil {
		return err
	}
	defer a.Reaper.Stop()

	e.logger.Info("worker started", "queue", e.cfg.TaskQueue.RedisKey, "pool_size", e.cfg.TaskQueue.PoolSize)
	return a.Consumer.Run(ctx)
}
