// Package app provides application-level wiring and dependency injection
// for the SQL Lab server and worker binaries.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"sqllab/internal/config"
	"sqllab/internal/db/crypto"
	"sqllab/internal/db/repository"
	"sqllab/internal/domain"
	"sqllab/internal/engine"
	"sqllab/internal/metrics"
	"sqllab/internal/results"
	"sqllab/internal/service/security"
	"sqllab/internal/service/sqllab"
	"sqllab/internal/taskqueue"
)

// Role selects which half of the system a process runs.
type Role string

// Process roles.
const (
	// RoleServer accepts HTTP requests. With the pool queue it also runs
	// async tasks in-process.
	RoleServer Role = "server"
	// RoleWorker consumes tasks from the shared Redis queue.
	RoleWorker Role = "worker"
)

// Deps holds the external dependencies that main() must provide.
type Deps struct {
	Cfg     *config.Config
	WriteDB *sql.DB
	ReadDB  *sql.DB
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// App holds the fully-wired pipeline and the resources Close releases.
type App struct {
	Service   *sqllab.Service
	Reaper    *sqllab.Reaper
	Databases *repository.DatabaseRepo

	// Pool runs tasks in this process; nil for a server using the Redis
	// queue.
	Pool *taskqueue.Pool
	// Consumer feeds Pool from Redis; set only for RoleWorker.
	Consumer *taskqueue.Consumer

	readDB    *sql.DB
	connector *engine.Connector
	redis     []*redis.Client
}

// New wires repositories, the engine, the results backend, the task queue
// and the SQL Lab service for role.
func New(ctx context.Context, deps Deps, role Role) (*App, error) {
	cfg := deps.Cfg
	logger := deps.Logger
	a := &App{readDB: deps.ReadDB}

	opts, err := Options(cfg)
	if err != nil {
		return nil, err
	}

	// === Repositories ===
	queryRepo := repository.NewQueryRepo(deps.WriteDB).WithReadDB(deps.ReadDB)
	dbRepo := repository.NewDatabaseRepo(deps.WriteDB)
	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}
	dbRepo.SetEncryptor(encryptor)
	a.Databases = dbRepo

	if !cfg.IsProduction() {
		if err := seedExampleDatabase(ctx, dbRepo, logger); err != nil {
			logger.Warn("seed example database failed", "error", err)
		}
	}

	// === Access control ===
	validator, err := security.NewAccessValidator(cfg.Auth.DefaultRole, cfg.Auth.PolicyFile, logger)
	if err != nil {
		return nil, fmt.Errorf("access validator: %w", err)
	}

	// === Engine ===
	a.connector = engine.NewConnector(cfg.TaskQueue.PoolSize + 2)
	exec := engine.NewExecutor(a.connector, logger.With("component", "engine"))

	// === Results backend ===
	backend, resultsRedis, err := results.New(ctx, ResultsConfig(cfg), deps.Metrics, logger)
	if err != nil {
		_ = a.closeResources()
		return nil, fmt.Errorf("results backend: %w", err)
	}
	if resultsRedis != nil {
		a.redis = append(a.redis, resultsRedis)
	}
	if backend == nil && opts.BackendPersistence {
		logger.Warn("no results backend configured; async queries will fail")
	}

	// === Task queue ===
	registry := taskqueue.NewRegistry()
	var tasks domain.TaskQueue
	var queueRedis *redis.Client
	if cfg.TaskQueue.Kind == config.TaskQueueRedis {
		queueRedis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.redis = append(a.redis, queueRedis)
		tasks = taskqueue.NewRedisQueue(queueRedis, cfg.TaskQueue.RedisKey)
	}
	if role == RoleWorker || cfg.TaskQueue.Kind != config.TaskQueueRedis {
		a.Pool, err = taskqueue.NewPool(taskqueue.PoolConfig{
			Size:          cfg.TaskQueue.PoolSize,
			Backlog:       cfg.TaskQueue.Backlog,
			RatePerSecond: cfg.TaskQueue.RateRPS,
			TimeLimit:     opts.AsyncTimeLimit,
		}, registry, deps.Metrics, logger)
		if err != nil {
			_ = a.closeResources()
			return nil, err
		}
		if tasks == nil {
			tasks = a.Pool
		}
	}
	if role == RoleWorker {
		if queueRedis == nil {
			_ = a.Close(0)
			return nil, errors.New("worker role requires TASK_QUEUE=redis")
		}
		a.Consumer = taskqueue.NewConsumer(queueRedis, cfg.TaskQueue.RedisKey, a.Pool, logger)
	}

	// === Service ===
	svc, err := sqllab.New(sqllab.Deps{
		Queries:   queryRepo,
		Databases: dbRepo,
		Validator: validator,
		Results:   backend,
		Engine:    exec,
		Tasks:     tasks,
		Metrics:   deps.Metrics,
		Logger:    logger,
	}, opts)
	if err != nil {
		_ = a.Close(0)
		return nil, err
	}
	registry.Register(sqllab.TaskGetSQLResults, svc.Worker.HandleTask)
	a.Service = svc

	a.Reaper = sqllab.NewReaper(cfg.ReaperSchedule, queryRepo, opts, deps.Metrics, logger)
	return a, nil
}

// Health pings the metastore read pool.
func (a *App) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return a.readDB.PingContext(ctx)
}

// Close drains the task pool and releases engine pools and Redis clients.
// The metastore handles belong to the caller.
func (a *App) Close(drain time.Duration) error {
	var errs []error
	if a.Pool != nil {
		if err := a.Pool.Close(drain); err != nil {
			errs = append(errs, fmt.Errorf("close task pool: %w", err))
		}
	}
	if err := a.closeResources(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeResources() error {
	var errs []error
	if a.connector != nil {
		if err := a.connector.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close engine pools: %w", err))
		}
	}
	for _, c := range a.redis {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	a.redis = nil
	return errors.Join(errs...)
}
