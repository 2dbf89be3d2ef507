package config

import (
	"github.com/spf13/pflag"
)

// Flag names shared by the binaries.
const (
	FlagListenAddr     = "listen-addr"
	FlagMetaDB         = "meta-db"
	FlagLogLevel       = "log-level"
	FlagTimeout        = "sqllab-timeout"
	FlagAsyncTimeLimit = "sqllab-async-time-limit"
	FlagResultsBackend = "results-backend"
	FlagTaskQueue      = "task-queue"
	FlagPoolSize       = "task-pool-size"
	FlagRedisAddr      = "redis-addr"
	FlagReaper         = "reaper-schedule"
)

// RegisterFlags adds the command-line overrides to fs. Flags left unset do
// not touch the loaded configuration.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String(FlagListenAddr, "", "HTTP listen address (LISTEN_ADDR)")
	fs.String(FlagMetaDB, "", "path to the SQLite metastore (META_DB_PATH)")
	fs.String(FlagLogLevel, "", "log level: debug, info, warn, error (LOG_LEVEL)")
	fs.Int(FlagTimeout, 0, "synchronous query timeout in seconds (SQLLAB_TIMEOUT)")
	fs.Int(FlagAsyncTimeLimit, 0, "async query time limit in seconds (SQLLAB_ASYNC_TIME_LIMIT_SEC)")
	fs.String(FlagResultsBackend, "", "results backend: memory, redis, s3, gcs, azure, minio (RESULTS_BACKEND)")
	fs.String(FlagTaskQueue, "", "async task queue: pool or redis (TASK_QUEUE)")
	fs.Int(FlagPoolSize, 0, "worker goroutines (TASK_POOL_SIZE)")
	fs.String(FlagRedisAddr, "", "redis address (REDIS_ADDR)")
	fs.String(FlagReaper, "", "cron schedule of the stale query reaper (REAPER_SCHEDULE)")
}

// ApplyFlags copies every flag changed on fs over c and re-validates.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	for name, dst := range map[string]*string{
		FlagListenAddr:     &c.ListenAddr,
		FlagMetaDB:         &c.MetaDBPath,
		FlagLogLevel:       &c.LogLevel,
		FlagResultsBackend: &c.Results.Backend,
		FlagTaskQueue:      &c.TaskQueue.Kind,
		FlagRedisAddr:      &c.RedisAddr,
		FlagReaper:         &c.ReaperSchedule,
	} {
		if fs.Lookup(name) == nil || !fs.Changed(name) {
			continue
		}
		v, err := fs.GetString(name)
		if err != nil {
			return err
		}
		*dst = v
	}
	for name, dst := range map[string]*int{
		FlagTimeout:        &c.SQLLab.TimeoutSec,
		FlagAsyncTimeLimit: &c.SQLLab.AsyncTimeLimitSec,
		FlagPoolSize:       &c.TaskQueue.PoolSize,
	} {
		if fs.Lookup(name) == nil || !fs.Changed(name) {
			continue
		}
		v, err := fs.GetInt(name)
		if err != nil {
			return err
		}
		*dst = v
	}
	err := c.finish()
	c.Warnings = dedup(c.Warnings)
	return err
}

func dedup(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := values[:0]
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
