package sqllab

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"sqllab/internal/domain"
	"sqllab/internal/metrics"
)

const syncReapGrace = 30 * time.Second

// Reaper transitions RUNNING queries that outlived their time limit to
// TIMED_OUT on a cron schedule.
type Reaper struct {
	cron     *cron.Cron
	schedule string
	queries  domain.QueryRepository
	opts     Options
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewReaper creates a Reaper running on schedule (e.g. "@every 1m").
func NewReaper(schedule string, queries domain.QueryRepository, opts Options, m *metrics.Metrics, logger *slog.Logger) *Reaper {
	return &Reaper{
		cron:     cron.New(),
		schedule: schedule,
		queries:  queries,
		opts:     opts,
		metrics:  m,
		logger:   logger.With("component", "reaper"),
		now:      time.Now,
	}
}

// Start registers the sweep and starts the scheduler.
func (r *Reaper) Start() error {
	if _, err := r.cron.AddFunc(r.schedule, func() {
		if _, err := r.Sweep(context.Background()); err != nil {
			r.logger.Warn("reaper sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid reaper schedule %q: %w", r.schedule, err)
	}
	r.cron.Start()
	r.logger.Info("reaper started", "schedule", r.schedule)
	return nil
}

// Stop stops the scheduler and waits for a running sweep.
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
	r.logger.Info("reaper stopped")
}

// Sweep times out every stale RUNNING query and returns how many it
// changed. Async queries get the worker time limit, sync ones the sync
// timeout plus a grace period.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	now := r.now()
	syncLimit := r.opts.Timeout + syncReapGrace
	cutoff := syncLimit
	if r.opts.AsyncTimeLimit > 0 && r.opts.AsyncTimeLimit < cutoff {
		cutoff = r.opts.AsyncTimeLimit
	}

	stale, err := r.queries.ListRunningStartedBefore(ctx, now.Add(-cutoff))
	if err != nil {
		return 0, err
	}

	reaped := 0
	for i := range stale {
		q := &stale[i]
		limit := syncLimit
		if async, _ := q.Extra["async"].(bool); async && r.opts.AsyncTimeLimit > 0 {
			limit = r.opts.AsyncTimeLimit
		}
		started := q.StartTime
		if q.StartRunningTime != nil {
			started = *q.StartRunningTime
		}
		if now.Sub(started) < limit {
			continue
		}

		msg := fmt.Sprintf("Query exceeded the %d seconds timeout.", int(limit/time.Second))
		_, err := r.queries.Update(ctx, q.ID, domain.QueryPatch{
			Status:       domain.Ptr(domain.QueryStatusTimedOut),
			ErrorMessage: &msg,
			EndTime:      &now,
		})
		if err != nil {
			if !isConflict(err) {
				r.logger.Warn("time out stale query", "query_id", q.ID, "error", err)
			}
			continue
		}
		reaped++
		r.logger.Info("timed out stale query", "query_id", q.ID, "client_id", q.ClientID)
	}
	if r.metrics != nil {
		r.metrics.ReapedTotal.Add(float64(reaped))
	}
	return reaped, nil
}
