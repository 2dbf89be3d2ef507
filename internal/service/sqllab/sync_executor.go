package sqllab

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"sqllab/internal/domain"
	"sqllab/internal/metrics"
)

// SyncExecutor runs a query in-process under a wall-clock guard.
type SyncExecutor struct {
	queries   domain.QueryRepository
	results   domain.ResultBackend
	runner    *Runner
	convertor *Convertor
	opts      Options
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewSyncExecutor creates a SyncExecutor. results may be nil when no
// result backend is configured.
func NewSyncExecutor(queries domain.QueryRepository, results domain.ResultBackend, runner *Runner, convertor *Convertor, opts Options, m *metrics.Metrics, logger *slog.Logger) *SyncExecutor {
	return &SyncExecutor{
		queries:   queries,
		results:   results,
		runner:    runner,
		convertor: convertor,
		opts:      opts,
		metrics:   m,
		logger:    logger.With("component", "sync_executor"),
	}
}

type runReply struct {
	outcome *RunOutcome
	err     error
}

// Execute runs st.RenderedSQL and stores the result payload in st. Engine
// failures are persisted onto the query before they are returned. A
// timeout leaves the record RUNNING unless the engine confirms it
// abandoned the statement, in which case it becomes TIMED_OUT.
func (e *SyncExecutor) Execute(ctx context.Context, st *ExecutionState, logParams map[string]any) (*ResultPayload, error) {
	start := time.Now()
	q, err := e.queries.Update(ctx, st.Query.ID, domain.QueryPatch{
		Status:           domain.Ptr(domain.QueryStatusRunning),
		StartRunningTime: &start,
	})
	if err != nil {
		return nil, err
	}
	st.Query = q

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan runReply, 1)
	go func() {
		outcome, err := e.runner.Run(runCtx, q, st.Database, st.RenderedSQL)
		done <- runReply{outcome: outcome, err: err}
	}()

	var guard <-chan time.Time
	if e.opts.Timeout > 0 {
		timer := time.NewTimer(e.opts.Timeout)
		defer timer.Stop()
		guard = timer.C
	}

	var reply runReply
	select {
	case reply = <-done:
	case <-guard:
		return nil, e.timeout(ctx, st, cancel, done, start)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if reply.err != nil {
		sqlErr := asSQLLabError(q, reply.err)
		patch := failurePatch(sqlErr, time.Now())
		if reply.outcome != nil && reply.outcome.TrackingURL != "" {
			patch.TrackingURL = &reply.outcome.TrackingURL
		}
		st.Query = applyFailure(ctx, e.queries, q, patch, e.logger)
		e.observe(domain.QueryStatusFailed, start)
		return nil, sqlErr
	}

	payload, err := e.complete(ctx, st, reply.outcome)
	if err != nil {
		return nil, err
	}
	e.observe(domain.QueryStatusSuccess, start)
	e.logger.Info("sync query finished",
		"query_id", st.Query.ID, "client_id", st.Query.ClientID, "rows", st.Result.RowCount(),
		"duration", time.Since(start), "log_params", logParams)
	return payload, nil
}

// complete persists the result and writes the terminal SUCCESS patch.
func (e *SyncExecutor) complete(ctx context.Context, st *ExecutionState, outcome *RunOutcome) (*ResultPayload, error) {
	res := outcome.Result
	st.Result = res
	now := time.Now()
	rows := res.RowCount()

	patch := domain.QueryPatch{
		Status:      domain.Ptr(domain.QueryStatusSuccess),
		EndTime:     &now,
		Rows:        &rows,
		ExecutedSQL: &outcome.ExecutedSQL,
		Progress:    domain.Ptr(100),
	}
	if outcome.SelectSQL != "" {
		patch.SelectSQL = &outcome.SelectSQL
	}
	if outcome.TrackingURL != "" {
		patch.TrackingURL = &outcome.TrackingURL
	}

	if e.opts.BackendPersistence && e.results != nil {
		key := domain.NewResultsKey()
		preview := projected(st.Query, patch)
		preview.ResultsKey = &key
		stored := e.convertor.ResultPayload(preview, res, st.Request.ExpandData)
		if b, err := e.convertor.Encode(stored); err != nil {
			e.logger.Warn("encode results for backend", "query_id", st.Query.ID, "error", err)
		} else if e.results.Set(ctx, key, b, e.opts.ResultsTTL) {
			patch.ResultsKey = &key
		} else {
			e.logger.Warn("results backend refused sync results", "query_id", st.Query.ID)
		}
	}

	q, err := e.queries.Update(ctx, st.Query.ID, patch)
	if err != nil {
		return nil, err
	}
	st.Query = q

	if err := e.queries.UpdateSavedQueryExecInfo(ctx, q.ID); err != nil {
		e.logger.Warn("update saved query exec info", "query_id", q.ID, "error", err)
	}

	payload := e.convertor.ResultPayload(q, res, st.Request.ExpandData)
	return &payload, nil
}

// timeout handles the guard firing. The run context is cancelled; when the
// engine returns within the grace period the query is marked TIMED_OUT,
// otherwise it stays RUNNING for the reaper.
func (e *SyncExecutor) timeout(ctx context.Context, st *ExecutionState, cancel context.CancelFunc, done <-chan runReply, start time.Time) error {
	sqlErr := domain.ErrQueryTimeout(e.opts.timeoutSeconds())
	cancel()

	grace := time.NewTimer(e.opts.AbandonGrace)
	defer grace.Stop()
	select {
	case reply := <-done:
		if reply.err != nil && errors.Is(reply.err, context.Canceled) {
			now := time.Now()
			patch := failurePatch(sqlErr, now)
			patch.Status = domain.Ptr(domain.QueryStatusTimedOut)
			st.Query = applyFailure(ctx, e.queries, st.Query, patch, e.logger)
		}
	case <-grace.C:
		e.logger.Warn("sync query did not acknowledge cancellation", "query_id", st.Query.ID)
	}
	e.observe(domain.QueryStatusTimedOut, start)
	return sqlErr
}

func (e *SyncExecutor) observe(status domain.QueryStatus, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.QueriesTotal.WithLabelValues("sync", string(status)).Inc()
	e.metrics.QueryDuration.WithLabelValues("sync").Observe(time.Since(start).Seconds())
}

// projected returns a copy of q with the patch fields applied.
func projected(q *domain.Query, p domain.QueryPatch) *domain.Query {
	c := *q
	if p.Status != nil {
		c.Status = *p.Status
	}
	if p.ExecutedSQL != nil {
		c.ExecutedSQL = p.ExecutedSQL
	}
	if p.SelectSQL != nil {
		c.SelectSQL = p.SelectSQL
	}
	if p.Rows != nil {
		c.Rows = p.Rows
	}
	if p.Progress != nil {
		c.Progress = *p.Progress
	}
	if p.TrackingURL != nil {
		c.TrackingURL = p.TrackingURL
	}
	if p.ResultsKey != nil {
		c.ResultsKey = p.ResultsKey
	}
	if p.EndTime != nil {
		c.EndTime = p.EndTime
	}
	return &c
}
