package sqllab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sqllab/internal/domain"
	"sqllab/internal/metrics"
)

const (
	loadAttempts       = 5
	defaultLoadBackoff = 200 * time.Millisecond
)

// Worker executes TaskGetSQLResults deliveries. Deliveries are idempotent:
// a query that is already terminal is left untouched.
type Worker struct {
	queries     domain.QueryRepository
	databases   domain.DatabaseRepository
	results     domain.ResultBackend
	runner      *Runner
	convertor   *Convertor
	opts        Options
	metrics     *metrics.Metrics
	logger      *slog.Logger
	loadBackoff time.Duration
}

// NewWorker creates a Worker.
func NewWorker(queries domain.QueryRepository, databases domain.DatabaseRepository, results domain.ResultBackend, runner *Runner, convertor *Convertor, opts Options, m *metrics.Metrics, logger *slog.Logger) *Worker {
	return &Worker{
		queries:     queries,
		databases:   databases,
		results:     results,
		runner:      runner,
		convertor:   convertor,
		opts:        opts,
		metrics:     m,
		logger:      logger.With("component", "worker"),
		loadBackoff: defaultLoadBackoff,
	}
}

// HandleTask decodes a TaskGetSQLResults delivery and runs it.
func (w *Worker) HandleTask(ctx context.Context, raw json.RawMessage) error {
	var p GetSQLResultsParams
	if err := payloadJSON.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decode %s params: %w", TaskGetSQLResults, err)
	}
	_, err := w.GetSQLResults(ctx, p)
	return err
}

// GetSQLResults executes the query named by p. The payload is returned
// only when p.ReturnResults is set.
func (w *Worker) GetSQLResults(ctx context.Context, p GetSQLResultsParams) (*ResultPayload, error) {
	q, err := w.load(ctx, p.QueryID)
	if err != nil {
		return nil, err
	}
	if q.Status.IsTerminal() {
		w.logger.Info("query already terminal, skipping delivery", "query_id", q.ID, "status", q.Status)
		return nil, nil
	}

	start := time.Now()
	q, err = w.queries.Update(ctx, q.ID, domain.QueryPatch{
		Status:           domain.Ptr(domain.QueryStatusRunning),
		StartRunningTime: &start,
	})
	if err != nil {
		if isConflict(err) {
			w.logger.Info("query became terminal before start", "query_id", p.QueryID)
			return nil, nil
		}
		return nil, err
	}

	db, err := w.databases.FindByID(ctx, q.DatabaseID)
	if err != nil {
		return nil, err
	}
	if db == nil {
		sqlErr := domain.ErrDatabaseNotFound(q.DatabaseID)
		markFailed(ctx, w.queries, q, sqlErr, w.logger)
		return nil, sqlErr
	}

	runCtx := ctx
	if w.opts.AsyncTimeLimit > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.opts.AsyncTimeLimit)
		defer cancel()
	}

	outcome, err := w.runner.Run(runCtx, q, db, p.RenderedQuery)
	if err != nil {
		var sqlErr *domain.SQLLabError
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			sqlErr = domain.ErrQueryTimeout(int(w.opts.AsyncTimeLimit / time.Second))
		case errors.Is(err, context.Canceled):
			sqlErr = domain.ErrGenericDB("The query was cancelled.")
		default:
			sqlErr = asSQLLabError(q, err)
		}
		patch := failurePatch(sqlErr, time.Now())
		if outcome != nil && outcome.TrackingURL != "" {
			patch.TrackingURL = &outcome.TrackingURL
		}
		applyFailure(ctx, w.queries, q, patch, w.logger)
		w.observe(domain.QueryStatusFailed, p.StartTime)
		return nil, sqlErr
	}

	return w.complete(ctx, q, p, outcome)
}

func (w *Worker) complete(ctx context.Context, q *domain.Query, p GetSQLResultsParams, outcome *RunOutcome) (*ResultPayload, error) {
	now := time.Now()
	rows := outcome.Result.RowCount()
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

	var payload ResultPayload
	if p.StoreResults {
		key := domain.NewResultsKey()
		preview := projected(q, patch)
		preview.ResultsKey = &key
		payload = w.convertor.ResultPayload(preview, outcome.Result, p.ExpandData)

		stored := false
		if w.results != nil {
			if b, err := w.convertor.Encode(payload); err != nil {
				w.logger.Warn("encode results for backend", "query_id", q.ID, "error", err)
			} else {
				stored = w.results.Set(ctx, key, b, w.opts.ResultsTTL)
			}
		}

		if !stored && !p.ReturnResults {
			failure := failurePatch(domain.ErrResultsStoreUnavailable(), now)
			failure.ClearResultsKey = true
			failure.TrackingURL = patch.TrackingURL
			applyFailure(ctx, w.queries, q, failure, w.logger)
			w.observe(domain.QueryStatusFailed, p.StartTime)
			return nil, domain.ErrResultsStoreUnavailable()
		}
		if stored {
			patch.ResultsKey = &key
		}
	}

	updated, err := w.queries.Update(ctx, q.ID, patch)
	if err != nil {
		if isConflict(err) {
			w.logger.Info("query became terminal during execution, result discarded", "query_id", q.ID)
			return nil, nil
		}
		return nil, err
	}
	w.observe(domain.QueryStatusSuccess, p.StartTime)
	w.logger.Info("async query finished", "query_id", q.ID, "rows", rows, "results_key", patch.ResultsKey != nil)

	if !p.ReturnResults {
		return nil, nil
	}
	payload = w.convertor.ResultPayload(updated, outcome.Result, p.ExpandData)
	return &payload, nil
}

// load reads the query, retrying while the record is not visible yet.
func (w *Worker) load(ctx context.Context, id string) (*domain.Query, error) {
	backoff := w.loadBackoff
	var lastErr error
	for attempt := 1; attempt <= loadAttempts; attempt++ {
		q, err := w.queries.GetByID(ctx, id)
		if err == nil {
			return q, nil
		}
		lastErr = err
		w.logger.Warn("load query", "query_id", id, "attempt", attempt, "error", err)
		if attempt == loadAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("load query %s: %w", id, lastErr)
}

func (w *Worker) observe(status domain.QueryStatus, start time.Time) {
	if w.metrics == nil {
		return
	}
	w.metrics.QueriesTotal.WithLabelValues("async", string(status)).Inc()
	if !start.IsZero() {
		w.metrics.QueryDuration.WithLabelValues("async").Observe(time.Since(start).Seconds())
	}
}
