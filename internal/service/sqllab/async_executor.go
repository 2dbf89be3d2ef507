package sqllab

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"sqllab/internal/domain"
	"sqllab/internal/metrics"
)

// TaskGetSQLResults is the worker task that executes async queries.
const TaskGetSQLResults = "sql_lab.get_sql_results"

// GetSQLResultsParams is the parameter set of TaskGetSQLResults.
type GetSQLResultsParams struct {
	QueryID       string         `json:"query_id"`
	RenderedQuery string         `json:"rendered_query"`
	StoreResults  bool           `json:"store_results"`
	ReturnResults bool           `json:"return_results"`
	StartTime     time.Time      `json:"start_time"`
	ExpandData    bool           `json:"expand_data"`
	LogParams     map[string]any `json:"log_params,omitempty"`
}

// AsyncExecutor hands queries to the worker pool and returns immediately.
type AsyncExecutor struct {
	queries domain.QueryRepository
	tasks   domain.TaskQueue
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewAsyncExecutor creates an AsyncExecutor.
func NewAsyncExecutor(queries domain.QueryRepository, tasks domain.TaskQueue, m *metrics.Metrics, logger *slog.Logger) *AsyncExecutor {
	return &AsyncExecutor{queries: queries, tasks: tasks, metrics: m, logger: logger.With("component", "async_executor")}
}

// Execute submits st.Query to the worker. The query must already be
// committed; the worker reloads it by id.
func (e *AsyncExecutor) Execute(ctx context.Context, st *ExecutionState, expandData bool, logParams map[string]any) error {
	handle, err := e.tasks.Submit(ctx, TaskGetSQLResults, GetSQLResultsParams{
		QueryID:       st.Query.ID,
		RenderedQuery: st.RenderedSQL,
		StoreResults:  true,
		ReturnResults: false,
		StartTime:     time.Now(),
		ExpandData:    expandData,
		LogParams:     logParams,
	})
	if err != nil {
		e.logger.Error("submit worker task", "query_id", st.Query.ID, "error", err)
		sqlErr := domain.ErrAsyncDispatchFailed(err)
		st.Query = markFailed(ctx, e.queries, st.Query, sqlErr, e.logger)
		if e.metrics != nil {
			e.metrics.QueriesTotal.WithLabelValues("async", string(domain.QueryStatusFailed)).Inc()
		}
		return sqlErr
	}

	if err := handle.Forget(); err != nil && !errors.Is(err, domain.ErrForgetUnsupported) {
		e.logger.Warn("forget worker task", "query_id", st.Query.ID, "task_id", handle.ID(), "error", err)
	}

	if err := e.queries.UpdateSavedQueryExecInfo(ctx, st.Query.ID); err != nil {
		e.logger.Warn("update saved query exec info", "query_id", st.Query.ID, "error", err)
	}
	e.logger.Info("async query submitted", "query_id", st.Query.ID, "client_id", st.Query.ClientID, "task_id", handle.ID())
	return nil
}
