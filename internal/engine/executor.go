package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"sqllab/internal/dialect"
	"sqllab/internal/domain"
)

var _ domain.EngineExecutor = (*Executor)(nil)

// Executor runs SQL Lab statements through database/sql drivers.
type Executor struct {
	conn   *Connector
	logger *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewExecutor creates an Executor backed by conn.
func NewExecutor(conn *Connector, logger *slog.Logger) *Executor {
	return &Executor{
		conn:    conn,
		logger:  logger.With("component", "engine"),
		running: make(map[string]context.CancelFunc),
	}
}

// Execute runs req.Statements in order on one connection and returns the
// rows of the last statement, reading at most req.FetchLimit of them.
func (e *Executor) Execute(ctx context.Context, d *domain.Database, req domain.EngineRequest) (*domain.SQLResult, error) {
	if len(req.Statements) == 0 {
		return nil, domain.ErrValidation("no statements to execute")
	}
	db, err := e.conn.DB(d)
	if err != nil {
		return nil, engineError(err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if req.QueryID != "" {
		e.track(req.QueryID, cancel)
		defer e.untrack(req.QueryID)
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, engineError(err)
	}
	defer conn.Close() //nolint:errcheck

	if stmt := dialect.SelectSchemaSQL(d.Engine, req.Schema); stmt != "" {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return nil, engineError(err)
		}
	}

	tracker := trackerFor(d)
	args := tracker.args(req.Schema)

	n := len(req.Statements)
	for i, stmt := range req.Statements[:n-1] {
		if req.OnStatement != nil {
			req.OnStatement(i, n)
		}
		e.logger.Debug("executing statement", "query_id", req.QueryID, "index", i, "total", n)
		if _, err := conn.ExecContext(ctx, stmt, args...); err != nil {
			return nil, tracked(engineError(err), tracker)
		}
	}

	if req.OnStatement != nil {
		req.OnStatement(n-1, n)
	}
	rows, err := conn.QueryContext(ctx, req.Statements[n-1], args...)
	if err != nil {
		return nil, tracked(engineError(err), tracker)
	}
	defer rows.Close() //nolint:errcheck

	result, err := fetch(rows, req.FetchLimit)
	if err != nil {
		return nil, tracked(engineError(err), tracker)
	}
	result.TrackingURL = tracker.TrackingURL()
	return result, nil
}

// trackerFor returns a query tracker for engines that report a per-query
// UI, or nil.
func trackerFor(d *domain.Database) *trinoTracker {
	switch strings.ToLower(d.Engine) {
	case domain.EnginePresto, domain.EngineTrino:
		return newTrinoTracker(d.URI)
	}
	return nil
}

// tracked attaches the tracking URL of the failed query to an engine error.
func tracked(err error, tracker *trinoTracker) error {
	var ee *domain.EngineError
	if errors.As(err, &ee) && ee.TrackingURL == "" {
		ee.TrackingURL = tracker.TrackingURL()
	}
	return err
}

// Cancel cancels the in-flight execution of queryID, if any.
func (e *Executor) Cancel(queryID string) bool {
	e.mu.Lock()
	cancel, ok := e.running[queryID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (e *Executor) track(queryID string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.running[queryID] = cancel
	e.mu.Unlock()
}

func (e *Executor) untrack(queryID string) {
	e.mu.Lock()
	delete(e.running, queryID)
	e.mu.Unlock()
}

// fetch reads rows with fetch-many semantics: at most limit rows when
// limit > 0. Statements that return no columns yield an empty result.
func fetch(rows *sql.Rows, limit int) (*domain.SQLResult, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	cols := make([]domain.ColumnInfo, len(types))
	for i, ct := range types {
		typeName := strings.ToUpper(ct.DatabaseTypeName())
		cols[i] = domain.ColumnInfo{
			Name:   ct.Name(),
			Type:   typeName,
			IsDttm: isTemporal(typeName),
		}
	}

	out := &domain.SQLResult{Columns: cols, SelectedColumns: cols, Rows: [][]any{}}
	for rows.Next() {
		if limit > 0 && len(out.Rows) >= limit {
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		out.Rows = append(out.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func isTemporal(typeName string) bool {
	return strings.Contains(typeName, "DATE") || strings.Contains(typeName, "TIME")
}

// engineError wraps a driver failure as a *domain.EngineError. Context
// cancellation is passed through untouched.
func engineError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var ee *domain.EngineError
	if errors.As(err, &ee) {
		return ee
	}
	msg := err.Error()
	return &domain.EngineError{
		Message: msg,
		Errors: []domain.ErrorRecord{{
			Message:   msg,
			ErrorType: domain.ErrorTypeGenericDBEngine,
			Level:     domain.ErrorLevelError,
		}},
		Err: err,
	}
}
