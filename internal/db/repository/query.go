package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"sqllab/internal/domain"
)

var _ domain.QueryRepository = (*QueryRepo)(nil)

const queryColumns = `id, client_id, user_id, database_id, schema_name, sql_editor_id, tab_name,
	sql, executed_sql, select_sql, status, select_as_cta, ctas_method, tmp_table_name,
	tmp_schema_name, row_limit, limiting_factor, row_count, progress, error_message,
	tracking_url, results_key, start_time, start_running_time, end_time, extra_json, changed_on`

// QueryRepo stores SQL Lab query records in the metastore. Writes and the
// reads that gate them use db; status polling reads use read.
type QueryRepo struct {
	db    *sql.DB
	read  *sql.DB
	saved *SavedQueryRepo
	now   func() time.Time
}

// NewQueryRepo creates a new QueryRepo reading and writing through db.
func NewQueryRepo(db *sql.DB) *QueryRepo {
	return &QueryRepo{db: db, read: db, saved: NewSavedQueryRepo(db), now: time.Now}
}

// WithReadDB routes GetByID, GetByClientID, GetByResultsKey and
// ListUpdatedSince through readDB.
func (r *QueryRepo) WithReadDB(readDB *sql.DB) *QueryRepo {
	if readDB != nil {
		r.read = readDB
	}
	return r
}

// FindOneOrNone returns the most recent query for the idempotency triple.
func (r *QueryRepo) FindOneOrNone(ctx context.Context, clientID string, userID int64, sqlEditorID string) (*domain.Query, error) {
	q, err := r.getOne(ctx, r.db, `SELECT `+queryColumns+` FROM queries
		WHERE client_id = ? AND user_id = ? AND sql_editor_id = ?
		ORDER BY changed_on DESC, start_time DESC LIMIT 1`, clientID, userID, sqlEditorID)
	var notFound *domain.NotFoundError
	if errors.As(err, &notFound) {
		return nil, nil
	}
	return q, err
}

// GetByID returns a query by server-assigned id.
func (r *QueryRepo) GetByID(ctx context.Context, id string) (*domain.Query, error) {
	q, err := r.getOne(ctx, r.read, `SELECT `+queryColumns+` FROM queries WHERE id = ?`, id)
	if err != nil {
		return nil, notFoundAs(err, "query %q not found", id)
	}
	return q, nil
}

// GetByClientID returns the caller's most recent query with the given client id.
func (r *QueryRepo) GetByClientID(ctx context.Context, clientID string, userID int64) (*domain.Query, error) {
	q, err := r.getOne(ctx, r.read, `SELECT `+queryColumns+` FROM queries
		WHERE client_id = ? AND user_id = ?
		ORDER BY changed_on DESC, start_time DESC LIMIT 1`, clientID, userID)
	if err != nil {
		return nil, notFoundAs(err, "query with client id %q not found", clientID)
	}
	return q, nil
}

// GetByResultsKey returns the query owning a results backend key.
func (r *QueryRepo) GetByResultsKey(ctx context.Context, key string) (*domain.Query, error) {
	q, err := r.getOne(ctx, r.read, `SELECT `+queryColumns+` FROM queries WHERE results_key = ?`, key)
	if err != nil {
		return nil, notFoundAs(err, "query for results key %q not found", key)
	}
	return q, nil
}

// Insert persists a new query and assigns its id.
func (r *QueryRepo) Insert(ctx context.Context, q *domain.Query) (*domain.Query, error) {
	if q == nil {
		return nil, domain.ErrCreateFailed(domain.ErrValidation("query is required"))
	}
	if q.ID == "" {
		q.ID = domain.NewID()
	}
	if q.Status == "" {
		q.Status = domain.QueryStatusPending
	}
	if q.CtasMethod == "" {
		q.CtasMethod = domain.CtasMethodTable
	}
	if q.LimitingFactor == "" {
		q.LimitingFactor = domain.LimitingFactorUnknown
	}
	now := r.now().UTC()
	if q.StartTime.IsZero() {
		q.StartTime = now
	}
	extra, err := marshalExtra(q.Extra)
	if err != nil {
		return nil, domain.ErrCreateFailed(err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO queries (id, client_id, user_id, database_id, schema_name, sql_editor_id, tab_name,
			sql, executed_sql, select_sql, status, select_as_cta, ctas_method, tmp_table_name,
			tmp_schema_name, row_limit, limiting_factor, row_count, progress, error_message,
			tracking_url, results_key, start_time, start_running_time, end_time, extra_json, changed_on)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, q.ID, q.ClientID, q.UserID, q.DatabaseID, q.Schema, q.SQLEditorID, q.TabName,
		q.SQL, nullString(q.ExecutedSQL), nullString(q.SelectSQL), string(q.Status), boolToInt(q.SelectAsCTA),
		string(q.CtasMethod), q.TmpTableName, q.TmpSchemaName, nullInt(q.Limit), string(q.LimitingFactor),
		nullInt(q.Rows), q.Progress, nullString(q.ErrorMessage), nullString(q.TrackingURL),
		nullString(q.ResultsKey), q.StartTime.UTC(), nullTime(q.StartRunningTime), nullTime(q.EndTime),
		extra, now)
	if err != nil {
		return nil, domain.ErrCreateFailed(mapDBError(err))
	}

	created, err := r.GetByID(ctx, q.ID)
	if err != nil {
		return nil, domain.ErrCreateFailed(err)
	}
	return created, nil
}

// Update applies the patch in one transaction. Status changes out of a
// terminal state are refused with a ConflictError.
func (r *QueryRepo) Update(ctx context.Context, id string, patch domain.QueryPatch) (*domain.Query, error) {
	if patch.Empty() {
		return r.GetByID(ctx, id)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.ErrUpdateFailed(fmt.Errorf("begin: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck

	var (
		status   string
		rawExtra sql.NullString
	)
	err = tx.QueryRowContext(ctx, `SELECT status, extra_json FROM queries WHERE id = ?`, id).Scan(&status, &rawExtra)
	if err != nil {
		return nil, domain.ErrUpdateFailed(notFoundAs(mapDBError(err), "query %q not found", id))
	}
	if patch.Status != nil && domain.QueryStatus(status).IsTerminal() {
		return nil, domain.ErrUpdateFailed(domain.ErrConflict("query %q is already %s", id, status))
	}

	sets, args := patchAssignments(patch)
	if len(patch.Extra) > 0 {
		extra, err := unmarshalExtra(rawExtra)
		if err != nil {
			return nil, domain.ErrUpdateFailed(err)
		}
		for k, v := range patch.Extra {
			extra[k] = v
		}
		encoded, err := marshalExtra(extra)
		if err != nil {
			return nil, domain.ErrUpdateFailed(err)
		}
		sets = append(sets, "extra_json = ?")
		args = append(args, encoded)
	}
	sets = append(sets, "changed_on = ?")
	args = append(args, r.now().UTC(), id)

	if _, err := tx.ExecContext(ctx, `UPDATE queries SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...); err != nil {
		return nil, domain.ErrUpdateFailed(mapDBError(err))
	}
	if err := tx.Commit(); err != nil {
		return nil, domain.ErrUpdateFailed(fmt.Errorf("commit: %w", err))
	}
	return r.GetByID(ctx, id)
}

func patchAssignments(p domain.QueryPatch) ([]string, []any) {
	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if p.Status != nil {
		add("status", string(*p.Status))
	}
	if p.ExecutedSQL != nil {
		add("executed_sql", *p.ExecutedSQL)
	}
	if p.SelectSQL != nil {
		add("select_sql", *p.SelectSQL)
	}
	if p.TmpTableName != nil {
		add("tmp_table_name", *p.TmpTableName)
	}
	if p.TmpSchemaName != nil {
		add("tmp_schema_name", *p.TmpSchemaName)
	}
	if p.Limit != nil {
		add("row_limit", *p.Limit)
	}
	if p.LimitingFactor != nil {
		add("limiting_factor", string(*p.LimitingFactor))
	}
	if p.Rows != nil {
		add("row_count", *p.Rows)
	}
	if p.Progress != nil {
		add("progress", *p.Progress)
	}
	if p.ErrorMessage != nil {
		add("error_message", *p.ErrorMessage)
	}
	if p.TrackingURL != nil {
		add("tracking_url", *p.TrackingURL)
	}
	switch {
	case p.ClearResultsKey:
		add("results_key", nil)
	case p.ResultsKey != nil:
		add("results_key", *p.ResultsKey)
	}
	if p.StartRunningTime != nil {
		add("start_running_time", p.StartRunningTime.UTC())
	}
	if p.EndTime != nil {
		add("end_time", p.EndTime.UTC())
	}
	return sets, args
}

// UpdateSavedQueryExecInfo stamps the saved queries matching this query's SQL
// body and database with the run time and row count.
func (r *QueryRepo) UpdateSavedQueryExecInfo(ctx context.Context, queryID string) error {
	q, err := r.GetByID(ctx, queryID)
	if err != nil {
		return err
	}
	rows := -1
	if q.Rows != nil {
		rows = *q.Rows
	}
	_, err = r.saved.UpdateExecInfo(ctx, q.DatabaseID, q.SQL, rows, r.now())
	return err
}

// ListRunningStartedBefore returns running queries whose execution started
// before the cutoff.
func (r *QueryRepo) ListRunningStartedBefore(ctx context.Context, before time.Time) ([]domain.Query, error) {
	return r.list(ctx, r.db, `SELECT `+queryColumns+` FROM queries
		WHERE status = ? AND COALESCE(start_running_time, start_time) < ?
		ORDER BY start_time`, string(domain.QueryStatusRunning), before.UTC())
}

// ListUpdatedSince returns the user's queries changed after since.
func (r *QueryRepo) ListUpdatedSince(ctx context.Context, userID int64, since time.Time) ([]domain.Query, error) {
	return r.list(ctx, r.read, `SELECT `+queryColumns+` FROM queries
		WHERE user_id = ? AND changed_on > ?
		ORDER BY changed_on`, userID, since.UTC())
}

func (r *QueryRepo) list(ctx context.Context, db *sql.DB, stmt string, args ...any) ([]domain.Query, error) {
	rows, err := db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, mapDBError(err)
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.Query
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *q)
	}
	return out, rows.Err()
}

func (r *QueryRepo) getOne(ctx context.Context, db *sql.DB, stmt string, args ...any) (*domain.Query, error) {
	return scanQuery(db.QueryRowContext(ctx, stmt, args...))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuery(row rowScanner) (*domain.Query, error) {
	var (
		q                          domain.Query
		status, ctasMethod, factor string
		selectAsCTA                int64
		executedSQL, selectSQL     sql.NullString
		errorMessage, trackingURL  sql.NullString
		resultsKey, extraJSON      sql.NullString
		limit, rowCount            sql.NullInt64
		startRunningTime, endTime  sql.NullTime
		startTime, changedOn       time.Time
	)
	err := row.Scan(
		&q.ID, &q.ClientID, &q.UserID, &q.DatabaseID, &q.Schema, &q.SQLEditorID, &q.TabName,
		&q.SQL, &executedSQL, &selectSQL, &status, &selectAsCTA, &ctasMethod, &q.TmpTableName,
		&q.TmpSchemaName, &limit, &factor, &rowCount, &q.Progress, &errorMessage,
		&trackingURL, &resultsKey, &startTime, &startRunningTime, &endTime, &extraJSON, &changedOn,
	)
	if err != nil {
		return nil, mapDBError(err)
	}

	q.Status = domain.QueryStatus(status)
	q.SelectAsCTA = selectAsCTA != 0
	q.CtasMethod = domain.CtasMethod(ctasMethod)
	q.LimitingFactor = domain.LimitingFactor(factor)
	q.ExecutedSQL = stringPtr(executedSQL)
	q.SelectSQL = stringPtr(selectSQL)
	q.ErrorMessage = stringPtr(errorMessage)
	q.TrackingURL = stringPtr(trackingURL)
	q.ResultsKey = stringPtr(resultsKey)
	q.Limit = intPtr(limit)
	q.Rows = intPtr(rowCount)
	q.StartTime = startTime.UTC()
	q.StartRunningTime = timePtr(startRunningTime)
	q.EndTime = timePtr(endTime)
	q.ChangedOn = changedOn.UTC()
	q.Extra, err = unmarshalExtra(extraJSON)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func notFoundAs(err error, format string, args ...any) error {
	var notFound *domain.NotFoundError
	if errors.As(err, &notFound) {
		return domain.ErrNotFound(format, args...)
	}
	return err
}
