package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"sqllab/internal/domain"
)

var _ domain.SavedQueryRepository = (*SavedQueryRepo)(nil)

// SavedQueryRepo stores saved queries in the metastore.
type SavedQueryRepo struct {
	db *sql.DB
}

// NewSavedQueryRepo creates a new SavedQueryRepo.
func NewSavedQueryRepo(db *sql.DB) *SavedQueryRepo {
	return &SavedQueryRepo{db: db}
}

// Create inserts a saved query.
func (r *SavedQueryRepo) Create(ctx context.Context, sq *domain.SavedQuery) (*domain.SavedQuery, error) {
	if sq == nil {
		return nil, domain.ErrValidation("saved query is required")
	}
	if sq.ID == "" {
		sq.ID = domain.NewID()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO saved_query (id, user_id, db_id, schema_name, label, sql)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sq.ID, sq.UserID, sq.DatabaseID, sq.Schema, sq.Label, sq.SQL)
	if err != nil {
		return nil, mapDBError(err)
	}
	return r.GetByID(ctx, sq.ID)
}

// GetByID returns a saved query by id.
func (r *SavedQueryRepo) GetByID(ctx context.Context, id string) (*domain.SavedQuery, error) {
	var (
		sq                   domain.SavedQuery
		lastRun              sql.NullTime
		rows                 sql.NullInt64
		createdAt, updatedAt time.Time
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, db_id, schema_name, label, sql, last_run, row_count, created_at, updated_at
		FROM saved_query WHERE id = ?
	`, id).Scan(&sq.ID, &sq.UserID, &sq.DatabaseID, &sq.Schema, &sq.Label, &sq.SQL,
		&lastRun, &rows, &createdAt, &updatedAt)
	if err != nil {
		return nil, notFoundAs(mapDBError(err), "saved query %q not found", id)
	}
	sq.LastRun = timePtr(lastRun)
	sq.Rows = intPtr(rows)
	sq.CreatedAt = createdAt
	sq.UpdatedAt = updatedAt
	return &sq, nil
}

// UpdateExecInfo stamps last_run and row_count on the saved queries bound to
// the same database and SQL body. A negative rows value stores NULL.
func (r *SavedQueryRepo) UpdateExecInfo(ctx context.Context, databaseID int64, sqlBody string, rows int, at time.Time) (int64, error) {
	var rowCount sql.NullInt64
	if rows >= 0 {
		rowCount = sql.NullInt64{Int64: int64(rows), Valid: true}
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE saved_query
		SET last_run = ?, row_count = ?, updated_at = ?
		WHERE db_id = ? AND sql = ?
	`, at.UTC(), rowCount, at.UTC(), databaseID, sqlBody)
	if err != nil {
		return 0, mapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
