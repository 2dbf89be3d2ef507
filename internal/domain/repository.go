package domain

import (
	"context"
	"time"
)

// QueryRepository is the query record store shared by the orchestrator and
// workers. All mutations go through Insert and Update.
type QueryRepository interface {
	// FindOneOrNone returns the most recent query for the idempotency triple,
	// or nil when there is none.
	FindOneOrNone(ctx context.Context, clientID string, userID int64, sqlEditorID string) (*Query, error)
	GetByID(ctx context.Context, id string) (*Query, error)
	GetByClientID(ctx context.Context, clientID string, userID int64) (*Query, error)
	GetByResultsKey(ctx context.Context, key string) (*Query, error)
	Insert(ctx context.Context, q *Query) (*Query, error)
	// Update applies the named fields atomically. A patch that sets Status on
	// a query already in a terminal state fails with ConflictError.
	Update(ctx context.Context, id string, patch QueryPatch) (*Query, error)
	UpdateSavedQueryExecInfo(ctx context.Context, queryID string) error
	ListRunningStartedBefore(ctx context.Context, before time.Time) ([]Query, error)
	ListUpdatedSince(ctx context.Context, userID int64, since time.Time) ([]Query, error)
}

// DatabaseRepository resolves registered databases.
type DatabaseRepository interface {
	// FindByID returns nil when the database does not exist.
	FindByID(ctx context.Context, id int64) (*Database, error)
	Create(ctx context.Context, db *Database) (*Database, error)
	List(ctx context.Context) ([]Database, error)
}

// SavedQueryRepository persists saved queries.
type SavedQueryRepository interface {
	Create(ctx context.Context, sq *SavedQuery) (*SavedQuery, error)
	GetByID(ctx context.Context, id string) (*SavedQuery, error)
	// UpdateExecInfo stamps last_run and rows on every saved query whose SQL
	// body and database match, returning how many were touched.
	UpdateExecInfo(ctx context.Context, databaseID int64, sql string, rows int, at time.Time) (int64, error)
}
