package sqllab

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"sqllab/internal/domain"
)

// failurePatch builds the terminal patch recording err on a query.
func failurePatch(sqlErr *domain.SQLLabError, now time.Time) domain.QueryPatch {
	return domain.QueryPatch{
		Status:       domain.Ptr(domain.QueryStatusFailed),
		ErrorMessage: domain.Ptr(sqlErr.Message),
		EndTime:      &now,
		Extra:        map[string]any{"errors": sqlErr.Records()},
	}
}

// markFailed persists sqlErr onto q. The write survives cancellation of ctx.
// A query that already reached a terminal status is left as is.
func markFailed(ctx context.Context, queries domain.QueryRepository, q *domain.Query, sqlErr *domain.SQLLabError, logger *slog.Logger) *domain.Query {
	return applyFailure(ctx, queries, q, failurePatch(sqlErr, time.Now()), logger)
}

func applyFailure(ctx context.Context, queries domain.QueryRepository, q *domain.Query, patch domain.QueryPatch, logger *slog.Logger) *domain.Query {
	updated, err := queries.Update(context.WithoutCancel(ctx), q.ID, patch)
	if err != nil {
		if isConflict(err) {
			logger.Info("query already terminal, failure not recorded", "query_id", q.ID)
		} else {
			logger.Error("persist query failure", "query_id", q.ID, "error", err)
		}
		return q
	}
	return updated
}

func isConflict(err error) bool {
	var conflict *domain.ConflictError
	return errors.As(err, &conflict)
}

func isNotFound(err error) bool {
	var nf *domain.NotFoundError
	return errors.As(err, &nf)
}

// asSQLLabError returns err as a SQLLabError, wrapping anything else as an
// internal failure of q.
func asSQLLabError(q *domain.Query, err error) *domain.SQLLabError {
	var sqlErr *domain.SQLLabError
	if errors.As(err, &sqlErr) {
		return sqlErr
	}
	return domain.ErrInternal(q, err)
}
