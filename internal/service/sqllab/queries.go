package sqllab

import (
	"context"
	"log/slog"
	"time"

	"sqllab/internal/domain"
)

// QueryService serves the read and stop paths over existing queries.
type QueryService struct {
	queries   domain.QueryRepository
	results   domain.ResultBackend
	engine    domain.EngineExecutor
	convertor *Convertor
	opts      Options
	logger    *slog.Logger
}

// NewQueryService creates a QueryService. results may be nil.
func NewQueryService(queries domain.QueryRepository, results domain.ResultBackend, engine domain.EngineExecutor, convertor *Convertor, opts Options, logger *slog.Logger) *QueryService {
	return &QueryService{
		queries:   queries,
		results:   results,
		engine:    engine,
		convertor: convertor,
		opts:      opts,
		logger:    logger.With("component", "queries"),
	}
}

// GetQuery returns the projection of the caller's query with clientID.
func (s *QueryService) GetQuery(ctx context.Context, clientID string, userID int64) (map[string]any, error) {
	q, err := s.queries.GetByClientID(ctx, clientID, userID)
	if err != nil {
		if isNotFound(err) {
			return nil, domain.ErrQueryNotFound("Query with client_id %q not found.", clientID)
		}
		return nil, domain.ErrInternal(nil, err)
	}
	return s.convertor.Projection(q, epochMillis), nil
}

// UpdatedSince returns the caller's queries changed after since, keyed by
// client id.
func (s *QueryService) UpdatedSince(ctx context.Context, userID int64, since time.Time) (map[string]map[string]any, error) {
	list, err := s.queries.ListUpdatedSince(ctx, userID, since)
	if err != nil {
		return nil, domain.ErrInternal(nil, err)
	}
	out := make(map[string]map[string]any, len(list))
	for i := range list {
		out[list[i].ClientID] = s.convertor.Projection(&list[i], epochMillis)
	}
	return out, nil
}

// StopQuery marks the caller's pending or running query STOPPED and
// cancels engine work running in this process. Stopping a finished query
// is a no-op.
func (s *QueryService) StopQuery(ctx context.Context, clientID string, userID int64) (map[string]any, error) {
	q, err := s.queries.GetByClientID(ctx, clientID, userID)
	if err != nil {
		if isNotFound(err) {
			return nil, domain.ErrQueryNotFound("Query with client_id %q not found.", clientID)
		}
		return nil, domain.ErrInternal(nil, err)
	}
	if q.Status.IsTerminal() {
		return s.convertor.Projection(q, epochMillis), nil
	}

	now := time.Now()
	stopped, err := s.queries.Update(ctx, q.ID, domain.QueryPatch{
		Status:  domain.Ptr(domain.QueryStatusStopped),
		EndTime: &now,
	})
	switch {
	case err == nil:
		q = stopped
	case isConflict(err):
		if q, err = s.queries.GetByID(ctx, q.ID); err != nil {
			return nil, domain.ErrInternal(nil, err)
		}
	default:
		return nil, domain.ErrInternal(q, err)
	}

	if s.engine.Cancel(q.ID) {
		s.logger.Info("cancelled running engine work", "query_id", q.ID)
	}
	return s.convertor.Projection(q, epochMillis), nil
}

// FetchResults reads a stored result payload, checks the caller may see
// the owning query, and applies the display limit. rows > 0 overrides the
// configured display limit.
func (s *QueryService) FetchResults(ctx context.Context, key string, rows int, userID int64) ([]byte, error) {
	if s.results == nil {
		return nil, domain.ErrResultsBackendNotConfigured()
	}

	raw, err := s.results.Get(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return nil, domain.ErrResultsGone(key)
		}
		return nil, domain.ErrInternal(nil, err)
	}

	q, err := s.queries.GetByResultsKey(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return nil, domain.ErrQueryNotFound("The query associated with these results could not be found. You need to re-run the original query.")
		}
		return nil, domain.ErrInternal(nil, err)
	}
	if !canSeeQuery(ctx, q, userID) {
		return nil, domain.ErrQueryIsForbiddenToAccess("You are not allowed to read the results of this query.")
	}

	payload, err := DecodeResultPayload(raw)
	if err != nil {
		return nil, domain.ErrInternal(q, err)
	}
	limit := s.opts.DisplayMaxRow
	if rows > 0 {
		limit = rows
	}
	b, err := s.convertor.Encode(payload.WithDisplayLimit(limit))
	if err != nil {
		return nil, domain.ErrInternal(q, err)
	}
	return b, nil
}

func canSeeQuery(ctx context.Context, q *domain.Query, userID int64) bool {
	if q.UserID == userID {
		return true
	}
	p, ok := domain.PrincipalFromContext(ctx)
	return ok && p.IsAdmin
}
