package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"sqllab/internal/domain"
)

// MemQueryRepo is an in-memory domain.QueryRepository with the same
// idempotency and terminal-status rules as the SQL store. UpdateFn, when
// set, runs before every update and can inject failures.
type MemQueryRepo struct {
	UpdateFn func(id string, patch domain.QueryPatch) error

	mu          sync.Mutex
	queries     map[string]*domain.Query
	seq         int
	SavedExecs  []string // query ids passed to UpdateSavedQueryExecInfo
	UpdateCount int
}

// NewMemQueryRepo creates an empty MemQueryRepo.
func NewMemQueryRepo() *MemQueryRepo {
	return &MemQueryRepo{queries: map[string]*domain.Query{}}
}

func clone(q *domain.Query) *domain.Query {
	c := *q
	c.Extra = make(map[string]any, len(q.Extra))
	for k, v := range q.Extra {
		c.Extra[k] = v
	}
	return &c
}

// FindOneOrNone implements the interface method for testing.
func (r *MemQueryRepo) FindOneOrNone(_ context.Context, clientID string, userID int64, sqlEditorID string) (*domain.Query, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found *domain.Query
	for _, q := range r.queries {
		if q.ClientID == clientID && q.UserID == userID && q.SQLEditorID == sqlEditorID {
			if found == nil || q.StartTime.After(found.StartTime) {
				found = q
			}
		}
	}
	if found == nil {
		return nil, nil
	}
	return clone(found), nil
}

// GetByID implements the interface method for testing.
func (r *MemQueryRepo) GetByID(_ context.Context, id string) (*domain.Query, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queries[id]
	if !ok {
		return nil, domain.ErrNotFound("query %q not found", id)
	}
	return clone(q), nil
}

// GetByClientID implements the interface method for testing.
func (r *MemQueryRepo) GetByClientID(_ context.Context, clientID string, userID int64) (*domain.Query, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range r.queries {
		if q.ClientID == clientID && q.UserID == userID {
			return clone(q), nil
		}
	}
	return nil, domain.ErrNotFound("query with client id %q not found", clientID)
}

// GetByResultsKey implements the interface method for testing.
func (r *MemQueryRepo) GetByResultsKey(_ context.Context, key string) (*domain.Query, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range r.queries {
		if q.ResultsKey != nil && *q.ResultsKey == key {
			return clone(q), nil
		}
	}
	return nil, domain.ErrNotFound("query with results key %q not found", key)
}

// Insert implements the interface method for testing.
func (r *MemQueryRepo) Insert(_ context.Context, q *domain.Query) (*domain.Query, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.queries {
		if existing.ClientID == q.ClientID && existing.UserID == q.UserID && existing.SQLEditorID == q.SQLEditorID &&
			!existing.Status.IsTerminal() && !q.Status.IsTerminal() {
			return nil, domain.ErrCreateFailed(domain.ErrConflict("live query exists for client id %q", q.ClientID))
		}
	}
	r.seq++
	c := clone(q)
	if c.ID == "" {
		c.ID = fmt.Sprintf("q-%d", r.seq)
	}
	if c.StartTime.IsZero() {
		c.StartTime = time.Now()
	}
	c.ChangedOn = time.Now()
	r.queries[c.ID] = c
	return clone(c), nil
}

// Put stores q as is, bypassing insert checks.
func (r *MemQueryRepo) Put(q *domain.Query) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries[q.ID] = clone(q)
}

// Update implements the interface method for testing.
func (r *MemQueryRepo) Update(_ context.Context, id string, p domain.QueryPatch) (*domain.Query, error) {
	if r.UpdateFn != nil {
		if err := r.UpdateFn(id, p); err != nil {
			return nil, domain.ErrUpdateFailed(err)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queries[id]
	if !ok {
		return nil, domain.ErrUpdateFailed(domain.ErrNotFound("query %q not found", id))
	}
	if p.Status != nil && q.Status.IsTerminal() {
		return nil, domain.ErrUpdateFailed(domain.ErrConflict("query %q is already %s", id, q.Status))
	}
	r.UpdateCount++
	applyPatch(q, p)
	q.ChangedOn = time.Now()
	return clone(q), nil
}

func applyPatch(q *domain.Query, p domain.QueryPatch) {
	if p.Status != nil {
		q.Status = *p.Status
	}
	if p.ExecutedSQL != nil {
		q.ExecutedSQL = p.ExecutedSQL
	}
	if p.SelectSQL != nil {
		q.SelectSQL = p.SelectSQL
	}
	if p.TmpTableName != nil {
		q.TmpTableName = *p.TmpTableName
	}
	if p.TmpSchemaName != nil {
		q.TmpSchemaName = *p.TmpSchemaName
	}
	if p.Limit != nil {
		q.Limit = p.Limit
	}
	if p.LimitingFactor != nil {
		q.LimitingFactor = *p.LimitingFactor
	}
	if p.Rows != nil {
		q.Rows = p.Rows
	}
	if p.Progress != nil {
		q.Progress = *p.Progress
	}
	if p.ErrorMessage != nil {
		q.ErrorMessage = p.ErrorMessage
	}
	if p.TrackingURL != nil {
		q.TrackingURL = p.TrackingURL
	}
	switch {
	case p.ClearResultsKey:
		q.ResultsKey = nil
	case p.ResultsKey != nil:
		q.ResultsKey = p.ResultsKey
	}
	if p.StartRunningTime != nil {
		q.StartRunningTime = p.StartRunningTime
	}
	if p.EndTime != nil {
		q.EndTime = p.EndTime
	}
	if len(p.Extra) > 0 {
		if q.Extra == nil {
			q.Extra = map[string]any{}
		}
		for k, v := range p.Extra {
			q.Extra[k] = v
		}
	}
}

// UpdateSavedQueryExecInfo implements the interface method for testing.
func (r *MemQueryRepo) UpdateSavedQueryExecInfo(_ context.Context, queryID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.SavedExecs = append(r.SavedExecs, queryID)
	return nil
}

// ListRunningStartedBefore implements the interface method for testing.
func (r *MemQueryRepo) ListRunningStartedBefore(_ context.Context, before time.Time) ([]domain.Query, error) {
	return r.filter(func(q *domain.Query) bool {
		started := q.StartTime
		if q.StartRunningTime != nil {
			started = *q.StartRunningTime
		}
		return q.Status == domain.QueryStatusRunning && started.Before(before)
	}), nil
}

// ListUpdatedSince implements the interface method for testing.
func (r *MemQueryRepo) ListUpdatedSince(_ context.Context, userID int64, since time.Time) ([]domain.Query, error) {
	return r.filter(func(q *domain.Query) bool {
		return q.UserID == userID && q.ChangedOn.After(since)
	}), nil
}

func (r *MemQueryRepo) filter(keep func(*domain.Query) bool) []domain.Query {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Query
	for _, q := range r.queries {
		if keep(q) {
			out = append(out, *clone(q))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// Count returns the number of stored queries.
func (r *MemQueryRepo) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queries)
}

var _ domain.QueryRepository = (*MemQueryRepo)(nil)
