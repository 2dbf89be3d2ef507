package sqllab

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqllab/internal/domain"
	"sqllab/internal/testutil"
)

func pendingQuery(f *fixture, id string) *domain.Query {
	q := &domain.Query{
		ID: id, ClientID: "c-" + id, UserID: 42, SQLEditorID: "e1", DatabaseID: f.db.ID,
		Status: domain.QueryStatusPending, Limit: domain.Ptr(100), StartTime: time.Now(),
		Extra: map[string]any{"async": true},
	}
	f.queries.Put(q)
	return q
}

func params(id string) GetSQLResultsParams {
	return GetSQLResultsParams{QueryID: id, RenderedQuery: "select n from t", StoreResults: true, StartTime: time.Now()}
}

func TestWorker_ReturnsResults(t *testing.T) {
	t.Parallel()
	f := newFixture()
	pendingQuery(f, "w1")
	f.returns(result([]string{"n"}, []any{1}), nil)

	p := params("w1")
	p.ReturnResults = true
	payload, err := f.service(t).Worker.GetSQLResults(context.Background(), p)
	require.NoError(t, err)
	require.NotNil(t, payload)
	assert.Equal(t, domain.QueryStatusSuccess, payload.Status)
	assert.Len(t, payload.Data, 1)

	q, err := f.queries.GetByID(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, domain.QueryStatusSuccess, q.Status)
	require.NotNil(t, q.ResultsKey)
	assert.Equal(t, q.ResultsKey, payload.Query["resultsKey"])
	assert.NotNil(t, q.StartRunningTime)
}

func TestWorker_StoreRefusedButReturned(t *testing.T) {
	t.Parallel()
	f := newFixture()
	pendingQuery(f, "w1")
	f.results.SetFn = func(string, []byte) bool { return false }
	f.returns(result([]string{"n"}, []any{1}), nil)

	p := params("w1")
	p.ReturnResults = true
	payload, err := f.service(t).Worker.GetSQLResults(context.Background(), p)
	require.NoError(t, err)
	require.NotNil(t, payload)

	q, err := f.queries.GetByID(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, domain.QueryStatusSuccess, q.Status)
	assert.Nil(t, q.ResultsKey)
}

func TestWorker_TerminalDeliveryIsNoop(t *testing.T) {
	t.Parallel()
	f := newFixture()
	q := pendingQuery(f, "w1")
	q.Status = domain.QueryStatusStopped
	f.queries.Put(q)

	payload, err := f.service(t).Worker.GetSQLResults(context.Background(), params("w1"))
	require.NoError(t, err)
	assert.Nil(t, payload)
	assert.Zero(t, f.engine.Calls())
	assert.Zero(t, f.queries.UpdateCount)
}

func TestWorker_StoppedDuringExecution(t *testing.T) {
	t.Parallel()
	f := newFixture()
	pendingQuery(f, "w1")
	svc := f.service(t)
	f.engine.ExecuteFn = func(ctx context.Context, _ *domain.Database, _ domain.EngineRequest) (*domain.SQLResult, error) {
		_, err := svc.Queries.StopQuery(ctx, "c-w1", 42)
		require.NoError(t, err)
		return result([]string{"n"}, []any{1}), nil
	}

	payload, err := svc.Worker.GetSQLResults(context.Background(), params("w1"))
	require.NoError(t, err)
	assert.Nil(t, payload)

	q, err := f.queries.GetByID(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, domain.QueryStatusStopped, q.Status)
}

func TestWorker_LoadRetriesUntilVisible(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.returns(result([]string{"n"}), nil)
	svc := f.service(t)
	svc.Worker.loadBackoff = time.Millisecond

	misses := 0
	repo := &lateRepo{MemQueryRepo: f.queries, onMiss: func() {
		misses++
		if misses == 2 {
			pendingQuery(f, "w1")
		}
	}}
	svc.Worker.queries = repo

	_, err := svc.Worker.GetSQLResults(context.Background(), params("w1"))
	require.NoError(t, err)
	assert.Equal(t, 2, misses)
}

func TestWorker_LoadGivesUp(t *testing.T) {
	t.Parallel()
	f := newFixture()
	svc := f.service(t)
	svc.Worker.loadBackoff = time.Millisecond

	_, err := svc.Worker.GetSQLResults(context.Background(), params("missing"))
	var nf *domain.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Contains(t, err.Error(), "load query missing")
}

type lateRepo struct {
	*testutil.MemQueryRepo
	onMiss func()
}

func (r *lateRepo) GetByID(ctx context.Context, id string) (*domain.Query, error) {
	q, err := r.MemQueryRepo.GetByID(ctx, id)
	if err != nil {
		r.onMiss()
	}
	return q, err
}

func TestWorker_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		limit     time.Duration
		execute   func(ctx context.Context) (*domain.SQLResult, error)
		wantKind  domain.ErrorKind
		wantInMsg string
	}{
		{
			name:  "time limit",
			limit: 10 * time.Millisecond,
			execute: func(ctx context.Context) (*domain.SQLResult, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
			wantKind:  domain.KindQueryTimeout,
			wantInMsg: "timeout",
		},
		{
			name:  "engine error",
			limit: time.Hour,
			execute: func(context.Context) (*domain.SQLResult, error) {
				return nil, errors.New("syntax error near FROM")
			},
			wantKind:  domain.KindEngineError,
			wantInMsg: "syntax error near FROM",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture()
			f.opts.AsyncTimeLimit = tt.limit
			pendingQuery(f, "w1")
			f.engine.ExecuteFn = func(ctx context.Context, _ *domain.Database, _ domain.EngineRequest) (*domain.SQLResult, error) {
				return tt.execute(ctx)
			}

			_, err := f.service(t).Worker.GetSQLResults(context.Background(), params("w1"))
			sqlErr := sqlLabErr(t, err)
			assert.Equal(t, tt.wantKind, sqlErr.Kind)

			q, err := f.queries.GetByID(context.Background(), "w1")
			require.NoError(t, err)
			assert.Equal(t, domain.QueryStatusFailed, q.Status)
			assert.Contains(t, *q.ErrorMessage, tt.wantInMsg)
			assert.NotNil(t, q.EndTime)
		})
	}
}

func TestWorker_DatabaseGone(t *testing.T) {
	t.Parallel()
	f := newFixture()
	q := pendingQuery(f, "w1")
	q.DatabaseID = 500
	f.queries.Put(q)

	_, err := f.service(t).Worker.GetSQLResults(context.Background(), params("w1"))
	assert.Equal(t, domain.KindNotFound, sqlLabErr(t, err).Kind)

	stored, err := f.queries.GetByID(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, domain.QueryStatusFailed, stored.Status)
}

func TestWorker_HandleTaskRejectsGarbage(t *testing.T) {
	t.Parallel()
	f := newFixture()
	err := f.service(t).Worker.HandleTask(context.Background(), []byte("{not json"))
	assert.ErrorContains(t, err, TaskGetSQLResults)
}
