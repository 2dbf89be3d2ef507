package sqllab

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqllab/internal/domain"
	"sqllab/internal/taskqueue"
	"sqllab/internal/testutil"
)

func storedQuery(t *testing.T, f *fixture, clientID string) *domain.Query {
	t.Helper()
	q, err := f.queries.GetByClientID(context.Background(), clientID, 42)
	require.NoError(t, err)
	return q
}

func sqlLabErr(t *testing.T, err error) *domain.SQLLabError {
	t.Helper()
	var sqlErr *domain.SQLLabError
	require.ErrorAs(t, err, &sqlErr)
	return sqlErr
}

func TestCommand_SyncHappyPath(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.returns(result([]string{"foo"}, []any{int64(1)}), nil)

	res, err := f.service(t).Command.Run(context.Background(), request("select 1 as foo"), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusQueryCreatedSync, res.Status)

	payload := decode(t, res.Payload)
	assert.Equal(t, []any{map[string]any{"foo": float64(1)}}, payload["data"])
	assert.Equal(t, "success", payload["status"])

	q := storedQuery(t, f, "cli-1")
	assert.Equal(t, domain.QueryStatusSuccess, q.Status)
	assert.Equal(t, domain.LimitingFactorDropdown, q.LimitingFactor)
	assert.Equal(t, 1000, *q.Limit)
	assert.Equal(t, 1, *q.Rows)
	assert.Equal(t, "select 1 as foo", *q.ExecutedSQL)
	assert.Equal(t, 100, q.Progress)
	require.NotNil(t, q.ResultsKey)
	assert.Contains(t, f.results.Values, *q.ResultsKey)
	assert.Equal(t, []string{q.ID}, f.queries.SavedExecs)
	assert.Equal(t, q.ID, payload["query_id"])
	assert.Equal(t, *q.ResultsKey, payload["query"].(map[string]any)["resultsKey"])
}

func TestCommand_DuplicateBindsToExisting(t *testing.T) {
	t.Parallel()

	for _, status := range []domain.QueryStatus{domain.QueryStatusPending, domain.QueryStatusRunning, domain.QueryStatusTimedOut} {
		t.Run(string(status), func(t *testing.T) {
			t.Parallel()
			f := newFixture()
			f.queries.Put(&domain.Query{ID: "existing", ClientID: "cli-2", UserID: 42, SQLEditorID: "e1", DatabaseID: 7, Status: status})

			req := request("select 1")
			req.ClientID = "cli-2"
			res, err := f.service(t).Command.Run(context.Background(), req, nil)
			require.NoError(t, err)

			assert.Equal(t, StatusQueryAlreadyCreated, res.Status)
			assert.Equal(t, "existing", decode(t, res.Payload)["query"].(map[string]any)["queryId"])
			assert.Equal(t, 1, f.queries.Count())
			assert.Zero(t, f.engine.Calls())
		})
	}
}

func TestCommand_FinishedDuplicateRunsAgain(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.queries.Put(&domain.Query{ID: "old", ClientID: "cli-1", UserID: 42, SQLEditorID: "e1", Status: domain.QueryStatusSuccess,
		StartTime: time.Now().Add(-time.Hour)})
	f.returns(result([]string{"n"}), nil)

	res, err := f.service(t).Command.Run(context.Background(), request("select 1"), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusQueryCreatedSync, res.Status)
	assert.Equal(t, 2, f.queries.Count())
}

// racingRepo hides the live record from the first lookup, as when two
// submissions of the same triple interleave.
type racingRepo struct {
	*testutil.MemQueryRepo
	lookups int
}

func (r *racingRepo) FindOneOrNone(ctx context.Context, clientID string, userID int64, editorID string) (*domain.Query, error) {
	r.lookups++
	if r.lookups == 1 {
		return nil, nil
	}
	return r.MemQueryRepo.FindOneOrNone(ctx, clientID, userID, editorID)
}

func TestCommand_InsertRaceReturnsExisting(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.queries.Put(&domain.Query{ID: "winner", ClientID: "cli-1", UserID: 42, SQLEditorID: "e1", Status: domain.QueryStatusRunning})

	svc, err := New(Deps{
		Queries:   &racingRepo{MemQueryRepo: f.queries},
		Databases: testutil.StaticDatabases(f.db),
		Validator: f.validator,
		Engine:    f.engine,
		Tasks:     f.tasks,
		Logger:    discardLogger(),
	}, f.opts)
	require.NoError(t, err)

	res, err := svc.Command.Run(context.Background(), request("select 1"), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusQueryAlreadyCreated, res.Status)
	assert.Equal(t, "winner", decode(t, res.Payload)["query"].(map[string]any)["queryId"])
}

func TestCommand_DatabaseNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture()
	req := request("select 1")
	req.DatabaseID = 99

	_, err := f.service(t).Command.Run(context.Background(), req, nil)
	sqlErr := sqlLabErr(t, err)
	assert.Equal(t, domain.KindNotFound, sqlErr.Kind)
	assert.Equal(t, domain.ErrorTypeDatabaseNotFound, sqlErr.ErrorType)
	assert.Zero(t, f.queries.Count())
}

func TestCommand_AccessDenied(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.validator.ValidateFn = func(context.Context, *domain.Query, *domain.Database) error {
		return domain.ErrQueryIsForbiddenToAccess("no access")
	}

	_, err := f.service(t).Command.Run(context.Background(), request("select 1"), nil)
	sqlErr := sqlLabErr(t, err)
	assert.Equal(t, 403, sqlErr.HTTPStatus())

	q := storedQuery(t, f, "cli-1")
	assert.Equal(t, domain.QueryStatusFailed, q.Status)
	assert.Equal(t, "no access", *q.ErrorMessage)
	assert.Zero(t, f.engine.Calls())
}

func TestCommand_MissingTemplateParam(t *testing.T) {
	t.Parallel()
	f := newFixture()

	_, err := f.service(t).Command.Run(context.Background(), request("select * from t where x={{ x }}"), nil)
	sqlErr := sqlLabErr(t, err)
	assert.Equal(t, 400, sqlErr.HTTPStatus())
	assert.Equal(t, domain.ErrorTypeMissingTemplateParams, sqlErr.ErrorType)
	assert.Equal(t, []string{"x"}, sqlErr.Extra["undefined_parameters"])

	q := storedQuery(t, f, "cli-1")
	assert.Equal(t, domain.QueryStatusFailed, q.Status)
	require.Len(t, q.ExtraErrors(), 1)
	assert.Equal(t, domain.ErrorTypeMissingTemplateParams, q.ExtraErrors()[0].ErrorType)
}

func TestCommand_LimitSQLWins(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.returns(result([]string{"n"}), nil)

	_, err := f.service(t).Command.Run(context.Background(), request("select * from t limit 50"), nil)
	require.NoError(t, err)

	q := storedQuery(t, f, "cli-1")
	assert.Equal(t, 50, *q.Limit)
	assert.Equal(t, domain.LimitingFactorQuery, q.LimitingFactor)
	assert.Equal(t, 50, f.engine.Requests[0].FetchLimit)
}

func TestCommand_TrackingURLTransform(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.opts.TrackingURLTransformer = func(url, clientID string) (string, error) {
		return strings.Replace(url, "/ui/query.html?", "/"+clientID+"/", 1), nil
	}
	res := result([]string{"n"})
	res.TrackingURL = "https://host/ui/query.html?id=abc"
	f.returns(res, nil)

	_, err := f.service(t).Command.Run(context.Background(), request("select 1"), nil)
	require.NoError(t, err)

	q := storedQuery(t, f, "cli-1")
	require.NotNil(t, q.TrackingURL)
	assert.Contains(t, *q.TrackingURL, "/cli-1/")
}

func TestCommand_SyncDisplayLimit(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.opts.DisplayMaxRow = 2
	f.returns(result([]string{"n"}, []any{1}, []any{2}, []any{3}), nil)

	res, err := f.service(t).Command.Run(context.Background(), request("select n from t"), nil)
	require.NoError(t, err)

	payload := decode(t, res.Payload)
	assert.Len(t, payload["data"], 2)
	assert.Equal(t, true, payload["displayLimitReached"])
	assert.Equal(t, 3, *storedQuery(t, f, "cli-1").Rows)
}

func TestCommand_SyncBackendRefusal(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.results.SetFn = func(string, []byte) bool { return false }
	f.returns(result([]string{"n"}, []any{1}), nil)

	res, err := f.service(t).Command.Run(context.Background(), request("select 1"), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusQueryCreatedSync, res.Status)

	q := storedQuery(t, f, "cli-1")
	assert.Equal(t, domain.QueryStatusSuccess, q.Status)
	assert.Nil(t, q.ResultsKey)
}

func TestCommand_SyncPersistenceDisabled(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.opts.BackendPersistence = false
	f.returns(result([]string{"n"}, []any{1}), nil)

	_, err := f.service(t).Command.Run(context.Background(), request("select 1"), nil)
	require.NoError(t, err)
	assert.Nil(t, storedQuery(t, f, "cli-1").ResultsKey)
	assert.Empty(t, f.results.Values)
}

func TestCommand_SyncEngineError(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.returns(nil, &domain.EngineError{Message: "no such table: t", Errors: []domain.ErrorRecord{
		{Message: "no such table: t", ErrorType: domain.ErrorTypeGenericDBEngine, Level: domain.ErrorLevelError},
	}})

	_, err := f.service(t).Command.Run(context.Background(), request("select * from t"), nil)
	sqlErr := sqlLabErr(t, err)
	assert.Equal(t, domain.KindEngineError, sqlErr.Kind)

	q := storedQuery(t, f, "cli-1")
	assert.Equal(t, domain.QueryStatusFailed, q.Status)
	assert.Equal(t, "no such table: t", *q.ErrorMessage)
	assert.Len(t, q.ExtraErrors(), 1)
	assert.Nil(t, q.ResultsKey)
}

func TestCommand_SyncTimeoutAbandoned(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.opts.Timeout = 20 * time.Millisecond
	f.opts.AbandonGrace = time.Second
	f.engine.ExecuteFn = func(ctx context.Context, _ *domain.Database, _ domain.EngineRequest) (*domain.SQLResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, err := f.service(t).Command.Run(context.Background(), request("select 1"), nil)
	sqlErr := sqlLabErr(t, err)
	assert.Equal(t, 408, sqlErr.HTTPStatus())
	assert.Equal(t, domain.QueryStatusTimedOut, storedQuery(t, f, "cli-1").Status)
}

func TestCommand_SyncTimeoutLeftRunning(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.opts.Timeout = 20 * time.Millisecond
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	f.engine.ExecuteFn = func(context.Context, *domain.Database, domain.EngineRequest) (*domain.SQLResult, error) {
		<-release
		return result(nil), nil
	}

	_, err := f.service(t).Command.Run(context.Background(), request("select 1"), nil)
	sqlErr := sqlLabErr(t, err)
	assert.Equal(t, domain.KindQueryTimeout, sqlErr.Kind)
	assert.Equal(t, domain.QueryStatusRunning, storedQuery(t, f, "cli-1").Status)
}

func TestCommand_AsyncDispatch(t *testing.T) {
	t.Parallel()
	f := newFixture()
	handle := &testutil.MockTaskHandle{TaskID: "task-1", ForgetErr: domain.ErrForgetUnsupported}
	f.tasks.SubmitFn = func(_ context.Context, name string, _ any) (domain.TaskHandle, error) {
		assert.Equal(t, TaskGetSQLResults, name)
		return handle, nil
	}
	req := request("select {{ current_user_id() }}")
	req.RunAsync = true
	req.ExpandData = true

	res, err := f.service(t).Command.Run(context.Background(), req, map[string]any{"user_agent": "test"})
	require.NoError(t, err)
	assert.Equal(t, StatusQueryCreatedAsync, res.Status)

	query := decode(t, res.Payload)["query"].(map[string]any)
	assert.Equal(t, "pending", query["state"])
	assert.IsType(t, float64(0), query["startDttm"])

	require.Len(t, f.tasks.Submitted, 1)
	params := f.tasks.Submitted[0].(GetSQLResultsParams)
	q := storedQuery(t, f, "cli-1")
	assert.Equal(t, q.ID, params.QueryID)
	assert.Equal(t, "select 42", params.RenderedQuery)
	assert.True(t, params.StoreResults)
	assert.False(t, params.ReturnResults)
	assert.False(t, params.ExpandData, "expansion needs the global flag")
	assert.Equal(t, "test", params.LogParams["user_agent"])
	assert.True(t, handle.Forgotten)
	assert.Equal(t, []string{q.ID}, f.queries.SavedExecs)
	assert.Zero(t, f.engine.Calls())
}

func TestCommand_AsyncDispatchFailure(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.tasks.SubmitFn = func(context.Context, string, any) (domain.TaskHandle, error) {
		return nil, errors.New("broker down")
	}
	req := request("select 1")
	req.RunAsync = true

	_, err := f.service(t).Command.Run(context.Background(), req, nil)
	sqlErr := sqlLabErr(t, err)
	assert.Equal(t, domain.KindAsyncDispatchFailed, sqlErr.Kind)

	q := storedQuery(t, f, "cli-1")
	assert.Equal(t, domain.QueryStatusFailed, q.Status)
	assert.Equal(t, domain.MsgFailedToStartRemoteQuery, *q.ErrorMessage)
	require.Len(t, q.ExtraErrors(), 1)
	assert.Equal(t, domain.ErrorTypeAsyncWorkers, q.ExtraErrors()[0].ErrorType)
	assert.Equal(t, domain.ErrorLevelError, q.ExtraErrors()[0].Level)
}

func TestCommand_AsyncSaturatedPoolFails(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	reg := taskqueue.NewRegistry()
	reg.Register("block", func(ctx context.Context, _ json.RawMessage) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	pool, err := taskqueue.NewPool(taskqueue.PoolConfig{Size: 1, Backlog: 1}, reg, nil, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		close(release)
		_ = pool.Close(time.Second)
	})

	fill := func() {
		for range 8 {
			if _, err := pool.Submit(context.Background(), "block", nil); err != nil {
				require.ErrorIs(t, err, ants.ErrPoolOverload)
				return
			}
		}
		t.Fatal("pool never reported overload")
	}
	// The second pass refills the backlog once the dispatcher holds a task.
	fill()
	time.Sleep(20 * time.Millisecond)
	fill()

	f := newFixture()
	f.tasks.SubmitFn = pool.Submit
	req := request("select 1")
	req.RunAsync = true

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	begin := time.Now()
	_, err = f.service(t).Command.Run(ctx, req, nil)
	assert.Less(t, time.Since(begin), time.Second)
	sqlErr := sqlLabErr(t, err)
	assert.Equal(t, domain.KindAsyncDispatchFailed, sqlErr.Kind)
	assert.ErrorIs(t, err, ants.ErrPoolOverload)

	q := storedQuery(t, f, "cli-1")
	assert.Equal(t, domain.QueryStatusFailed, q.Status)
	assert.Equal(t, domain.MsgFailedToStartRemoteQuery, *q.ErrorMessage)
	require.Len(t, q.ExtraErrors(), 1)
	assert.Equal(t, domain.ErrorTypeAsyncWorkers, q.ExtraErrors()[0].ErrorType)
}

func TestCommand_AsyncStoreFailure(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.tasks.SubmitFn = func(context.Context, string, any) (domain.TaskHandle, error) {
		return &testutil.MockTaskHandle{TaskID: "t"}, nil
	}
	f.results.SetFn = func(string, []byte) bool { return false }
	f.returns(result([]string{"n"}, []any{1}), nil)
	svc := f.service(t)

	req := request("select 1")
	req.RunAsync = true
	_, err := svc.Command.Run(context.Background(), req, nil)
	require.NoError(t, err)

	_, err = svc.Worker.GetSQLResults(context.Background(), f.tasks.Submitted[0].(GetSQLResultsParams))
	sqlErr := sqlLabErr(t, err)
	assert.Equal(t, domain.ErrorTypeResultsBackend, sqlErr.ErrorType)

	q := storedQuery(t, f, "cli-1")
	assert.Equal(t, domain.QueryStatusFailed, q.Status)
	assert.Nil(t, q.ResultsKey)
	assert.Equal(t, "Failed to store query results", *q.ErrorMessage)
}

func TestCommand_AsyncRoundTrip(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.tasks.SubmitFn = func(context.Context, string, any) (domain.TaskHandle, error) {
		return &testutil.MockTaskHandle{TaskID: "t"}, nil
	}
	f.returns(result([]string{"n"}, []any{1}, []any{2}), nil)
	svc := f.service(t)

	req := request("select n from t")
	req.RunAsync = true
	_, err := svc.Command.Run(context.Background(), req, nil)
	require.NoError(t, err)
	require.NoError(t, svc.Worker.HandleTask(context.Background(), mustJSON(t, f.tasks.Submitted[0])))

	q := storedQuery(t, f, "cli-1")
	assert.Equal(t, domain.QueryStatusSuccess, q.Status)
	require.NotNil(t, q.ResultsKey)

	stored, err := f.results.Get(context.Background(), *q.ResultsKey)
	require.NoError(t, err)
	fetched, err := svc.Queries.FetchResults(context.Background(), *q.ResultsKey, 0, 42)
	require.NoError(t, err)
	assert.JSONEq(t, string(stored), string(fetched))
	assert.Len(t, decode(t, fetched)["data"], 2)
}

func TestCommand_CTASNamingAndNoLimit(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.opts.CTASNoLimit = true
	f.opts.CTASSchemaName = func(db *domain.Database, userID int64, schema, _ string) (string, error) {
		return "scratch_" + db.Name, nil
	}
	f.returns(result(nil), nil)
	req := request("select * from t")
	req.SelectAsCTA = true

	_, err := f.service(t).Command.Run(context.Background(), req, nil)
	require.NoError(t, err)

	q := storedQuery(t, f, "cli-1")
	assert.Nil(t, q.Limit)
	assert.Equal(t, "scratch_warehouse", q.TmpSchemaName)
	assert.Regexp(t, regexp.MustCompile(`^tmp_42_table_\d{4}_\d{2}_\d{2}_\d{2}_\d{2}_\d{2}$`), q.TmpTableName)
	assert.Equal(t, "select * from t", *q.SelectSQL)
	assert.True(t, strings.HasPrefix(*q.ExecutedSQL, "CREATE TABLE scratch_warehouse.tmp_42_table_"))
}

func TestCommand_CTASForcedSchema(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.db.ForceCTASSchema = "forced"
	f.opts.CTASSchemaName = func(*domain.Database, int64, string, string) (string, error) {
		t.Fatal("schema hook must not run when the database forces a schema")
		return "", nil
	}
	f.returns(result(nil), nil)
	req := request("select * from t")
	req.SelectAsCTA = true
	req.TmpTableName = "mine"

	_, err := f.service(t).Command.Run(context.Background(), req, nil)
	require.NoError(t, err)

	q := storedQuery(t, f, "cli-1")
	assert.Equal(t, "forced", q.TmpSchemaName)
	assert.Equal(t, "mine", q.TmpTableName)
	assert.Equal(t, 1000, *q.Limit)
}

func TestCommand_StoreFailureIsInternal(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.queries.UpdateFn = func(string, domain.QueryPatch) error { return errors.New("disk full") }

	_, err := f.service(t).Command.Run(context.Background(), request("select 1"), nil)
	sqlErr := sqlLabErr(t, err)
	assert.Equal(t, domain.KindInternal, sqlErr.Kind)
	assert.Contains(t, sqlErr.Message, "client_id=cli-1")
	assert.Contains(t, sqlErr.Message, "disk full")
}
