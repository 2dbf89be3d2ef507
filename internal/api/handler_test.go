package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqllab/internal/domain"
	"sqllab/internal/metrics"
	"sqllab/internal/middleware"
	"sqllab/internal/service/sqllab"
	"sqllab/internal/testutil"
)

const testSecret = "api-test-secret"

type apiFixture struct {
	queries *testutil.MemQueryRepo
	engine  *testutil.MockEngine
	results *testutil.MockResultBackend
	tasks   *testutil.MockTaskQueue
	health  func(context.Context) error
	router  http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{
		queries: testutil.NewMemQueryRepo(),
		engine:  &testutil.MockEngine{},
		results: testutil.NewMockResultBackend(),
		tasks:   &testutil.MockTaskQueue{},
	}
	f.engine.ExecuteFn = func(context.Context, *domain.Database, domain.EngineRequest) (*domain.SQLResult, error) {
		cols := []domain.ColumnInfo{{Name: "n", Type: "INTEGER"}}
		return &domain.SQLResult{Columns: cols, SelectedColumns: cols, Rows: [][]any{{1}, {2}}}, nil
	}

	logger := slog.New(slog.DiscardHandler)
	opts := sqllab.DefaultOptions()
	opts.AbandonGrace = 0
	svc, err := sqllab.New(sqllab.Deps{
		Queries: f.queries,
		Databases: testutil.StaticDatabases(&domain.Database{
			ID: 7, Name: "warehouse", Engine: domain.EngineSQLite,
			ExposeInSQLLab: true, AllowRunAsync: true,
		}),
		Validator: &testutil.MockAccessValidator{},
		Results:   f.results,
		Engine:    f.engine,
		Tasks:     f.tasks,
		Logger:    logger,
	}, opts)
	require.NoError(t, err)

	health := func(ctx context.Context) error {
		if f.health != nil {
			return f.health(ctx)
		}
		return nil
	}
	f.router = NewRouter(t.Context(), RouterConfig{
		Handler:        NewHandler(svc, health, logger),
		Validator:      middleware.NewSharedSecretValidator(testSecret),
		Metrics:        metrics.New(),
		AllowedOrigins: []string{"*"},
		Logger:         logger,
	})
	return f
}

func token(t *testing.T, sub string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (f *apiFixture) do(t *testing.T, method, path, body, sub string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sub != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, sub))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m), rec.Body.String())
	return m
}

const syncBody = `{"database_id": 7, "sql": "select n from t", "client_id": "cli-1", "sql_editor_id": "e1", "queryLimit": 100}`

func TestExecute_Sync(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/sqllab/execute", syncBody, "42")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "success", body["status"])
	assert.Len(t, body["data"], 2)
	q := body["query"].(map[string]any)
	assert.Equal(t, "cli-1", q["id"])
	assert.InDelta(t, 42, q["userId"], 0)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestExecute_Async(t *testing.T) {
	f := newAPIFixture(t)
	f.tasks.SubmitFn = func(context.Context, string, any) (domain.TaskHandle, error) {
		return &testutil.MockTaskHandle{TaskID: "task-1"}, nil
	}

	body := `{"database_id": "7", "sql": "select 1", "client_id": "cli-a", "runAsync": true}`
	rec := f.do(t, http.MethodPost, "/api/v1/sqllab/execute", body, "42")

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	q := decodeBody(t, rec)["query"].(map[string]any)
	assert.Equal(t, "pending", q["state"])
	assert.Len(t, f.tasks.Submitted, 1)
	assert.Equal(t, 0, f.engine.Calls())
}

func TestExecute_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		sub      string
		wantCode int
		wantType string
	}{
		{name: "missing token", body: syncBody, wantCode: http.StatusUnauthorized},
		{name: "malformed json", body: `{"sql":`, sub: "42", wantCode: http.StatusBadRequest, wantType: "INVALID_PAYLOAD_FORMAT_ERROR"},
		{name: "missing sql", body: `{"database_id": 7}`, sub: "42", wantCode: http.StatusBadRequest, wantType: "INVALID_PAYLOAD_FORMAT_ERROR"},
		{name: "unknown database", body: `{"database_id": 99, "sql": "select 1"}`, sub: "42", wantCode: http.StatusNotFound, wantType: "DATABASE_NOT_FOUND_ERROR"},
		{name: "missing template parameter", body: `{"database_id": 7, "sql": "select {{ x }}"}`, sub: "42", wantCode: http.StatusBadRequest, wantType: "MISSING_TEMPLATE_PARAMS_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t)
			rec := f.do(t, http.MethodPost, "/api/v1/sqllab/execute", tt.body, tt.sub)

			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if tt.wantType == "" {
				return
			}
			body := decodeBody(t, rec)
			assert.Equal(t, tt.wantType, body["error_type"])
			assert.NotEmpty(t, body["message"])
			assert.Len(t, body["errors"], 1)
		})
	}
}

func TestExecute_EngineFailureIsServerError(t *testing.T) {
	f := newAPIFixture(t)
	f.engine.ExecuteFn = func(context.Context, *domain.Database, domain.EngineRequest) (*domain.SQLResult, error) {
		return nil, errors.New("relation t does not exist")
	}

	rec := f.do(t, http.MethodPost, "/api/v1/sqllab/execute", syncBody, "42")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "GENERIC_DB_ENGINE_ERROR", body["error_type"])
	assert.Contains(t, body["message"], "relation t does not exist")
}

func TestResults(t *testing.T) {
	f := newAPIFixture(t)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/v1/sqllab/execute", syncBody, "42").Code)
	q, err := f.queries.GetByClientID(t.Context(), "cli-1", 42)
	require.NoError(t, err)
	require.NotNil(t, q.ResultsKey)

	t.Run("owner reads with row override", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/sqllab/results/"+*q.ResultsKey+"?rows=1", "", "42")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		body := decodeBody(t, rec)
		assert.Len(t, body["data"], 1)
		assert.Equal(t, true, body["displayLimitReached"])
	})

	t.Run("other user is refused", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/sqllab/results/"+*q.ResultsKey, "", "7")
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("unknown key is gone", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/sqllab/results/nope", "", "42")
		assert.Equal(t, http.StatusGone, rec.Code)
		assert.Equal(t, "RESULTS_BACKEND_ERROR", decodeBody(t, rec)["error_type"])
	})

	t.Run("bad rows", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/sqllab/results/"+*q.ResultsKey+"?rows=x", "", "42")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestStop(t *testing.T) {
	f := newAPIFixture(t)
	f.queries.Put(&domain.Query{
		ID: "q-run", ClientID: "run-1", UserID: 42, DatabaseID: 7,
		Status: domain.QueryStatusRunning, StartTime: time.Now(),
	})

	rec := f.do(t, http.MethodPost, "/api/v1/sqllab/stop", `{"client_id": "run-1"}`, "42")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "OK", body["result"])
	assert.Equal(t, "stopped", body["query"].(map[string]any)["state"])

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v1/sqllab/stop", `{}`, "42").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/v1/sqllab/stop", `{"client_id": "run-1"}`, "43").Code)
}

func TestQueries(t *testing.T) {
	f := newAPIFixture(t)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/v1/sqllab/execute", syncBody, "42").Code)

	rec := f.do(t, http.MethodGet, "/api/v1/sqllab/queries/cli-1", "", "42")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", decodeBody(t, rec)["query"].(map[string]any)["state"])

	rec = f.do(t, http.MethodGet, "/api/v1/sqllab/queries?since=0", "", "42")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decodeBody(t, rec), "cli-1")

	rec = f.do(t, http.MethodGet, "/api/v1/sqllab/queries?since=0", "", "43")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody(t, rec))

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/sqllab/queries?since=yesterday", "", "42").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/sqllab/queries/missing", "", "42").Code)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	f.health = func(context.Context) error { return errors.New("metastore down") }
	rec = f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = f.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sqllab_reaped_queries_total")
}

func TestHTTPStatusFromDomainError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "sql lab timeout", err: domain.ErrQueryTimeout(30), want: http.StatusRequestTimeout},
		{name: "sql lab forbidden", err: domain.ErrQueryIsForbiddenToAccess("no"), want: http.StatusForbidden},
		{name: "wrapped sql lab", err: errors.Join(errors.New("ctx"), domain.ErrResultsGone("k")), want: http.StatusGone},
		{name: "not found", err: domain.ErrNotFound("x"), want: http.StatusNotFound},
		{name: "access denied", err: domain.ErrAccessDenied("x"), want: http.StatusForbidden},
		{name: "validation", err: domain.ErrValidation("x"), want: http.StatusBadRequest},
		{name: "conflict", err: domain.ErrConflict("x"), want: http.StatusConflict},
		{name: "unknown", err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, httpStatusFromDomainError(tt.err))
		})
	}
}

func TestErrorBodyFromPlainError(t *testing.T) {
	t.Parallel()

	body := errorBodyFromError(errors.New("boom"))

	assert.Equal(t, "boom", body.Message)
	assert.Equal(t, domain.ErrorTypeGenericBackend, body.ErrorType)
	require.Len(t, body.Errors, 1)
	assert.Equal(t, domain.ErrorLevelError, body.Errors[0].Level)
}
