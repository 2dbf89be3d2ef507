package sqllab

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"sqllab/internal/domain"
	"sqllab/internal/testutil"
)

type fixture struct {
	queries   *testutil.MemQueryRepo
	engine    *testutil.MockEngine
	results   *testutil.MockResultBackend
	tasks     *testutil.MockTaskQueue
	validator *testutil.MockAccessValidator
	db        *domain.Database
	opts      Options
}

func newFixture() *fixture {
	opts := DefaultOptions()
	opts.AbandonGrace = 0
	return &fixture{
		queries:   testutil.NewMemQueryRepo(),
		engine:    &testutil.MockEngine{},
		results:   testutil.NewMockResultBackend(),
		tasks:     &testutil.MockTaskQueue{},
		validator: &testutil.MockAccessValidator{},
		db: &domain.Database{
			ID: 7, Name: "warehouse", Engine: domain.EngineSQLite,
			ExposeInSQLLab: true, AllowRunAsync: true, AllowCTAS: true, AllowCVAS: true,
		},
		opts: opts,
	}
}

func (f *fixture) service(t *testing.T) *Service {
	t.Helper()
	svc, err := New(Deps{
		Queries:   f.queries,
		Databases: testutil.StaticDatabases(f.db),
		Validator: f.validator,
		Results:   f.results,
		Engine:    f.engine,
		Tasks:     f.tasks,
		Logger:    discardLogger(),
	}, f.opts)
	require.NoError(t, err)
	return svc
}

func (f *fixture) returns(res *domain.SQLResult, err error) {
	f.engine.ExecuteFn = func(context.Context, *domain.Database, domain.EngineRequest) (*domain.SQLResult, error) {
		return res, err
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func result(cols []string, rows ...[]any) *domain.SQLResult {
	res := &domain.SQLResult{Rows: rows}
	for _, c := range cols {
		res.Columns = append(res.Columns, domain.ColumnInfo{Name: c, Type: "INTEGER"})
	}
	res.SelectedColumns = res.Columns
	if res.Rows == nil {
		res.Rows = [][]any{}
	}
	return res
}

func request(sql string) Request {
	return Request{
		DatabaseID:     7,
		SQL:            sql,
		TemplateParams: map[string]any{},
		QueryLimit:     1000,
		CtasMethod:     domain.CtasMethodTable,
		ClientID:       "cli-1",
		SQLEditorID:    "e1",
		UserID:         42,
	}
}

func decode(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	return m
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
