package sqllab

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqllab/internal/domain"
)

func finishedQuery() *domain.Query {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(1500 * time.Millisecond)
	return &domain.Query{
		ID: "q-1", ClientID: "cli-1", UserID: 42, DatabaseID: 7, SQL: "select 1",
		Status: domain.QueryStatusSuccess, StartTime: start, EndTime: &end, ChangedOn: end,
		Rows: domain.Ptr(3), LimitingFactor: domain.LimitingFactorDropdown, Limit: domain.Ptr(1000),
	}
}

func TestConvertor_SyncPayloadTruncates(t *testing.T) {
	t.Parallel()
	c := NewConvertor(2, false)

	res := result([]string{"n"}, []any{int64(1)}, []any{int64(2)}, []any{int64(3)})
	p := c.ResultPayload(finishedQuery(), res, false)
	require.Len(t, p.Data, 3)

	b, err := c.SyncPayload(p)
	require.NoError(t, err)
	got := decode(t, b)

	assert.Len(t, got["data"], 2)
	assert.Equal(t, true, got["displayLimitReached"])
	assert.Equal(t, "success", got["status"])
	assert.Equal(t, "q-1", got["query_id"])
	query := got["query"].(map[string]any)
	assert.Equal(t, float64(3), query["rows"])
	assert.Equal(t, "2024-03-01T12:00:00Z", query["startDttm"])
	assert.Len(t, p.Data, 3, "stored payload keeps every row")
}

func TestConvertor_NoTruncationUnderLimit(t *testing.T) {
	t.Parallel()
	c := NewConvertor(10, false)

	b, err := c.SyncPayload(c.ResultPayload(finishedQuery(), result([]string{"n"}, []any{1}), false))
	require.NoError(t, err)
	got := decode(t, b)
	assert.NotContains(t, got, "displayLimitReached")
}

func TestConvertor_Deterministic(t *testing.T) {
	t.Parallel()
	c := NewConvertor(100, false)
	p := c.ResultPayload(finishedQuery(), result([]string{"a", "b"}, []any{1, "x"}, []any{2, "y"}), false)

	first, err := c.SyncPayload(p)
	require.NoError(t, err)
	second, err := c.SyncPayload(p)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestConvertor_QueryPayloadEpochMillis(t *testing.T) {
	t.Parallel()
	c := NewConvertor(100, false)
	q := finishedQuery()

	b, err := c.QueryPayload(q)
	require.NoError(t, err)
	got := decode(t, b)["query"].(map[string]any)

	assert.Equal(t, float64(q.StartTime.UnixMilli()), got["startDttm"])
	assert.Equal(t, float64(q.EndTime.UnixMilli()), got["endDttm"])
	assert.Equal(t, "cli-1", got["id"])
	assert.Equal(t, "q-1", got["queryId"])
	assert.Equal(t, "DROPDOWN", got["limitingFactor"])
	assert.Equal(t, float64(1000), got["limit"])
	assert.Nil(t, got["resultsKey"])
	assert.Equal(t, "success", got["state"])
}

func TestSanitize(t *testing.T) {
	t.Parallel()
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	assert.Nil(t, sanitize(math.NaN()))
	assert.Nil(t, sanitize(math.Inf(1)))
	assert.Nil(t, sanitize(float32(math.Inf(-1))))
	assert.Equal(t, 1.5, sanitize(1.5))
	assert.Equal(t, "abc", sanitize([]byte("abc")))
	assert.Equal(t, "2024-01-02T03:04:05Z", sanitize(ts))
	assert.Equal(t, "1s", sanitize(time.Second))
	assert.Equal(t, map[string]any{"x": nil}, sanitize(map[string]any{"x": math.NaN()}))
	assert.Equal(t, []any{"b", nil}, sanitize([]any{[]byte("b"), nil}))
}

func TestDedupColumns(t *testing.T) {
	t.Parallel()

	got := dedupColumns([]domain.ColumnInfo{{Name: "a"}, {Name: "a"}, {Name: "b"}, {Name: "a"}})
	names := make([]string, 0, len(got))
	for _, c := range got {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"a", "a__1", "b", "a__2"}, names)
}

func TestConvertor_ExpandData(t *testing.T) {
	t.Parallel()
	res := result([]string{"id", "info"},
		[]any{1, map[string]any{"name": "x", "geo": map[string]any{"lat": 1.5}}},
		[]any{2, nil},
	)

	p := NewConvertor(100, true).ResultPayload(finishedQuery(), res, true)
	require.Len(t, p.ExpandedColumns, 3)
	assert.Equal(t, "info.geo", p.ExpandedColumns[0].Name)
	assert.Equal(t, "info.geo.lat", p.ExpandedColumns[1].Name)
	assert.Equal(t, "info.name", p.ExpandedColumns[2].Name)
	assert.Equal(t, "NUMERIC", p.ExpandedColumns[1].Type)
	assert.Len(t, p.Columns, 5)
	assert.Len(t, p.SelectedColumns, 2)
	assert.Equal(t, "x", p.Data[0]["info.name"])
	assert.Equal(t, 1.5, p.Data[0]["info.geo.lat"])

	// Expansion is off unless enabled globally.
	p = NewConvertor(100, false).ResultPayload(finishedQuery(), res, true)
	assert.Empty(t, p.ExpandedColumns)
	assert.Len(t, p.Columns, 2)
}

func TestDecodeResultPayload(t *testing.T) {
	t.Parallel()
	c := NewConvertor(100, false)
	b, err := c.Encode(c.ResultPayload(finishedQuery(), result([]string{"n"}, []any{1}), false))
	require.NoError(t, err)

	p, err := DecodeResultPayload(b)
	require.NoError(t, err)
	assert.Equal(t, "q-1", p.QueryID)
	assert.Equal(t, []map[string]any{{"n": float64(1)}}, p.Data)

	_, err = DecodeResultPayload([]byte("{"))
	assert.Error(t, err)
}
