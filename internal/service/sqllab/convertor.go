package sqllab

import (
	"fmt"
	"math"
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"

	"sqllab/internal/domain"
)

// payloadJSON sorts map keys, so encoding the same payload twice yields
// identical bytes.
var payloadJSON = jsoniter.ConfigCompatibleWithStandardLibrary

const isoLayout = "2006-01-02T15:04:05.999999Z07:00"

type timeStyle int

const (
	isoTimes timeStyle = iota
	epochMillis
)

func (s timeStyle) format(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	if s == epochMillis {
		return float64(t.UnixMicro()) / 1000
	}
	return t.UTC().Format(isoLayout)
}

// ResultPayload is the document returned by sync execution and stored in
// the result backend.
type ResultPayload struct {
	Status              domain.QueryStatus  `json:"status"`
	QueryID             string              `json:"query_id"`
	Data                []map[string]any    `json:"data"`
	Columns             []domain.ColumnInfo `json:"columns"`
	SelectedColumns     []domain.ColumnInfo `json:"selected_columns"`
	ExpandedColumns     []domain.ColumnInfo `json:"expanded_columns"`
	Query               map[string]any      `json:"query"`
	DisplayLimitReached bool                `json:"displayLimitReached,omitempty"`
}

// WithDisplayLimit returns a copy of p whose data is truncated to limit
// rows. The copy is flagged when rows were dropped. limit <= 0 keeps all.
func (p ResultPayload) WithDisplayLimit(limit int) ResultPayload {
	if limit > 0 && len(p.Data) > limit {
		p.Data = p.Data[:limit]
		p.DisplayLimitReached = true
	}
	return p
}

// Convertor serializes execution output into caller payloads.
type Convertor struct {
	displayMaxRow int
	expandEnabled bool
}

// NewConvertor creates a Convertor. expandEnabled gates per-request data
// expansion.
func NewConvertor(displayMaxRow int, expandEnabled bool) *Convertor {
	return &Convertor{displayMaxRow: displayMaxRow, expandEnabled: expandEnabled}
}

// ResultPayload builds the full, untruncated payload of a finished query.
func (c *Convertor) ResultPayload(q *domain.Query, res *domain.SQLResult, expand bool) ResultPayload {
	cols := dedupColumns(res.Columns)
	data := rowObjects(cols, res.Rows)

	selected := cols
	all := cols
	expanded := []domain.ColumnInfo{}
	if expand && c.expandEnabled {
		expanded = expandData(cols, data)
		all = append(append([]domain.ColumnInfo{}, cols...), expanded...)
	}

	return ResultPayload{
		Status:          q.Status,
		QueryID:         q.ID,
		Data:            data,
		Columns:         all,
		SelectedColumns: selected,
		ExpandedColumns: expanded,
		Query:           c.Projection(q, isoTimes),
	}
}

// SyncPayload encodes p truncated to the display limit.
func (c *Convertor) SyncPayload(p ResultPayload) ([]byte, error) {
	return c.Encode(p.WithDisplayLimit(c.displayMaxRow))
}

// QueryPayload encodes the {"query": ...} shape returned for async
// dispatch and for duplicate submissions.
func (c *Convertor) QueryPayload(q *domain.Query) ([]byte, error) {
	return c.Encode(map[string]any{"query": c.Projection(q, epochMillis)})
}

// Encode serializes v.
func (c *Convertor) Encode(v any) ([]byte, error) {
	b, err := payloadJSON.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

// DecodeResultPayload parses a stored payload.
func DecodeResultPayload(b []byte) (ResultPayload, error) {
	var p ResultPayload
	if err := payloadJSON.Unmarshal(b, &p); err != nil {
		return ResultPayload{}, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

// Projection returns the caller-facing shape of q.
func (c *Convertor) Projection(q *domain.Query, style timeStyle) map[string]any {
	extra := q.Extra
	if extra == nil {
		extra = map[string]any{}
	}
	return map[string]any{
		"changedOn":      style.format(&q.ChangedOn),
		"ctas":           q.SelectAsCTA,
		"ctasMethod":     q.CtasMethod,
		"dbId":           q.DatabaseID,
		"endDttm":        style.format(q.EndTime),
		"errorMessage":   q.ErrorMessage,
		"executedSql":    q.ExecutedSQL,
		"extra":          extra,
		"id":             q.ClientID,
		"limit":          q.Limit,
		"limitingFactor": q.LimitingFactor,
		"progress":       q.Progress,
		"queryId":        q.ID,
		"resultsKey":     q.ResultsKey,
		"rows":           q.Rows,
		"schema":         q.Schema,
		"serverId":       q.ID,
		"sql":            q.SQL,
		"sqlEditorId":    q.SQLEditorID,
		"startDttm":      style.format(&q.StartTime),
		"state":          q.Status,
		"tab":            q.TabName,
		"tempSchema":     q.TmpSchemaName,
		"tempTable":      q.TmpTableName,
		"trackingUrl":    q.TrackingURL,
		"userId":         q.UserID,
	}
}

// dedupColumns renames repeated column names to name__1, name__2, ...
func dedupColumns(cols []domain.ColumnInfo) []domain.ColumnInfo {
	out := make([]domain.ColumnInfo, len(cols))
	seen := make(map[string]int, len(cols))
	for i, col := range cols {
		name := col.Name
		if n, ok := seen[col.Name]; ok {
			for {
				n++
				name = fmt.Sprintf("%s__%d", col.Name, n)
				if _, taken := seen[name]; !taken {
					break
				}
			}
			seen[col.Name] = n
		}
		seen[name] = 0
		col.Name = name
		out[i] = col
	}
	return out
}

func rowObjects(cols []domain.ColumnInfo, rows [][]any) []map[string]any {
	data := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		obj := make(map[string]any, len(cols))
		for i, col := range cols {
			if i < len(row) {
				obj[col.Name] = sanitize(row[i])
			} else {
				obj[col.Name] = nil
			}
		}
		data = append(data, obj)
	}
	return data
}

// sanitize turns engine values into JSON-safe ones: non-finite floats
// become null, bytes and stringers become strings, times ISO-8601.
func sanitize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
		return x
	case float32:
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return nil
		}
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(isoLayout)
	case *time.Time:
		if x == nil {
			return nil
		}
		return x.UTC().Format(isoLayout)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = sanitize(item)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = sanitize(item)
		}
		return out
	case fmt.Stringer:
		return x.String()
	default:
		return x
	}
}

// expandData flattens object-valued columns into dotted child columns,
// adding the child values to each row. It returns the new columns.
func expandData(cols []domain.ColumnInfo, data []map[string]any) []domain.ColumnInfo {
	var expanded []domain.ColumnInfo
	known := map[string]bool{}
	for _, col := range cols {
		known[col.Name] = true
	}

	var flatten func(prefix string, obj map[string]any, row map[string]any)
	flatten = func(prefix string, obj map[string]any, row map[string]any) {
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			name := prefix + "." + k
			row[name] = obj[k]
			if !known[name] {
				known[name] = true
				expanded = append(expanded, domain.ColumnInfo{Name: name, Type: valueType(obj[k])})
			}
			if child, ok := obj[k].(map[string]any); ok {
				flatten(name, child, row)
			}
		}
	}

	for _, col := range cols {
		for _, row := range data {
			if obj, ok := row[col.Name].(map[string]any); ok {
				flatten(col.Name, obj, row)
			}
		}
	}
	if expanded == nil {
		expanded = []domain.ColumnInfo{}
	}
	return expanded
}

func valueType(v any) string {
	switch v.(type) {
	case string:
		return "STRING"
	case bool:
		return "BOOLEAN"
	case float64, float32, int, int32, int64:
		return "NUMERIC"
	case map[string]any:
		return "STRUCT"
	case []any:
		return "ARRAY"
	default:
		return "UNKNOWN"
	}
}
