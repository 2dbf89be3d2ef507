package domain

import "time"

// QueryStatus represents the lifecycle state of a SQL Lab query.
type QueryStatus string

// Query lifecycle statuses.
const (
	QueryStatusPending  QueryStatus = "pending"
	QueryStatusRunning  QueryStatus = "running"
	QueryStatusSuccess  QueryStatus = "success"
	QueryStatusFailed   QueryStatus = "failed"
	QueryStatusTimedOut QueryStatus = "timed_out"
	QueryStatusStopped  QueryStatus = "stopped"
)

// IsTerminal reports whether the status can no longer change.
func (s QueryStatus) IsTerminal() bool {
	switch s {
	case QueryStatusSuccess, QueryStatusFailed, QueryStatusTimedOut, QueryStatusStopped:
		return true
	}
	return false
}

// TerminalStatuses lists every terminal status.
var TerminalStatuses = []QueryStatus{
	QueryStatusSuccess, QueryStatusFailed, QueryStatusTimedOut, QueryStatusStopped,
}

// CtasMethod selects what a CREATE ... AS statement materializes.
type CtasMethod string

// CTAS methods.
const (
	CtasMethodTable CtasMethod = "TABLE"
	CtasMethodView  CtasMethod = "VIEW"
)

// LimitingFactor records which side determined the effective row limit.
type LimitingFactor string

// Limiting factors.
const (
	LimitingFactorUnknown          LimitingFactor = "UNKNOWN"
	LimitingFactorNotLimited       LimitingFactor = "NOT_LIMITED"
	LimitingFactorQuery            LimitingFactor = "QUERY"
	LimitingFactorDropdown         LimitingFactor = "DROPDOWN"
	LimitingFactorQueryAndDropdown LimitingFactor = "QUERY_AND_DROPDOWN"
)

// Query is the durable record of one SQL Lab submission.
type Query struct {
	ID               string
	ClientID         string
	UserID           int64
	DatabaseID       int64
	Schema           string
	SQLEditorID      string
	TabName          string
	SQL              string
	ExecutedSQL      *string
	SelectSQL        *string
	Status           QueryStatus
	SelectAsCTA      bool
	CtasMethod       CtasMethod
	TmpTableName     string
	TmpSchemaName    string
	Limit            *int
	LimitingFactor   LimitingFactor
	Rows             *int
	Progress         int
	ErrorMessage     *string
	TrackingURL      *string
	ResultsKey       *string
	StartTime        time.Time
	StartRunningTime *time.Time
	EndTime          *time.Time
	Extra            map[string]any
	ChangedOn        time.Time
}

// ExtraErrors returns the structured errors stored in the extra bag.
func (q *Query) ExtraErrors() []ErrorRecord {
	raw, ok := q.Extra["errors"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []ErrorRecord:
		return v
	case []any:
		out := make([]ErrorRecord, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			rec := ErrorRecord{}
			rec.Message, _ = m["message"].(string)
			if t, ok := m["error_type"].(string); ok {
				rec.ErrorType = ErrorType(t)
			}
			if l, ok := m["level"].(string); ok {
				rec.Level = ErrorLevel(l)
			}
			rec.Extra, _ = m["extra"].(map[string]any)
			out = append(out, rec)
		}
		return out
	}
	return nil
}

// QueryPatch names the fields of a query update. Nil fields are left
// untouched; Extra keys are merged into the stored bag.
type QueryPatch struct {
	Status           *QueryStatus
	ExecutedSQL      *string
	SelectSQL        *string
	TmpTableName     *string
	TmpSchemaName    *string
	Limit            *int
	LimitingFactor   *LimitingFactor
	Rows             *int
	Progress         *int
	ErrorMessage     *string
	TrackingURL      *string
	ResultsKey       *string
	ClearResultsKey  bool
	StartRunningTime *time.Time
	EndTime          *time.Time
	Extra            map[string]any
}

// Empty reports whether the patch names no field.
func (p QueryPatch) Empty() bool {
	return p.Status == nil && p.ExecutedSQL == nil && p.SelectSQL == nil &&
		p.TmpTableName == nil && p.TmpSchemaName == nil && p.Limit == nil &&
		p.LimitingFactor == nil && p.Rows == nil && p.Progress == nil &&
		p.ErrorMessage == nil && p.TrackingURL == nil && p.ResultsKey == nil &&
		!p.ClearResultsKey && p.StartRunningTime == nil && p.EndTime == nil &&
		len(p.Extra) == 0
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }
