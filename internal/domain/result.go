package domain

// ColumnInfo describes one result column.
type ColumnInfo struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	IsDttm bool   `json:"is_dttm"`
}

// SQLResult is the tabular output of an engine execution. Rows hold the
// values in column order; the convertor projects them into row objects.
type SQLResult struct {
	Columns         []ColumnInfo
	Rows            [][]any
	SelectedColumns []ColumnInfo
	ExpandedColumns []ColumnInfo
	TrackingURL     string
}

// RowCount returns the number of rows held.
func (r *SQLResult) RowCount() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// EngineError is returned by engine executors when the statement failed on
// the engine side. TrackingURL is set when the engine reported one before
// failing.
type EngineError struct {
	Message     string
	Errors      []ErrorRecord
	TrackingURL string
	Err         error
}

func (e *EngineError) Error() string { return e.Message }

func (e *EngineError) Unwrap() error { return e.Err }
