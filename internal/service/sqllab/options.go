// Package sqllab implements the SQL Lab execution pipeline: request
// parsing, template rendering, limit negotiation, sync and async dispatch,
// the worker task, and the read paths over stored results.
package sqllab

import (
	"time"

	"sqllab/internal/domain"
)

// CTASSchemaNameFunc derives the target schema of a CREATE TABLE AS query
// when the database does not force one.
type CTASSchemaNameFunc func(db *domain.Database, userID int64, schema, sql string) (string, error)

// TrackingURLTransformer rewrites an engine-reported tracking URL before it
// is persisted.
type TrackingURLTransformer func(url, clientID string) (string, error)

// Options is the immutable SQL Lab configuration threaded through the
// pipeline.
type Options struct {
	// Timeout bounds synchronous execution. Zero disables the guard.
	Timeout time.Duration
	// AsyncTimeLimit bounds one worker execution.
	AsyncTimeLimit time.Duration
	// AbandonGrace is how long a timed-out sync execution may take to
	// acknowledge cancellation before the record is left to the reaper.
	AbandonGrace time.Duration

	CTASNoLimit        bool
	DisplayMaxRow      int
	SQLMaxRow          int
	TemplateProcessing bool
	ExpandData         bool
	BackendPersistence bool
	ResultsTTL         time.Duration

	// DisallowedFunctions maps engine family to blocked function names.
	DisallowedFunctions map[string][]string

	CTASSchemaName         CTASSchemaNameFunc
	TrackingURLTransformer TrackingURLTransformer
}

// DefaultOptions returns the defaults used when no configuration overrides
// them.
func DefaultOptions() Options {
	return Options{
		Timeout:            30 * time.Second,
		AsyncTimeLimit:     6 * time.Hour,
		AbandonGrace:       2 * time.Second,
		DisplayMaxRow:      10000,
		SQLMaxRow:          100000,
		TemplateProcessing: true,
		BackendPersistence: true,
		ResultsTTL:         24 * time.Hour,
	}
}

func (o Options) timeoutSeconds() int {
	return int(o.Timeout / time.Second)
}
