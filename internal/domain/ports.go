package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ResultBackend is a key-value blob store for result payloads.
type ResultBackend interface {
	// Set stores value under key. It returns false when the backend refused
	// or failed to store it.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool
	// Get returns the stored value, or a NotFoundError when the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
}

// AccessValidator decides whether the query's owner may run it.
type AccessValidator interface {
	Validate(ctx context.Context, q *Query, db *Database) error
}

// EngineRequest describes one engine execution. Statements run in order on
// a single connection; rows are read from the last one only.
type EngineRequest struct {
	QueryID    string
	Statements []string
	Schema     string
	FetchLimit int // 0 fetches every row
	// OnStatement is called before statement i (0-based) of n starts.
	OnStatement func(i, n int)
}

// EngineExecutor runs SQL against a registered database.
// Implemented by engine.Executor.
type EngineExecutor interface {
	Execute(ctx context.Context, db *Database, req EngineRequest) (*SQLResult, error)
	Cancel(queryID string) bool
}

// TaskQueue hands work to a worker pool.
type TaskQueue interface {
	Submit(ctx context.Context, taskName string, params any) (TaskHandle, error)
}

// TaskHandle refers to a submitted task.
type TaskHandle interface {
	ID() string
	// Forget releases client-side bookkeeping for the task. Runners with no
	// such bookkeeping return ErrForgetUnsupported.
	Forget() error
}

// TaskHandler executes one delivery of a named task.
type TaskHandler func(ctx context.Context, params json.RawMessage) error

// ErrForgetUnsupported is returned by TaskHandle.Forget when the runner does
// not track results client-side.
var ErrForgetUnsupported = errors.New("task forget not supported")
