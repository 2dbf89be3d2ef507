package sqllab

import "sqllab/internal/domain"

// ExecutionStatus tells the caller which path an execute call took.
type ExecutionStatus string

// Execution statuses.
const (
	StatusQueryAlreadyCreated ExecutionStatus = "QUERY_ALREADY_CREATED"
	StatusQueryCreatedAsync   ExecutionStatus = "QUERY_CREATED_ASYNC"
	StatusQueryCreatedSync    ExecutionStatus = "QUERY_CREATED_SYNC"
)

// ExecutionState is the mutable per-call state owned by one Command.Run.
// Query always reflects the last record returned by the store.
type ExecutionState struct {
	Request     Request
	Database    *domain.Database
	Query       *domain.Query
	RenderedSQL string
	Result      *domain.SQLResult
}

// ExecutionResult is what Command.Run returns.
type ExecutionResult struct {
	Status  ExecutionStatus
	Payload []byte
}
