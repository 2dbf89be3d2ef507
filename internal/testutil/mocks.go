// Package testutil provides mocks of the domain ports and an in-memory
// query store for the SQL Lab tests.
package testutil

import (
	"context"
	"sync"
	"time"

	"sqllab/internal/domain"
)

// === Engine Executor Mock ===

// MockEngine implements domain.EngineExecutor for testing.
type MockEngine struct {
	ExecuteFn func(ctx context.Context, db *domain.Database, req domain.EngineRequest) (*domain.SQLResult, error)
	CancelFn  func(queryID string) bool

	mu       sync.Mutex
	Requests []domain.EngineRequest // collected requests for assertions
}

// Execute implements the interface method for testing.
func (m *MockEngine) Execute(ctx context.Context, db *domain.Database, req domain.EngineRequest) (*domain.SQLResult, error) {
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	m.mu.Unlock()
	if m.ExecuteFn != nil {
		return m.ExecuteFn(ctx, db, req)
	}
	panic("unexpected call to MockEngine.Execute")
}

// Cancel implements the interface method for testing.
func (m *MockEngine) Cancel(queryID string) bool {
	if m.CancelFn != nil {
		return m.CancelFn(queryID)
	}
	return false
}

// Calls returns how many times Execute was called.
func (m *MockEngine) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

var _ domain.EngineExecutor = (*MockEngine)(nil)

// === Result Backend Mock ===

// MockResultBackend implements domain.ResultBackend on a map. SetFn, when
// set, decides whether a write is accepted.
type MockResultBackend struct {
	SetFn func(key string, value []byte) bool

	mu     sync.Mutex
	Values map[string][]byte
}

// NewMockResultBackend creates an empty MockResultBackend.
func NewMockResultBackend() *MockResultBackend {
	return &MockResultBackend{Values: map[string][]byte{}}
}

// Set implements the interface method for testing.
func (m *MockResultBackend) Set(_ context.Context, key string, value []byte, _ time.Duration) bool {
	if m.SetFn != nil && !m.SetFn(key, value) {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Values[key] = value
	return true
}

// Get implements the interface method for testing.
func (m *MockResultBackend) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.Values[key]
	if !ok {
		return nil, domain.ErrNotFound("results key %q not found", key)
	}
	return v, nil
}

var _ domain.ResultBackend = (*MockResultBackend)(nil)

// === Access Validator Mock ===

// MockAccessValidator implements domain.AccessValidator for testing. A nil
// ValidateFn allows everything.
type MockAccessValidator struct {
	ValidateFn func(ctx context.Context, q *domain.Query, db *domain.Database) error
}

// Validate implements the interface method for testing.
func (m *MockAccessValidator) Validate(ctx context.Context, q *domain.Query, db *domain.Database) error {
	if m.ValidateFn != nil {
		return m.ValidateFn(ctx, q, db)
	}
	return nil
}

var _ domain.AccessValidator = (*MockAccessValidator)(nil)

// === Task Queue Mock ===

// MockTaskQueue implements domain.TaskQueue for testing.
type MockTaskQueue struct {
	SubmitFn func(ctx context.Context, taskName string, params any) (domain.TaskHandle, error)

	mu        sync.Mutex
	Submitted []any // collected params for assertions
}

// Submit implements the interface method for testing.
func (m *MockTaskQueue) Submit(ctx context.Context, taskName string, params any) (domain.TaskHandle, error) {
	m.mu.Lock()
	m.Submitted = append(m.Submitted, params)
	m.mu.Unlock()
	if m.SubmitFn != nil {
		return m.SubmitFn(ctx, taskName, params)
	}
	panic("unexpected call to MockTaskQueue.Submit")
}

var _ domain.TaskQueue = (*MockTaskQueue)(nil)

// MockTaskHandle implements domain.TaskHandle for testing.
type MockTaskHandle struct {
	TaskID    string
	ForgetErr error
	Forgotten bool
}

// ID implements the interface method for testing.
func (h *MockTaskHandle) ID() string { return h.TaskID }

// Forget implements the interface method for testing.
func (h *MockTaskHandle) Forget() error {
	h.Forgotten = true
	return h.ForgetErr
}

var _ domain.TaskHandle = (*MockTaskHandle)(nil)

// === Database Repository Mock ===

// MockDatabaseRepo implements domain.DatabaseRepository for testing.
type MockDatabaseRepo struct {
	FindByIDFn func(ctx context.Context, id int64) (*domain.Database, error)
	CreateFn   func(ctx context.Context, db *domain.Database) (*domain.Database, error)
	ListFn     func(ctx context.Context) ([]domain.Database, error)
}

// FindByID implements the interface method for testing.
func (m *MockDatabaseRepo) FindByID(ctx context.Context, id int64) (*domain.Database, error) {
	if m.FindByIDFn != nil {
		return m.FindByIDFn(ctx, id)
	}
	panic("unexpected call to MockDatabaseRepo.FindByID")
}

// Create implements the interface method for testing.
func (m *MockDatabaseRepo) Create(ctx context.Context, db *domain.Database) (*domain.Database, error) {
	if m.CreateFn != nil {
		return m.CreateFn(ctx, db)
	}
	panic("unexpected call to MockDatabaseRepo.Create")
}

// List implements the interface method for testing.
func (m *MockDatabaseRepo) List(ctx context.Context) ([]domain.Database, error) {
	if m.ListFn != nil {
		return m.ListFn(ctx)
	}
	panic("unexpected call to MockDatabaseRepo.List")
}

// StaticDatabases returns a MockDatabaseRepo resolving the given databases.
func StaticDatabases(dbs ...*domain.Database) *MockDatabaseRepo {
	return &MockDatabaseRepo{
		FindByIDFn: func(_ context.Context, id int64) (*domain.Database, error) {
			for _, db := range dbs {
				if db.ID == id {
					return db, nil
				}
			}
			return nil, nil
		},
		ListFn: func(_ context.Context) ([]domain.Database, error) {
			out := make([]domain.Database, 0, len(dbs))
			for _, db := range dbs {
				out = append(out, *db)
			}
			return out, nil
		},
	}
}

var _ domain.DatabaseRepository = (*MockDatabaseRepo)(nil)
