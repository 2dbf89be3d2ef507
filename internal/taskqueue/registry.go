// Package taskqueue runs named background tasks either on an in-process
// goroutine pool or through a Redis list consumed by worker processes.
package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"sqllab/internal/domain"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Registry maps task names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]domain.TaskHandler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]domain.TaskHandler)}
}

// Register binds name to h, replacing any previous handler.
func (r *Registry) Register(name string, h domain.TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Names returns the registered task names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Dispatch runs the handler registered for name.
func (r *Registry) Dispatch(ctx context.Context, name string, params json.RawMessage) error {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no handler registered for task %q", name)
	}
	return h(ctx, params)
}

// envelope is the wire form of a submitted task.
type envelope struct {
	ID         string          `json:"id"`
	Task       string          `json:"task"`
	Params     json.RawMessage `json:"params"`
	EnqueuedAt int64           `json:"enqueued_at"`
}

func encodeParams(params any) (json.RawMessage, error) {
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := codec.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode task params: %w", err)
	}
	return b, nil
}
