package handler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNoHandler is returned when no handler is registered for a task kind.
// It is terminal: the task fails without retry.
var ErrNoHandler = errors.New("no handler for task kind")

// Handler executes the payload for one task kind. The context carries the
// per-attempt deadline and external cancellation; handlers must honour it
// promptly. A nil error with a result completes the task; errors are
// retried unless marked permanent.
type Handler interface {
	Execute(ctx context.Context, payload []byte) ([]byte, error)
}

// Func adapts a function to the Handler interface
type Func func(ctx context.Context, payload []byte) ([]byte, error)

// Execute implements Handler
func (f Func) Execute(ctx context.Context, payload []byte) ([]byte, error) {
	return f(ctx, payload)
}

// Registry maps task kinds to handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register binds kind to h, replacing any previous binding
func (r *Registry) Register(kind string, h Handler) {
	r.mu.Lock()
	r.handlers[kind] = h
	r.mu.Unlock()
}

// Get returns the handler for kind, or ErrNoHandler
func (r *Registry) Get(kind string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoHandler, kind)
	}
	return h, nil
}

// Kinds returns the registered kinds, sorted
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
