package registry

import (
	"sync"

	"github.com/cuemby/relay/pkg/types"
)

// Registry is the in-process authoritative map of active tasks, keyed by
// task id. Only tasks in a non-terminal state belong here; the state store
// is the durable projection. It is the single source of truth for the
// dispatch engine's admission decisions.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*types.Task
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		tasks: make(map[string]*types.Task),
	}
}

// Upsert inserts or replaces the task descriptor
func (r *Registry) Upsert(task *types.Task) {
	r.mu.Lock()
	r.tasks[task.ID] = task
	r.mu.Unlock()
}

// Get returns the task for id and whether it is present
func (r *Registry) Get(id string) (*types.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[id]
	return task, ok
}

// Remove deletes the task for id
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.tasks, id)
	r.mu.Unlock()
}

// Len returns the number of active tasks
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// Snapshot returns a copy of every active task descriptor
func (r *Registry) Snapshot() []*types.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		out = append(out, task.Clone())
	}
	return out
}

// CountByState returns the number of active tasks in each state
func (r *Registry) CountByState() map[types.TaskState]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[types.TaskState]int)
	for _, task := range r.tasks {
		counts[task.State]++
	}
	return counts
}
