package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cuemby/relay/pkg/types"
)

// StateStore layers the task and worker document keyspaces over a KV
// backend. Documents are the JSON-serialised types from pkg/types.
type StateStore struct {
	kv KV
}

// NewStateStore wraps a KV backend
func NewStateStore(kv KV) *StateStore {
	return &StateStore{kv: kv}
}

// KV exposes the underlying backend
func (s *StateStore) KV() KV {
	return s.kv
}

// PutTask persists the task document under task:<id>
func (s *StateStore) PutTask(ctx context.Context, task *types.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", task.ID, err)
	}
	return s.kv.Put(ctx, TaskPrefix+task.ID, data)
}

// GetTask loads the task document for id
func (s *StateStore) GetTask(ctx context.Context, id string) (*types.Task, error) {
	data, err := s.kv.Get(ctx, TaskPrefix+id)
	if err != nil {
		return nil, err
	}
	var task types.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task %s: %w", id, err)
	}
	return &task, nil
}

// DeleteTask removes the task document for id
func (s *StateStore) DeleteTask(ctx context.Context, id string) error {
	return s.kv.Delete(ctx, TaskPrefix+id)
}

// ListTasks streams task documents matching filter to fn, stopping early
// if fn returns false. Ordering is unspecified.
func (s *StateStore) ListTasks(ctx context.Context, filter *types.TaskFilter, fn func(*types.Task) bool) error {
	return s.kv.ListByPrefix(ctx, TaskPrefix, func(key string, value []byte) bool {
		var task types.Task
		if err := json.Unmarshal(value, &task); err != nil {
			// Skip corrupt documents rather than failing the stream
			return true
		}
		if !filter.Matches(&task) {
			return true
		}
		return fn(&task)
	})
}

// PutWorker persists the worker document under worker:<server_id>
func (s *StateStore) PutWorker(ctx context.Context, rec *types.WorkerRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal worker %s: %w", rec.ServerID, err)
	}
	return s.kv.Put(ctx, WorkerPrefix+rec.ServerID, data)
}

// GetWorker loads the worker document for serverID
func (s *StateStore) GetWorker(ctx context.Context, serverID string) (*types.WorkerRecord, error) {
	data, err := s.kv.Get(ctx, WorkerPrefix+serverID)
	if err != nil {
		return nil, err
	}
	var rec types.WorkerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal worker %s: %w", serverID, err)
	}
	return &rec, nil
}

// DeleteWorker removes the worker document for serverID
func (s *StateStore) DeleteWorker(ctx context.Context, serverID string) error {
	return s.kv.Delete(ctx, WorkerPrefix+serverID)
}

// Close closes the backend
func (s *StateStore) Close() error {
	return s.kv.Close()
}
