package api

import (
	"time"

	"github.com/cuemby/relay/pkg/types"
)

// Empty is the request type of methods taking no arguments
type Empty struct{}

// SubmitRequest carries a task to admit. ID is optional; one is assigned
// when absent.
type SubmitRequest struct {
	Task *types.Task `json:"task"`
}

// SubmitResponse acknowledges admission
type SubmitResponse struct {
	ID      string          `json:"id"`
	State   types.TaskState `json:"state"`
	Message string          `json:"message,omitempty"`
}

// CancelRequest identifies the task to cancel
type CancelRequest struct {
	ID string `json:"id"`
}

// CommandResponse is the generic acknowledgement for imperative methods
type CommandResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// TaskStatusRequest identifies the task to look up
type TaskStatusRequest struct {
	ID string `json:"id"`
}

// ListTasksRequest filters the task stream
type ListTasksRequest struct {
	Filter *types.TaskFilter `json:"filter,omitempty"`
}

// UpdateConfigRequest carries the changed configuration keys
type UpdateConfigRequest struct {
	Changes map[string]any `json:"changes"`
}

// HealthResponse is the CheckHealth result
type HealthResponse struct {
	Status    string             `json:"status"`
	Timestamp time.Time          `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
}

// ServerDetailsRequest identifies a server; empty means the serving node
type ServerDetailsRequest struct {
	ServerID string `json:"server_id,omitempty"`
}

// DiscoverRequest filters workers by required capabilities
type DiscoverRequest struct {
	Capabilities []string `json:"capabilities,omitempty"`
}

// DiscoverResponse lists the matching workers
type DiscoverResponse struct {
	Servers []*types.WorkerRecord `json:"servers"`
}
