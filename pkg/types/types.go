package types

import (
	"time"
)

// Task represents a unit of work submitted to the control plane
type Task struct {
	ID          string            `json:"id"`
	Kind        string            `json:"kind"`
	Priority    int               `json:"priority"`
	Payload     []byte            `json:"payload,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	Attempt     int               `json:"attempt"`
	State       TaskState         `json:"state"`
	WorkerID    string            `json:"worker_id,omitempty"`
	Result      []byte            `json:"result,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Deadline    time.Time         `json:"deadline,omitempty"`
}

// TaskState represents the lifecycle state of a task
type TaskState string

const (
	TaskStatePending    TaskState = "pending"
	TaskStateAssigned   TaskState = "assigned"
	TaskStateProcessing TaskState = "processing"
	TaskStateCompleted  TaskState = "completed"
	TaskStateFailed     TaskState = "failed"
	TaskStateCancelled  TaskState = "cancelled"
)

// Terminal reports whether the state admits no further transitions
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCancelled:
		return true
	}
	return false
}

// Active reports whether a task in this state belongs in the active registry
func (s TaskState) Active() bool {
	switch s {
	case TaskStatePending, TaskStateAssigned, TaskStateProcessing:
		return true
	}
	return false
}

// taskTransitions encodes the legal lifecycle edges. Terminal states have
// no outgoing edges; retry re-enters pending only from processing.
var taskTransitions = map[TaskState][]TaskState{
	TaskStatePending:    {TaskStateAssigned, TaskStateCancelled},
	TaskStateAssigned:   {TaskStateProcessing, TaskStateCancelled},
	TaskStateProcessing: {TaskStateCompleted, TaskStateFailed, TaskStateCancelled, TaskStatePending},
}

// CanTransition reports whether moving from s to next is a legal edge
func (s TaskState) CanTransition(next TaskState) bool {
	for _, t := range taskTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the task
func (t *Task) Clone() *Task {
	c := *t
	if t.Payload != nil {
		c.Payload = append([]byte(nil), t.Payload...)
	}
	if t.Result != nil {
		c.Result = append([]byte(nil), t.Result...)
	}
	if t.Labels != nil {
		c.Labels = make(map[string]string, len(t.Labels))
		for k, v := range t.Labels {
			c.Labels[k] = v
		}
	}
	return &c
}

// TaskFilter selects a subset of tasks for list operations
type TaskFilter struct {
	States   []TaskState `json:"states,omitempty"`
	Kind     string      `json:"kind,omitempty"`
	WorkerID string      `json:"worker_id,omitempty"`
}

// Matches reports whether the task satisfies every set field of the filter
func (f *TaskFilter) Matches(t *Task) bool {
	if f == nil {
		return true
	}
	if f.Kind != "" && t.Kind != f.Kind {
		return false
	}
	if f.WorkerID != "" && t.WorkerID != f.WorkerID {
		return false
	}
	if len(f.States) > 0 {
		ok := false
		for _, s := range f.States {
			if t.State == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// RetryPolicy controls backoff between task attempts.
// Delay for retry k (1-based) is min(InitialDelay * Factor^(k-1), MaxDelay).
type RetryPolicy struct {
	MaxAttempts  int           `json:"max_attempts" yaml:"max_attempts"`
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay" yaml:"max_delay"`
	Factor       float64       `json:"factor" yaml:"factor"`
}

// Validate checks the policy bounds
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return &PolicyError{Field: "max_attempts", Reason: "must be >= 1"}
	}
	if p.InitialDelay <= 0 {
		return &PolicyError{Field: "initial_delay", Reason: "must be positive"}
	}
	if p.MaxDelay < p.InitialDelay {
		return &PolicyError{Field: "max_delay", Reason: "must be >= initial_delay"}
	}
	if p.Factor <= 1 {
		return &PolicyError{Field: "factor", Reason: "must be > 1"}
	}
	return nil
}

// PolicyError describes an invalid retry policy field
type PolicyError struct {
	Field  string
	Reason string
}

func (e *PolicyError) Error() string {
	return "retry policy: " + e.Field + " " + e.Reason
}

// WorkerRecord tracks a worker server known to the registry
type WorkerRecord struct {
	ServerID     string      `json:"id"`
	Name         string      `json:"name"`
	Version      string      `json:"version"`
	Endpoints    []string    `json:"endpoints"`
	Capabilities []string    `json:"capabilities"`
	Health       HealthState `json:"health"`
	LastCheckAt  time.Time   `json:"last_check_at"`
	RegisteredAt time.Time   `json:"registered_at"`
}

// HasCapabilities reports whether the worker advertises every capability in required
func (w *WorkerRecord) HasCapabilities(required []string) bool {
	for _, r := range required {
		found := false
		for _, c := range w.Capabilities {
			if c == r {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the record
func (w *WorkerRecord) Clone() *WorkerRecord {
	c := *w
	c.Endpoints = append([]string(nil), w.Endpoints...)
	c.Capabilities = append([]string(nil), w.Capabilities...)
	return &c
}

// HealthState represents the probed health of a worker
type HealthState string

const (
	HealthHealthy     HealthState = "healthy"
	HealthUnhealthy   HealthState = "unhealthy"
	HealthUnreachable HealthState = "unreachable"
)

// RegistryAction is the verb carried on the server-registry topic
type RegistryAction string

const (
	RegistryRegister   RegistryAction = "register"
	RegistryUnregister RegistryAction = "unregister"
)

// RegistryEvent is the message body on the server-registry topic
type RegistryEvent struct {
	ServerID string         `json:"server_id"`
	Action   RegistryAction `json:"action"`
}

// Stats holds the process-wide dispatch counters
type Stats struct {
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Retries   uint64 `json:"retries"`
}

// SystemStatus is the snapshot returned by GetSystemStatus
type SystemStatus struct {
	Running     bool  `json:"is_running"`
	Paused      bool  `json:"paused"`
	ActiveTasks int   `json:"active_tasks"`
	QueuedTasks int   `json:"queued_tasks"`
	Stats       Stats `json:"stats"`
}

// MetricPoint is a single sample streamed by GetMetrics
type MetricPoint struct {
	Name      string            `json:"name"`
	Labels    map[string]string `json:"labels,omitempty"`
	Value     float64           `json:"value"`
	Timestamp time.Time         `json:"timestamp"`
}

// LogRecord is a single entry streamed by GetLogs
type LogRecord struct {
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
