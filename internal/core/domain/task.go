package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// TaskPayload carries the actual work description. Context is an open
// mapping so publishers can attach arbitrary hints for the executors.
type TaskPayload struct {
	Description  string         `json:"description"`
	Requirements []string       `json:"requirements"`
	Context      map[string]any `json:"context"`
}

// TaskMetadata holds scheduling hints that do not affect task identity.
type TaskMetadata struct {
	Priority       Priority `json:"priority"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

// Task is the wire message pushed through the per-domain queues.
// The JSON field names are part of the store wire contract and must not
// change; existing deployments parse them.
type Task struct {
	TaskID      string       `json:"task_id"`
	Type        string       `json:"type"`
	Source      string       `json:"source"`
	Destination string       `json:"destination"`
	Timestamp   string       `json:"timestamp"`
	Payload     TaskPayload  `json:"payload"`
	Metadata    TaskMetadata `json:"metadata"`

	// raw is the exact bytes this task was dequeued with. Removal from
	// the active list matches on these bytes, so a publisher written in
	// another language with different key ordering still round-trips.
	raw string
}

// NewTask builds an immutable task message bound for the given domain.
func NewTask(domain, description string, requirements []string, context map[string]any, source string, priority Priority, timeout time.Duration) *Task {
	if requirements == nil {
		requirements = []string{}
	}
	if context == nil {
		context = map[string]any{}
	}
	if priority == "" {
		priority = PriorityNormal
	}
	return &Task{
		TaskID:      uuid.NewString(),
		Type:        "task_assignment",
		Source:      source,
		Destination: domain,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Payload: TaskPayload{
			Description:  description,
			Requirements: requirements,
			Context:      context,
		},
		Metadata: TaskMetadata{
			Priority:       priority,
			TimeoutSeconds: int(timeout / time.Second),
		},
	}
}

// Timeout is the wall-clock budget for processing this task.
func (t *Task) Timeout() time.Duration {
	if t.Metadata.TimeoutSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(t.Metadata.TimeoutSeconds) * time.Second
}

// MarshalWire renders the exact JSON stored in the pending/active lists.
// CompleteTask relies on this being byte-stable for LREM matching.
func (t *Task) MarshalWire() (string, error) {
	data, err := json.Marshal(t)
	return string(data), err
}

// Raw returns the bytes the task was received with, or a fresh
// marshalling when the task originated in this process.
func (t *Task) Raw() (string, error) {
	if t.raw != "" {
		return t.raw, nil
	}
	return t.MarshalWire()
}

func UnmarshalTask(data string) (*Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, err
	}
	t.raw = data
	return &t, nil
}
