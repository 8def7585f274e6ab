package domain

import "encoding/json"

type ResultStatus string

const (
	StatusPending               ResultStatus = "pending"
	StatusInProgress            ResultStatus = "in_progress"
	StatusCompleted             ResultStatus = "completed"
	StatusCompletedWithWarnings ResultStatus = "completed_with_warnings"
	StatusFailed                ResultStatus = "failed"
)

// IsTerminal reports whether the status is final. Terminal results are
// immutable: the first terminal write wins and later attempts fail with
// ErrResultFinal.
func (s ResultStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithWarnings, StatusFailed:
		return true
	}
	return false
}

// TaskOutput is the structured result body. The aggregated fields are
// unions across executor invocations; Invocations keeps the typed
// per-invocation record the summary is derived from.
type TaskOutput struct {
	FilesCreated  []string            `json:"files_created"`
	FilesModified []string            `json:"files_modified"`
	Issues        []string            `json:"issues"`
	Summary       string              `json:"summary,omitempty"`
	Invocations   []InvocationOutcome `json:"invocations,omitempty"`
}

// TaskResult mirrors the results:{task_id} hash in the store.
type TaskResult struct {
	TaskID      string       `json:"task_id"`
	Status      ResultStatus `json:"status"`
	Output      *TaskOutput  `json:"output,omitempty"`
	Error       string       `json:"error,omitempty"`
	CreatedAt   string       `json:"created_at,omitempty"`
	StartedAt   string       `json:"started_at,omitempty"`
	CompletedAt string       `json:"completed_at,omitempty"`
}

func (o *TaskOutput) MarshalWire() (string, error) {
	if o == nil {
		return "{}", nil
	}
	data, err := json.Marshal(o)
	return string(data), err
}

func UnmarshalOutput(data string) (*TaskOutput, error) {
	var o TaskOutput
	if err := json.Unmarshal([]byte(data), &o); err != nil {
		return nil, err
	}
	return &o, nil
}
