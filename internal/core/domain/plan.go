package domain

import "time"

// DispatchShape is the fan-out shape of a plan. Only two shapes exist:
// independent invocations run concurrently, sequential ones run one at
// a time feeding each invocation the previous output.
type DispatchShape string

const (
	ShapeIndependent DispatchShape = "independent"
	ShapeSequential  DispatchShape = "sequential"
)

// DispatchPlan is the planner's output for one task.
type DispatchPlan struct {
	Shape     DispatchShape
	Executors []string
}

// InvocationResult is what an executor reports back. Executors are
// opaque; this struct is the whole contract.
type InvocationResult struct {
	FilesCreated  []string `json:"files_created"`
	FilesModified []string `json:"files_modified"`
	Summary       string   `json:"summary"`
	Issues        []string `json:"issues"`
}

// InvocationOutcome records one invocation for aggregation, success or
// not. A timed-out invocation gets an outcome with Err set and no
// result.
type InvocationOutcome struct {
	Executor string            `json:"executor"`
	Result   *InvocationResult `json:"result,omitempty"`
	Err      string            `json:"error,omitempty"`
	Duration time.Duration     `json:"duration_ns,omitempty"`
}

// Succeeded reports whether the invocation returned a result without
// error.
func (o InvocationOutcome) Succeeded() bool {
	return o.Err == "" && o.Result != nil
}

// HasIssues reports whether a successful invocation flagged problems.
func (o InvocationOutcome) HasIssues() bool {
	return o.Result != nil && len(o.Result.Issues) > 0
}
