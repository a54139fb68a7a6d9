package schema

import "time"

// StepStatus represents the lifecycle state of a step within one execution.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusCancelled StepStatus = "cancelled"
)

// Terminal reports whether no further transitions occur for this status.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped, StepStatusCancelled:
		return true
	}
	return false
}

// ExecutionStatus represents the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
	ExecutionStatusPaused    ExecutionStatus = "paused"
)

// Terminal reports whether the execution record is immutable from here on.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// StepResult is the outcome of a single step within an execution.
// Once the status is terminal the result is immutable.
type StepResult struct {
	StepID      string     `json:"stepId"`
	Status      StepStatus `json:"status"`
	Output      any        `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DurationMs  int64      `json:"durationMs"`
	// Retries is the number of attempts consumed beyond the first.
	Retries int `json:"retries"`
}

// WorkflowExecution is one run of a workflow definition. StepResults are
// append-only, in completion order; status only moves
// pending → running → {completed | failed | cancelled}.
type WorkflowExecution struct {
	ID           string          `json:"id"`
	WorkflowID   string          `json:"workflowId"`
	WorkflowName string          `json:"workflowName"`
	Status       ExecutionStatus `json:"status"`
	Input        map[string]any  `json:"input,omitempty"`
	// Output maps step ID to that step's output, for every step that
	// produced one.
	Output      map[string]any `json:"output,omitempty"`
	StepResults []*StepResult  `json:"stepResults,omitempty"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	DurationMs  int64          `json:"durationMs"`
	Error       string         `json:"error,omitempty"`
	// Plan is set only on dry-run executions: the computed level ordering
	// and a step summary, produced without invoking any agent.
	Plan *ExecutionPlan `json:"plan,omitempty"`
}

// ExecutionPlan is the dry-run preview of an execution.
type ExecutionPlan struct {
	// Levels is the breadth-first topological layering: each inner slice
	// holds step IDs whose dependencies are all in strictly earlier levels.
	Levels [][]string `json:"levels"`
	Steps  []PlanStep `json:"steps"`
}

// PlanStep summarizes one step of a dry-run plan.
type PlanStep struct {
	ID        string   `json:"id"`
	Agent     string   `json:"agent"`
	DependsOn []string `json:"dependsOn,omitempty"`
}

// Result returns the recorded result for a step ID, or nil.
func (e *WorkflowExecution) Result(stepID string) *StepResult {
	for _, r := range e.StepResults {
		if r.StepID == stepID {
			return r
		}
	}
	return nil
}
