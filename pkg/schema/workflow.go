package schema

import "time"

// WorkflowDefinition is the persisted, JSON-serializable workflow format.
type WorkflowDefinition struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Version     string          `json:"version,omitempty"`
	Steps       []*WorkflowStep `json:"steps"`
	Triggers    []Trigger       `json:"triggers,omitempty"`
	Variables   map[string]any  `json:"variables,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// WorkflowStep describes a single step in a workflow.
type WorkflowStep struct {
	ID        string         `json:"id"`
	Agent     string         `json:"agent"`               // registry name of the unit of work to invoke
	Input     map[string]any `json:"input,omitempty"`     // may contain ${path.to.value} placeholders
	DependsOn []string       `json:"dependsOn,omitempty"` // step IDs that must reach a terminal state first
	Condition string         `json:"condition,omitempty"` // boolean expression, evaluated before execution
	OnError   ErrorPolicy    `json:"onError,omitempty"`   // fail | skip | retry (default: fail)
	// RetryCount is the number of additional attempts after the first.
	// nil means "unset" so defaulting can distinguish an explicit 0.
	RetryCount *int  `json:"retryCount,omitempty"`
	TimeoutMs  int64 `json:"timeoutMs,omitempty"`
}

// ErrorPolicy governs what happens once a step's retries are exhausted and
// how dependents of a failed step are treated.
type ErrorPolicy string

const (
	ErrorPolicyFail ErrorPolicy = "fail"
	ErrorPolicySkip ErrorPolicy = "skip"
	// ErrorPolicyRetry is accepted as a label for compatibility; retry
	// behavior itself is controlled by RetryCount. Exhaustion under this
	// policy fails the step, same as ErrorPolicyFail.
	ErrorPolicyRetry ErrorPolicy = "retry"
)

// Trigger is a descriptor of how a workflow may be started.
// The orchestration core stores these; only schedule triggers are acted on,
// by the cron runner.
type Trigger struct {
	Type   TriggerType    `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// TriggerType enumerates the recognized trigger kinds.
type TriggerType string

const (
	TriggerManual   TriggerType = "manual"
	TriggerSchedule TriggerType = "schedule"
	TriggerEvent    TriggerType = "event"
	TriggerWebhook  TriggerType = "webhook"
)

// Step defaults applied by the engine at workflow creation.
const (
	DefaultRetryCount = 3
	DefaultTimeoutMs  = 30000
)

// Retries returns the effective retry count for the step.
func (s *WorkflowStep) Retries() int {
	if s.RetryCount == nil {
		return DefaultRetryCount
	}
	return *s.RetryCount
}

// Timeout returns the effective per-attempt timeout for the step.
func (s *WorkflowStep) Timeout() time.Duration {
	ms := s.TimeoutMs
	if ms <= 0 {
		ms = DefaultTimeoutMs
	}
	return time.Duration(ms) * time.Millisecond
}

// ErrorPolicyOrDefault returns the step's OnError policy, defaulting to fail.
func (s *WorkflowStep) ErrorPolicyOrDefault() ErrorPolicy {
	if s.OnError == "" {
		return ErrorPolicyFail
	}
	return s.OnError
}

// IntPtr is a convenience for building step definitions with an explicit
// retry count (including 0).
func IntPtr(v int) *int { return &v }
