package schema

// Event types emitted on the engine's event surface. Execution-level events
// carry the WorkflowExecution; step-level events carry the StepResult.
const (
	EventStarted       = "started"
	EventStepStarted   = "stepStarted"
	EventStepCompleted = "stepCompleted"
	EventStepFailed    = "stepFailed"
	EventCompleted     = "completed"
	EventFailed        = "failed"
	EventCancelled     = "cancelled"
)
