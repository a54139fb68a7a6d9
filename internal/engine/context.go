package engine

import (
	"sync"

	"github.com/loomworks/loom/pkg/schema"
)

// ExecutionContext carries the shared state of one workflow run: the initial
// variables and the accumulating step results. Safe for concurrent use by
// steps dispatched in parallel.
type ExecutionContext struct {
	ExecutionID string
	WorkflowID  string
	Variables   map[string]any

	mu      sync.RWMutex
	results map[string]*schema.StepResult
}

// NewExecutionContext creates an ExecutionContext for one run.
func NewExecutionContext(executionID, workflowID string, variables map[string]any) *ExecutionContext {
	if variables == nil {
		variables = map[string]any{}
	}
	return &ExecutionContext{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Variables:   variables,
		results:     make(map[string]*schema.StepResult),
	}
}

// SetResult records the terminal result of a step.
func (c *ExecutionContext) SetResult(r *schema.StepResult) {
	c.mu.Lock()
	c.results[r.StepID] = r
	c.mu.Unlock()
}

// Result returns the recorded result for a step, or nil.
func (c *ExecutionContext) Result(stepID string) *schema.StepResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.results[stepID]
}

// Results returns a snapshot of all recorded results.
func (c *ExecutionContext) Results() map[string]*schema.StepResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*schema.StepResult, len(c.results))
	for id, r := range c.results {
		out[id] = r
	}
	return out
}

// ResultOutputs returns the output of every recorded step keyed by step id,
// shaped for the expression scope's "results" namespace. Steps that finished
// without an output (failed, skipped, cancelled) appear with a nil value so
// presence checks see every resolved step.
func (c *ExecutionContext) ResultOutputs() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.results))
	for id, r := range c.results {
		out[id] = r.Output
	}
	return out
}
