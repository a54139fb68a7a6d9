package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/schema"
)

func TestExecutionContextRecordsResults(t *testing.T) {
	ec := NewExecutionContext("exec-1", "wf-1", nil)
	require.NotNil(t, ec.Variables)
	assert.Nil(t, ec.Result("missing"))

	ec.SetResult(&schema.StepResult{StepID: "a", Status: schema.StepStatusCompleted, Output: "done"})
	require.NotNil(t, ec.Result("a"))
	assert.Equal(t, "done", ec.Result("a").Output)
	assert.Len(t, ec.Results(), 1)
}

func TestExecutionContextResultOutputsIncludesAllTerminalSteps(t *testing.T) {
	ec := NewExecutionContext("exec-1", "wf-1", nil)
	ec.SetResult(&schema.StepResult{
		StepID: "fetch",
		Status: schema.StepStatusCompleted,
		Output: map[string]any{"count": 5},
	})
	ec.SetResult(&schema.StepResult{StepID: "broken", Status: schema.StepStatusFailed, Error: "boom"})
	ec.SetResult(&schema.StepResult{StepID: "guarded", Status: schema.StepStatusSkipped})

	outputs := ec.ResultOutputs()
	require.Len(t, outputs, 3)
	assert.Equal(t, map[string]any{"count": 5}, outputs["fetch"])

	// Steps without an output are present with a nil value so expression
	// presence checks see every resolved step.
	broken, ok := outputs["broken"]
	require.True(t, ok)
	assert.Nil(t, broken)
	guarded, ok := outputs["guarded"]
	require.True(t, ok)
	assert.Nil(t, guarded)
}
