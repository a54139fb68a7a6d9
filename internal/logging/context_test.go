package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextAccessors(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, WorkflowID(ctx))
	assert.Empty(t, ExecutionID(ctx))
	assert.Empty(t, StepID(ctx))

	ctx = WithIDs(ctx, "wf-1", "exec-1")
	ctx = WithStepID(ctx, "step-1")

	assert.Equal(t, "wf-1", WorkflowID(ctx))
	assert.Equal(t, "exec-1", ExecutionID(ctx))
	assert.Equal(t, "step-1", StepID(ctx))
}

func TestCorrelationHandler_InjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithIDs(context.Background(), "wf-1", "exec-1")
	ctx = WithStepID(ctx, "step-2")
	logger.InfoContext(ctx, "step done")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "wf-1", record["workflow_id"])
	assert.Equal(t, "exec-1", record["execution_id"])
	assert.Equal(t, "step-2", record["step_id"])
}

func TestCorrelationHandler_NoIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "plain")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	_, hasWF := record["workflow_id"]
	assert.False(t, hasWF)
}
