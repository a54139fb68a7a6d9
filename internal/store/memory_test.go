package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/schema"
)

func testWorkflow(id, name string) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:   id,
		Name: name,
		Steps: []*schema.WorkflowStep{
			{ID: "step-1", Agent: "echo", Input: map[string]any{"msg": "hi"}},
		},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
}

func TestMemoryStore_SaveLoadWorkflow(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SaveWorkflow(ctx, testWorkflow("wf-1", "deploy")))

	got, err := s.LoadWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "deploy", got.Name)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, "echo", got.Steps[0].Agent)
}

func TestMemoryStore_LoadWorkflow_Absent(t *testing.T) {
	s := NewMemoryStore()

	got, err := s.LoadWorkflow(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStore_FindWorkflowByName_CaseInsensitive(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SaveWorkflow(ctx, testWorkflow("wf-1", "Deploy-Prod")))

	got, err := s.FindWorkflowByName(ctx, "deploy-prod")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "wf-1", got.ID)

	got, err = s.FindWorkflowByName(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStore_SaveWorkflow_Overwrites(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SaveWorkflow(ctx, testWorkflow("wf-1", "v1")))
	require.NoError(t, s.SaveWorkflow(ctx, testWorkflow("wf-1", "v2")))

	got, err := s.LoadWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Name)

	all, err := s.ListWorkflows(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMemoryStore_DeleteWorkflow(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SaveWorkflow(ctx, testWorkflow("wf-1", "a")))

	ok, err := s.DeleteWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.DeleteWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_LoadIsolatedFromCaller(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SaveWorkflow(ctx, testWorkflow("wf-1", "orig")))

	first, err := s.LoadWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	first.Name = "mutated"
	first.Steps[0].Agent = "mutated"

	second, err := s.LoadWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "orig", second.Name)
	assert.Equal(t, "echo", second.Steps[0].Agent)
}

func TestMemoryStore_ListExecutions_OrderAndLimit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().UTC()
	for i, id := range []string{"exec-1", "exec-2", "exec-3"} {
		require.NoError(t, s.SaveExecution(ctx, &schema.WorkflowExecution{
			ID:         id,
			WorkflowID: "wf-1",
			Status:     schema.ExecutionStatusCompleted,
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.SaveExecution(ctx, &schema.WorkflowExecution{
		ID:         "exec-other",
		WorkflowID: "wf-2",
		Status:     schema.ExecutionStatusCompleted,
		StartedAt:  base,
	}))

	execs, err := s.ListExecutions(ctx, "wf-1", 0)
	require.NoError(t, err)
	require.Len(t, execs, 3)
	assert.Equal(t, "exec-3", execs[0].ID)
	assert.Equal(t, "exec-1", execs[2].ID)

	limited, err := s.ListExecutions(ctx, "wf-1", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	all, err := s.ListExecutions(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestMemoryStore_LoadExecution_Absent(t *testing.T) {
	s := NewMemoryStore()

	got, err := s.LoadExecution(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}
