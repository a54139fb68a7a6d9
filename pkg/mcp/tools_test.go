package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/agents"
	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/streaming"
	"github.com/loomworks/loom/pkg/schema"
)

// --- Test agent ---

type echoAgent struct{}

func (echoAgent) Name() string      { return "echo" }
func (echoAgent) Info() agents.Info { return agents.Info{Name: "echo", Description: "returns its input"} }
func (echoAgent) Execute(_ context.Context, input map[string]any) (any, error) {
	return input, nil
}

// --- Helpers ---

func newTestServer(t *testing.T) *LoomServer {
	t.Helper()
	st := store.NewMemoryStore()
	registry := agents.NewRegistry()
	require.NoError(t, registry.Register(echoAgent{}))
	hub := streaming.NewMemoryHub()
	eng, err := engine.New(st, registry, hub, nil, engine.Config{})
	require.NoError(t, err)
	t.Cleanup(eng.Shutdown)
	return NewLoomServer(LoomServerDeps{Engine: eng, Registry: registry, Hub: hub})
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func resultJSON(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.False(t, result.IsError)
	require.NotEmpty(t, result.Content)
	text := mcp.GetTextFromContent(result.Content[0])
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	return out
}

func defineWorkflow(t *testing.T, s *LoomServer, name string) string {
	t.Helper()
	req := buildRequest("loom.define", map[string]any{
		"definition": map[string]any{
			"name": name,
			"steps": []any{
				map[string]any{"id": "a", "agent": "echo", "input": map[string]any{"k": "v"}},
				map[string]any{"id": "b", "agent": "echo", "dependsOn": []any{"a"}},
			},
		},
	})
	result, err := s.handleDefine(context.Background(), req)
	require.NoError(t, err)
	out := resultJSON(t, result)
	id, _ := out["id"].(string)
	require.NotEmpty(t, id)
	return id
}

// --- Tests ---

func TestDefineTool(t *testing.T) {
	s := newTestServer(t)

	id := defineWorkflow(t, s, "pipeline")

	def, err := s.engine.GetWorkflow(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "pipeline", def.Name)
	require.Len(t, def.Steps, 2)
}

func TestDefineToolMissingDefinition(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleDefine(context.Background(), buildRequest("loom.define", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestDefineToolInvalidDefinition(t *testing.T) {
	s := newTestServer(t)

	req := buildRequest("loom.define", map[string]any{
		"definition": map[string]any{
			"name": "broken",
			"steps": []any{
				map[string]any{"id": "a", "agent": "echo", "dependsOn": []any{"ghost"}},
			},
		},
	})
	result, err := s.handleDefine(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRunTool(t *testing.T) {
	s := newTestServer(t)
	id := defineWorkflow(t, s, "pipeline")

	req := buildRequest("loom.run", map[string]any{
		"workflow": id,
		"input":    map[string]any{"env": "prod"},
	})
	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	out := resultJSON(t, result)

	assert.Equal(t, string(schema.ExecutionStatusCompleted), out["status"])
	assert.NotEmpty(t, out["id"])
}

func TestRunToolByName(t *testing.T) {
	s := newTestServer(t)
	defineWorkflow(t, s, "Pipeline")

	req := buildRequest("loom.run", map[string]any{"workflow": "pipeline"})
	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	out := resultJSON(t, result)
	assert.Equal(t, string(schema.ExecutionStatusCompleted), out["status"])
}

func TestRunToolDryRun(t *testing.T) {
	s := newTestServer(t)
	id := defineWorkflow(t, s, "pipeline")

	req := buildRequest("loom.run", map[string]any{
		"workflow": id,
		"dry_run":  "true",
	})
	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	out := resultJSON(t, result)

	plan, ok := out["plan"].(map[string]any)
	require.True(t, ok, "dry run result must carry the plan")
	assert.NotEmpty(t, plan["levels"])
}

func TestRunToolUnknownWorkflow(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleRun(context.Background(),
		buildRequest("loom.run", map[string]any{"workflow": "ghost"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatusTool(t *testing.T) {
	s := newTestServer(t)
	id := defineWorkflow(t, s, "pipeline")

	exec, err := s.engine.RunWorkflow(context.Background(), engine.RunOptions{Workflow: id})
	require.NoError(t, err)

	result, err := s.handleStatus(context.Background(),
		buildRequest("loom.status", map[string]any{"execution_id": exec.ID}))
	require.NoError(t, err)
	out := resultJSON(t, result)
	assert.Equal(t, exec.ID, out["id"])
	assert.Equal(t, string(schema.ExecutionStatusCompleted), out["status"])
}

func TestStatusToolUnknownExecution(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleStatus(context.Background(),
		buildRequest("loom.status", map[string]any{"execution_id": "ghost"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestCancelToolNotRunning(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleCancel(context.Background(),
		buildRequest("loom.cancel", map[string]any{"execution_id": "ghost"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryWorkflows(t *testing.T) {
	s := newTestServer(t)
	defineWorkflow(t, s, "alpha")
	defineWorkflow(t, s, "beta")

	result, err := s.handleQuery(context.Background(),
		buildRequest("loom.query", map[string]any{"resource": "workflows"}))
	require.NoError(t, err)
	out := resultJSON(t, result)

	workflows, ok := out["workflows"].([]any)
	require.True(t, ok)
	assert.Len(t, workflows, 2)
}

func TestQueryExecutionsFiltered(t *testing.T) {
	s := newTestServer(t)
	alphaID := defineWorkflow(t, s, "alpha")
	betaID := defineWorkflow(t, s, "beta")

	_, err := s.engine.RunWorkflow(context.Background(), engine.RunOptions{Workflow: alphaID})
	require.NoError(t, err)
	_, err = s.engine.RunWorkflow(context.Background(), engine.RunOptions{Workflow: betaID})
	require.NoError(t, err)

	result, err := s.handleQuery(context.Background(), buildRequest("loom.query", map[string]any{
		"resource": "executions",
		"filter":   map[string]any{"workflow_id": alphaID},
	}))
	require.NoError(t, err)
	out := resultJSON(t, result)

	executions, ok := out["executions"].([]any)
	require.True(t, ok)
	require.Len(t, executions, 1)
	first := executions[0].(map[string]any)
	assert.Equal(t, alphaID, first["workflowId"])
}

func TestQueryAgents(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleQuery(context.Background(),
		buildRequest("loom.query", map[string]any{"resource": "agents"}))
	require.NoError(t, err)
	out := resultJSON(t, result)

	agentList, ok := out["agents"].([]any)
	require.True(t, ok)
	require.Len(t, agentList, 1)
	first := agentList[0].(map[string]any)
	assert.Equal(t, "echo", first["name"])
}

func TestQueryUnknownResource(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleQuery(context.Background(),
		buildRequest("loom.query", map[string]any{"resource": "secrets"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestExtractInt(t *testing.T) {
	assert.Equal(t, 50, extractInt(nil, "limit", 50))
	assert.Equal(t, 50, extractInt(map[string]any{}, "limit", 50))
	assert.Equal(t, 7, extractInt(map[string]any{"limit": float64(7)}, "limit", 50))
	assert.Equal(t, 7, extractInt(map[string]any{"limit": 7}, "limit", 50))
	assert.Equal(t, 7, extractInt(map[string]any{"limit": "7"}, "limit", 50))
	assert.Equal(t, 50, extractInt(map[string]any{"limit": "nope"}, "limit", 50))
}
