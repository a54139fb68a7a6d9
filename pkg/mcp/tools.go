package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/pkg/schema"
)

// handleDefine registers a workflow definition.
func (s *LoomServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	// Round-trip through JSON to get a typed definition.
	defBytes, marshalErr := json.Marshal(defRaw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", marshalErr)), nil
	}
	var def schema.WorkflowDefinition
	if unmarshalErr := json.Unmarshal(defBytes, &def); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", unmarshalErr)), nil
	}

	created, err := s.engine.CreateWorkflow(ctx, &def)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create workflow: %v", err)), nil
	}

	return marshalResult(map[string]any{
		"id":    created.ID,
		"name":  created.Name,
		"steps": len(created.Steps),
	})
}

// handleRun executes a workflow and returns the finished execution.
func (s *LoomServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflow, err := req.RequireString("workflow")
	if err != nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}
	input := mcp.ParseStringMap(req, "input", nil)
	dryRun := req.GetString("dry_run", "false") == "true"

	exec, runErr := s.engine.RunWorkflow(ctx, engine.RunOptions{
		Workflow: workflow,
		Input:    input,
		DryRun:   dryRun,
	})
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", runErr)), nil
	}

	return marshalResult(exec)
}

// handleStatus returns the current state of an execution.
func (s *LoomServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	exec, getErr := s.engine.GetExecution(ctx, executionID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", getErr)), nil
	}

	return marshalResult(exec)
}

// handleCancel cancels a running execution.
func (s *LoomServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	if cancelErr := s.engine.CancelExecution(ctx, executionID); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}

	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": executionID,
		"status":       schema.ExecutionStatusCancelled,
	})
}

// handleWatch subscribes the calling session to an execution's events.
func (s *LoomServer) handleWatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return mcp.NewToolResultError("watch requires a session-capable transport"), nil
	}

	s.sessions.Watch(session.SessionID(), executionID)
	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": executionID,
	})
}

// handleQuery lists workflows, executions, or agents based on filters.
func (s *LoomServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workflows":
		return s.queryWorkflows(ctx)
	case "executions":
		return s.queryExecutions(ctx, filter)
	case "agents":
		return s.queryAgents()
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *LoomServer) queryWorkflows(ctx context.Context) (*mcp.CallToolResult, error) {
	defs, err := s.engine.ListWorkflows(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"workflows": defs})
}

func (s *LoomServer) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	workflowID := ""
	if id, ok := filter["workflow_id"].(string); ok {
		workflowID = id
	}
	limit := extractInt(filter, "limit", 50)

	execs, err := s.engine.ListExecutions(ctx, workflowID, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"executions": execs})
}

func (s *LoomServer) queryAgents() (*mcp.CallToolResult, error) {
	names := s.registry.ListAgents()
	infos := make([]map[string]any, 0, len(names))
	for _, name := range names {
		entry := map[string]any{"name": name}
		if info, ok := s.registry.AgentInfo(name); ok && info.Description != "" {
			entry["description"] = info.Description
		}
		infos = append(infos, entry)
	}
	return marshalResult(map[string]any{"agents": infos})
}

// --- Internal helpers ---

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
