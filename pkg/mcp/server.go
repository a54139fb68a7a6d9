package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/loomworks/loom/internal/agents"
	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/streaming"
)

// LoomServerDeps holds the dependencies for creating a LoomServer.
type LoomServerDeps struct {
	Engine   *engine.Engine
	Registry agents.Executor
	Hub      streaming.EventHub
	Logger   *slog.Logger
}

// LoomServer wraps an MCP server with loom-specific tool handlers.
type LoomServer struct {
	engine    *engine.Engine
	registry  agents.Executor
	hub       streaming.EventHub
	logger    *slog.Logger
	sessions  *SessionRegistry
	mcpServer *server.MCPServer
}

// NewLoomServer creates a LoomServer with all tools registered.
func NewLoomServer(deps LoomServerDeps) *LoomServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &LoomServer{
		engine:   deps.Engine,
		registry: deps.Registry,
		hub:      deps.Hub,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"loom",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Loom is a workflow orchestration engine. Use loom.define to register workflows, loom.run to execute them, loom.status to inspect an execution, loom.cancel to stop one, loom.watch to stream its events, and loom.query to list workflows, executions, or agents."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes.
func (s *LoomServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom
// transports.
func (s *LoomServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the watch-session registry, for wiring the notifier.
func (s *LoomServer) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *LoomServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: watchTool(), Handler: s.handleWatch},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("loom.define",
		mcp.WithDescription("Register a workflow definition"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object: name, steps, optional variables and triggers")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("loom.run",
		mcp.WithDescription("Execute a workflow by id or name and wait for completion"),
		mcp.WithString("workflow", mcp.Required(), mcp.Description("Workflow id, or name (case-insensitive)")),
		mcp.WithObject("input", mcp.Description("Run input, overlaid on the workflow's variables")),
		mcp.WithString("dry_run", mcp.Description("Set to 'true' to return the execution plan without running anything")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("loom.status",
		mcp.WithDescription("Get the state of an execution, including per-step results"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to inspect")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("loom.cancel",
		mcp.WithDescription("Cancel a running execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
	)
}

func watchTool() mcp.Tool {
	return mcp.NewTool("loom.watch",
		mcp.WithDescription("Subscribe this session to an execution's lifecycle events, pushed as notifications"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to watch")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("loom.query",
		mcp.WithDescription("Query workflows, executions, or agents"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "executions", "agents"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (workflow_id, limit)")),
	)
}
