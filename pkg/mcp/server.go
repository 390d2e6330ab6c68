// Package mcp exposes the engine over the Model Context Protocol so agents
// can register workflows and drive runs through stdio tooling.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/engine"
)

// StepflowServerDeps holds the dependencies for creating a StepflowServer.
type StepflowServerDeps struct {
	Engine *engine.Engine
	Logger *slog.Logger
}

// StepflowServer wraps an MCP server with stepflow-specific tool handlers.
type StepflowServer struct {
	engine    *engine.Engine
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewStepflowServer creates a StepflowServer with all tools registered.
func NewStepflowServer(deps StepflowServerDeps) *StepflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &StepflowServer{
		engine: deps.Engine,
		logger: logger,
	}

	mcpSrv := server.NewMCPServer(
		"stepflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Stepflow is a workflow orchestration engine for human-in-the-loop runs. Use workflow.register to register definitions, run.start to start runs, run.status and run.history to inspect them, run.resume to deliver input to a waiting run, and run.cancel to terminate one."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *StepflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *StepflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *StepflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: registerTool(), Handler: s.handleRegister},
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: historyTool(), Handler: s.handleHistory},
		{Tool: listTool(), Handler: s.handleList},
	}
}

// --- Tool definitions ---

func registerTool() mcp.Tool {
	return mcp.NewTool("workflow.register",
		mcp.WithDescription("Register a workflow definition. Re-registering an existing ID creates the next immutable version."),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object (id, name, start_step, steps)")),
	)
}

func startTool() mcp.Tool {
	return mcp.NewTool("run.start",
		mcp.WithDescription("Start a run of a registered workflow. Returns the run state plus a resume token when the run suspends."),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to run")),
		mcp.WithString("version", mcp.Description("Workflow version (default: latest)")),
		mcp.WithObject("inputs", mcp.Description("Initial runtime inputs")),
		mcp.WithObject("profile", mcp.Description("Profile namespace data for this run")),
		mcp.WithString("idempotency_key", mcp.Description("Key making this start safe to repeat")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("run.status",
		mcp.WithDescription("Get the current state of a run, including a fresh resume token if it is waiting"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("run.resume",
		mcp.WithDescription("Deliver input to a waiting run using its resume token"),
		mcp.WithString("resume_token", mcp.Required(), mcp.Description("Token issued when the run suspended")),
		mcp.WithObject("payload", mcp.Description("Step input: form values, or an approval decision (approved, approver, comment)")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("run.cancel",
		mcp.WithDescription("Cancel a queued, running, or waiting run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("run.history",
		mcp.WithDescription("List a run's execution records in order"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("run.list",
		mcp.WithDescription("List runs, optionally filtered"),
		mcp.WithString("workflow_id", mcp.Description("Filter by workflow ID")),
		mcp.WithString("status", mcp.Description("Filter by run status")),
		mcp.WithString("limit", mcp.Description("Maximum number of runs to return")),
	)
}
