// Package mcp exposes the workflow engine over the Model Context
// Protocol. It is transport glue only: every tool call bridges straight
// to the executor, and no engine semantics live here.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/alexcelewicz/stepflow/internal/engine"
	"github.com/alexcelewicz/stepflow/internal/store"
)

// WorkflowRunner is the executor surface the MCP tools need.
// Satisfied by engine.Executor.
type WorkflowRunner interface {
	Execute(ctx context.Context, workflowID, userID string, input map[string]any) (*engine.ExecutionResult, error)
	Resume(ctx context.Context, resumeToken string, approved bool, userID string) (*engine.ExecutionResult, error)
	Cancel(ctx context.Context, runID string) error
	Status(ctx context.Context, runID string) (*store.WorkflowRun, error)
}

// StepflowServerDeps holds the dependencies for creating a StepflowServer.
type StepflowServerDeps struct {
	Runner WorkflowRunner
	Logger *slog.Logger
}

// StepflowServer wraps an MCP server with workflow tool handlers.
type StepflowServer struct {
	runner    WorkflowRunner
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewStepflowServer creates a new StepflowServer with all 4 tools registered.
func NewStepflowServer(deps StepflowServerDeps) *StepflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &StepflowServer{
		runner: deps.Runner,
		logger: logger,
	}

	mcpSrv := server.NewMCPServer(
		"stepflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Stepflow is a durable workflow execution engine. Use stepflow.execute to start a workflow run, stepflow.status to inspect a run, stepflow.resume to approve or reject a paused approval gate, and stepflow.cancel to cancel a run."),
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

// tools returns the 4 registered MCP tools as ServerTool entries.
func (s *StepflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: statusTool(), Handler: s.handleStatus},
	}
}

// --- Tool definitions ---

func executeTool() mcp.Tool {
	return mcp.NewTool("stepflow.execute",
		mcp.WithDescription("Start a workflow run from a registered definition"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow definition to run")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("ID of the user initiating the run")),
		mcp.WithObject("input", mcp.Description("Trigger input for the run")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("stepflow.resume",
		mcp.WithDescription("Approve or reject a run paused at an approval gate"),
		mcp.WithString("resume_token", mcp.Required(), mcp.Description("Signed resume token issued when the run paused")),
		mcp.WithBoolean("approved", mcp.Required(), mcp.Description("true to approve and continue, false to reject and cancel")),
		mcp.WithString("user_id", mcp.Description("ID of the user making the decision")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("stepflow.cancel",
		mcp.WithDescription("Cancel a running or paused workflow run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("stepflow.status",
		mcp.WithDescription("Get the current state of a workflow run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}
