// Package mcp exposes the workflow engine to agents over the Model Context
// Protocol. Six tools cover the execution lifecycle: trigger, cancel, rerun,
// status, timeline, and replay.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/quaystone/tradeflow/internal/engine"
	"github.com/quaystone/tradeflow/internal/store"
)

// Engine is the slice of the workflow engine the MCP tools need.
type Engine interface {
	Trigger(ctx context.Context, userID string, req *engine.TriggerRequest) (*store.Execution, error)
	Cancel(ctx context.Context, userID, executionID, reason string) error
	Rerun(ctx context.Context, userID, executionID string) (*store.Execution, error)
	Status(ctx context.Context, executionID string) (*store.Execution, error)
	Timeline(ctx context.Context, executionID string, filter store.EventFilter) ([]*store.RuntimeEvent, error)
	Replay(ctx context.Context, executionID string) (*engine.ReplayBundle, error)
}

// TradeflowServerDeps holds the dependencies for creating a TradeflowServer.
type TradeflowServerDeps struct {
	Engine Engine
	Logger *slog.Logger
}

// TradeflowServer wraps an MCP server with tradeflow-specific tool handlers.
type TradeflowServer struct {
	engine    Engine
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewTradeflowServer creates a TradeflowServer with all tools registered.
func NewTradeflowServer(deps TradeflowServerDeps) *TradeflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &TradeflowServer{
		engine: deps.Engine,
		logger: logger,
	}

	mcpSrv := server.NewMCPServer(
		"tradeflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Tradeflow runs commodity research workflows. Use tradeflow.trigger to start an execution, tradeflow.status to check it, tradeflow.cancel to request cooperative cancellation, tradeflow.rerun to retry a failed execution, tradeflow.timeline for the diagnostic event log, and tradeflow.replay to reconstruct evidence and lineage of a finished run."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *TradeflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *TradeflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *TradeflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: triggerTool(), Handler: s.handleTrigger},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: rerunTool(), Handler: s.handleRerun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: timelineTool(), Handler: s.handleTimeline},
		{Tool: replayTool(), Handler: s.handleReplay},
	}
}

// --- Tool definitions ---

func triggerTool() mcp.Tool {
	return mcp.NewTool("tradeflow.trigger",
		mcp.WithDescription("Trigger a workflow execution and wait for its terminal state"),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("ID of the triggering user")),
		mcp.WithString("workflow_definition_id", mcp.Description("Workflow definition to run (uses its published version)")),
		mcp.WithString("workflow_version_id", mcp.Description("Exact workflow version to run (overrides workflow_definition_id)")),
		mcp.WithString("idempotency_key", mcp.Description("Dedup key; repeating it returns the original execution")),
		mcp.WithString("experiment_id", mcp.Description("Route this trigger through an A/B experiment")),
		mcp.WithObject("scope", mcp.Description("Scope context for parameter resolution (commodity, region, route, strategy)")),
		mcp.WithObject("overrides", mcp.Description("Session parameter overrides, applied last")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("tradeflow.cancel",
		mcp.WithDescription("Request cooperative cancellation of a running execution"),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("ID of the requesting user")),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
		mcp.WithString("reason", mcp.Description("Why the execution is being canceled")),
	)
}

func rerunTool() mcp.Tool {
	return mcp.NewTool("tradeflow.rerun",
		mcp.WithDescription("Start a fresh linked execution of a FAILED one, reusing its version and parameter snapshot"),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("ID of the requesting user")),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the failed execution to rerun")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("tradeflow.status",
		mcp.WithDescription("Get the current state of a workflow execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
	)
}

func timelineTool() mcp.Tool {
	return mcp.NewTool("tradeflow.timeline",
		mcp.WithDescription("List the ordered diagnostic events of an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
		mcp.WithString("event_type", mcp.Description("Only events of this type")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of events to return")),
	)
}

func replayTool() mcp.Tool {
	return mcp.NewTool("tradeflow.replay",
		mcp.WithDescription("Reconstruct the evidence, lineage, and node snapshots of a finished execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the terminal execution to replay")),
	)
}
