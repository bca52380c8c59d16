package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/ensemble/internal/orchestrator"
)

// EnsembleServerDeps holds the dependencies for creating an EnsembleServer.
type EnsembleServerDeps struct {
	Orchestrator *orchestrator.Orchestrator
	Sessions     *SessionRegistry
	Logger       *slog.Logger
	Version      string
}

// EnsembleServer wraps an MCP server with ensemble-specific tool handlers.
type EnsembleServer struct {
	orch      *orchestrator.Orchestrator
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewEnsembleServer creates a new EnsembleServer with all tools registered.
func NewEnsembleServer(deps EnsembleServerDeps) *EnsembleServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewSessionRegistry()
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &EnsembleServer{
		orch:     deps.Orchestrator,
		sessions: sessions,
		logger:   logger,
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"ensemble",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Ensemble runs declarative agent workflows. Use ensemble.define to register a definition, ensemble.run to execute one, ensemble.status and ensemble.events to follow progress, ensemble.approval to inspect a pending approval, ensemble.resume to answer it with its token, ensemble.cancel to stop an execution and ensemble.diagram to render a flow."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *EnsembleServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *EnsembleServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the agent to session registry used for push notifications.
func (s *EnsembleServer) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *EnsembleServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: approvalTool(), Handler: s.handleApproval},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: eventsTool(), Handler: s.handleEvents},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("ensemble.define",
		mcp.WithDescription("Register a named ensemble definition"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Ensemble definition object (name, version, input_schema, triggers, flow)")),
		mcp.WithString("agent_id", mcp.Description("ID of the calling agent")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("ensemble.run",
		mcp.WithDescription("Execute a registered or inline ensemble"),
		mcp.WithString("ensemble", mcp.Description("Name of a registered ensemble")),
		mcp.WithObject("definition", mcp.Description("Inline definition, used when ensemble is not given")),
		mcp.WithObject("input", mcp.Description("Input bound to the input scope")),
		mcp.WithString("agent_id", mcp.Description("ID of the calling agent; approvals notifying mcp:<agent_id> are pushed to it")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("ensemble.status",
		mcp.WithDescription("Get execution status"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("ensemble.resume",
		mcp.WithDescription("Resume a suspended execution with a resumption token"),
		mcp.WithString("token", mcp.Required(), mcp.Description("Resumption token issued at suspension")),
		mcp.WithObject("payload", mcp.Description("Value bound as the suspended node's output")),
		mcp.WithString("agent_id", mcp.Description("ID of the calling agent")),
	)
}

func approvalTool() mcp.Tool {
	return mcp.NewTool("ensemble.approval",
		mcp.WithDescription("Inspect a pending approval"),
		mcp.WithString("token", mcp.Required(), mcp.Description("Resumption token")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("ensemble.cancel",
		mcp.WithDescription("Cancel a running or suspended execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
		mcp.WithString("reason", mcp.Description("Why the execution is cancelled")),
	)
}

func eventsTool() mcp.Tool {
	return mcp.NewTool("ensemble.events",
		mcp.WithDescription("List execution events after a sequence number"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithNumber("since", mcp.Description("Return events with a greater sequence (default: 0)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("ensemble.diagram",
		mcp.WithDescription("Render an ensemble flow as ASCII, Mermaid, SVG or PNG"),
		mcp.WithString("ensemble", mcp.Description("Name of a registered ensemble")),
		mcp.WithString("execution_id", mcp.Description("Execution whose step status is overlaid (its ensemble is used when ensemble is omitted)")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "svg", "png"),
			mcp.Description("Output format"),
		),
	)
}
