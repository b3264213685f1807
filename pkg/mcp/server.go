package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/outreach/internal/service"
	"github.com/rendis/outreach/pkg/schema"
)

// Engine is the subset of the service the tools call.
type Engine interface {
	StartExecution(ctx context.Context, req service.StartRequest) (string, error)
	GetExecutionStatus(ctx context.Context, executionID string) (*schema.ExecutionLog, error)
	ExecutionSteps(ctx context.Context, executionID string) ([]schema.StepRecord, error)
	GetQueueStats(ctx context.Context) (*service.QueueStats, error)
	StopExecution(ctx context.Context, executionID string) error
	ListExecutions(ctx context.Context, filter schema.ExecutionFilter) ([]*schema.ExecutionLog, error)
	FireEvent(ctx context.Context, eventType, userID, businessID string) (int, error)
	Validate(def *schema.WorkflowDefinition) *schema.ValidationResult
}

// OutreachServerDeps holds the dependencies for creating an OutreachServer.
type OutreachServerDeps struct {
	Engine Engine
	Logger *slog.Logger
}

// OutreachServer wraps an MCP server with the outreach tool handlers.
type OutreachServer struct {
	engine    Engine
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  *MCPNotifier
	mcpServer *server.MCPServer
}

// NewOutreachServer creates an OutreachServer with all tools registered.
func NewOutreachServer(deps OutreachServerDeps) *OutreachServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &OutreachServer{
		engine:   deps.Engine,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"outreach",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Outreach runs business outreach workflows. Use outreach.validate_workflow to check a definition, outreach.start_execution to queue a run, outreach.execution_status to follow it, outreach.stop_execution to halt it, outreach.list_executions and outreach.queue_stats to monitor, and outreach.fire_event to start event triggers."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *OutreachServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *OutreachServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Notifier returns the notifier that pushes execution events to the session
// of the user who owns the run.
func (s *OutreachServer) Notifier() *MCPNotifier {
	return s.notifier
}

func (s *OutreachServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startExecutionTool(), Handler: s.handleStartExecution},
		{Tool: executionStatusTool(), Handler: s.handleExecutionStatus},
		{Tool: queueStatsTool(), Handler: s.handleQueueStats},
		{Tool: stopExecutionTool(), Handler: s.handleStopExecution},
		{Tool: listExecutionsTool(), Handler: s.handleListExecutions},
		{Tool: validateWorkflowTool(), Handler: s.handleValidateWorkflow},
		{Tool: fireEventTool(), Handler: s.handleFireEvent},
	}
}

// --- Tool definitions ---

func startExecutionTool() mcp.Tool {
	return mcp.NewTool("outreach.start_execution",
		mcp.WithDescription("Queue a run of a stored workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to run")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Owner of the workflow")),
		mcp.WithString("business_id", mcp.Description("Business the run targets")),
		mcp.WithString("priority",
			mcp.Enum("low", "medium", "high"),
			mcp.Description("Queue priority (default: medium)"),
		),
	)
}

func executionStatusTool() mcp.Tool {
	return mcp.NewTool("outreach.execution_status",
		mcp.WithDescription("Get the status and log of a run"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithBoolean("include_steps", mcp.Description("Include per-node step records")),
	)
}

func queueStatsTool() mcp.Tool {
	return mcp.NewTool("outreach.queue_stats",
		mcp.WithDescription("Get execution queue statistics"),
	)
}

func stopExecutionTool() mcp.Tool {
	return mcp.NewTool("outreach.stop_execution",
		mcp.WithDescription("Stop a queued, suspended or running execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the run")),
	)
}

func listExecutionsTool() mcp.Tool {
	return mcp.NewTool("outreach.list_executions",
		mcp.WithDescription("List executions, newest first"),
		mcp.WithObject("filter", mcp.Description("Filter criteria (workflow_id, user_id, status, since, until, limit)")),
	)
}

func validateWorkflowTool() mcp.Tool {
	return mcp.NewTool("outreach.validate_workflow",
		mcp.WithDescription("Validate a workflow definition without storing it"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object")),
	)
}

func fireEventTool() mcp.Tool {
	return mcp.NewTool("outreach.fire_event",
		mcp.WithDescription("Start the event triggers listening for an event"),
		mcp.WithString("event", mcp.Required(), mcp.Description("Event name, e.g. business.created")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("User whose triggers fire")),
		mcp.WithString("business_id", mcp.Description("Business the event is about")),
	)
}
