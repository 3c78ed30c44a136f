package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/autoflow/internal/automation"
	"github.com/rendis/autoflow/internal/streaming"
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Service *automation.Service
	Hub     streaming.EventHub // optional; run-end notifications need it
	Logger  *slog.Logger
	Version string
}

// Server wraps an MCP server with the automation tool handlers.
type Server struct {
	svc       *automation.Service
	hub       streaming.EventHub
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  *RunNotifier
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all 7 tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		svc:      deps.Service,
		hub:      deps.Hub,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"autoflow",
		version,
		server.WithToolCapabilities(false),
		server.WithLogging(),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Autoflow runs automation workflows: an ordered list of steps started by a trigger. "+
			"Use workflow.create to define one, workflow.run to start it, workflow.runs to follow its progress "+
			"and run.cancel to stop it. webhook.trigger delivers a payload to every workflow listening on a webhook id. "+
			"Runs you start send a notifications/message when they finish."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewRunNotifier(mcpSrv, s.sessions, logger)
	return s
}

// Serve starts the run-end notifier and the stdio transport, and blocks
// until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if s.hub != nil {
		if err := s.notifier.Start(ctx, s.hub); err != nil {
			return err
		}
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the run-to-session registry.
func (s *Server) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: createTool(), Handler: s.handleCreate},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: getTool(), Handler: s.handleGet},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: runsTool(), Handler: s.handleRuns},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: webhookTool(), Handler: s.handleWebhook},
	}
}

// --- Tool definitions ---

func createTool() mcp.Tool {
	return mcp.NewTool("workflow.create",
		mcp.WithDescription("Create a workflow from a trigger and an ordered list of steps"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Workflow name")),
		mcp.WithString("description", mcp.Description("Free-form description")),
		mcp.WithObject("trigger", mcp.Required(),
			mcp.Description("Trigger: {type, cron?, webhookId?, filter?}. type is one of manual, schedule, webhook, "+
				"file_change, task_status, email, api_call, chat_command, voice_command")),
		mcp.WithArray("steps", mcp.Required(),
			mcp.Description("Ordered steps: [{kind, name?, config, continueOnError?}]"),
			mcp.Items(map[string]any{"type": "object"})),
		mcp.WithBoolean("enabled", mcp.Description("Whether triggers start runs (default true)")),
		mcp.WithString("created_by", mcp.Description("Author recorded on the workflow")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("workflow.list",
		mcp.WithDescription("List workflows, newest first"),
		mcp.WithBoolean("enabled", mcp.Description("Only enabled (true) or disabled (false) workflows")),
		mcp.WithString("trigger", mcp.Description("Only workflows with this trigger type")),
		mcp.WithString("webhook_id", mcp.Description("Only webhook workflows listening on this id")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of results")),
		mcp.WithNumber("offset", mcp.Description("Results to skip")),
	)
}

func getTool() mcp.Tool {
	return mcp.NewTool("workflow.get",
		mcp.WithDescription("Get one workflow definition"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("workflow.run",
		mcp.WithDescription("Start a run of a workflow and return it without waiting"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to run")),
		mcp.WithObject("trigger_data", mcp.Description("Initial run variables")),
		mcp.WithString("triggered_by", mcp.Description("Recorded origin of the run (default manual)")),
	)
}

func runsTool() mcp.Tool {
	return mcp.NewTool("workflow.runs",
		mcp.WithDescription("List runs with their step results, newest first"),
		mcp.WithString("workflow_id", mcp.Description("Only runs of this workflow")),
		mcp.WithString("run_id", mcp.Description("Return only this run")),
		mcp.WithString("status", mcp.Description("Comma separated statuses: pending, running, completed, failed, cancelled")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of results")),
		mcp.WithNumber("offset", mcp.Description("Results to skip")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("run.cancel",
		mcp.WithDescription("Cancel a pending or running run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
	)
}

func webhookTool() mcp.Tool {
	return mcp.NewTool("webhook.trigger",
		mcp.WithDescription("Deliver a payload to every enabled workflow listening on a webhook id"),
		mcp.WithString("webhook_id", mcp.Required(), mcp.Description("Webhook id")),
		mcp.WithObject("data", mcp.Description("Payload delivered as trigger data")),
		mcp.WithObject("headers", mcp.Description("Headers visible to trigger filters")),
	)
}
