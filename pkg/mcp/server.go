// Package mcp exposes the workflow engine as MCP tools over stdio, so agent
// clients can start, inspect, and debug runs.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nvidal/stepwise/internal/engine"
	"github.com/nvidal/stepwise/internal/scheduler"
	"github.com/nvidal/stepwise/internal/store"
)

// StepwiseServerDeps holds the dependencies for creating a StepwiseServer.
// Store and Scheduler are optional; their tools report an error when absent.
type StepwiseServerDeps struct {
	Manager   *engine.Manager
	Store     store.Store
	Scheduler *scheduler.Scheduler
	Logger    *slog.Logger
}

// StepwiseServer wraps an MCP server with workflow engine tool handlers.
type StepwiseServer struct {
	manager   *engine.Manager
	store     store.Store
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewStepwiseServer creates a StepwiseServer with all tools registered.
func NewStepwiseServer(deps StepwiseServerDeps) *StepwiseServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &StepwiseServer{
		manager:   deps.Manager,
		store:     deps.Store,
		scheduler: deps.Scheduler,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"stepwise",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Stepwise executes workflow graphs with debugging support. Use stepwise.define to register workflows, stepwise.run to start them, stepwise.state and stepwise.variables to inspect a run, stepwise.control to pause/resume/step/stop, stepwise.breakpoint to manage breakpoints, stepwise.history to query archived runs, stepwise.schedule to manage cron triggers, and stepwise.diagram to render a workflow as a Mermaid chart."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *StepwiseServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *StepwiseServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *StepwiseServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: stateTool(), Handler: s.handleState},
		{Tool: variablesTool(), Handler: s.handleVariables},
		{Tool: controlTool(), Handler: s.handleControl},
		{Tool: breakpointTool(), Handler: s.handleBreakpoint},
		{Tool: historyTool(), Handler: s.handleHistory},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("stepwise.define",
		mcp.WithDescription("Register a workflow definition in the engine library"),
		mcp.WithObject("workflow", mcp.Required(), mcp.Description("Workflow definition object (id, nodes, edges, variables)")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("stepwise.run",
		mcp.WithDescription("Start a run of a registered workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the registered workflow to run")),
		mcp.WithString("debug_mode",
			mcp.Enum("none", "step", "breakpoint"),
			mcp.Description("Debug mode for the run (default: none)"),
		),
		mcp.WithString("breakpoints", mcp.Description("Comma-separated node ids to break on")),
	)
}

func stateTool() mcp.Tool {
	return mcp.NewTool("stepwise.state",
		mcp.WithDescription("Get the execution state of a workflow's current run"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to query")),
	)
}

func variablesTool() mcp.Tool {
	return mcp.NewTool("stepwise.variables",
		mcp.WithDescription("Get the variable snapshot of a workflow's current run"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to query")),
	)
}

func controlTool() mcp.Tool {
	return mcp.NewTool("stepwise.control",
		mcp.WithDescription("Control a running workflow: pause, resume, step, or stop"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the target workflow")),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("pause", "resume", "step", "stop"),
			mcp.Description("Control action to apply"),
		),
	)
}

func breakpointTool() mcp.Tool {
	return mcp.NewTool("stepwise.breakpoint",
		mcp.WithDescription("Toggle a breakpoint on a node, or clear all breakpoints"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the target workflow")),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("toggle", "clear"),
			mcp.Description("Breakpoint action"),
		),
		mcp.WithString("node_id", mcp.Description("Node id to toggle (required for toggle)")),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("stepwise.history",
		mcp.WithDescription("Query archived runs and their event streams"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("runs", "run", "events"),
			mcp.Description("runs lists summaries, run fetches one snapshot, events reads a run's event stream"),
		),
		mcp.WithString("workflow_id", mcp.Description("Filter runs by workflow id")),
		mcp.WithString("run_id", mcp.Description("Run id (required for run and events)")),
		mcp.WithString("status", mcp.Description("Filter runs by status")),
		mcp.WithString("limit", mcp.Description("Maximum number of runs to return")),
		mcp.WithString("since", mcp.Description("For events: return entries after this sequence number")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("stepwise.schedule",
		mcp.WithDescription("Manage cron triggers for registered workflows"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("add", "remove", "enable", "disable", "list"),
			mcp.Description("Schedule action"),
		),
		mcp.WithString("job_id", mcp.Description("Job id (required for add, remove, enable, disable)")),
		mcp.WithString("workflow_id", mcp.Description("Workflow to trigger (required for add)")),
		mcp.WithString("cron", mcp.Description("Cron expression, five fields (required for add)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("stepwise.diagram",
		mcp.WithDescription("Render a registered workflow as a Mermaid flowchart"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to render")),
		mcp.WithString("include_state",
			mcp.Enum("true", "false"),
			mcp.Description("Overlay the current run's status on the chart (default: false)"),
		),
	)
}
