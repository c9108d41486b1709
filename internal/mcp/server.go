package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"imapsyncd/internal/core"
	"imapsyncd/internal/store"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer exposes the sync engine over the Model Context Protocol, both
// on stdio and mounted under the HTTP API.
type MCPServer struct {
	store     *store.Store
	scheduler *core.Scheduler
	logger    *slog.Logger

	inner *server.MCPServer
	http  *server.StreamableHTTPServer
}

// NewMCPServer creates the MCP server and registers its tools.
func NewMCPServer(store *store.Store, scheduler *core.Scheduler, logger *slog.Logger) *MCPServer {
	s := &MCPServer{
		store:     store,
		scheduler: scheduler,
		logger:    logger,
	}
	s.inner = server.NewMCPServer(
		"imapsyncd",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools()
	s.http = server.NewStreamableHTTPServer(s.inner)
	return s
}

// Run serves the MCP protocol on stdio until the peer disconnects.
func (s *MCPServer) Run() error {
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(s.inner)
}

// ServeHTTP serves the MCP protocol over streamable HTTP.
func (s *MCPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.http.ServeHTTP(w, r)
}

func (s *MCPServer) registerTools() {
	s.inner.AddTool(mcp.NewTool("imapsync_list_projects",
		mcp.WithDescription("List migration projects with their servers and accounts"),
	), s.handleListProjects)

	s.inner.AddTool(mcp.NewTool("imapsync_start",
		mcp.WithDescription("Start a sync task for a project. Runs every selected account in order and optionally recurs."),
		mcp.WithString("project",
			mcp.Required(),
			mcp.Description("Project name"),
		),
		mcp.WithString("accounts",
			mcp.Description("Comma-separated source emails to sync; empty means every account"),
		),
		mcp.WithNumber("interval_minutes",
			mcp.Description("Re-run every N minutes; 0 runs once (default: the project's sync_interval)"),
			mcp.Min(0),
		),
		mcp.WithString("schedule",
			mcp.Description("5-field cron expression driving recurrence instead of a fixed interval"),
		),
	), s.handleStart)

	s.inner.AddTool(mcp.NewTool("imapsync_stop",
		mcp.WithDescription("Stop a running sync task and disarm its recurrence"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleStop)

	s.inner.AddTool(mcp.NewTool("imapsync_list_tasks",
		mcp.WithDescription("List sync tasks, optionally filtered by status"),
		mcp.WithString("status",
			mcp.Description("Filter: running, completed, failed or stopped"),
			mcp.Enum("running", "completed", "failed", "stopped"),
		),
	), s.handleListTasks)

	s.inner.AddTool(mcp.NewTool("imapsync_get_logs",
		mcp.WithDescription("Read the accumulated log of one sync task"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
		mcp.WithNumber("tail",
			mcp.Description("Return only the last N lines"),
			mcp.Min(0),
		),
	), s.handleGetLogs)

	s.inner.AddTool(mcp.NewTool("imapsync_search_logs",
		mcp.WithDescription("Search every task's log for a case-insensitive term"),
		mcp.WithString("term",
			mcp.Required(),
			mcp.Description("Search term"),
		),
	), s.handleSearchLogs)

	s.inner.AddTool(mcp.NewTool("imapsync_dashboard",
		mcp.WithDescription("Task counts by status, globally and per project"),
	), s.handleDashboard)

	s.logger.Info("MCP tools registered", "count", 7)
}

func (s *MCPServer) handleListProjects(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list projects: %v", err)), nil
	}
	if len(projects) == 0 {
		return mcp.NewToolResultText("no projects configured"), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d projects:\n\n", len(projects))
	for _, p := range projects {
		fmt.Fprintf(&b, "%s (%s)\n", p.Name, p.ID)
		fmt.Fprintf(&b, "  servers: %s -> %s\n", p.OldServer, p.NewServer)
		fmt.Fprintf(&b, "  interval: %d min", p.SyncInterval)
		if p.Schedule != "" {
			fmt.Fprintf(&b, "  schedule: %s", p.Schedule)
		}
		b.WriteString("\n")
		for _, acc := range p.Accounts {
			target := acc.TargetEmail
			if target == "" {
				target = acc.SourceEmail
			}
			fmt.Fprintf(&b, "  account: %s -> %s\n", acc.SourceEmail, target)
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleStart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := mcp.ParseString(request, "project", "")
	project, err := s.store.GetProjectByName(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrProjectNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("project not found: %s", name)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("load project: %v", err)), nil
	}

	accounts := project.Accounts
	if sel := mcp.ParseString(request, "accounts", ""); sel != "" {
		want := make(map[string]bool)
		for _, email := range strings.Split(sel, ",") {
			want[strings.ToLower(strings.TrimSpace(email))] = true
		}
		accounts = nil
		for _, acc := range project.Accounts {
			if want[strings.ToLower(acc.SourceEmail)] {
				accounts = append(accounts, acc)
			}
		}
	}

	schedule := strings.TrimSpace(mcp.ParseString(request, "schedule", ""))
	var taskID string
	if schedule != "" {
		taskID, err = s.scheduler.SubmitScheduled(project, accounts, schedule)
	} else {
		interval := project.SyncInterval
		if v := mcp.ParseFloat64(request, "interval_minutes", -1); v >= 0 {
			interval = int(v)
		}
		taskID, err = s.scheduler.Submit(project, accounts, interval)
	}
	if err != nil {
		if errors.Is(err, core.ErrNoAccounts) {
			return mcp.NewToolResultError("no accounts selected"), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("start sync: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("sync started\ntask_id: %s\naccounts: %d", taskID, len(accounts))), nil
}

func (s *MCPServer) handleStop(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	if err := s.scheduler.Stop(taskID); err != nil {
		if errors.Is(err, core.ErrNotRunning) {
			return mcp.NewToolResultError(fmt.Sprintf("task is not running: %s", taskID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("stop task: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("task stopped: %s", taskID)), nil
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter, err := core.ParseStatusFilter(mcp.ParseString(request, "status", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	views := s.scheduler.FilterTasks(filter)
	if len(views) == 0 {
		return mcp.NewToolResultText("no matching tasks"), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d tasks:\n\n", len(views))
	for _, v := range views {
		fmt.Fprintf(&b, "[%s] project=%s status=%s accounts=%d interval=%dmin logs=%d\n",
			v.ID, v.ProjectName, v.Status, len(v.Accounts), v.Interval, len(v.Logs))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleGetLogs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	view, ok := s.scheduler.Task(taskID)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
	}
	lines := view.Logs
	if tail := int(mcp.ParseFloat64(request, "tail", 0)); tail > 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	if len(lines) == 0 {
		return mcp.NewToolResultText("no log lines yet"), nil
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (s *MCPServer) handleSearchLogs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	term := mcp.ParseString(request, "term", "")
	matches := s.scheduler.SearchLogs(term)
	if len(matches) == 0 {
		return mcp.NewToolResultText("no matching log lines"), nil
	}
	var b strings.Builder
	for _, m := range matches {
		fmt.Fprintf(&b, "[%s] %s\n", m.TaskID, m.Line)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleDashboard(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sum := s.scheduler.Summarize()
	var b strings.Builder
	fmt.Fprintf(&b, "total=%d running=%d completed=%d failed=%d stopped=%d\n",
		sum.Total, sum.Running, sum.Completed, sum.Failed, sum.Stopped)
	for _, p := range sum.Projects {
		fmt.Fprintf(&b, "project %s: total=%d running=%d completed=%d failed=%d stopped=%d\n",
			p.Project, p.Total, p.Running, p.Completed, p.Failed, p.Stopped)
	}
	return mcp.NewToolResultText(b.String()), nil
}
