package mcp

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/google/uuid"

	"github.com/ByteMirror/agentmux/agent"
	"github.com/ByteMirror/agentmux/journal"
	"github.com/ByteMirror/agentmux/log"
	"github.com/ByteMirror/agentmux/workspace"
	"github.com/ByteMirror/agentmux/worktree"
)

// agentView is the JSON shape list_agents returns.
type agentView struct {
	ID         string  `json:"id"`
	Title      string  `json:"title,omitempty"`
	Status     string  `json:"status"`
	Program    string  `json:"program,omitempty"`
	WorkDir    string  `json:"workdir,omitempty"`
	SessionID  string  `json:"session_id,omitempty"`
	CostUSD    float64 `json:"cost_usd"`
	Tokens     int64   `json:"tokens"`
	ToolCalls  int     `json:"tool_calls"`
	DurationMS int64   `json:"duration_ms"`
	Error      string  `json:"error,omitempty"`
}

func handleListAgents(m *agent.Manager) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		agents := m.ListAgents()
		if len(agents) == 0 {
			return gomcp.NewToolResultText("No agents yet."), nil
		}
		views := make([]agentView, 0, len(agents))
		for _, a := range agents {
			views = append(views, agentView{
				ID:         a.ID,
				Title:      a.Title,
				Status:     string(a.Status),
				Program:    a.Program,
				WorkDir:    a.WorkDir,
				SessionID:  a.SessionID,
				CostUSD:    a.Metrics.CostUSD,
				Tokens:     a.Metrics.TokensUsed,
				ToolCalls:  a.Metrics.ToolCalls,
				DurationMS: a.Metrics.DurationMS,
				Error:      a.Error,
			})
		}
		return jsonResult(views)
	}
}

func handlePoolStats(m *agent.Manager) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		return jsonResult(m.PoolStats())
	}
}

func handleWorktreeStats(p *worktree.Pool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		out := struct {
			Stats       worktree.Stats         `json:"stats"`
			Allocations []*worktree.Allocation `json:"allocations,omitempty"`
		}{
			Stats:       p.Stats(),
			Allocations: p.List(),
		}
		return jsonResult(out)
	}
}

func handleListFeatures(c *workspace.Coordinator) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		if c == nil {
			return gomcp.NewToolResultError("no workspace is configured"), nil
		}
		features := c.ListFeatures()
		if len(features) == 0 {
			return gomcp.NewToolResultText("No feature branches yet."), nil
		}
		return jsonResult(features)
	}
}

func handleRecentRuns(j *journal.Journal) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		if j == nil {
			return gomcp.NewToolResultError("run history is not enabled"), nil
		}
		runs, err := j.RecentRuns(20)
		if err != nil {
			return gomcp.NewToolResultError("failed to read runs: " + err.Error()), nil
		}
		totals, err := j.Totals()
		if err != nil {
			return gomcp.NewToolResultError("failed to read totals: " + err.Error()), nil
		}
		out := struct {
			Runs   []journal.Run  `json:"runs,omitempty"`
			Totals journal.Totals `json:"totals"`
		}{Runs: runs, Totals: totals}
		return jsonResult(out)
	}
}

func handleStartAgent(m *agent.Manager) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		prompt := req.GetString("prompt", "")
		if prompt == "" {
			return gomcp.NewToolResultError("missing required parameter: prompt"), nil
		}
		priority := 0
		if raw := req.GetString("priority", ""); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return gomcp.NewToolResultError("priority must be an integer: " + raw), nil
			}
			priority = n
		}

		id := uuid.NewString()
		opts := agent.StartOptions{
			Title:    req.GetString("title", ""),
			Program:  req.GetString("program", ""),
			Prompt:   prompt,
			WorkDir:  req.GetString("workdir", ""),
			Priority: priority,
			Resume:   req.GetBool("resume", false),
		}

		// The run outlives this request, so it must not inherit the
		// request's context.
		out, err := m.StartAgent(context.Background(), id, opts)
		if err != nil {
			return gomcp.NewToolResultError("failed to start agent: " + err.Error()), nil
		}
		go func() {
			for range out {
			}
		}()

		log.InfoLog.Printf("mcp: started agent %s", id)
		return jsonResult(struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		}{ID: id, Status: "started"})
	}
}

func handleStopAgent(m *agent.Manager) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		if req.GetBool("all", false) {
			if err := m.StopAll(); err != nil {
				return gomcp.NewToolResultError("stop all finished with failures: " + err.Error()), nil
			}
			return gomcp.NewToolResultText("All agents stopped."), nil
		}

		id := req.GetString("agent_id", "")
		if id == "" {
			return gomcp.NewToolResultError("missing required parameter: agent_id"), nil
		}
		if err := m.StopAgent(id); err != nil {
			return gomcp.NewToolResultError("failed to stop agent: " + err.Error()), nil
		}
		return gomcp.NewToolResultText("Agent " + id + " stopped."), nil
	}
}

func handleCreateFeature(c *workspace.Coordinator) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		if c == nil {
			return gomcp.NewToolResultError("no workspace is configured"), nil
		}
		branch := req.GetString("branch", "")
		if branch == "" {
			return gomcp.NewToolResultError("missing required parameter: branch"), nil
		}
		var repos []string
		if raw := req.GetString("repos", ""); raw != "" {
			for _, name := range strings.Split(raw, ",") {
				if name = strings.TrimSpace(name); name != "" {
					repos = append(repos, name)
				}
			}
		}

		feature, err := c.CreateMultiRepoWorktree(ctx, branch, repos...)
		if err != nil {
			return gomcp.NewToolResultError("failed to create feature: " + err.Error()), nil
		}
		return jsonResult(feature)
	}
}

func handleCommitAll(c *workspace.Coordinator) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		if c == nil {
			return gomcp.NewToolResultError("no workspace is configured"), nil
		}
		message := req.GetString("message", "")
		if message == "" {
			return gomcp.NewToolResultError("missing required parameter: message"), nil
		}

		res, err := c.CommitAll(ctx, message, req.GetString("feature", ""))
		if err != nil {
			return gomcp.NewToolResultError("commit pass refused: " + err.Error()), nil
		}
		out := struct {
			Summary string            `json:"summary"`
			Commits map[string]string `json:"commits,omitempty"`
			Skipped []string          `json:"skipped,omitempty"`
			Failed  map[string]string `json:"failed,omitempty"`
		}{
			Summary: res.Summary(),
			Commits: res.Commits,
			Skipped: res.Skipped,
		}
		if len(res.Failed) > 0 {
			out.Failed = make(map[string]string, len(res.Failed))
			for k, v := range res.Failed {
				out.Failed[k] = v.Error()
			}
		}
		return jsonResult(out)
	}
}

func handleCleanupFeature(c *workspace.Coordinator) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		if c == nil {
			return gomcp.NewToolResultError("no workspace is configured"), nil
		}
		branch := req.GetString("branch", "")
		if branch == "" {
			return gomcp.NewToolResultError("missing required parameter: branch"), nil
		}
		if err := c.CleanupFeature(ctx, branch, req.GetBool("force", false)); err != nil {
			return gomcp.NewToolResultError("cleanup incomplete: " + err.Error()), nil
		}
		return gomcp.NewToolResultText("Feature " + branch + " released."), nil
	}
}

func jsonResult(v any) (*gomcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return gomcp.NewToolResultError("failed to marshal result: " + err.Error()), nil
	}
	return gomcp.NewToolResultText(string(data)), nil
}
