// Package mcp exposes the orchestration core over the Model Context
// Protocol so agents and tooling can drive it programmatically. The
// server speaks stdio; all logging goes through the file-backed log
// package so stdout stays clean for JSON-RPC.
package mcp

import (
	gomcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ByteMirror/agentmux/agent"
	"github.com/ByteMirror/agentmux/journal"
	"github.com/ByteMirror/agentmux/workspace"
	"github.com/ByteMirror/agentmux/worktree"
)

const serverInstructions = "You are connected to agentmux, an orchestrator that runs multiple " +
	"coding agents as subprocesses, each in its own git worktree. " +
	"Use list_agents and pool_stats to see what is running before starting new work. " +
	"start_agent enqueues a run; when the process pool is full the agent waits for a slot. " +
	"Worktrees are capped per repository: check worktree_stats before allocating more. " +
	"create_feature spans one feature branch across every workspace repository atomically, " +
	"commit_all commits whatever the agents changed, and cleanup_feature releases the worktrees."

// Server wires the MCP tool surface to a live orchestration core. The
// coordinator and journal may be nil; their tools then report that the
// facility is unavailable instead of failing the server.
type Server struct {
	server      *mcpserver.MCPServer
	manager     *agent.Manager
	coordinator *workspace.Coordinator
	worktrees   *worktree.Pool
	journal     *journal.Journal
}

// NewServer registers every tool against the given core.
func NewServer(manager *agent.Manager, coordinator *workspace.Coordinator, worktrees *worktree.Pool, jnl *journal.Journal) *Server {
	s := &Server{
		server: mcpserver.NewMCPServer(
			"agentmux",
			"0.1.0",
			mcpserver.WithInstructions(serverInstructions),
		),
		manager:     manager,
		coordinator: coordinator,
		worktrees:   worktrees,
		journal:     jnl,
	}
	s.registerReadTools()
	s.registerWriteTools()
	return s
}

func (s *Server) registerReadTools() {
	listAgents := gomcp.NewTool("list_agents",
		gomcp.WithDescription(
			"List every agent with its status, run metrics (cost, tokens, tool calls) "+
				"and working directory. Use this before starting new agents.",
		),
		gomcp.WithReadOnlyHintAnnotation(true),
	)
	s.server.AddTool(listAgents, handleListAgents(s.manager))

	poolStats := gomcp.NewTool("pool_stats",
		gomcp.WithDescription(
			"Show the process pool: how many agents are running, how many are queued "+
				"for a slot, and the concurrency limit.",
		),
		gomcp.WithReadOnlyHintAnnotation(true),
	)
	s.server.AddTool(poolStats, handlePoolStats(s.manager))

	worktreeStats := gomcp.NewTool("worktree_stats",
		gomcp.WithDescription(
			"Show tracked git worktrees: totals per repository, dirty worktrees, and "+
				"every allocation with its branch and path.",
		),
		gomcp.WithReadOnlyHintAnnotation(true),
	)
	s.server.AddTool(worktreeStats, handleWorktreeStats(s.worktrees))

	listFeatures := gomcp.NewTool("list_features",
		gomcp.WithDescription(
			"List multi-repository feature branches and the worktree each member "+
				"repository holds for them.",
		),
		gomcp.WithReadOnlyHintAnnotation(true),
	)
	s.server.AddTool(listFeatures, handleListFeatures(s.coordinator))

	recentRuns := gomcp.NewTool("recent_runs",
		gomcp.WithDescription(
			"Show the newest archived agent runs with their outcome and metrics, "+
				"plus lifetime totals.",
		),
		gomcp.WithReadOnlyHintAnnotation(true),
	)
	s.server.AddTool(recentRuns, handleRecentRuns(s.journal))
}

func (s *Server) registerWriteTools() {
	startAgent := gomcp.NewTool("start_agent",
		gomcp.WithDescription(
			"Start a coding agent subprocess with a prompt. The agent queues for a "+
				"pool slot and runs asynchronously; poll list_agents for progress.",
		),
		gomcp.WithString("prompt",
			gomcp.Required(),
			gomcp.Description("The task prompt handed to the agent."),
		),
		gomcp.WithString("title",
			gomcp.Description("Human-readable agent title shown in listings."),
		),
		gomcp.WithString("program",
			gomcp.Description("Agent program to launch. Defaults to the configured program."),
		),
		gomcp.WithString("workdir",
			gomcp.Description("Directory the agent runs in, typically a worktree path."),
		),
		gomcp.WithString("priority",
			gomcp.Description("Integer priority; higher numbers are admitted first."),
		),
		gomcp.WithBoolean("resume",
			gomcp.Description("Resume the agent's previous session instead of starting fresh."),
		),
	)
	s.server.AddTool(startAgent, handleStartAgent(s.manager))

	stopAgent := gomcp.NewTool("stop_agent",
		gomcp.WithDescription(
			"Kill one agent's subprocess, or every agent when all=true. Waits for "+
				"cleanup, so returned state is final.",
		),
		gomcp.WithString("agent_id",
			gomcp.Description("The agent to stop. Required unless all=true."),
		),
		gomcp.WithBoolean("all",
			gomcp.Description("Stop every agent and reject everything still queued."),
		),
	)
	s.server.AddTool(stopAgent, handleStopAgent(s.manager))

	createFeature := gomcp.NewTool("create_feature",
		gomcp.WithDescription(
			"Create one feature branch with a worktree in every workspace repository. "+
				"Creation is atomic: when any repository fails, the rest are rolled back.",
		),
		gomcp.WithString("branch",
			gomcp.Required(),
			gomcp.Description("Feature branch name, e.g. feat/login."),
		),
		gomcp.WithString("repos",
			gomcp.Description("Comma-separated repository names. Defaults to every configured repository."),
		),
	)
	s.server.AddTool(createFeature, handleCreateFeature(s.coordinator))

	commitAll := gomcp.NewTool("commit_all",
		gomcp.WithDescription(
			"Commit outstanding changes in every member worktree of a feature (or all "+
				"features). Clean worktrees are skipped; failures are reported per repository.",
		),
		gomcp.WithString("message",
			gomcp.Required(),
			gomcp.Description("Commit message used in every repository."),
		),
		gomcp.WithString("feature",
			gomcp.Description("Feature branch to commit. Empty commits every feature."),
		),
	)
	s.server.AddTool(commitAll, handleCommitAll(s.coordinator))

	cleanupFeature := gomcp.NewTool("cleanup_feature",
		gomcp.WithDescription(
			"Release every worktree of a feature branch. Refuses dirty worktrees "+
				"unless force=true.",
		),
		gomcp.WithString("branch",
			gomcp.Required(),
			gomcp.Description("Feature branch to clean up."),
		),
		gomcp.WithBoolean("force",
			gomcp.Description("Release even when worktrees hold uncommitted changes."),
		),
	)
	s.server.AddTool(cleanupFeature, handleCleanupFeature(s.coordinator))
}

// Serve runs the server over stdio until the client disconnects.
func (s *Server) Serve() error {
	return mcpserver.ServeStdio(s.server)
}
