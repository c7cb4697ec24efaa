package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/atotto/clipboard"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ByteMirror/agentmux/agent"
	"github.com/ByteMirror/agentmux/config"
	"github.com/ByteMirror/agentmux/daemon"
	"github.com/ByteMirror/agentmux/events"
	"github.com/ByteMirror/agentmux/git"
	"github.com/ByteMirror/agentmux/journal"
	"github.com/ByteMirror/agentmux/log"
	"github.com/ByteMirror/agentmux/mcp"
	"github.com/ByteMirror/agentmux/pool"
	"github.com/ByteMirror/agentmux/proc"
	"github.com/ByteMirror/agentmux/stream"
	"github.com/ByteMirror/agentmux/ui"
	"github.com/ByteMirror/agentmux/workspace"
	"github.com/ByteMirror/agentmux/worktree"
)

var (
	version = "0.1.0"

	programFlag    string
	promptFlag     string
	priorityFlag   int
	repoFlag       string
	noWorktreeFlag bool
	ptyFlag        bool
	jsonFlag       bool
	allFlag        bool
	forceFlag      bool
	keepBranchFlag bool
	copyFlag       bool
	branchFlag     string
	baseFlag       string
	featureFlag    string
	manifestFlag   string
	detachFlag     bool

	rootCmd = &cobra.Command{
		Use:   "agentmux",
		Short: "agentmux - orchestrate multiple subprocess coding agents",
		Long: "agentmux runs several AI coding agents side by side, each in its own\n" +
			"subprocess and git worktree, under a shared concurrency limit.",
	}

	runCmd = &cobra.Command{
		Use:   "run [title]",
		Short: "Start an agent and stream its output",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(false)
			defer log.Close()

			if promptFlag == "" {
				return errors.New("a prompt is required (--prompt)")
			}

			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			ctx := context.Background()
			if rt.cfg.AutoCleanupStale {
				if _, err := rt.wt.CleanupStale(ctx); err != nil {
					log.WarningLog.Printf("stale sweep: %v", err)
				}
			}

			id := uuid.NewString()
			workDir := ""
			var alloc *worktree.Allocation
			if !noWorktreeFlag {
				repo := repoFlag
				if repo == "" {
					if root, err := git.FindGitRoot("."); err == nil {
						repo = root
					}
				}
				if repo != "" {
					alloc, err = rt.wt.Allocate(ctx, repo, "HEAD", worktree.Owner{AgentID: id})
					if err != nil {
						return fmt.Errorf("allocating worktree: %w", err)
					}
					workDir = alloc.Path
					fmt.Printf("worktree %s (branch %s)\n", alloc.Path, alloc.Branch)
				}
			}

			title := ""
			if len(args) > 0 {
				title = args[0]
			}
			out, err := rt.mgr.StartAgent(ctx, id, agent.StartOptions{
				Title:    title,
				Program:  programFlag,
				Prompt:   promptFlag,
				WorkDir:  workDir,
				Priority: priorityFlag,
			})
			if err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			go func() {
				if _, ok := <-sigCh; ok {
					fmt.Println("\nstopping agent...")
					_ = rt.mgr.StopAgent(id)
				}
			}()
			defer signal.Stop(sigCh)

			for msg := range out {
				switch msg.Kind {
				case stream.KindAssistant, stream.KindText:
					if msg.Text != "" {
						fmt.Println(msg.Text)
					}
				case stream.KindToolUse:
					fmt.Printf("[tool] %s\n", msg.ToolName)
				}
			}

			a, ok := rt.mgr.GetAgent(id)
			if !ok {
				return fmt.Errorf("agent %s vanished", id)
			}
			fmt.Printf("\n%s  cost $%.4f  tokens %d  tools %d\n",
				a.Status, a.Metrics.CostUSD, a.Metrics.TokensUsed, a.Metrics.ToolCalls)
			if alloc != nil {
				fmt.Printf("work left in %s\n", alloc.Path)
			}
			if a.Status == agent.StatusError {
				return errors.New(a.Error)
			}
			return nil
		},
	}

	listCmd = &cobra.Command{
		Use:     "list",
		Aliases: []string{"status"},
		Short:   "Show recent runs, totals, and worktree usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(false)
			defer log.Close()

			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			return printStatus(rt, jsonFlag)
		},
	}

	stopCmd = &cobra.Command{
		Use:   "stop [agent-id]",
		Short: "Stop a running agent (or all of them)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(false)
			defer log.Close()

			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			if rt.jnl == nil {
				return errors.New("stopping by id needs the journal; enable it in the config")
			}

			if allFlag {
				runs, err := rt.jnl.RecentRuns(100)
				if err != nil {
					return err
				}
				var errs []error
				stopped := 0
				for _, r := range runs {
					if r.Outcome != "running" {
						continue
					}
					if err := stopRecordedRun(rt, r.AgentID); err != nil {
						errs = append(errs, err)
						continue
					}
					stopped++
				}
				fmt.Printf("signalled %d agent(s)\n", stopped)
				return errors.Join(errs...)
			}

			if len(args) == 0 {
				return errors.New("an agent id is required (or --all)")
			}
			if err := stopRecordedRun(rt, args[0]); err != nil {
				return err
			}
			fmt.Printf("signalled agent %s\n", args[0])
			return nil
		},
	}

	worktreeCmd = &cobra.Command{
		Use:   "worktree",
		Short: "Inspect and manage the worktree pool",
	}

	worktreeListCmd = &cobra.Command{
		Use:   "list",
		Short: "List tracked worktree allocations",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(false)
			defer log.Close()

			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			allocs := rt.wt.List()
			if jsonFlag {
				return printJSON(allocs)
			}
			if len(allocs) == 0 {
				fmt.Println("no worktrees allocated")
				return nil
			}
			for _, a := range allocs {
				flag := " "
				if a.Dirty {
					flag = "*"
				}
				fmt.Printf("%s %-36s  %-24s  %s\n", flag, a.ID, a.Branch, a.Path)
			}
			return nil
		},
	}

	worktreeAllocateCmd = &cobra.Command{
		Use:   "allocate <repo>",
		Short: "Allocate a worktree in a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(false)
			defer log.Close()

			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			base := baseFlag
			if base == "" {
				base = "HEAD"
			}
			var alloc *worktree.Allocation
			if branchFlag != "" {
				alloc, err = rt.wt.AllocateBranch(context.Background(), args[0], base,
					worktree.Owner{}, branchFlag)
			} else {
				alloc, err = rt.wt.Allocate(context.Background(), args[0], base, worktree.Owner{})
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s\n%s\n", alloc.Branch, alloc.Path)
			return nil
		},
	}

	worktreeReleaseCmd = &cobra.Command{
		Use:   "release <allocation-id>",
		Short: "Release a worktree allocation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(false)
			defer log.Close()

			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			err = rt.wt.Release(context.Background(), args[0], worktree.ReleaseOptions{
				Force:      forceFlag,
				KeepBranch: keepBranchFlag,
			})
			if errors.Is(err, worktree.ErrWorktreeDirty) {
				return fmt.Errorf("%w (commit the work or pass --force)", err)
			}
			if err != nil {
				return err
			}
			fmt.Println("released")
			return nil
		},
	}

	worktreeCleanCmd = &cobra.Command{
		Use:   "clean",
		Short: "Release stale worktree allocations",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(false)
			defer log.Close()

			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			released, err := rt.wt.CleanupStale(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("released %d stale worktree(s)\n", len(released))
			return nil
		},
	}

	worktreeSyncCmd = &cobra.Command{
		Use:   "sync",
		Short: "Reconcile tracked allocations with what exists on disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(false)
			defer log.Close()

			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			report, err := rt.wt.SyncWithDisk(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("dropped %d vanished allocation(s)\n", len(report.Removed))
			for _, orphan := range report.Orphans {
				fmt.Printf("orphan: %s\n", orphan)
			}
			return nil
		},
	}

	worktreePathCmd = &cobra.Command{
		Use:   "path <allocation-id>",
		Short: "Print a worktree's path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(false)
			defer log.Close()

			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			alloc, ok := rt.wt.Get(args[0])
			if !ok {
				return fmt.Errorf("unknown allocation: %s", args[0])
			}
			fmt.Println(alloc.Path)
			if copyFlag {
				if err := clipboard.WriteAll(alloc.Path); err != nil {
					return fmt.Errorf("copying to clipboard: %w", err)
				}
				fmt.Println("copied to clipboard")
			}
			return nil
		},
	}

	workspaceCmd = &cobra.Command{
		Use:   "workspace",
		Short: "Coordinate feature branches across several repositories",
	}

	workspaceInitCmd = &cobra.Command{
		Use:   "init",
		Short: "Validate the workspace manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(false)
			defer log.Close()

			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			coord, err := needCoordinator(rt)
			if err != nil {
				return err
			}

			cfg, _ := coord.Config()
			fmt.Printf("workspace ok: %d repositories\n", len(cfg.Repos))
			for _, r := range cfg.Repos {
				fmt.Printf("  %-20s %s (base %s)\n", r.Name, r.Path, r.DefaultBranch)
			}
			return nil
		},
	}

	workspaceCreateCmd = &cobra.Command{
		Use:   "create <branch> [repo...]",
		Short: "Create a feature branch with a worktree in each repository",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(false)
			defer log.Close()

			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			coord, err := needCoordinator(rt)
			if err != nil {
				return err
			}

			feature, err := coord.CreateMultiRepoWorktree(context.Background(), args[0], args[1:]...)
			if err != nil {
				return err
			}
			fmt.Printf("created %s across %d repositories\n", feature.FeatureBranch, len(feature.Members))
			for _, name := range feature.RepoNames() {
				fmt.Printf("  %-20s %s\n", name, feature.Members[name].Path)
			}
			return nil
		},
	}

	workspaceCommitCmd = &cobra.Command{
		Use:   "commit <message>",
		Short: "Commit uncommitted work across feature worktrees",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(false)
			defer log.Close()

			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			coord, err := needCoordinator(rt)
			if err != nil {
				return err
			}

			res, err := coord.CommitAll(context.Background(), args[0], featureFlag)
			if err != nil {
				return err
			}
			fmt.Println(res.Summary())
			for repo, sha := range res.Commits {
				fmt.Printf("  %-20s %s\n", repo, sha)
			}
			for repo, cause := range res.Failed {
				fmt.Printf("  %-20s FAILED: %v\n", repo, cause)
			}
			if len(res.Failed) > 0 {
				return errors.New("some repositories failed to commit")
			}
			return nil
		},
	}

	workspaceCleanupCmd = &cobra.Command{
		Use:   "cleanup [branch]",
		Short: "Release a feature's worktrees (or all features)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(false)
			defer log.Close()

			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			coord, err := needCoordinator(rt)
			if err != nil {
				return err
			}

			ctx := context.Background()
			if allFlag {
				if err := coord.CleanupAll(ctx, forceFlag); err != nil {
					return err
				}
				fmt.Println("all features released")
				return nil
			}
			if len(args) == 0 {
				return errors.New("a feature branch is required (or --all)")
			}
			err = coord.CleanupFeature(ctx, args[0], forceFlag)
			if errors.Is(err, worktree.ErrWorktreeDirty) {
				return fmt.Errorf("%w (commit the work or pass --force)", err)
			}
			if err != nil {
				return err
			}
			fmt.Printf("released %s\n", args[0])
			return nil
		},
	}

	monitorCmd = &cobra.Command{
		Use:   "monitor",
		Short: "Live dashboard of agents, worktrees, and events",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(false)
			defer log.Close()

			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			if !term.IsTerminal(int(os.Stdout.Fd())) {
				return printStatus(rt, jsonFlag)
			}
			return ui.Run(func() ui.Snapshot { return snapshotFrom(rt) })
		},
	}

	mcpCmd = &cobra.Command{
		Use:   "mcp",
		Short: "Serve the orchestrator over MCP on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(false)
			defer log.Close()

			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			defer func() { _ = rt.mgr.StopAll() }()

			if rt.cfg.AutoCleanupStale {
				if _, err := rt.wt.CleanupStale(context.Background()); err != nil {
					log.WarningLog.Printf("stale sweep: %v", err)
				}
			}
			return mcp.NewServer(rt.mgr, rt.coord, rt.wt, rt.jnl).Serve()
		},
	}

	daemonCmd = &cobra.Command{
		Use:   "daemon",
		Short: "Run the background maintenance loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			if detachFlag {
				log.Initialize(false)
				defer log.Close()
				return daemon.LaunchDaemon()
			}
			log.Initialize(true)
			defer log.Close()
			return daemon.RunDaemon(config.LoadConfig())
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of agentmux",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentmux version %s\n", version)
		},
	}

	debugCmd = &cobra.Command{
		Use:   "debug",
		Short: "Print debug information like config paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()

			configDir, err := config.GetConfigDir()
			if err != nil {
				return fmt.Errorf("failed to get config directory: %w", err)
			}
			configJson, _ := json.MarshalIndent(cfg, "", "  ")
			fmt.Printf("Config: %s\n%s\n", filepath.Join(configDir, config.ConfigFileName), configJson)

			root, err := cfg.WorktreesRoot()
			if err != nil {
				return err
			}
			fmt.Printf("Worktrees: %s\n", root)
			fmt.Printf("Journal: %s\n", filepath.Join(configDir, "journal.db"))
			return nil
		},
	}

	resetCmd = &cobra.Command{
		Use:   "reset",
		Short: "Release every worktree and clear stored state",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(false)
			defer log.Close()

			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			ctx := context.Background()
			var errs []error
			for _, a := range rt.wt.List() {
				if err := rt.wt.Release(ctx, a.ID, worktree.ReleaseOptions{Force: true}); err != nil {
					errs = append(errs, err)
				}
			}
			if err := errors.Join(errs...); err != nil {
				return fmt.Errorf("releasing worktrees: %w", err)
			}
			fmt.Println("Worktrees have been released")

			if err := rt.state.DeleteAll(); err != nil {
				return fmt.Errorf("failed to reset storage: %w", err)
			}
			fmt.Println("Storage has been reset successfully")

			if err := daemon.StopDaemon(); err != nil {
				return err
			}
			fmt.Println("daemon has been stopped")
			return nil
		},
	}
)

// runtime bundles the wired core a command operates on. Every command
// builds a fresh one; cross-process continuity comes from the persisted
// state file and the journal.
type runtime struct {
	cfg   *config.Config
	state *config.State
	vcs   *git.CLIClient
	wt    *worktree.Pool
	mgr   *agent.Manager
	coord *workspace.Coordinator
	// coordErr holds why the coordinator is absent, when the manifest
	// exists but could not be used.
	coordErr error
	jnl      *journal.Journal
	async    *events.AsyncSink
}

func buildRuntime() (*runtime, error) {
	cfg := config.LoadConfig()
	state := config.LoadState()

	var sink events.Sink = events.NopSink{}
	var jnl *journal.Journal
	var async *events.AsyncSink
	if cfg.JournalEnabled {
		configDir, err := config.GetConfigDir()
		if err != nil {
			return nil, err
		}
		j, err := journal.Open(filepath.Join(configDir, "journal.db"))
		if err != nil {
			log.WarningLog.Printf("journal unavailable: %v", err)
		} else {
			jnl = j
			async = events.NewAsyncSink(j, 256)
			sink = async
		}
	}

	root, err := cfg.WorktreesRoot()
	if err != nil {
		return nil, err
	}
	vcs := git.NewCLIClient()
	wt := worktree.NewPool(vcs, sink, worktree.Options{
		Root:         root,
		MaxPerRepo:   cfg.MaxWorktreesPerRepo,
		StaleAfter:   time.Duration(cfg.StaleWorktreeHours) * time.Hour,
		BranchPrefix: cfg.BranchPrefix,
	})
	if st, err := worktree.NewStorage(state); err == nil {
		if err := wt.UseStorage(st); err != nil {
			log.WarningLog.Printf("restoring worktree allocations: %v", err)
		}
	}

	var spawner proc.Spawner = proc.NewExecSpawner()
	if ptyFlag {
		spawner = proc.NewPtySpawner()
	}
	mgr := agent.NewManager(cfg, pool.NewPool(cfg.MaxConcurrent), spawner, stream.JSONParser{}, sink)

	rt := &runtime{cfg: cfg, state: state, vcs: vcs, wt: wt, mgr: mgr, jnl: jnl, async: async}
	loadCoordinator(rt, sink)
	return rt, nil
}

// loadCoordinator wires the multi-repo coordinator when a workspace
// manifest is present. A missing manifest leaves both fields nil; any
// other failure is kept for commands that need the coordinator.
func loadCoordinator(rt *runtime, sink events.Sink) {
	wsCfg, err := workspace.LoadConfig(manifestFlag)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			rt.coordErr = err
		}
		return
	}
	coord := workspace.NewCoordinator(rt.wt, rt.vcs, sink)
	if err := coord.InitializeWorkspace(wsCfg); err != nil {
		rt.coordErr = err
		return
	}
	if st, err := workspace.NewStorage(rt.state); err == nil {
		if err := coord.UseStorage(st); err != nil {
			log.WarningLog.Printf("restoring workspace features: %v", err)
		}
	}
	rt.coord = coord
}

// needCoordinator returns the coordinator or the reason there is none.
func needCoordinator(rt *runtime) (*workspace.Coordinator, error) {
	if rt.coord != nil {
		return rt.coord, nil
	}
	if rt.coordErr != nil {
		return nil, rt.coordErr
	}
	return nil, fmt.Errorf("no workspace manifest at %s", manifestFlag)
}

func (rt *runtime) close() {
	if rt.async != nil {
		rt.async.Close()
	}
	if rt.jnl != nil {
		_ = rt.jnl.Close()
	}
}

// stopRecordedRun signals the subprocess a running journal row points at.
// The owning agentmux process observes the exit and finishes its own
// bookkeeping; if nothing is listening the row is closed here.
func stopRecordedRun(rt *runtime, agentID string) error {
	runs, err := rt.jnl.RunsForAgent(agentID)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		return fmt.Errorf("no recorded runs for agent %s", agentID)
	}
	if runs[0].Outcome != "running" {
		return fmt.Errorf("agent %s is not running (last run %s)", agentID, runs[0].Outcome)
	}

	evs, err := rt.jnl.ForAgent(agentID, 50)
	if err != nil {
		return err
	}
	pid := 0
	for _, e := range evs {
		if e.Type != events.AgentStarted {
			continue
		}
		if v, ok := e.Fields["pid"].(float64); ok {
			pid = int(v)
		}
		break
	}
	if pid == 0 {
		return fmt.Errorf("no process recorded for agent %s", agentID)
	}

	p, err := os.FindProcess(pid)
	if err == nil {
		err = p.Signal(syscall.SIGTERM)
	}
	if err != nil {
		// The process is already gone; close the orphaned row so it stops
		// showing as running.
		return rt.jnl.Record(events.New(events.AgentError).
			WithAgent(agentID).
			WithField("error", "process exited without reporting"))
	}
	return nil
}

// statusFromOutcome maps a journal outcome onto an agent status for
// display.
func statusFromOutcome(outcome string) (agent.Status, string) {
	switch outcome {
	case "running":
		return agent.StatusWorking, ""
	case "completed":
		return agent.StatusCompleted, ""
	case "stopped":
		return agent.StatusError, "stopped by user"
	default:
		return agent.StatusError, ""
	}
}

// snapshotFrom assembles the dashboard view from the journal and the
// persisted worktree state.
func snapshotFrom(rt *runtime) ui.Snapshot {
	var snap ui.Snapshot
	snap.Worktrees = rt.wt.Stats()
	if rt.coord != nil {
		snap.Features = rt.coord.ListFeatures()
	}
	snap.Pool = pool.Stats{MaxConcurrent: rt.cfg.MaxConcurrent, Available: rt.cfg.MaxConcurrent}
	if rt.jnl == nil {
		snap.Err = errors.New("journal disabled; run data unavailable")
		return snap
	}

	runs, err := rt.jnl.RecentRuns(50)
	if err != nil {
		snap.Err = err
		return snap
	}
	running := 0
	for _, r := range runs {
		status, note := statusFromOutcome(r.Outcome)
		if status == agent.StatusWorking {
			running++
		}
		a := &agent.Agent{
			ID:          r.AgentID,
			Program:     r.Program,
			Status:      status,
			Error:       r.Error,
			StartedAt:   r.StartedAt,
			CompletedAt: r.EndedAt,
			Metrics: agent.Metrics{
				CostUSD:    r.CostUSD,
				TokensUsed: r.Tokens,
				ToolCalls:  r.ToolCalls,
			},
		}
		if a.Error == "" {
			a.Error = note
		}
		if !r.EndedAt.IsZero() {
			a.Metrics.DurationMS = r.EndedAt.Sub(r.StartedAt).Milliseconds()
		}
		snap.Agents = append(snap.Agents, a)
	}
	snap.Pool.Running = running
	if avail := rt.cfg.MaxConcurrent - running; avail > 0 {
		snap.Pool.Available = avail
	} else {
		snap.Pool.Available = 0
	}

	if totals, err := rt.jnl.Totals(); err == nil {
		snap.Totals = agent.Metrics{
			CostUSD:    totals.CostUSD,
			TokensUsed: totals.Tokens,
			ToolCalls:  totals.ToolCalls,
		}
	}
	if evs, err := rt.jnl.Recent(12); err == nil {
		snap.Events = evs
	}
	return snap
}

// printStatus renders the one-shot status listing used by list/status and
// by monitor when stdout is not a terminal.
func printStatus(rt *runtime, asJSON bool) error {
	wtStats := rt.wt.Stats()

	if rt.jnl == nil {
		if asJSON {
			return printJSON(map[string]any{"worktrees": wtStats})
		}
		fmt.Printf("worktrees: %d (%d dirty)\n", wtStats.Total, wtStats.Dirty)
		fmt.Println("journal disabled; no run history")
		return nil
	}

	runs, err := rt.jnl.RecentRuns(20)
	if err != nil {
		return err
	}
	totals, err := rt.jnl.Totals()
	if err != nil {
		return err
	}

	if asJSON {
		return printJSON(map[string]any{
			"runs":      runs,
			"totals":    totals,
			"worktrees": wtStats,
			"limits": map[string]int{
				"max_concurrent":         rt.cfg.MaxConcurrent,
				"max_worktrees_per_repo": rt.cfg.MaxWorktreesPerRepo,
			},
		})
	}

	if len(runs) == 0 {
		fmt.Println("no recorded runs")
	} else {
		fmt.Printf("%-36s  %-9s  %10s  %8s  %s\n", "AGENT", "STATE", "COST", "TOKENS", "STARTED")
		for _, r := range runs {
			fmt.Printf("%-36s  %-9s  %10.4f  %8d  %s\n",
				r.AgentID, r.Outcome, r.CostUSD, r.Tokens, r.StartedAt.Local().Format("Jan 02 15:04"))
		}
	}
	fmt.Printf("\ntotals: %d runs  $%.4f  %d tokens  %d tool calls\n",
		totals.Runs, totals.CostUSD, totals.Tokens, totals.ToolCalls)

	fmt.Printf("worktrees: %d (%d dirty)\n", wtStats.Total, wtStats.Dirty)
	repos := make([]string, 0, len(wtStats.ByRepo))
	for repo := range wtStats.ByRepo {
		repos = append(repos, repo)
	}
	sort.Strings(repos)
	for _, repo := range repos {
		fmt.Printf("  %-40s %d\n", repo, wtStats.ByRepo[repo])
	}
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func init() {
	runCmd.Flags().StringVarP(&programFlag, "program", "p", "",
		"Program to run (e.g. 'claude -p --output-format stream-json --verbose')")
	runCmd.Flags().StringVar(&promptFlag, "prompt", "", "Prompt passed to the agent")
	runCmd.Flags().IntVar(&priorityFlag, "priority", 0, "Admission priority; higher runs first")
	runCmd.Flags().StringVar(&repoFlag, "repo", "", "Repository to allocate the worktree in (default: enclosing repo)")
	runCmd.Flags().BoolVar(&noWorktreeFlag, "no-worktree", false, "Run in the current directory without a worktree")
	runCmd.Flags().BoolVar(&ptyFlag, "pty", false, "Run the agent under a pseudo terminal")

	listCmd.Flags().BoolVar(&jsonFlag, "json", false, "Emit JSON")
	monitorCmd.Flags().BoolVar(&jsonFlag, "json", false, "Emit JSON when stdout is not a terminal")
	worktreeListCmd.Flags().BoolVar(&jsonFlag, "json", false, "Emit JSON")

	stopCmd.Flags().BoolVar(&allFlag, "all", false, "Stop every running agent")

	worktreeAllocateCmd.Flags().StringVar(&branchFlag, "branch", "", "Branch name (default: generated)")
	worktreeAllocateCmd.Flags().StringVar(&baseFlag, "base", "", "Base ref for the new branch (default HEAD)")
	worktreeReleaseCmd.Flags().BoolVar(&forceFlag, "force", false, "Release even with uncommitted changes")
	worktreeReleaseCmd.Flags().BoolVar(&keepBranchFlag, "keep-branch", false, "Keep the branch after removing the worktree")
	worktreePathCmd.Flags().BoolVar(&copyFlag, "copy", false, "Copy the path to the clipboard")
	worktreeCmd.AddCommand(worktreeListCmd)
	worktreeCmd.AddCommand(worktreeAllocateCmd)
	worktreeCmd.AddCommand(worktreeReleaseCmd)
	worktreeCmd.AddCommand(worktreeCleanCmd)
	worktreeCmd.AddCommand(worktreeSyncCmd)
	worktreeCmd.AddCommand(worktreePathCmd)

	workspaceCommitCmd.Flags().StringVar(&featureFlag, "feature", "", "Limit the pass to one feature branch")
	workspaceCleanupCmd.Flags().BoolVar(&allFlag, "all", false, "Release every feature")
	workspaceCleanupCmd.Flags().BoolVar(&forceFlag, "force", false, "Release even with uncommitted changes")
	workspaceCmd.PersistentFlags().StringVar(&manifestFlag, "manifest", ".", "Workspace manifest path (file or directory)")
	workspaceCmd.AddCommand(workspaceInitCmd)
	workspaceCmd.AddCommand(workspaceCreateCmd)
	workspaceCmd.AddCommand(workspaceCommitCmd)
	workspaceCmd.AddCommand(workspaceCleanupCmd)

	daemonCmd.Flags().BoolVar(&detachFlag, "detach", false, "Launch the daemon in the background and return")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(worktreeCmd)
	rootCmd.AddCommand(workspaceCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(debugCmd)
	rootCmd.AddCommand(resetCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
	}
}
