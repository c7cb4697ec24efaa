// Package daemon runs background maintenance: a detached process that
// periodically reclaims stale worktrees, reconciles tracked allocations
// with disk, and prunes old journal rows.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ByteMirror/agentmux/config"
	"github.com/ByteMirror/agentmux/events"
	"github.com/ByteMirror/agentmux/git"
	"github.com/ByteMirror/agentmux/journal"
	"github.com/ByteMirror/agentmux/log"
	"github.com/ByteMirror/agentmux/worktree"
)

const pidFileName = "daemon.pid"

// journalRetention is how long archived events and finished runs are kept
// before the sweep prunes them.
const journalRetention = 30 * 24 * time.Hour

// sweepTimeout bounds one maintenance pass.
const sweepTimeout = time.Minute

// RunDaemon blocks in the sweep loop until SIGINT or SIGTERM. The first
// pass runs immediately; later passes follow the configured poll interval.
func RunDaemon(cfg *config.Config) error {
	if err := writePidFile(); err != nil {
		return err
	}
	defer removePidFile()

	root, err := cfg.WorktreesRoot()
	if err != nil {
		return fmt.Errorf("resolving worktrees root: %w", err)
	}

	var sink events.Sink = events.NopSink{}
	var jnl *journal.Journal
	if cfg.JournalEnabled {
		configDir, err := config.GetConfigDir()
		if err != nil {
			return err
		}
		jnl, err = journal.Open(filepath.Join(configDir, "journal.db"))
		if err != nil {
			log.WarningLog.Printf("daemon: journal unavailable: %v", err)
		} else {
			defer jnl.Close()
			sink = jnl
		}
	}

	pool := worktree.NewPool(git.NewCLIClient(), sink, worktree.Options{
		Root:         root,
		MaxPerRepo:   cfg.MaxWorktreesPerRepo,
		StaleAfter:   time.Duration(cfg.StaleWorktreeHours) * time.Hour,
		BranchPrefix: cfg.BranchPrefix,
	})
	if st, err := worktree.NewStorage(config.LoadState()); err == nil {
		if err := pool.UseStorage(st); err != nil {
			log.WarningLog.Printf("daemon: restoring allocations: %v", err)
		}
	}

	interval := time.Duration(cfg.DaemonPollInterval) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	log.InfoLog.Printf("daemon started (pid %d), sweeping every %s", os.Getpid(), interval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		sweep(pool, jnl, time.Now())
		select {
		case sig := <-sigCh:
			log.InfoLog.Printf("daemon: received %v, exiting", sig)
			return nil
		case <-ticker.C:
		}
	}
}

// sweep runs one maintenance pass. Failures are logged and the pass
// continues; the loop must survive a sick repository.
func sweep(pool *worktree.Pool, jnl *journal.Journal, now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	if released, err := pool.CleanupStale(ctx); err != nil {
		log.WarningLog.Printf("daemon: stale sweep: %v", err)
	} else if len(released) > 0 {
		log.InfoLog.Printf("daemon: reclaimed %d stale worktree(s)", len(released))
	}

	report, err := pool.SyncWithDisk(ctx)
	if err != nil {
		log.WarningLog.Printf("daemon: disk sync: %v", err)
	}
	if len(report.Removed) > 0 {
		log.InfoLog.Printf("daemon: dropped %d allocation(s) missing on disk", len(report.Removed))
	}
	for _, orphan := range report.Orphans {
		log.WarningLog.Printf("daemon: orphan worktree on disk: %s", orphan)
	}

	if jnl != nil {
		if n, err := jnl.Prune(now.Add(-journalRetention)); err != nil {
			log.WarningLog.Printf("daemon: journal prune: %v", err)
		} else if n > 0 {
			log.InfoLog.Printf("daemon: pruned %d journal row(s)", n)
		}
	}
}

// LaunchDaemon starts the daemon as a detached child of the current
// process. A pid file left by a dead daemon is overwritten.
func LaunchDaemon() error {
	if pid, err := readPidFile(); err == nil && processAlive(pid) {
		return fmt.Errorf("daemon already running (pid %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving executable: %w", err)
	}
	cmd := exec.Command(exe, "daemon")
	cmd.SysProcAttr = getSysProcAttr()
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}
	log.InfoLog.Printf("launched daemon (pid %d)", cmd.Process.Pid)
	return cmd.Process.Release()
}

// StopDaemon signals a running daemon and clears the pid file. A missing
// pid file means nothing to stop.
func StopDaemon() error {
	pid, err := readPidFile()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if proc, err := os.FindProcess(pid); err == nil {
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			log.WarningLog.Printf("signaling daemon %d: %v", pid, err)
		}
	}
	return removePidFile()
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func pidFilePath() (string, error) {
	configDir, err := config.GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, pidFileName), nil
}

func writePidFile() error {
	path, err := pidFilePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644)
}

func readPidFile() (int, error) {
	path, err := pidFilePath()
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing pid file %s: %w", path, err)
	}
	return pid, nil
}

func removePidFile() error {
	path, err := pidFilePath()
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
