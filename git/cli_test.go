package git

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ByteMirror/agentmux/cmd"
	"github.com/ByteMirror/agentmux/cmd/cmd_test"
)

func TestCreateWorktreeCommands(t *testing.T) {
	var commands []string
	cmdExec := cmd_test.MockCmdExec{
		OutputFunc: func(c *exec.Cmd) ([]byte, error) {
			commands = append(commands, cmd.ToString(c))
			if strings.Contains(cmd.ToString(c), "rev-parse") {
				return []byte("abc123def\n"), nil
			}
			return []byte(""), nil
		},
	}

	client := NewCLIClientWithExecutor(cmdExec)
	err := client.CreateWorktree(context.Background(), "/repo", "main", "agentmux/feat", "/tmp/wt")
	require.NoError(t, err)

	require.Equal(t, []string{
		"git -C /repo rev-parse main",
		"git -C /repo worktree add -b agentmux/feat /tmp/wt abc123def",
	}, commands)
}

func TestCreateWorktreeEmptyRepo(t *testing.T) {
	cmdExec := cmd_test.MockCmdExec{
		OutputFunc: func(c *exec.Cmd) ([]byte, error) {
			return nil, fmt.Errorf("exit status 128 (fatal: ambiguous argument 'main': unknown revision or path not in the working tree)")
		},
	}

	client := NewCLIClientWithExecutor(cmdExec)
	err := client.CreateWorktree(context.Background(), "/repo", "main", "b", "/tmp/wt")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no commits yet")
}

func TestRemoveWorktreeForce(t *testing.T) {
	var commands []string
	cmdExec := cmd_test.MockCmdExec{
		OutputFunc: func(c *exec.Cmd) ([]byte, error) {
			commands = append(commands, cmd.ToString(c))
			return []byte(""), nil
		},
	}

	client := NewCLIClientWithExecutor(cmdExec)
	require.NoError(t, client.RemoveWorktree(context.Background(), "/repo", "/tmp/wt", true))
	require.NoError(t, client.RemoveWorktree(context.Background(), "/repo", "/tmp/wt", false))

	require.Equal(t, []string{
		"git -C /repo worktree remove -f /tmp/wt",
		"git -C /repo worktree remove /tmp/wt",
	}, commands)
}

func TestListWorktreesParsing(t *testing.T) {
	porcelain := strings.Join([]string{
		"worktree /repo",
		"HEAD abc123",
		"branch refs/heads/main",
		"",
		"worktree /repo/worktrees/feat_1a2b",
		"HEAD def456",
		"branch refs/heads/agentmux/feat",
		"",
		"worktree /repo/worktrees/detached_9f",
		"HEAD 789abc",
		"detached",
	}, "\n")

	cmdExec := cmd_test.MockCmdExec{
		OutputFunc: func(c *exec.Cmd) ([]byte, error) {
			return []byte(porcelain), nil
		},
	}

	client := NewCLIClientWithExecutor(cmdExec)
	infos, err := client.ListWorktrees(context.Background(), "/repo")
	require.NoError(t, err)
	require.Len(t, infos, 3)
	require.Equal(t, WorktreeInfo{Path: "/repo", Head: "abc123", Branch: "main"}, infos[0])
	require.Equal(t, "agentmux/feat", infos[1].Branch)
	require.Equal(t, "", infos[2].Branch)
}

func TestIsClean(t *testing.T) {
	dirty := false
	cmdExec := cmd_test.MockCmdExec{
		OutputFunc: func(c *exec.Cmd) ([]byte, error) {
			if dirty {
				return []byte(" M pool/pool.go\n?? notes.txt\n"), nil
			}
			return []byte(""), nil
		},
	}

	client := NewCLIClientWithExecutor(cmdExec)

	clean, err := client.IsClean(context.Background(), "/tmp/wt")
	require.NoError(t, err)
	require.True(t, clean)

	dirty = true
	clean, err = client.IsClean(context.Background(), "/tmp/wt")
	require.NoError(t, err)
	require.False(t, clean)
}

func TestCommitCommands(t *testing.T) {
	var commands []string
	cmdExec := cmd_test.MockCmdExec{
		OutputFunc: func(c *exec.Cmd) ([]byte, error) {
			commands = append(commands, cmd.ToString(c))
			if strings.Contains(cmd.ToString(c), "rev-parse") {
				return []byte("fedcba98\n"), nil
			}
			return []byte(""), nil
		},
	}

	client := NewCLIClientWithExecutor(cmdExec)
	sha, err := client.Commit(context.Background(), "/tmp/wt", "checkpoint", true)
	require.NoError(t, err)
	require.Equal(t, "fedcba98", sha)

	require.Equal(t, []string{
		"git -C /tmp/wt add -A",
		"git -C /tmp/wt commit -m checkpoint --no-verify",
		"git -C /tmp/wt rev-parse HEAD",
	}, commands)
}

func TestStatusSummary(t *testing.T) {
	cmdExec := cmd_test.MockCmdExec{
		OutputFunc: func(c *exec.Cmd) ([]byte, error) {
			s := cmd.ToString(c)
			if strings.Contains(s, "status") {
				return []byte(" M a.go\n M b.go\n?? c.go"), nil
			}
			if strings.Contains(s, "rev-list") {
				return []byte("2\t5"), nil
			}
			return []byte(""), nil
		},
	}

	client := NewCLIClientWithExecutor(cmdExec)
	summary, err := client.Status(context.Background(), "/tmp/wt")
	require.NoError(t, err)
	require.Equal(t, StatusSummary{Ahead: 5, Behind: 2, FileCount: 3}, summary)
}

func TestStatusNoUpstream(t *testing.T) {
	cmdExec := cmd_test.MockCmdExec{
		OutputFunc: func(c *exec.Cmd) ([]byte, error) {
			s := cmd.ToString(c)
			if strings.Contains(s, "rev-list") {
				return nil, fmt.Errorf("exit status 128 (fatal: no upstream configured)")
			}
			return []byte(""), nil
		},
	}

	client := NewCLIClientWithExecutor(cmdExec)
	summary, err := client.Status(context.Background(), "/tmp/wt")
	require.NoError(t, err)
	require.Equal(t, StatusSummary{}, summary)
}
