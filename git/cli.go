package git

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/ByteMirror/agentmux/cmd"
)

// CLIClient implements Client with the git CLI, go-git for branch
// references. Commands run through a cmd.Executor so tests can assert on
// the exact invocations.
type CLIClient struct {
	exec cmd.Executor
}

// NewCLIClient returns a Client backed by the real git binary.
func NewCLIClient() *CLIClient {
	return &CLIClient{exec: cmd.MakeExecutor()}
}

// NewCLIClientWithExecutor returns a Client with a provided executor for testing.
func NewCLIClientWithExecutor(executor cmd.Executor) *CLIClient {
	return &CLIClient{exec: executor}
}

// runGit runs git -C <path> <args...> and returns trimmed stdout.
func (c *CLIClient) runGit(ctx context.Context, path string, args ...string) (string, error) {
	baseArgs := []string{"-C", path}
	gitCmd := exec.CommandContext(ctx, "git", append(baseArgs, args...)...)
	output, err := c.exec.Output(gitCmd)
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && len(exitErr.Stderr) > 0 {
			return "", fmt.Errorf("git command failed: %s (%s)", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git command failed: %s", err)
	}
	return strings.TrimSpace(string(output)), nil
}

func (c *CLIClient) CreateWorktree(ctx context.Context, repo, base, branch, path string) error {
	baseCommit, err := c.runGit(ctx, repo, "rev-parse", base)
	if err != nil {
		if strings.Contains(err.Error(), "ambiguous argument") ||
			strings.Contains(err.Error(), "not a valid object name") {
			return fmt.Errorf("base %q does not resolve: the repository may have no commits yet", base)
		}
		return fmt.Errorf("failed to resolve base %s: %w", base, err)
	}

	if _, err := c.runGit(ctx, repo, "worktree", "add", "-b", branch, path, baseCommit); err != nil {
		return fmt.Errorf("failed to create worktree from commit %s: %w", baseCommit, err)
	}
	return nil
}

func (c *CLIClient) RemoveWorktree(ctx context.Context, repo, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, path)
	if _, err := c.runGit(ctx, repo, args...); err != nil {
		return fmt.Errorf("failed to remove worktree: %w", err)
	}
	return nil
}

func (c *CLIClient) ListWorktrees(ctx context.Context, repo string) ([]WorktreeInfo, error) {
	output, err := c.runGit(ctx, repo, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}

	var infos []WorktreeInfo
	var current *WorktreeInfo
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "worktree "):
			if current != nil {
				infos = append(infos, *current)
			}
			current = &WorktreeInfo{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "HEAD "):
			if current != nil {
				current.Head = strings.TrimPrefix(line, "HEAD ")
			}
		case strings.HasPrefix(line, "branch "):
			if current != nil {
				ref := strings.TrimPrefix(line, "branch ")
				current.Branch = strings.TrimPrefix(ref, "refs/heads/")
			}
		}
	}
	if current != nil {
		infos = append(infos, *current)
	}
	return infos, nil
}

func (c *CLIClient) PruneWorktrees(ctx context.Context, repo string) error {
	if _, err := c.runGit(ctx, repo, "worktree", "prune"); err != nil {
		return fmt.Errorf("failed to prune worktrees: %w", err)
	}
	return nil
}

// DeleteBranch removes a local branch. The forced variant drops the ref
// directly through go-git, mirroring how worktree cleanup has always done
// it; the unforced variant delegates to `git branch -d` so the merged
// check stays with git.
func (c *CLIClient) DeleteBranch(ctx context.Context, repo, name string, force bool) error {
	if !force {
		if _, err := c.runGit(ctx, repo, "branch", "-d", name); err != nil {
			return fmt.Errorf("failed to delete branch %s: %w", name, err)
		}
		return nil
	}

	r, err := gogit.PlainOpen(repo)
	if err != nil {
		return fmt.Errorf("failed to open repository: %w", err)
	}
	branchRef := plumbing.NewBranchReferenceName(name)
	if _, err := r.Reference(branchRef, false); err != nil {
		if err == plumbing.ErrReferenceNotFound {
			return fmt.Errorf("branch %s not found", name)
		}
		return fmt.Errorf("error checking branch %s existence: %w", name, err)
	}
	if err := r.Storer.RemoveReference(branchRef); err != nil {
		return fmt.Errorf("failed to remove branch %s: %w", name, err)
	}
	return nil
}

func (c *CLIClient) IsClean(ctx context.Context, path string) (bool, error) {
	output, err := c.runGit(ctx, path, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("failed to check worktree status: %w", err)
	}
	return len(output) == 0, nil
}

func (c *CLIClient) Commit(ctx context.Context, path, message string, addAll bool) (string, error) {
	if addAll {
		if _, err := c.runGit(ctx, path, "add", "-A"); err != nil {
			return "", fmt.Errorf("failed to stage changes: %w", err)
		}
	}
	if _, err := c.runGit(ctx, path, "commit", "-m", message, "--no-verify"); err != nil {
		return "", fmt.Errorf("failed to commit changes: %w", err)
	}
	sha, err := c.runGit(ctx, path, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to read commit sha: %w", err)
	}
	return sha, nil
}

func (c *CLIClient) Status(ctx context.Context, path string) (StatusSummary, error) {
	var summary StatusSummary

	output, err := c.runGit(ctx, path, "status", "--porcelain")
	if err != nil {
		return summary, fmt.Errorf("failed to check worktree status: %w", err)
	}
	if output != "" {
		summary.FileCount = len(strings.Split(output, "\n"))
	}

	// No upstream is normal for freshly cut worktree branches; report zero
	// divergence rather than failing.
	counts, err := c.runGit(ctx, path, "rev-list", "--left-right", "--count", "@{upstream}...HEAD")
	if err != nil {
		return summary, nil
	}
	fields := strings.Fields(counts)
	if len(fields) == 2 {
		summary.Behind, _ = strconv.Atoi(fields[0])
		summary.Ahead, _ = strconv.Atoi(fields[1])
	}
	return summary, nil
}

// BranchExists reports whether a local branch ref exists.
func BranchExists(repo, name string) (bool, error) {
	r, err := gogit.PlainOpen(repo)
	if err != nil {
		return false, fmt.Errorf("failed to open repository: %w", err)
	}
	if _, err := r.Reference(plumbing.NewBranchReferenceName(name), false); err != nil {
		if err == plumbing.ErrReferenceNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// IsGitRepo reports whether path is inside a git repository.
func IsGitRepo(path string) bool {
	if _, err := gogit.PlainOpenWithOptions(path, &gogit.PlainOpenOptions{DetectDotGit: true}); err != nil {
		return false
	}
	return true
}

// ValidateRepo confirms path is itself the root of a git repository.
func ValidateRepo(path string) error {
	if _, err := gogit.PlainOpen(path); err != nil {
		return fmt.Errorf("%s is not a git repository: %w", path, err)
	}
	return nil
}

// FindGitRoot walks up from path to the repository root.
func FindGitRoot(path string) (string, error) {
	repo, err := gogit.PlainOpenWithOptions(path, &gogit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", fmt.Errorf("%s is not inside a git repository: %w", path, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to resolve repository root: %w", err)
	}
	return wt.Filesystem.Root(), nil
}

var _ Client = (*CLIClient)(nil)
