// Package git wraps the version-control operations the worktree pool and
// the multi-repo coordinator depend on. The Client interface is the seam
// tests substitute; the real implementation shells out to the git CLI and
// uses go-git for reference bookkeeping.
package git

import "context"

// WorktreeInfo is one entry from `git worktree list`.
type WorktreeInfo struct {
	Path   string
	Head   string
	Branch string
}

// StatusSummary is a compact porcelain summary of a working copy.
type StatusSummary struct {
	Ahead     int `json:"ahead"`
	Behind    int `json:"behind"`
	FileCount int `json:"file_count"`
}

// Client is the version-control collaborator contract.
type Client interface {
	// CreateWorktree adds a worktree at path on a new branch cut from base.
	CreateWorktree(ctx context.Context, repo, base, branch, path string) error
	// RemoveWorktree detaches the worktree at path from repo.
	RemoveWorktree(ctx context.Context, repo, path string, force bool) error
	// ListWorktrees returns every worktree repo knows about, main included.
	ListWorktrees(ctx context.Context, repo string) ([]WorktreeInfo, error)
	// PruneWorktrees drops stale administrative entries.
	PruneWorktrees(ctx context.Context, repo string) error
	// DeleteBranch removes a local branch. force skips the merged check.
	DeleteBranch(ctx context.Context, repo, name string, force bool) error
	// IsClean reports whether the working copy has no uncommitted changes.
	IsClean(ctx context.Context, path string) (bool, error)
	// Commit stages (when addAll) and commits, returning the new commit sha.
	Commit(ctx context.Context, path, message string, addAll bool) (string, error)
	// Status summarizes divergence and local modifications.
	Status(ctx context.Context, path string) (StatusSummary, error)
}
