// Package git_test provides a fake version-control client for use in tests
// across packages.
package git_test

import (
	"context"
	"fmt"
	"sync"

	"github.com/ByteMirror/agentmux/git"
)

// FakeClient implements git.Client with pluggable functions and records
// every call. Zero-value defaults succeed: worktrees create and remove
// cleanly, IsClean reports true, commits return a synthetic sha.
type FakeClient struct {
	CreateWorktreeFunc func(ctx context.Context, repo, base, branch, path string) error
	RemoveWorktreeFunc func(ctx context.Context, repo, path string, force bool) error
	ListWorktreesFunc  func(ctx context.Context, repo string) ([]git.WorktreeInfo, error)
	PruneWorktreesFunc func(ctx context.Context, repo string) error
	DeleteBranchFunc   func(ctx context.Context, repo, name string, force bool) error
	IsCleanFunc        func(ctx context.Context, path string) (bool, error)
	CommitFunc         func(ctx context.Context, path, message string, addAll bool) (string, error)
	StatusFunc         func(ctx context.Context, path string) (git.StatusSummary, error)

	mu    sync.Mutex
	calls []string
}

func (f *FakeClient) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

// Calls returns a copy of the recorded call log.
func (f *FakeClient) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CallCount counts recorded calls whose record starts with prefix.
func (f *FakeClient) CallCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (f *FakeClient) CreateWorktree(ctx context.Context, repo, base, branch, path string) error {
	f.record("create %s %s %s %s", repo, base, branch, path)
	if f.CreateWorktreeFunc != nil {
		return f.CreateWorktreeFunc(ctx, repo, base, branch, path)
	}
	return nil
}

func (f *FakeClient) RemoveWorktree(ctx context.Context, repo, path string, force bool) error {
	f.record("remove %s %s force=%t", repo, path, force)
	if f.RemoveWorktreeFunc != nil {
		return f.RemoveWorktreeFunc(ctx, repo, path, force)
	}
	return nil
}

func (f *FakeClient) ListWorktrees(ctx context.Context, repo string) ([]git.WorktreeInfo, error) {
	f.record("list %s", repo)
	if f.ListWorktreesFunc != nil {
		return f.ListWorktreesFunc(ctx, repo)
	}
	return nil, nil
}

func (f *FakeClient) PruneWorktrees(ctx context.Context, repo string) error {
	f.record("prune %s", repo)
	if f.PruneWorktreesFunc != nil {
		return f.PruneWorktreesFunc(ctx, repo)
	}
	return nil
}

func (f *FakeClient) DeleteBranch(ctx context.Context, repo, name string, force bool) error {
	f.record("delete-branch %s %s force=%t", repo, name, force)
	if f.DeleteBranchFunc != nil {
		return f.DeleteBranchFunc(ctx, repo, name, force)
	}
	return nil
}

func (f *FakeClient) IsClean(ctx context.Context, path string) (bool, error) {
	f.record("is-clean %s", path)
	if f.IsCleanFunc != nil {
		return f.IsCleanFunc(ctx, path)
	}
	return true, nil
}

func (f *FakeClient) Commit(ctx context.Context, path, message string, addAll bool) (string, error) {
	f.record("commit %s addAll=%t", path, addAll)
	if f.CommitFunc != nil {
		return f.CommitFunc(ctx, path, message, addAll)
	}
	return "deadbeef", nil
}

func (f *FakeClient) Status(ctx context.Context, path string) (git.StatusSummary, error) {
	f.record("status %s", path)
	if f.StatusFunc != nil {
		return f.StatusFunc(ctx, path)
	}
	return git.StatusSummary{}, nil
}

var _ git.Client = (*FakeClient)(nil)
