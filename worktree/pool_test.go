package worktree

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ByteMirror/agentmux/events"
	"github.com/ByteMirror/agentmux/git"
	"github.com/ByteMirror/agentmux/git/git_test"
	"github.com/ByteMirror/agentmux/log"
)

func TestMain(m *testing.M) {
	log.Initialize(false)
	defer log.Close()
	os.Exit(m.Run())
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Step forward a little on every read so repeated allocations never
	// derive identical paths.
	c.t = c.t.Add(time.Microsecond)
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type captureSink struct {
	mu  sync.Mutex
	got []events.Event
}

func (s *captureSink) Emit(e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, e)
}

func (s *captureSink) countOf(t events.Type) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.got {
		if e.Type == t {
			n++
		}
	}
	return n
}

func newTestPool(t *testing.T, vcs *git_test.FakeClient, clock *fakeClock, opts Options) *Pool {
	t.Helper()
	if opts.Root == "" {
		opts.Root = filepath.Join(t.TempDir(), "worktrees")
	}
	if opts.BranchPrefix == "" {
		opts.BranchPrefix = "agentmux/"
	}
	return NewPoolWithClock(vcs, events.NopSink{}, opts, clock.Now)
}

func TestAllocateDerivesNames(t *testing.T) {
	vcs := &git_test.FakeClient{}
	clock := newFakeClock()
	pool := newTestPool(t, vcs, clock, Options{})

	alloc, err := pool.Allocate(context.Background(), "/repos/backend", "main", Owner{AgentID: "agent 1", Feature: "auth api"})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(alloc.Branch, "agentmux/auth-api-agent-1_"), "branch %q", alloc.Branch)
	require.Contains(t, alloc.Path, filepath.Join("worktrees", "backend")+string(os.PathSeparator))
	require.Equal(t, "/repos/backend", alloc.RepoPath)
	require.Equal(t, "agent 1", alloc.OwnerID)
	require.Equal(t, "auth api", alloc.FeatureID)
	require.False(t, alloc.Dirty)

	calls := vcs.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, fmt.Sprintf("create /repos/backend main %s %s", alloc.Branch, alloc.Path), calls[0])
}

func TestAllocateDisambiguatesRepeatedOwner(t *testing.T) {
	vcs := &git_test.FakeClient{}
	clock := newFakeClock()
	pool := newTestPool(t, vcs, clock, Options{})

	owner := Owner{AgentID: "agent-1", Feature: "auth"}
	a, err := pool.Allocate(context.Background(), "/repos/backend", "main", owner)
	require.NoError(t, err)
	b, err := pool.Allocate(context.Background(), "/repos/backend", "main", owner)
	require.NoError(t, err)
	require.NotEqual(t, a.Path, b.Path)
	require.NotEqual(t, a.Branch, b.Branch)
}

func TestAllocateCapCheckedBeforeGit(t *testing.T) {
	vcs := &git_test.FakeClient{}
	clock := newFakeClock()
	pool := newTestPool(t, vcs, clock, Options{MaxPerRepo: 2})

	ctx := context.Background()
	_, err := pool.Allocate(ctx, "/repos/backend", "main", Owner{AgentID: "a"})
	require.NoError(t, err)
	_, err = pool.Allocate(ctx, "/repos/backend", "main", Owner{AgentID: "b"})
	require.NoError(t, err)

	_, err = pool.Allocate(ctx, "/repos/backend", "main", Owner{AgentID: "c"})
	require.ErrorIs(t, err, ErrRepoAtCapacity)
	require.Equal(t, 2, vcs.CallCount("create"), "rejected allocation must not touch git")

	// The cap is per repository, not global.
	_, err = pool.Allocate(ctx, "/repos/frontend", "main", Owner{AgentID: "c"})
	require.NoError(t, err)
}

func TestAllocateFailureReturnsSlot(t *testing.T) {
	vcs := &git_test.FakeClient{
		CreateWorktreeFunc: func(ctx context.Context, repo, base, branch, path string) error {
			return errors.New("fatal: not a git repository")
		},
	}
	clock := newFakeClock()
	pool := newTestPool(t, vcs, clock, Options{MaxPerRepo: 1})

	ctx := context.Background()
	_, err := pool.Allocate(ctx, "/repos/backend", "main", Owner{AgentID: "a"})
	require.Error(t, err)
	require.Equal(t, 0, pool.Stats().Total)

	// The reserved slot was given back, so the next attempt is admitted.
	vcs.CreateWorktreeFunc = nil
	_, err = pool.Allocate(ctx, "/repos/backend", "main", Owner{AgentID: "a"})
	require.NoError(t, err)
	require.Equal(t, 1, pool.Stats().Total)
}

func TestReleaseRefusesDirtyWorktree(t *testing.T) {
	vcs := &git_test.FakeClient{
		IsCleanFunc: func(ctx context.Context, path string) (bool, error) { return false, nil },
	}
	clock := newFakeClock()
	pool := newTestPool(t, vcs, clock, Options{})

	ctx := context.Background()
	alloc, err := pool.Allocate(ctx, "/repos/backend", "main", Owner{AgentID: "a"})
	require.NoError(t, err)

	err = pool.Release(ctx, alloc.ID, ReleaseOptions{})
	require.ErrorIs(t, err, ErrWorktreeDirty)
	_, ok := pool.Get(alloc.ID)
	require.True(t, ok, "refused release must keep the record")
	require.Equal(t, 0, vcs.CallCount("remove"))
	require.Equal(t, 0, vcs.CallCount("delete-branch"))

	// Force bypasses the working copy check entirely.
	require.NoError(t, pool.Release(ctx, alloc.ID, ReleaseOptions{Force: true}))
	_, ok = pool.Get(alloc.ID)
	require.False(t, ok)
	require.Equal(t, 1, vcs.CallCount("delete-branch"))
}

func TestReleaseKeepBranch(t *testing.T) {
	vcs := &git_test.FakeClient{}
	clock := newFakeClock()
	pool := newTestPool(t, vcs, clock, Options{})

	ctx := context.Background()
	alloc, err := pool.Allocate(ctx, "/repos/backend", "main", Owner{AgentID: "a"})
	require.NoError(t, err)
	require.NoError(t, pool.Release(ctx, alloc.ID, ReleaseOptions{KeepBranch: true}))
	require.Equal(t, 0, vcs.CallCount("delete-branch"))
}

func TestReleaseSwallowsBranchDeletionFailure(t *testing.T) {
	vcs := &git_test.FakeClient{
		DeleteBranchFunc: func(ctx context.Context, repo, name string, force bool) error {
			return errors.New("branch not found")
		},
	}
	clock := newFakeClock()
	pool := newTestPool(t, vcs, clock, Options{})

	ctx := context.Background()
	alloc, err := pool.Allocate(ctx, "/repos/backend", "main", Owner{AgentID: "a"})
	require.NoError(t, err)
	require.NoError(t, pool.Release(ctx, alloc.ID, ReleaseOptions{}))
	_, ok := pool.Get(alloc.ID)
	require.False(t, ok)
}

func TestReleaseUnknownAllocation(t *testing.T) {
	clock := newFakeClock()
	pool := newTestPool(t, &git_test.FakeClient{}, clock, Options{})
	err := pool.Release(context.Background(), "nope", ReleaseOptions{})
	require.ErrorIs(t, err, ErrUnknownAllocation)
}

func TestCleanupStale(t *testing.T) {
	vcs := &git_test.FakeClient{}
	clock := newFakeClock()
	sink := &captureSink{}
	pool := NewPoolWithClock(vcs, sink, Options{
		Root:         filepath.Join(t.TempDir(), "worktrees"),
		BranchPrefix: "agentmux/",
		StaleAfter:   24 * time.Hour,
	}, clock.Now)

	ctx := context.Background()
	stale, err := pool.Allocate(ctx, "/repos/backend", "main", Owner{AgentID: "stale"})
	require.NoError(t, err)
	dirty, err := pool.Allocate(ctx, "/repos/backend", "main", Owner{AgentID: "dirty"})
	require.NoError(t, err)
	active, err := pool.Allocate(ctx, "/repos/frontend", "main", Owner{AgentID: "active"})
	require.NoError(t, err)

	clock.Advance(25 * time.Hour)
	require.NoError(t, pool.MarkDirty(dirty.ID))
	clock.Advance(25 * time.Hour)
	require.NoError(t, pool.Touch(active.ID))

	released, err := pool.CleanupStale(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{stale.ID}, released)

	_, ok := pool.Get(stale.ID)
	require.False(t, ok)
	_, ok = pool.Get(dirty.ID)
	require.True(t, ok, "dirty allocations survive the sweep")
	_, ok = pool.Get(active.ID)
	require.True(t, ok, "recently touched allocations survive the sweep")

	require.Equal(t, 1, vcs.CallCount("prune /repos/backend"))
	require.Equal(t, 0, vcs.CallCount("prune /repos/frontend"))
	require.Equal(t, 1, sink.countOf(events.WorktreeStaleReleased))
}

func TestCleanupStaleCollectsFailures(t *testing.T) {
	removeErr := errors.New("worktree is locked")
	vcs := &git_test.FakeClient{}
	clock := newFakeClock()
	pool := newTestPool(t, vcs, clock, Options{StaleAfter: time.Hour})

	ctx := context.Background()
	a, err := pool.Allocate(ctx, "/repos/backend", "main", Owner{AgentID: "a"})
	require.NoError(t, err)
	b, err := pool.Allocate(ctx, "/repos/backend", "main", Owner{AgentID: "b"})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(a.Path, 0755))
	require.NoError(t, os.MkdirAll(b.Path, 0755))

	vcs.RemoveWorktreeFunc = func(ctx context.Context, repo, path string, force bool) error {
		if path == a.Path {
			return removeErr
		}
		return nil
	}

	clock.Advance(2 * time.Hour)
	released, err := pool.CleanupStale(ctx)
	require.ErrorIs(t, err, removeErr)
	require.Equal(t, []string{b.ID}, released, "one failure must not stop the sweep")
	_, ok := pool.Get(a.ID)
	require.True(t, ok, "failed release keeps its record")
}

func TestSyncWithDisk(t *testing.T) {
	root := filepath.Join(t.TempDir(), "worktrees")
	clock := newFakeClock()
	vcs := &git_test.FakeClient{}
	pool := newTestPool(t, vcs, clock, Options{Root: root})

	ctx := context.Background()
	kept, err := pool.Allocate(ctx, "/repos/backend", "main", Owner{AgentID: "kept"})
	require.NoError(t, err)
	gone, err := pool.Allocate(ctx, "/repos/backend", "main", Owner{AgentID: "gone"})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(kept.Path, 0755))

	orphanPath := filepath.Join(root, "backend", "leftover_1234")
	vcs.ListWorktreesFunc = func(ctx context.Context, repo string) ([]git.WorktreeInfo, error) {
		return []git.WorktreeInfo{
			{Path: "/repos/backend", Branch: "main"},
			{Path: kept.Path, Branch: kept.Branch},
			{Path: orphanPath, Branch: "agentmux/leftover"},
		}, nil
	}

	report, err := pool.SyncWithDisk(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{gone.ID}, report.Removed)
	require.Equal(t, []string{orphanPath}, report.Orphans)

	_, ok := pool.Get(gone.ID)
	require.False(t, ok)
	_, ok = pool.Get(kept.ID)
	require.True(t, ok)
	require.Equal(t, 1, pool.Stats().Total, "orphans are reported, not adopted")
}

func TestStats(t *testing.T) {
	clock := newFakeClock()
	pool := newTestPool(t, &git_test.FakeClient{}, clock, Options{StaleAfter: 24 * time.Hour})

	ctx := context.Background()
	a, err := pool.Allocate(ctx, "/repos/backend", "main", Owner{AgentID: "a", Feature: "auth"})
	require.NoError(t, err)
	_, err = pool.Allocate(ctx, "/repos/backend", "main", Owner{AgentID: "b", Feature: "auth"})
	require.NoError(t, err)
	_, err = pool.Allocate(ctx, "/repos/frontend", "main", Owner{AgentID: "c"})
	require.NoError(t, err)
	require.NoError(t, pool.MarkDirty(a.ID))

	clock.Advance(25 * time.Hour)
	require.NoError(t, pool.Touch(a.ID))

	s := pool.Stats()
	require.Equal(t, 3, s.Total)
	require.Equal(t, 1, s.Active)
	require.Equal(t, 1, s.Dirty)
	require.Equal(t, 2, s.ByRepo["/repos/backend"])
	require.Equal(t, 1, s.ByRepo["/repos/frontend"])
	require.Equal(t, 2, s.ByFeature["auth"])
}

// memState is an in-memory config.WorktreeStorage.
type memState struct {
	allocations json.RawMessage
	features    json.RawMessage
}

func (m *memState) SaveAllocations(data json.RawMessage) error { m.allocations = data; return nil }
func (m *memState) GetAllocations() json.RawMessage            { return m.allocations }
func (m *memState) SaveFeatures(data json.RawMessage) error    { m.features = data; return nil }
func (m *memState) GetFeatures() json.RawMessage               { return m.features }
func (m *memState) DeleteAll() error {
	m.allocations = nil
	m.features = nil
	return nil
}

func TestStoragePersistsAcrossPools(t *testing.T) {
	state := &memState{}
	st, err := NewStorage(state)
	require.NoError(t, err)

	clock := newFakeClock()
	root := filepath.Join(t.TempDir(), "worktrees")
	pool := newTestPool(t, &git_test.FakeClient{}, clock, Options{Root: root})
	require.NoError(t, pool.UseStorage(st))

	ctx := context.Background()
	a, err := pool.Allocate(ctx, "/repos/backend", "main", Owner{AgentID: "a", Feature: "auth"})
	require.NoError(t, err)
	require.NoError(t, pool.MarkDirty(a.ID))

	restored := newTestPool(t, &git_test.FakeClient{}, clock, Options{Root: root})
	require.NoError(t, restored.UseStorage(st))

	got, ok := restored.Get(a.ID)
	require.True(t, ok)
	require.Equal(t, a.Branch, got.Branch)
	require.Equal(t, a.Path, got.Path)
	require.True(t, got.Dirty)
	require.Equal(t, "auth", got.FeatureID)
}
