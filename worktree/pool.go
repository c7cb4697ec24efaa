package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ByteMirror/agentmux/events"
	"github.com/ByteMirror/agentmux/git"
	"github.com/ByteMirror/agentmux/log"
)

var (
	// ErrRepoAtCapacity is returned by Allocate when the repository already
	// has the maximum number of live worktrees.
	ErrRepoAtCapacity = errors.New("repository is at worktree capacity")
	// ErrUnknownAllocation is returned for operations on an ID the pool
	// does not track.
	ErrUnknownAllocation = errors.New("unknown worktree allocation")
	// ErrWorktreeDirty is returned by Release when the worktree has
	// uncommitted changes and Force was not set.
	ErrWorktreeDirty = errors.New("worktree has uncommitted changes")
)

const (
	defaultMaxPerRepo = 5
	defaultStaleAfter = 24 * time.Hour
)

// Options configure a Pool.
type Options struct {
	// Root is the directory all worktrees are created under.
	Root string
	// MaxPerRepo caps live allocations per repository.
	MaxPerRepo int
	// StaleAfter is how long an untouched allocation may live before the
	// sweep reclaims it.
	StaleAfter time.Duration
	// BranchPrefix is prepended to every generated branch name.
	BranchPrefix string
}

// Pool tracks worktree allocations across repositories and enforces the
// per-repo cap before any version control work happens.
type Pool struct {
	mu          sync.Mutex
	vcs         git.Client
	sink        events.Sink
	opts        Options
	now         func() time.Time
	allocations map[string]*Allocation
	storage     *Storage
}

// NewPool returns a pool using the real clock.
func NewPool(vcs git.Client, sink events.Sink, opts Options) *Pool {
	return NewPoolWithClock(vcs, sink, opts, time.Now)
}

// NewPoolWithClock returns a pool with an injected clock.
func NewPoolWithClock(vcs git.Client, sink events.Sink, opts Options, now func() time.Time) *Pool {
	if sink == nil {
		sink = events.NopSink{}
	}
	if opts.MaxPerRepo <= 0 {
		opts.MaxPerRepo = defaultMaxPerRepo
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	return &Pool{
		vcs:         vcs,
		sink:        sink,
		opts:        opts,
		now:         now,
		allocations: make(map[string]*Allocation),
	}
}

// UseStorage loads previously persisted allocations and keeps the pool
// synced to st on every mutation afterwards.
func (p *Pool) UseStorage(st *Storage) error {
	allocs, err := st.LoadAllocations()
	if err != nil {
		return fmt.Errorf("loading worktree allocations: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range allocs {
		p.allocations[a.ID] = a
	}
	p.storage = st
	return nil
}

// Allocate creates a worktree for owner off baseBranch of repoPath. The
// per-repo cap is checked, and the slot reserved, before any git command
// runs; a failed creation returns the slot.
func (p *Pool) Allocate(ctx context.Context, repoPath, baseBranch string, owner Owner) (*Allocation, error) {
	return p.allocate(ctx, repoPath, baseBranch, owner, "")
}

// AllocateBranch is Allocate with an explicit branch name, used by the
// multi-repo coordinator so every member repository shares one feature
// branch. The worktree path is still disambiguated per allocation.
func (p *Pool) AllocateBranch(ctx context.Context, repoPath, baseBranch string, owner Owner, branch string) (*Allocation, error) {
	if branch == "" {
		return nil, errors.New("branch name is required")
	}
	return p.allocate(ctx, repoPath, baseBranch, owner, branch)
}

func (p *Pool) allocate(ctx context.Context, repoPath, baseBranch string, owner Owner, branch string) (*Allocation, error) {
	if repoPath == "" {
		return nil, errors.New("repository path is required")
	}
	repoPath = filepath.Clean(repoPath)
	now := p.now()
	derivedBranch, path := namesFor(p.opts.Root, repoPath, p.opts.BranchPrefix, owner, now)
	if branch == "" {
		branch = derivedBranch
	}

	alloc := &Allocation{
		ID:           uuid.New().String(),
		RepoPath:     repoPath,
		Path:         path,
		Branch:       branch,
		OwnerID:      owner.AgentID,
		FeatureID:    owner.Feature,
		CreatedAt:    now,
		LastActiveAt: now,
	}

	p.mu.Lock()
	if n := p.countForRepoLocked(repoPath); n >= p.opts.MaxPerRepo {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s has %d of %d", ErrRepoAtCapacity, repoPath, n, p.opts.MaxPerRepo)
	}
	// Reserve the slot so concurrent allocations cannot overshoot the cap
	// while this one is off doing git work.
	p.allocations[alloc.ID] = alloc
	p.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		p.drop(alloc.ID)
		return nil, fmt.Errorf("creating worktrees directory: %w", err)
	}
	if err := p.vcs.CreateWorktree(ctx, repoPath, baseBranch, branch, path); err != nil {
		p.drop(alloc.ID)
		return nil, fmt.Errorf("creating worktree: %w", err)
	}

	p.mu.Lock()
	p.persistLocked()
	p.mu.Unlock()

	log.InfoLog.Printf("allocated worktree %s (branch %s) in %s", path, branch, repoPath)
	p.sink.Emit(events.New(events.WorktreeAllocated).
		WithAgent(owner.AgentID).
		WithRepo(repoPath).
		WithBranch(branch).
		WithField("allocation_id", alloc.ID).
		WithField("path", path))
	return alloc.Clone(), nil
}

// Release tears down an allocation. Without Force it refuses when the
// worktree has uncommitted changes, leaving the record in place. Branch
// deletion failures are logged and swallowed.
func (p *Pool) Release(ctx context.Context, id string, opts ReleaseOptions) error {
	p.mu.Lock()
	alloc, ok := p.allocations[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAllocation, id)
	}
	alloc = alloc.Clone()
	p.mu.Unlock()

	if !opts.Force {
		clean, err := p.vcs.IsClean(ctx, alloc.Path)
		if err != nil {
			return fmt.Errorf("checking worktree %s: %w", alloc.Path, err)
		}
		if !clean {
			return fmt.Errorf("%w: %s", ErrWorktreeDirty, alloc.Path)
		}
	}

	// The directory may already be gone, e.g. removed by hand. Skip the
	// git removal then and just drop the record.
	if _, err := os.Stat(alloc.Path); err == nil {
		if err := p.vcs.RemoveWorktree(ctx, alloc.RepoPath, alloc.Path, true); err != nil {
			return fmt.Errorf("removing worktree %s: %w", alloc.Path, err)
		}
	}
	if !opts.KeepBranch {
		if err := p.vcs.DeleteBranch(ctx, alloc.RepoPath, alloc.Branch, true); err != nil {
			log.WarningLog.Printf("failed to delete branch %s in %s: %v", alloc.Branch, alloc.RepoPath, err)
		}
	}

	p.mu.Lock()
	delete(p.allocations, id)
	p.persistLocked()
	p.mu.Unlock()

	log.InfoLog.Printf("released worktree %s (branch %s)", alloc.Path, alloc.Branch)
	p.sink.Emit(events.New(events.WorktreeReleased).
		WithAgent(alloc.OwnerID).
		WithRepo(alloc.RepoPath).
		WithBranch(alloc.Branch).
		WithField("allocation_id", id).
		WithField("forced", opts.Force))
	return nil
}

// Touch records activity on an allocation so the staleness sweep leaves
// it alone.
func (p *Pool) Touch(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	alloc, ok := p.allocations[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAllocation, id)
	}
	alloc.LastActiveAt = p.now()
	p.persistLocked()
	return nil
}

// MarkDirty flags an allocation as holding uncommitted work.
func (p *Pool) MarkDirty(id string) error { return p.setDirty(id, true) }

// MarkClean clears the dirty flag, typically after a commit.
func (p *Pool) MarkClean(id string) error { return p.setDirty(id, false) }

func (p *Pool) setDirty(id string, dirty bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	alloc, ok := p.allocations[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAllocation, id)
	}
	alloc.Dirty = dirty
	alloc.LastActiveAt = p.now()
	p.persistLocked()
	return nil
}

// CleanupStale force-releases allocations untouched for longer than the
// configured threshold, skipping any flagged dirty. Individual failures
// are collected; the sweep keeps going.
func (p *Pool) CleanupStale(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	var candidates []string
	for id, a := range p.allocations {
		if !a.Dirty && a.Age(p.now()) > p.opts.StaleAfter {
			candidates = append(candidates, id)
		}
	}
	p.mu.Unlock()
	sort.Strings(candidates)

	var released []string
	var errs []error
	repos := make(map[string]bool)
	for _, id := range candidates {
		p.mu.Lock()
		a, ok := p.allocations[id]
		stillStale := ok && !a.Dirty && a.Age(p.now()) > p.opts.StaleAfter
		var repoPath, branch, ownerID string
		if ok {
			repoPath, branch, ownerID = a.RepoPath, a.Branch, a.OwnerID
		}
		p.mu.Unlock()
		if !stillStale {
			continue
		}
		if err := p.Release(ctx, id, ReleaseOptions{Force: true}); err != nil {
			errs = append(errs, fmt.Errorf("stale release %s: %w", id, err))
			continue
		}
		released = append(released, id)
		repos[repoPath] = true
		p.sink.Emit(events.New(events.WorktreeStaleReleased).
			WithAgent(ownerID).
			WithRepo(repoPath).
			WithBranch(branch).
			WithField("allocation_id", id))
	}

	for repo := range repos {
		if err := p.vcs.PruneWorktrees(ctx, repo); err != nil {
			log.WarningLog.Printf("failed to prune worktrees in %s: %v", repo, err)
		}
	}
	if len(released) > 0 {
		log.InfoLog.Printf("stale sweep released %d worktree(s)", len(released))
	}
	return released, errors.Join(errs...)
}

// SyncWithDisk reconciles tracked allocations with what actually exists.
// Records whose directory vanished are dropped; directories under the pool
// root that no record tracks are reported as orphans, never adopted.
func (p *Pool) SyncWithDisk(ctx context.Context) (SyncReport, error) {
	var report SyncReport

	p.mu.Lock()
	snapshot := make([]*Allocation, 0, len(p.allocations))
	for _, a := range p.allocations {
		snapshot = append(snapshot, a.Clone())
	}
	p.mu.Unlock()

	repos := make(map[string]bool)
	for _, a := range snapshot {
		repos[a.RepoPath] = true
		if _, err := os.Stat(a.Path); os.IsNotExist(err) {
			report.Removed = append(report.Removed, a.ID)
		}
	}
	if len(report.Removed) > 0 {
		p.mu.Lock()
		for _, id := range report.Removed {
			delete(p.allocations, id)
		}
		p.persistLocked()
		p.mu.Unlock()
		log.InfoLog.Printf("dropped %d allocation(s) whose worktrees vanished", len(report.Removed))
	}

	tracked := make(map[string]bool)
	p.mu.Lock()
	for _, a := range p.allocations {
		tracked[filepath.Clean(a.Path)] = true
	}
	p.mu.Unlock()

	var errs []error
	rootPrefix := filepath.Clean(p.opts.Root) + string(os.PathSeparator)
	for repo := range repos {
		infos, err := p.vcs.ListWorktrees(ctx, repo)
		if err != nil {
			errs = append(errs, fmt.Errorf("listing worktrees in %s: %w", repo, err))
			continue
		}
		for _, info := range infos {
			path := filepath.Clean(info.Path)
			if !strings.HasPrefix(path, rootPrefix) || tracked[path] {
				continue
			}
			report.Orphans = append(report.Orphans, path)
		}
	}
	sort.Strings(report.Removed)
	sort.Strings(report.Orphans)
	return report, errors.Join(errs...)
}

// Get returns a copy of the allocation, if tracked.
func (p *Pool) Get(id string) (*Allocation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.allocations[id]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// List returns copies of all allocations ordered by creation time.
func (p *Pool) List() []*Allocation {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Allocation, 0, len(p.allocations))
	for _, a := range p.allocations {
		out = append(out, a.Clone())
	}
	sortAllocations(out)
	return out
}

// ForRepo returns copies of the allocations in one repository.
func (p *Pool) ForRepo(repoPath string) []*Allocation {
	repoPath = filepath.Clean(repoPath)
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Allocation
	for _, a := range p.allocations {
		if a.RepoPath == repoPath {
			out = append(out, a.Clone())
		}
	}
	sortAllocations(out)
	return out
}

// ForFeature returns copies of the allocations belonging to one feature.
func (p *Pool) ForFeature(feature string) []*Allocation {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Allocation
	for _, a := range p.allocations {
		if a.FeatureID == feature {
			out = append(out, a.Clone())
		}
	}
	sortAllocations(out)
	return out
}

// Stats summarizes the pool. Active counts allocations touched within the
// staleness threshold.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{ByRepo: make(map[string]int), ByFeature: make(map[string]int)}
	now := p.now()
	for _, a := range p.allocations {
		s.Total++
		if a.Age(now) <= p.opts.StaleAfter {
			s.Active++
		}
		if a.Dirty {
			s.Dirty++
		}
		s.ByRepo[a.RepoPath]++
		if a.FeatureID != "" {
			s.ByFeature[a.FeatureID]++
		}
	}
	return s
}

func (p *Pool) countForRepoLocked(repoPath string) int {
	n := 0
	for _, a := range p.allocations {
		if a.RepoPath == repoPath {
			n++
		}
	}
	return n
}

func (p *Pool) drop(id string) {
	p.mu.Lock()
	delete(p.allocations, id)
	p.mu.Unlock()
}

func (p *Pool) persistLocked() {
	if p.storage == nil {
		return
	}
	out := make([]*Allocation, 0, len(p.allocations))
	for _, a := range p.allocations {
		out = append(out, a.Clone())
	}
	sortAllocations(out)
	if err := p.storage.SaveAllocations(out); err != nil {
		log.WarningLog.Printf("failed to persist worktree allocations: %v", err)
	}
}

func sortAllocations(allocs []*Allocation) {
	sort.Slice(allocs, func(i, j int) bool {
		if allocs[i].CreatedAt.Equal(allocs[j].CreatedAt) {
			return allocs[i].ID < allocs[j].ID
		}
		return allocs[i].CreatedAt.Before(allocs[j].CreatedAt)
	})
}
