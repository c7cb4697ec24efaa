package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/ByteMirror/agentmux/events"
	"github.com/ByteMirror/agentmux/git"
	"github.com/ByteMirror/agentmux/log"
	"github.com/ByteMirror/agentmux/worktree"
)

var (
	// ErrNotInitialized is returned by operations that need a validated
	// workspace configuration.
	ErrNotInitialized = errors.New("workspace is not initialized")
	// ErrFeatureExists is returned when creating a feature branch that is
	// already tracked.
	ErrFeatureExists = errors.New("feature branch already exists")
	// ErrUnknownFeature is returned for operations on an untracked
	// feature branch.
	ErrUnknownFeature = errors.New("unknown feature branch")
)

// Coordinator composes the worktree pool across the repositories of one
// workspace.
type Coordinator struct {
	mu       sync.Mutex
	pool     *worktree.Pool
	vcs      git.Client
	sink     events.Sink
	validate func(path string) error
	now      func() time.Time
	cfg      *Config
	features map[string]*MultiRepoWorktree
	// reserved holds feature branches mid-creation so the features map
	// only ever exposes complete aggregates.
	reserved map[string]bool
	storage  *Storage
}

// NewCoordinator wires a coordinator against the real repository validator
// and clock.
func NewCoordinator(pool *worktree.Pool, vcs git.Client, sink events.Sink) *Coordinator {
	return NewCoordinatorWithDeps(pool, vcs, sink, git.ValidateRepo, time.Now)
}

// NewCoordinatorWithDeps is NewCoordinator with every collaborator
// injected.
func NewCoordinatorWithDeps(pool *worktree.Pool, vcs git.Client, sink events.Sink, validate func(string) error, now func() time.Time) *Coordinator {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Coordinator{
		pool:     pool,
		vcs:      vcs,
		sink:     sink,
		validate: validate,
		now:      now,
		features: make(map[string]*MultiRepoWorktree),
		reserved: make(map[string]bool),
	}
}

// UseStorage restores persisted features and keeps them synced to st.
func (c *Coordinator) UseStorage(st *Storage) error {
	feats, err := st.LoadFeatures()
	if err != nil {
		return fmt.Errorf("loading workspace features: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range feats {
		c.features[f.FeatureBranch] = f
	}
	c.storage = st
	return nil
}

// InitializeWorkspace validates every configured repository before
// accepting the configuration. On failure nothing is stored and the error
// names every offending repository.
func (c *Coordinator) InitializeWorkspace(cfg *Config) error {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	var errs []error
	for _, r := range cfg.Repos {
		info, err := os.Stat(r.Path)
		if err != nil {
			errs = append(errs, fmt.Errorf("repository %s: %w", r.Name, err))
			continue
		}
		if !info.IsDir() {
			errs = append(errs, fmt.Errorf("repository %s: %s is not a directory", r.Name, r.Path))
			continue
		}
		if err := c.validate(r.Path); err != nil {
			errs = append(errs, fmt.Errorf("repository %s: %w", r.Name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("workspace validation failed: %w", errors.Join(errs...))
	}

	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	log.InfoLog.Printf("workspace initialized with %d repositories", len(cfg.Repos))
	return nil
}

// Config returns the accepted workspace configuration, if any.
func (c *Coordinator) Config() (*Config, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg == nil {
		return nil, false
	}
	cp := *c.cfg
	cp.Repos = append([]RepoConfig(nil), c.cfg.Repos...)
	return &cp, true
}

// CreateMultiRepoWorktree allocates a worktree on featureBranch in every
// named repository (all configured repositories when none are named). If
// any allocation fails, the ones already made are force-released and the
// aggregate error names the repository that failed.
func (c *Coordinator) CreateMultiRepoWorktree(ctx context.Context, featureBranch string, repoNames ...string) (*MultiRepoWorktree, error) {
	if featureBranch == "" {
		return nil, errors.New("feature branch is required")
	}

	c.mu.Lock()
	if c.cfg == nil {
		c.mu.Unlock()
		return nil, ErrNotInitialized
	}
	if _, exists := c.features[featureBranch]; exists || c.reserved[featureBranch] {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrFeatureExists, featureBranch)
	}
	if len(repoNames) == 0 {
		repoNames = c.cfg.Names()
	}
	targets := make([]RepoConfig, 0, len(repoNames))
	for _, name := range repoNames {
		repo, ok := c.cfg.Repo(name)
		if !ok {
			c.mu.Unlock()
			return nil, fmt.Errorf("repository %q is not in the workspace", name)
		}
		targets = append(targets, repo)
	}
	c.reserved[featureBranch] = true
	createdAt := c.now()
	c.mu.Unlock()

	members := make(map[string]*worktree.Allocation, len(targets))
	var created []*worktree.Allocation
	for _, repo := range targets {
		alloc, err := c.pool.AllocateBranch(ctx, repo.Path, repo.DefaultBranch,
			worktree.Owner{Feature: featureBranch}, featureBranch)
		if err != nil {
			rollbackErr := c.rollback(ctx, created)
			c.mu.Lock()
			delete(c.reserved, featureBranch)
			c.mu.Unlock()
			cause := fmt.Errorf("allocating worktree for %s in %s: %w", featureBranch, repo.Name, err)
			if rollbackErr != nil {
				return nil, errors.Join(cause, fmt.Errorf("rollback incomplete: %w", rollbackErr))
			}
			return nil, cause
		}
		created = append(created, alloc)
		members[repo.Name] = alloc
	}

	feature := &MultiRepoWorktree{
		FeatureBranch: featureBranch,
		Members:       members,
		CreatedAt:     createdAt,
	}
	c.mu.Lock()
	delete(c.reserved, featureBranch)
	c.features[featureBranch] = feature
	c.persistLocked()
	c.mu.Unlock()

	log.InfoLog.Printf("created feature %s across %d repositories", featureBranch, len(members))
	c.sink.Emit(events.New(events.FeatureCreated).
		WithBranch(featureBranch).
		WithField("repos", len(members)))
	return feature.Clone(), nil
}

// rollback force-releases allocations made earlier in a failed create.
func (c *Coordinator) rollback(ctx context.Context, created []*worktree.Allocation) error {
	var errs []error
	for _, alloc := range created {
		err := c.pool.Release(ctx, alloc.ID, worktree.ReleaseOptions{Force: true})
		if err != nil && !errors.Is(err, worktree.ErrUnknownAllocation) {
			log.ErrorLog.Printf("rollback of %s in %s failed: %v", alloc.Branch, alloc.RepoPath, err)
			errs = append(errs, fmt.Errorf("%s: %w", alloc.RepoPath, err))
		}
	}
	return errors.Join(errs...)
}

// CommitAll commits outstanding changes in every member worktree of the
// feature (or of every feature, when featureBranch is empty). Clean members
// are skipped; per-repository failures are captured in the result and never
// abort the pass. Result keys are repository names, qualified as
// "feature:repo" when the pass spans all features.
func (c *Coordinator) CommitAll(ctx context.Context, message, featureBranch string) (*CommitResult, error) {
	c.mu.Lock()
	var scope []*MultiRepoWorktree
	if featureBranch != "" {
		f, ok := c.features[featureBranch]
		if !ok {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrUnknownFeature, featureBranch)
		}
		scope = append(scope, f.Clone())
	} else {
		for _, f := range c.features {
			scope = append(scope, f.Clone())
		}
		sort.Slice(scope, func(i, j int) bool { return scope[i].FeatureBranch < scope[j].FeatureBranch })
	}
	c.mu.Unlock()
	spansAll := featureBranch == ""

	res := &CommitResult{
		Commits: make(map[string]string),
		Failed:  make(map[string]error),
	}
	for _, f := range scope {
		for _, repoName := range f.RepoNames() {
			alloc := f.Members[repoName]
			key := repoName
			if spansAll {
				key = f.FeatureBranch + ":" + repoName
			}

			clean, err := c.vcs.IsClean(ctx, alloc.Path)
			if err != nil {
				res.Failed[key] = err
				continue
			}
			if clean {
				res.Skipped = append(res.Skipped, key)
				continue
			}
			sha, err := c.vcs.Commit(ctx, alloc.Path, message, true)
			if err != nil {
				res.Failed[key] = err
				continue
			}
			res.Commits[key] = sha
			if err := c.pool.MarkClean(alloc.ID); err != nil {
				log.WarningLog.Printf("marking %s clean: %v", alloc.ID, err)
			}
			c.sink.Emit(events.New(events.CommitCreated).
				WithRepo(alloc.RepoPath).
				WithBranch(f.FeatureBranch).
				WithField("commit", sha))
		}
	}
	log.InfoLog.Printf("commit pass for %q: %s", featureBranch, res.Summary())
	return res, nil
}

// CleanupFeature releases every member of the feature. Failures are
// aggregated and do not stop the remaining members from being released;
// the feature record survives with whatever members could not be freed.
func (c *Coordinator) CleanupFeature(ctx context.Context, featureBranch string, force bool) error {
	c.mu.Lock()
	f, ok := c.features[featureBranch]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownFeature, featureBranch)
	}
	snapshot := f.Clone()
	c.mu.Unlock()

	var errs []error
	for _, repoName := range snapshot.RepoNames() {
		alloc := snapshot.Members[repoName]
		err := c.pool.Release(ctx, alloc.ID, worktree.ReleaseOptions{Force: force})
		if err != nil && !errors.Is(err, worktree.ErrUnknownAllocation) {
			errs = append(errs, fmt.Errorf("%s: %w", repoName, err))
			continue
		}
		c.mu.Lock()
		delete(f.Members, repoName)
		c.mu.Unlock()
	}

	c.mu.Lock()
	done := len(f.Members) == 0
	if done {
		delete(c.features, featureBranch)
	}
	c.persistLocked()
	c.mu.Unlock()

	if done {
		log.InfoLog.Printf("released feature %s", featureBranch)
		c.sink.Emit(events.New(events.FeatureReleased).WithBranch(featureBranch))
	}
	return errors.Join(errs...)
}

// CleanupAll releases every tracked feature, aggregating errors so one
// stuck repository does not block the others.
func (c *Coordinator) CleanupAll(ctx context.Context, force bool) error {
	c.mu.Lock()
	branches := make([]string, 0, len(c.features))
	for b := range c.features {
		branches = append(branches, b)
	}
	c.mu.Unlock()
	sort.Strings(branches)

	var errs []error
	for _, b := range branches {
		if err := c.CleanupFeature(ctx, b, force); err != nil && !errors.Is(err, ErrUnknownFeature) {
			errs = append(errs, fmt.Errorf("feature %s: %w", b, err))
		}
	}
	return errors.Join(errs...)
}

// CleanupStale runs the pool's staleness sweep, then drops feature members
// whose allocations the sweep reclaimed.
func (c *Coordinator) CleanupStale(ctx context.Context) ([]string, error) {
	released, err := c.pool.CleanupStale(ctx)
	c.Reconcile()
	return released, err
}

// Reconcile drops feature members whose allocation the pool no longer
// tracks and returns how many were dropped. Features left with no members
// are removed.
func (c *Coordinator) Reconcile() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := 0
	for branch, f := range c.features {
		for name, alloc := range f.Members {
			if _, ok := c.pool.Get(alloc.ID); !ok {
				delete(f.Members, name)
				dropped++
			}
		}
		if len(f.Members) == 0 {
			delete(c.features, branch)
		}
	}
	if dropped > 0 {
		c.persistLocked()
	}
	return dropped
}

// GetFeature returns a copy of one tracked feature.
func (c *Coordinator) GetFeature(featureBranch string) (*MultiRepoWorktree, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.features[featureBranch]
	if !ok {
		return nil, false
	}
	return f.Clone(), true
}

// ListFeatures returns copies of every tracked feature, oldest first.
func (c *Coordinator) ListFeatures() []*MultiRepoWorktree {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*MultiRepoWorktree, 0, len(c.features))
	for _, f := range c.features {
		out = append(out, f.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].FeatureBranch < out[j].FeatureBranch
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// AllocationsForRepo returns the pool's allocations for a repository
// named in the workspace.
func (c *Coordinator) AllocationsForRepo(name string) []*worktree.Allocation {
	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()
	if cfg == nil {
		return nil
	}
	repo, ok := cfg.Repo(name)
	if !ok {
		return nil
	}
	return c.pool.ForRepo(repo.Path)
}

// Stats summarizes tracked features.
type Stats struct {
	Features  int            `json:"features"`
	ByFeature map[string]int `json:"by_feature,omitempty"`
	ByRepo    map[string]int `json:"by_repo,omitempty"`
}

// Stats reports feature and member counts.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Features:  len(c.features),
		ByFeature: make(map[string]int),
		ByRepo:    make(map[string]int),
	}
	for branch, f := range c.features {
		s.ByFeature[branch] = len(f.Members)
		for name := range f.Members {
			s.ByRepo[name]++
		}
	}
	return s
}

func (c *Coordinator) persistLocked() {
	if c.storage == nil {
		return
	}
	out := make([]*MultiRepoWorktree, 0, len(c.features))
	for _, f := range c.features {
		out = append(out, f.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FeatureBranch < out[j].FeatureBranch })
	if err := c.storage.SaveFeatures(out); err != nil {
		log.WarningLog.Printf("failed to persist workspace features: %v", err)
	}
}
