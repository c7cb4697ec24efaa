package worktree

import (
	"time"
)

// Owner identifies who an allocation belongs to. AgentID is the running
// agent, Feature groups allocations that belong to the same unit of work
// across repositories. Either may be empty.
type Owner struct {
	AgentID string
	Feature string
}

// Allocation is one tracked worktree. Path and Branch are derived once at
// allocation time and never change.
type Allocation struct {
	ID           string    `json:"id"`
	RepoPath     string    `json:"repo_path"`
	Path         string    `json:"path"`
	Branch       string    `json:"branch"`
	OwnerID      string    `json:"owner_id,omitempty"`
	FeatureID    string    `json:"feature_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`

	// Dirty is an advisory flag set by the owner when the worktree holds
	// work that has not been committed yet. The staleness sweep skips
	// allocations with this flag; release consults the repository itself.
	Dirty bool `json:"dirty,omitempty"`
}

// Clone returns a copy so callers can read fields without holding pool locks.
func (a *Allocation) Clone() *Allocation {
	c := *a
	return &c
}

// Age reports how long ago the allocation was last touched.
func (a *Allocation) Age(now time.Time) time.Duration {
	return now.Sub(a.LastActiveAt)
}

// ReleaseOptions control how an allocation is torn down.
type ReleaseOptions struct {
	// Force releases even when the worktree has uncommitted changes.
	Force bool
	// KeepBranch leaves the branch behind after the worktree is removed.
	KeepBranch bool
}

// Stats is a point-in-time summary of the pool.
type Stats struct {
	Total     int            `json:"total"`
	Active    int            `json:"active"`
	Dirty     int            `json:"dirty"`
	ByRepo    map[string]int `json:"by_repo"`
	ByFeature map[string]int `json:"by_feature,omitempty"`
}

// SyncReport is the result of reconciling tracked allocations with disk.
type SyncReport struct {
	// Removed lists allocation IDs whose worktree directory no longer
	// exists and whose records were dropped.
	Removed []string `json:"removed,omitempty"`
	// Orphans lists worktree paths found on disk under the pool root that
	// no allocation tracks. They are reported, never adopted.
	Orphans []string `json:"orphans,omitempty"`
}
