// Package workspace coordinates worktree allocation across several
// repositories so one feature branch spans all of them. Creation is
// transactional: a failure in any member repository rolls back the
// allocations already made, so callers never observe a partial feature.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ByteMirror/agentmux/worktree"
)

// ManifestName is the workspace manifest filename looked up in a directory.
const ManifestName = "workspace.yaml"

// RepoConfig describes one repository in the workspace.
type RepoConfig struct {
	Name          string `yaml:"name" json:"name"`
	Path          string `yaml:"path" json:"path"`
	DefaultBranch string `yaml:"default_branch,omitempty" json:"default_branch"`
}

// Config is the workspace manifest.
type Config struct {
	Repos []RepoConfig `yaml:"repos" json:"repos"`
}

// LoadConfig reads and validates a workspace manifest. When path is a
// directory the manifest is looked up inside it.
func LoadConfig(path string) (*Config, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, ManifestName)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workspace manifest: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing workspace manifest: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	for i := range c.Repos {
		if c.Repos[i].Name == "" {
			c.Repos[i].Name = filepath.Base(c.Repos[i].Path)
		}
		if c.Repos[i].DefaultBranch == "" {
			c.Repos[i].DefaultBranch = "main"
		}
	}
}

// Validate checks the manifest is usable: at least one repository, every
// repository with a path, no duplicate names.
func (c *Config) Validate() error {
	if len(c.Repos) == 0 {
		return errors.New("workspace has no repositories")
	}
	seen := make(map[string]bool, len(c.Repos))
	for _, r := range c.Repos {
		if r.Path == "" {
			return fmt.Errorf("repository %q has no path", r.Name)
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate repository name %q", r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}

// Repo looks a repository up by name.
func (c *Config) Repo(name string) (RepoConfig, bool) {
	for _, r := range c.Repos {
		if r.Name == name {
			return r, true
		}
	}
	return RepoConfig{}, false
}

// Names returns the repository names in manifest order.
func (c *Config) Names() []string {
	names := make([]string, len(c.Repos))
	for i, r := range c.Repos {
		names[i] = r.Name
	}
	return names
}

// MultiRepoWorktree is one feature spanning several repositories. Members
// are keyed by repository name.
type MultiRepoWorktree struct {
	FeatureBranch string                          `json:"feature_branch"`
	Members       map[string]*worktree.Allocation `json:"members"`
	CreatedAt     time.Time                       `json:"created_at"`
}

// Clone returns a deep copy safe to read without coordinator locks.
func (f *MultiRepoWorktree) Clone() *MultiRepoWorktree {
	c := &MultiRepoWorktree{
		FeatureBranch: f.FeatureBranch,
		Members:       make(map[string]*worktree.Allocation, len(f.Members)),
		CreatedAt:     f.CreatedAt,
	}
	for name, alloc := range f.Members {
		c.Members[name] = alloc.Clone()
	}
	return c
}

// RepoNames returns the member repository names, sorted.
func (f *MultiRepoWorktree) RepoNames() []string {
	names := make([]string, 0, len(f.Members))
	for name := range f.Members {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CommitResult reports a CommitAll pass. Repositories with nothing to
// commit land in Skipped; per-repository failures land in Failed and never
// abort the pass.
type CommitResult struct {
	Commits map[string]string
	Failed  map[string]error
	Skipped []string
}

// Summary renders a one-line account of the pass.
func (r *CommitResult) Summary() string {
	return fmt.Sprintf("%d committed, %d skipped, %d failed",
		len(r.Commits), len(r.Skipped), len(r.Failed))
}
