package worktree

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)
var whitespace = regexp.MustCompile(`\s+`)

// sanitizeName makes an owner identifier safe for branch names and paths.
func sanitizeName(s string) string {
	s = whitespace.ReplaceAllString(strings.TrimSpace(s), "-")
	s = invalidNameChars.ReplaceAllString(s, "")
	s = strings.Trim(s, "-")
	if s == "" {
		return "task"
	}
	return s
}

// allocationName derives the base name from the owner identifiers.
func allocationName(owner Owner) string {
	parts := make([]string, 0, 2)
	if owner.Feature != "" {
		parts = append(parts, owner.Feature)
	}
	if owner.AgentID != "" {
		parts = append(parts, owner.AgentID)
	}
	return sanitizeName(strings.Join(parts, "-"))
}

// namesFor derives the deterministic branch and worktree path for an owner.
// The timestamp disambiguates repeated allocations for the same owner; the
// same stamp goes into both names so they stay visibly paired.
func namesFor(root, repoPath, branchPrefix string, owner Owner, t time.Time) (branch, path string) {
	name := allocationName(owner)
	stamp := fmt.Sprintf("%x", t.UnixNano())
	branch = branchPrefix + name + "_" + stamp
	path = filepath.Join(root, filepath.Base(repoPath), name+"_"+stamp)
	return branch, path
}
