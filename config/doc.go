// Package config handles application configuration loading and management.
//
// Configuration is stored in ~/.agentmux/config.json and includes settings
// for concurrency limits, worktree allocation, branch naming, and other
// preferences. Persistent runtime state (worktree allocations, multi-repo
// features) lives next to it in state.json.
package config
