// Package cmd provides a thin seam over external command execution.
//
// The Executor interface wraps os/exec so callers (chiefly the git client)
// can be tested against a mock that records and scripts the commands run.
package cmd
