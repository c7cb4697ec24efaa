// Package proc abstracts spawning and terminating agent subprocesses.
//
// It defines the Spawner interface which wraps os/exec functionality,
// enabling easier testing and mocking of subprocess management throughout
// the application. The real implementations pipe stdout/stderr back to the
// caller and place each child in its own process group so termination
// reaches grandchildren too.
package proc

import (
	"context"
	"io"
)

// Spec describes one subprocess to start.
type Spec struct {
	Command string
	Args    []string
	// Dir is the working directory, typically a worktree path. Empty means
	// inherit the caller's directory.
	Dir string
	// Env entries are appended to the parent environment.
	Env []string
}

// Handle is a live (or exited) subprocess.
type Handle interface {
	PID() int
	// Stdout and Stderr are piped streams. Read Stdout to EOF before
	// calling Wait, per os/exec pipe semantics.
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process exits and releases its resources.
	// It returns nil for exit status 0. Safe to call more than once.
	Wait() error
	// ExitCode is valid once Done is closed; -1 before exit or when the
	// process was signaled.
	ExitCode() int
	// Kill requests termination. It signals and returns; it does not wait.
	Kill() error
	// Done is closed when Wait has observed the exit.
	Done() <-chan struct{}
}

// Spawner starts subprocesses.
type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (Handle, error)
}
