package cmd

import (
	"os/exec"
	"strings"
)

// Executor is an interface for executing commands. It exists so tests can
// substitute a mock and assert on the exact commands run.
type Executor interface {
	Run(cmd *exec.Cmd) error
	Output(cmd *exec.Cmd) ([]byte, error)
}

type realExecutor struct{}

func (e realExecutor) Run(cmd *exec.Cmd) error {
	return cmd.Run()
}

func (e realExecutor) Output(cmd *exec.Cmd) ([]byte, error) {
	return cmd.Output()
}

// MakeExecutor returns an Executor backed by os/exec.
func MakeExecutor() Executor {
	return realExecutor{}
}

// ToString renders a command as the space-joined argv, the way it would be
// typed in a shell. Used in logs and test assertions.
func ToString(cmd *exec.Cmd) string {
	return strings.Join(cmd.Args, " ")
}
