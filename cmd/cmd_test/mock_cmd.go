// Package cmd_test provides a mock Executor for use in tests across packages.
package cmd_test

import "os/exec"

// MockCmdExec implements cmd.Executor with pluggable functions.
type MockCmdExec struct {
	RunFunc    func(cmd *exec.Cmd) error
	OutputFunc func(cmd *exec.Cmd) ([]byte, error)
}

func (m MockCmdExec) Run(cmd *exec.Cmd) error {
	if m.RunFunc == nil {
		return nil
	}
	return m.RunFunc(cmd)
}

func (m MockCmdExec) Output(cmd *exec.Cmd) ([]byte, error) {
	if m.OutputFunc == nil {
		return []byte{}, nil
	}
	return m.OutputFunc(cmd)
}
