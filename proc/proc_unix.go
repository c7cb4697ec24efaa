//go:build !windows

package proc

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setSysProcAttr places the child in its own process group so signals reach
// any helpers the agent program forks.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminate(pid int) error {
	return unix.Kill(-pid, unix.SIGTERM)
}

func forceKill(pid int) error {
	return unix.Kill(-pid, unix.SIGKILL)
}
