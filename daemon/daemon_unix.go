//go:build !windows

package daemon

import "syscall"

// getSysProcAttr detaches the daemon child into its own session.
func getSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setsid: true,
	}
}
