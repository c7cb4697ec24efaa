//go:build windows

package daemon

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// getSysProcAttr detaches the daemon child from the launching console.
func getSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		CreationFlags: windows.CREATE_NEW_PROCESS_GROUP | windows.DETACHED_PROCESS,
	}
}
