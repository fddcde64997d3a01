//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

func processExists(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

func killPID(pid int) error {
	return syscall.Kill(pid, syscall.SIGKILL)
}

// killTree kills the process group led by pid, then pid itself for
// processes that are not group leaders.
func killTree(pid int) error {
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	err := syscall.Kill(pid, syscall.SIGKILL)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}

func hideWindow(*exec.Cmd) {}
