//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// setupProcessAttributes puts the child in its own process group so the
// whole tree can be signalled through -pid
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// SendTerminationSignal sends SIGTERM to the process group led by pid
func SendTerminationSignal(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// KillGroup sends SIGKILL to the process group led by pid
func KillGroup(pid int) error {
	err := syscall.Kill(-pid, syscall.SIGKILL)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}
