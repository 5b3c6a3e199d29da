//go:build windows

package process

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

var consoleOperationLock sync.Mutex

// setupProcessAttributes isolates the child in a new process group so
// Ctrl+Break can be delivered to it alone
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// SendTerminationSignal sends Ctrl+Break to the process group led by pid
func SendTerminationSignal(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid PID: %d", pid)
	}

	consoleOperationLock.Lock()
	defer consoleOperationLock.Unlock()

	dll, err := syscall.LoadDLL("kernel32.dll")
	if err != nil {
		return fmt.Errorf("failed to load kernel32.dll: %v", err)
	}
	defer dll.Release()

	proc, err := dll.FindProc("GenerateConsoleCtrlEvent")
	if err != nil {
		return err
	}
	result, _, err := proc.Call(uintptr(syscall.CTRL_BREAK_EVENT), uintptr(pid))
	if result == 0 {
		return err
	}
	return nil
}

// KillGroup terminates the group leader; Windows has no signal for the whole group
func KillGroup(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}
