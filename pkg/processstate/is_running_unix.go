//go:build !windows

package processstate

import (
	"fmt"
	"os"
	"syscall"
)

func IsProcessRunning(pid int) (bool, error) {
	if pid <= 0 {
		return false, fmt.Errorf("invalid PID: %d", pid)
	}

	// FindProcess always succeeds on Unix; signal 0 tells whether the pid exists
	process, err := os.FindProcess(pid)
	if err != nil {
		return false, err
	}

	return interpretSignalError(process.Signal(syscall.Signal(0)))
}

// IsGroupRunning reports whether any member of the process group led by pgid is alive
func IsGroupRunning(pgid int) (bool, error) {
	if pgid <= 0 {
		return false, fmt.Errorf("invalid process group: %d", pgid)
	}
	return interpretSignalError(syscall.Kill(-pgid, syscall.Signal(0)))
}

func interpretSignalError(err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	if err == os.ErrProcessDone {
		return false, nil
	}
	errno, ok := err.(syscall.Errno)
	if !ok {
		return false, err
	}
	switch errno {
	case syscall.ESRCH:
		return false, nil
	case syscall.EPERM:
		return true, nil
	}
	return false, err
}
