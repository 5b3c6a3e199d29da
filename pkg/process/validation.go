package process

import (
	"path/filepath"
	"strings"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
)

// ValidateCommand validates a launch request before anything is started
func ValidateCommand(command Command) error {
	if len(command.Args) == 0 || command.Args[0] == "" {
		return errors.NewValidationError("command arguments cannot be empty", nil).WithContext("unit_id", command.UnitID)
	}

	if filepath.IsAbs(command.WorkingDirectory) {
		return errors.NewValidationError("working directory must be relative to the context root", nil).WithContext("unit_id", command.UnitID)
	}

	for _, e := range command.Env {
		if !strings.Contains(e, "=") || strings.HasPrefix(e, "=") {
			return errors.NewValidationError("invalid environment entry: "+e, nil).WithContext("unit_id", command.UnitID)
		}
	}

	if command.WaitDelay < 0 {
		return errors.NewValidationError("wait delay cannot be negative", nil).WithContext("unit_id", command.UnitID)
	}

	return nil
}

// StderrTail returns the last maxLines lines of captured stderr
func StderrTail(stderr string, maxLines int) string {
	stderr = strings.TrimRight(stderr, "\n")
	if stderr == "" || maxLines <= 0 {
		return stderr
	}
	lines := strings.Split(stderr, "\n")
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, "\n")
}
