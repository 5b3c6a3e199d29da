package units

import (
	"path/filepath"
	"strings"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/probe"
)

// ValidateUnitID validates unit and context identifiers
func ValidateUnitID(id string) error {
	if id == "" {
		return errors.NewValidationError("unit ID cannot be empty", nil)
	}

	if len(id) > 64 {
		return errors.NewValidationError("unit ID cannot exceed 64 characters", nil)
	}

	for _, char := range id {
		if !isValidIDChar(char) {
			return errors.NewValidationError("unit ID contains invalid characters: only letters, numbers, hyphens, and underscores are allowed", nil).WithContext("unit_id", id)
		}
	}

	return nil
}

func isValidIDChar(char rune) bool {
	return (char >= 'a' && char <= 'z') ||
		(char >= 'A' && char <= 'Z') ||
		(char >= '0' && char <= '9') ||
		char == '-' || char == '_'
}

// ValidateUnit checks a single unit in isolation; graph level checks live in the resolver
func ValidateUnit(unit Unit) error {
	if err := ValidateUnitID(unit.ID); err != nil {
		return err
	}

	if unit.ContextRef == "" {
		return errors.NewValidationError("context reference is required", nil).WithContext("unit_id", unit.ID)
	}

	if err := ValidateCommand(unit.Command); err != nil {
		return errors.NewValidationError("invalid command", err).WithContext("unit_id", unit.ID)
	}

	// Self references are reported by the resolver as a cycle
	seen := make(map[string]bool, len(unit.Requires))
	for _, dep := range unit.Requires {
		if seen[dep] {
			return errors.NewValidationError("duplicate requires entry: "+dep, nil).WithContext("unit_id", unit.ID)
		}
		seen[dep] = true
	}

	switch unit.Kind {
	case KindOneshot:
		if unit.Probe != nil {
			return errors.NewValidationError("readiness probe is only allowed on daemons", nil).WithContext("unit_id", unit.ID)
		}
		if unit.DisplayLabel != nil {
			return errors.NewValidationError("display label is only allowed on daemons", nil).WithContext("unit_id", unit.ID)
		}
	case KindDaemon:
		if unit.Probe == nil {
			return errors.NewValidationError("readiness probe is required for daemons", nil).WithContext("unit_id", unit.ID)
		}
		if err := probe.ValidateConfig(*unit.Probe); err != nil {
			return errors.NewValidationError("invalid readiness probe", err).WithContext("unit_id", unit.ID)
		}
	default:
		return errors.NewValidationError("invalid unit kind: "+string(unit.Kind), nil).WithContext("unit_id", unit.ID)
	}

	return nil
}

func ValidateCommand(command Command) error {
	if len(command.Args) == 0 || command.Args[0] == "" {
		return errors.NewValidationError("command arguments cannot be empty", nil)
	}

	for key := range command.Env {
		if key == "" || strings.ContainsAny(key, "=\x00") {
			return errors.NewValidationError("invalid environment variable name: "+key, nil)
		}
	}

	if command.WorkingDirectory != "" {
		if filepath.IsAbs(command.WorkingDirectory) {
			return errors.NewValidationError("working directory must be relative to the context root", nil)
		}
		clean := filepath.Clean(command.WorkingDirectory)
		if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
			return errors.NewValidationError("working directory cannot escape the context root", nil)
		}
	}

	return nil
}
