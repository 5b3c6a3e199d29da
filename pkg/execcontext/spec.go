package execcontext

import (
	"path/filepath"
	"strings"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/units"
)

type MountKind string

const (
	MountKindDirectory MountKind = "directory"
	MountKindFile      MountKind = "file"
)

// MountSource names either a local volume or a volume exported by a dependency service
type MountSource struct {
	Volume     string `yaml:"volume" toml:"volume"`
	Dependency string `yaml:"dependency,omitempty" toml:"dependency,omitempty"`
}

func (s MountSource) String() string {
	if s.Dependency != "" {
		return s.Dependency + ":" + s.Volume
	}
	return s.Volume
}

type Mount struct {
	Source     MountSource `yaml:"source" toml:"source"`
	Subpath    string      `yaml:"subpath,omitempty" toml:"subpath,omitempty"`
	Mountpoint string      `yaml:"mountpoint" toml:"mountpoint"`
	ReadOnly   bool        `yaml:"readonly,omitempty" toml:"readonly,omitempty"`
	Kind       MountKind   `yaml:"kind,omitempty" toml:"kind,omitempty"`
}

// Spec is the declarative form of an execution context.
// Mounts are resolved in order; Directories are created before any mount.
type Spec struct {
	ID          string            `yaml:"id" toml:"id"`
	Directories []string          `yaml:"directories,omitempty" toml:"directories,omitempty"`
	Mounts      []Mount           `yaml:"mounts,omitempty" toml:"mounts,omitempty"`
	Env         map[string]string `yaml:"env,omitempty" toml:"env,omitempty"`
}

// ValidateSpec performs the static checks that need no filesystem access
func ValidateSpec(spec Spec) error {
	if err := units.ValidateUnitID(spec.ID); err != nil {
		return errors.NewValidationError("invalid context ID", err).WithContext("context_id", spec.ID)
	}

	for _, dir := range spec.Directories {
		if err := validateRelative(dir); err != nil {
			return errors.NewValidationError("invalid directory: "+dir, err).WithContext("context_id", spec.ID)
		}
	}

	seen := make(map[string]bool, len(spec.Mounts))
	for i, m := range spec.Mounts {
		if m.Source.Volume == "" {
			return errors.NewValidationError("mount source volume is required", nil).WithContext("context_id", spec.ID).WithContext("mount", i)
		}
		if strings.ContainsAny(m.Source.Volume, `/\`) || m.Source.Volume == "." || m.Source.Volume == ".." {
			return errors.NewValidationError("mount source volume must be a plain name: "+m.Source.Volume, nil).WithContext("context_id", spec.ID)
		}
		if m.Subpath != "" {
			if err := validateRelative(m.Subpath); err != nil {
				return errors.NewValidationError("invalid mount subpath: "+m.Subpath, err).WithContext("context_id", spec.ID)
			}
		}
		if m.Mountpoint == "" {
			return errors.NewValidationError("mountpoint is required", nil).WithContext("context_id", spec.ID).WithContext("mount", i)
		}
		if err := validateRelative(strings.TrimPrefix(m.Mountpoint, "/")); err != nil {
			return errors.NewValidationError("invalid mountpoint: "+m.Mountpoint, err).WithContext("context_id", spec.ID)
		}
		switch m.Kind {
		case "", MountKindDirectory, MountKindFile:
		default:
			return errors.NewValidationError("invalid mount kind: "+string(m.Kind), nil).WithContext("context_id", spec.ID)
		}
		target := filepath.Clean(strings.TrimPrefix(m.Mountpoint, "/"))
		if seen[target] {
			return errors.NewValidationError("duplicate mountpoint: "+m.Mountpoint, nil).WithContext("context_id", spec.ID)
		}
		seen[target] = true
	}

	for key := range spec.Env {
		if key == "" || strings.ContainsAny(key, "=\x00") {
			return errors.NewValidationError("invalid environment variable name: "+key, nil).WithContext("context_id", spec.ID)
		}
	}

	return nil
}

// validateRelative rejects absolute paths and paths escaping their base
func validateRelative(path string) error {
	if path == "" {
		return errors.NewValidationError("path cannot be empty", nil)
	}
	if filepath.IsAbs(path) {
		return errors.NewValidationError("path must be relative", nil)
	}
	clean := filepath.Clean(path)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return errors.NewValidationError("path escapes its base directory", nil)
	}
	return nil
}
