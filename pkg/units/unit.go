package units

import (
	"sort"

	"github.com/core-tools/hsu-orchestrator/pkg/probe"
)

type Kind string

const (
	KindOneshot Kind = "oneshot"
	KindDaemon  Kind = "daemon"
)

// Command is what a unit runs inside its context.
// WorkingDirectory is relative to the context root.
type Command struct {
	Args             []string          `yaml:"args" toml:"args"`
	Env              map[string]string `yaml:"env,omitempty" toml:"env,omitempty"`
	WorkingDirectory string            `yaml:"working_directory,omitempty" toml:"working_directory,omitempty"`
}

// Unit is one scheduled piece of work. Probe and DisplayLabel apply to daemons only.
type Unit struct {
	ID           string        `yaml:"id" toml:"id"`
	Kind         Kind          `yaml:"kind" toml:"kind"`
	ContextRef   string        `yaml:"context" toml:"context"`
	Command      Command       `yaml:"command" toml:"command"`
	Requires     []string      `yaml:"requires,omitempty" toml:"requires,omitempty"`
	Probe        *probe.Config `yaml:"probe,omitempty" toml:"probe,omitempty"`
	DisplayLabel *string       `yaml:"display_label,omitempty" toml:"display_label,omitempty"`
}

func (u Unit) IsDaemon() bool {
	return u.Kind == KindDaemon
}

// Label returns the display label, or "" when the unit has none
func (u Unit) Label() string {
	if u.DisplayLabel == nil {
		return ""
	}
	return *u.DisplayLabel
}

// SortedEnv flattens the environment mapping to KEY=VALUE entries in key order
func (c Command) SortedEnv() []string {
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+c.Env[k])
	}
	return env
}
