package units

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/probe"
)

func strPtr(s string) *string {
	return &s
}

func TestValidateUnitID(t *testing.T) {
	tests := []struct {
		name      string
		id        string
		shouldErr bool
	}{
		{name: "valid_simple", id: "web", shouldErr: false},
		{name: "valid_with_separators", id: "db-migrate_01", shouldErr: false},
		{name: "empty", id: "", shouldErr: true},
		{name: "too_long", id: strings.Repeat("a", 65), shouldErr: true},
		{name: "invalid_char", id: "web.1", shouldErr: true},
		{name: "space", id: "web 1", shouldErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUnitID(tt.id)

			if tt.shouldErr {
				assert.Error(t, err)
				assert.True(t, errors.IsValidationError(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateUnit(t *testing.T) {
	tcpProbe := &probe.Config{Type: probe.TypeTCP, TCP: probe.TCPConfig{Address: "127.0.0.1", Port: 5432}}

	tests := []struct {
		name      string
		unit      Unit
		shouldErr bool
	}{
		{
			name:      "valid_oneshot",
			unit:      Unit{ID: "migrate", Kind: KindOneshot, ContextRef: "main", Command: Command{Args: []string{"/bin/true"}}},
			shouldErr: false,
		},
		{
			name: "valid_daemon",
			unit: Unit{ID: "db", Kind: KindDaemon, ContextRef: "main", Command: Command{Args: []string{"postgres"}},
				Probe: tcpProbe, DisplayLabel: strPtr("Database")},
			shouldErr: false,
		},
		{
			name:      "daemon_without_probe",
			unit:      Unit{ID: "db", Kind: KindDaemon, ContextRef: "main", Command: Command{Args: []string{"postgres"}}},
			shouldErr: true,
		},
		{
			name:      "oneshot_with_probe",
			unit:      Unit{ID: "m", Kind: KindOneshot, ContextRef: "main", Command: Command{Args: []string{"x"}}, Probe: tcpProbe},
			shouldErr: true,
		},
		{
			name:      "oneshot_with_label",
			unit:      Unit{ID: "m", Kind: KindOneshot, ContextRef: "main", Command: Command{Args: []string{"x"}}, DisplayLabel: strPtr("M")},
			shouldErr: true,
		},
		{
			name:      "unknown_kind",
			unit:      Unit{ID: "m", Kind: "cron", ContextRef: "main", Command: Command{Args: []string{"x"}}},
			shouldErr: true,
		},
		{
			name:      "missing_context",
			unit:      Unit{ID: "m", Kind: KindOneshot, Command: Command{Args: []string{"x"}}},
			shouldErr: true,
		},
		{
			name:      "empty_args",
			unit:      Unit{ID: "m", Kind: KindOneshot, ContextRef: "main"},
			shouldErr: true,
		},
		{
			name:      "duplicate_requires",
			unit:      Unit{ID: "m", Kind: KindOneshot, ContextRef: "main", Command: Command{Args: []string{"x"}}, Requires: []string{"a", "a"}},
			shouldErr: true,
		},
		{
			name: "absolute_working_directory",
			unit: Unit{ID: "m", Kind: KindOneshot, ContextRef: "main",
				Command: Command{Args: []string{"x"}, WorkingDirectory: "/etc"}},
			shouldErr: true,
		},
		{
			name: "escaping_working_directory",
			unit: Unit{ID: "m", Kind: KindOneshot, ContextRef: "main",
				Command: Command{Args: []string{"x"}, WorkingDirectory: "data/../../etc"}},
			shouldErr: true,
		},
		{
			name: "invalid_env_key",
			unit: Unit{ID: "m", Kind: KindOneshot, ContextRef: "main",
				Command: Command{Args: []string{"x"}, Env: map[string]string{"A=B": "1"}}},
			shouldErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUnit(tt.unit)

			if tt.shouldErr {
				assert.Error(t, err)
				assert.True(t, errors.IsValidationError(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCommand_SortedEnv(t *testing.T) {
	cmd := Command{Env: map[string]string{"B": "2", "A": "1", "C": "x=y"}}
	assert.Equal(t, []string{"A=1", "B=2", "C=x=y"}, cmd.SortedEnv())
}

func TestUnit_Label(t *testing.T) {
	assert.Equal(t, "", Unit{}.Label())
	assert.Equal(t, "Web UI", Unit{DisplayLabel: strPtr("Web UI")}.Label())
}
