package orchestrator

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/execcontext"
	"github.com/core-tools/hsu-orchestrator/pkg/probe"
	"github.com/core-tools/hsu-orchestrator/pkg/units"
)

const testManifestYAML = `
orchestrator:
  http_port: 8081
  grpc_port: 50056
  log_level: debug
  bootstrap_deadline: 2m
  probe:
    interval: 200ms
store:
  initial:
    secretKey: s3cr3t
    web:
      port: 8080
interfaces:
  - id: web
    hostname: localhost
    port: 8080
contexts:
  - id: main
    directories: [data]
units:
  - id: migrate
    kind: oneshot
    context: main
    phase: bootstrap
    command:
      args: ["/bin/sh", "-c", "echo migrated"]
  - id: api
    kind: daemon
    context: main
    requires: [migrate]
    command:
      args: ["/bin/sh", "-c", "exec sleep 30"]
      env:
        SECRET_KEY: "{{ .secret }}"
    probe:
      type: tcp
      tcp:
        address: "{{ .web.hostname }}"
        port: 8080
bindings:
  - id: secret
    source: store
    path: secretKey
  - id: web
    source: interface:web
`

const testManifestTOML = `
[orchestrator]
http_port = 8081
grpc_port = 50056
bootstrap_deadline = "2m"

[store.initial]
secretKey = "s3cr3t"

[[contexts]]
id = "main"

[[units]]
id = "migrate"
kind = "oneshot"
context = "main"
phase = "bootstrap"

[units.command]
args = ["/bin/sh", "-c", "echo migrated"]

[[units]]
id = "api"
kind = "daemon"
context = "main"
requires = ["migrate"]

[units.command]
args = ["/bin/sh", "-c", "exec sleep 30"]

[units.command.env]
SECRET_KEY = "{{ .secret }}"

[units.probe]
type = "none"

[[bindings]]
id = "secret"
source = "store"
path = "secretKey"
`

func writeManifest(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigFromFile(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		content  string
		validate func(*testing.T, *OrchestratorConfig)
	}{
		{
			name:    "yaml",
			file:    "manifest.yaml",
			content: testManifestYAML,
			validate: func(t *testing.T, config *OrchestratorConfig) {
				assert.Equal(t, "debug", config.Orchestrator.LogLevel)
				assert.Equal(t, 200*time.Millisecond, config.Orchestrator.Probe.Interval)
				assert.Equal(t, map[string]any{"port": 8080}, config.Store.Initial["web"])
				require.Len(t, config.Interfaces, 1)
				assert.Equal(t, "localhost", config.Interfaces[0].Hostname)
				assert.Equal(t, []string{"data"}, config.Contexts[0].Directories)

				api := config.Units[1]
				require.NotNil(t, api.Probe)
				assert.Equal(t, probe.TypeTCP, api.Probe.Type)
				assert.Equal(t, "{{ .web.hostname }}", api.Probe.TCP.Address)
				assert.Equal(t, 2, len(config.Bindings))
				assert.Equal(t, "interface:web", config.Bindings[1].Source)
			},
		},
		{
			name:    "toml",
			file:    "manifest.toml",
			content: testManifestTOML,
			validate: func(t *testing.T, config *OrchestratorConfig) {
				assert.Equal(t, "info", config.Orchestrator.LogLevel)
				require.NotNil(t, config.Units[1].Probe)
				assert.Equal(t, probe.TypeNone, config.Units[1].Probe.Type)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config, err := LoadConfigFromFile(writeManifest(t, tt.file, tt.content))
			require.NoError(t, err)
			require.NoError(t, ValidateConfig(config))

			assert.Equal(t, 8081, config.Orchestrator.HTTPPort)
			assert.Equal(t, 50056, config.Orchestrator.GRPCPort)
			assert.Equal(t, 2*time.Minute, config.Orchestrator.BootstrapDeadline)
			assert.Equal(t, "s3cr3t", config.Store.Initial["secretKey"])
			require.Len(t, config.Units, 2)
			assert.Equal(t, "migrate", config.Units[0].ID)
			assert.Equal(t, PhaseBootstrap, config.Units[0].Phase)
			assert.Equal(t, PhaseContinuous, config.Units[1].Phase)
			assert.Equal(t, units.KindDaemon, config.Units[1].Kind)
			assert.Equal(t, []string{"migrate"}, config.Units[1].Requires)
			assert.Equal(t, "{{ .secret }}", config.Units[1].Command.Env["SECRET_KEY"])
			assert.Equal(t, "secretKey", config.Bindings[0].Path)

			tt.validate(t, config)
		})
	}
}

func TestLoadConfigFromFile_Errors(t *testing.T) {
	_, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.IsIOError(err))

	_, err = LoadConfigFromFile(writeManifest(t, "bad.yaml", "orchestrator: [not, a, map]"))
	assert.True(t, errors.IsValidationError(err))

	_, err = LoadConfigFromFile(writeManifest(t, "unknown.yaml", "orchestrator:\n  http_prt: 1\n"))
	assert.True(t, errors.IsValidationError(err))

	_, err = LoadConfigFromFile(writeManifest(t, "bad.toml", "[orchestrator\n"))
	assert.True(t, errors.IsValidationError(err))
}

func TestConfigDefaults(t *testing.T) {
	config, err := LoadConfigFromFile(writeManifest(t, "minimal.yaml", "contexts: []\nunits: []\n"))
	require.NoError(t, err)

	o := config.Orchestrator
	assert.Equal(t, DefaultHTTPPort, o.HTTPPort)
	assert.Equal(t, DefaultGRPCPort, o.GRPCPort)
	assert.Equal(t, "info", o.LogLevel)
	assert.Equal(t, "console", o.LogFormat)
	assert.True(t, filepath.IsAbs(o.RuntimeDir))
	assert.True(t, filepath.IsAbs(o.VolumesDir))
	assert.Equal(t, DefaultForceShutdownTimeout, o.ForceShutdownTimeout)
	assert.Equal(t, DefaultBootstrapDeadline, o.BootstrapDeadline)
	assert.Equal(t, StoreTypeMemory, config.Store.Type)
	assert.NoError(t, ValidateConfig(config))
}

func TestConfigEnvOverrides(t *testing.T) {
	t.Setenv("HSU_HTTP_PORT", "9090")
	t.Setenv("HSU_LOG_LEVEL", "warn")
	t.Setenv("HSU_BOOTSTRAP_DEADLINE", "90s")
	t.Setenv("HSU_REDIS_ADDR", "localhost:6379")

	config, err := LoadConfigFromFile(writeManifest(t, "manifest.yaml", testManifestYAML))
	require.NoError(t, err)

	assert.Equal(t, 9090, config.Orchestrator.HTTPPort)
	assert.Equal(t, 50056, config.Orchestrator.GRPCPort)
	assert.Equal(t, "warn", config.Orchestrator.LogLevel)
	assert.Equal(t, 90*time.Second, config.Orchestrator.BootstrapDeadline)

	// A redis address without an explicit type selects the redis store
	assert.Equal(t, StoreTypeRedis, config.Store.Type)
	assert.Equal(t, "localhost:6379", config.Store.Redis.Addr)
	assert.NotEmpty(t, config.Store.Redis.Key)
	assert.NotEmpty(t, config.Store.Redis.Channel)
	assert.NoError(t, ValidateConfig(config))
}

func validConfig(t *testing.T) *OrchestratorConfig {
	t.Helper()
	config := &OrchestratorConfig{
		Contexts: []execcontext.Spec{{ID: "main"}},
		Units: []UnitConfig{
			{
				Unit: units.Unit{
					ID: "migrate", Kind: units.KindOneshot, ContextRef: "main",
					Command: units.Command{Args: []string{"/bin/true"}},
				},
				Phase: PhaseBootstrap,
			},
			{
				Unit: units.Unit{
					ID: "api", Kind: units.KindDaemon, ContextRef: "main",
					Command:  units.Command{Args: []string{"/bin/sleep", "30"}},
					Requires: []string{"migrate"},
					Probe:    &probe.Config{Type: probe.TypeProcess},
				},
			},
		},
		Bindings: []BindingConfig{{ID: "secret", Source: "store", Path: "secretKey"}},
	}
	require.NoError(t, setConfigDefaults(config))
	return config
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*OrchestratorConfig)
		errorType func(error) bool
		contains  string
	}{
		{
			name:   "valid",
			mutate: func(c *OrchestratorConfig) {},
		},
		{
			name:     "invalid_log_level",
			mutate:   func(c *OrchestratorConfig) { c.Orchestrator.LogLevel = "verbose" },
			contains: "invalid log level",
		},
		{
			name:     "same_ports",
			mutate:   func(c *OrchestratorConfig) { c.Orchestrator.GRPCPort = c.Orchestrator.HTTPPort },
			contains: "must differ",
		},
		{
			name:     "relative_runtime_dir",
			mutate:   func(c *OrchestratorConfig) { c.Orchestrator.RuntimeDir = "contexts" },
			contains: "absolute",
		},
		{
			name:     "redis_without_addr",
			mutate:   func(c *OrchestratorConfig) { c.Store.Type = StoreTypeRedis },
			contains: "redis address is required",
		},
		{
			name:     "unknown_store",
			mutate:   func(c *OrchestratorConfig) { c.Store.Type = "etcd" },
			contains: "unsupported store type",
		},
		{
			name:     "invalid_phase",
			mutate:   func(c *OrchestratorConfig) { c.Units[0].Phase = "setup" },
			contains: "invalid phase",
		},
		{
			name:     "unknown_context",
			mutate:   func(c *OrchestratorConfig) { c.Units[1].ContextRef = "other" },
			contains: "unknown context",
		},
		{
			name: "bootstrap_requires_continuous",
			mutate: func(c *OrchestratorConfig) {
				c.Units[0].Requires = []string{"api"}
			},
			contains: "cannot require a continuous unit",
		},
		{
			name: "cycle_within_phase",
			mutate: func(c *OrchestratorConfig) {
				c.Units[1].Requires = []string{"api"}
			},
			errorType: errors.IsCyclicDependencyError,
		},
		{
			name: "unknown_requires",
			mutate: func(c *OrchestratorConfig) {
				c.Units[1].Requires = []string{"missing"}
			},
			errorType: errors.IsUnknownDependencyError,
		},
		{
			name: "bad_template",
			mutate: func(c *OrchestratorConfig) {
				c.Units[1].Command.Args = []string{"/bin/sleep", "{{ .secret"}
			},
			contains: "invalid template",
		},
		{
			name: "unsupported_binding_source",
			mutate: func(c *OrchestratorConfig) {
				c.Bindings[0].Source = "vault:prod"
			},
			contains: "unsupported binding source",
		},
		{
			name: "binding_path_and_fields",
			mutate: func(c *OrchestratorConfig) {
				c.Bindings[0].Fields = []string{"a"}
			},
			contains: "either a path or fields",
		},
		{
			name: "duplicate_binding",
			mutate: func(c *OrchestratorConfig) {
				c.Bindings = append(c.Bindings, BindingConfig{ID: "secret", Source: "store"})
			},
			errorType: errors.IsConflictError,
		},
		{
			name: "dependency_relative_volume",
			mutate: func(c *OrchestratorConfig) {
				c.Dependencies = []DependencyConfig{{Name: "db", Volumes: map[string]string{"data": "relative"}}}
			},
			contains: "absolute path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig(t)
			tt.mutate(config)

			err := ValidateConfig(config)
			if tt.contains == "" && tt.errorType == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsValidationError(err))
			if tt.contains != "" {
				assert.Contains(t, err.Error(), tt.contains)
			}
			if tt.errorType != nil {
				assert.True(t, tt.errorType(err), err.Error())
			}
		})
	}

	assert.True(t, errors.IsValidationError(ValidateConfig(nil)))
}

func TestSplitPhases(t *testing.T) {
	config := validConfig(t)
	config.Contexts = append(config.Contexts, execcontext.Spec{ID: "unused"})

	bootstrap, continuous := splitPhases(config)

	require.Len(t, bootstrap.Units, 1)
	assert.Equal(t, "migrate", bootstrap.Units[0].ID)
	require.Len(t, bootstrap.Contexts, 1)

	require.Len(t, continuous.Units, 1)
	assert.Empty(t, continuous.Units[0].Requires, "requires on bootstrap units are dropped")
	assert.Equal(t, []string{"migrate"}, config.Units[1].Requires, "manifest is left untouched")
	require.Len(t, continuous.Contexts, 1)
	assert.Equal(t, "main", continuous.Contexts[0].ID)
}

func TestGetConfigSummary(t *testing.T) {
	summary := GetConfigSummary(validConfig(t))

	assert.Equal(t, DefaultHTTPPort, summary.HTTPPort)
	assert.Equal(t, StoreTypeMemory, summary.Store)
	assert.Equal(t, 2, summary.TotalUnits)
	assert.Equal(t, 1, summary.BootstrapUnits)
	assert.Equal(t, 1, summary.ContinuousUnits)
	assert.Equal(t, []string{"main"}, summary.Contexts)
	assert.Equal(t, []string{"secret"}, summary.Bindings)
	assert.Equal(t, "process", summary.Units[1].ProbeType)

	assert.Equal(t, "configuration is nil", GetConfigSummary(nil).Error)
}

func TestValidateConfigFile(t *testing.T) {
	assert.NoError(t, ValidateConfigFile(writeManifest(t, "manifest.yaml", testManifestYAML)))

	invalid := writeManifest(t, "invalid.yaml", "orchestrator:\n  log_level: loud\ncontexts: []\nunits: []\n")
	err := ValidateConfigFile(invalid)
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
}
