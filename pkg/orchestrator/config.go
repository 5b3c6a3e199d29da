package orchestrator

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-orchestrator/pkg/depstate"
	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/execcontext"
	"github.com/core-tools/hsu-orchestrator/pkg/netif"
	"github.com/core-tools/hsu-orchestrator/pkg/scheduler"
	"github.com/core-tools/hsu-orchestrator/pkg/store/redisstore"
	"github.com/core-tools/hsu-orchestrator/pkg/units"
)

// OrchestratorConfig represents the top-level manifest structure
type OrchestratorConfig struct {
	Orchestrator OrchestratorOptions `yaml:"orchestrator" toml:"orchestrator"`
	Store        StoreConfig         `yaml:"store" toml:"store"`
	Interfaces   []netif.Descriptor  `yaml:"interfaces,omitempty" toml:"interfaces,omitempty"`
	Dependencies []DependencyConfig  `yaml:"dependencies,omitempty" toml:"dependencies,omitempty"`
	Contexts     []execcontext.Spec  `yaml:"contexts" toml:"contexts"`
	Units        []UnitConfig        `yaml:"units" toml:"units"`
	Bindings     []BindingConfig     `yaml:"bindings,omitempty" toml:"bindings,omitempty"`
}

// OrchestratorOptions represents orchestrator-level configuration
type OrchestratorOptions struct {
	HTTPPort             int           `yaml:"http_port" toml:"http_port" env:"HSU_HTTP_PORT"`
	GRPCPort             int           `yaml:"grpc_port" toml:"grpc_port" env:"HSU_GRPC_PORT"`
	LogLevel             string        `yaml:"log_level,omitempty" toml:"log_level,omitempty" env:"HSU_LOG_LEVEL"`
	LogFormat            string        `yaml:"log_format,omitempty" toml:"log_format,omitempty" env:"HSU_LOG_FORMAT"`
	RuntimeDir           string        `yaml:"runtime_dir,omitempty" toml:"runtime_dir,omitempty" env:"HSU_RUNTIME_DIR"`
	VolumesDir           string        `yaml:"volumes_dir,omitempty" toml:"volumes_dir,omitempty" env:"HSU_VOLUMES_DIR"`
	ForceShutdownTimeout time.Duration `yaml:"force_shutdown_timeout,omitempty" toml:"force_shutdown_timeout,omitempty"`
	BootstrapDeadline    time.Duration `yaml:"bootstrap_deadline,omitempty" toml:"bootstrap_deadline,omitempty" env:"HSU_BOOTSTRAP_DEADLINE"`
	CoalesceWindow       time.Duration `yaml:"coalesce_window,omitempty" toml:"coalesce_window,omitempty"`
	StreamInterval       time.Duration `yaml:"stream_interval,omitempty" toml:"stream_interval,omitempty"`
	Probe                ProbeDefaults `yaml:"probe,omitempty" toml:"probe,omitempty"`
}

// ProbeDefaults applies to every daemon probe that leaves a field unset
type ProbeDefaults struct {
	Interval     time.Duration `yaml:"interval,omitempty" toml:"interval,omitempty"`
	Deadline     time.Duration `yaml:"deadline,omitempty" toml:"deadline,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty" toml:"timeout,omitempty"`
	InitialDelay time.Duration `yaml:"initial_delay,omitempty" toml:"initial_delay,omitempty"`
}

type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeRedis  StoreType = "redis"
)

// StoreConfig selects the configuration store backend
type StoreConfig struct {
	Type StoreType `yaml:"type,omitempty" toml:"type,omitempty"`
	// Initial seeds the memory store
	Initial map[string]any `yaml:"initial,omitempty" toml:"initial,omitempty"`
	Redis   RedisConfig    `yaml:"redis,omitempty" toml:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty" toml:"addr,omitempty" env:"HSU_REDIS_ADDR"`
	Password string `yaml:"password,omitempty" toml:"password,omitempty" env:"HSU_REDIS_PASSWORD"`
	DB       int    `yaml:"db,omitempty" toml:"db,omitempty"`
	Key      string `yaml:"key,omitempty" toml:"key,omitempty"`
	Channel  string `yaml:"channel,omitempty" toml:"channel,omitempty"`
}

// DependencyConfig seeds the state of another service instance
type DependencyConfig struct {
	Name       string             `yaml:"name" toml:"name"`
	State      depstate.State     `yaml:"state,omitempty" toml:"state,omitempty"`
	Volumes    map[string]string  `yaml:"volumes,omitempty" toml:"volumes,omitempty"`
	Interfaces []netif.Descriptor `yaml:"interfaces,omitempty" toml:"interfaces,omitempty"`
}

// Phase selects which run a unit belongs to
type Phase string

const (
	PhaseBootstrap  Phase = "bootstrap"
	PhaseContinuous Phase = "continuous"
)

// UnitConfig is a unit as written in the manifest. Args, env values, the
// working directory and probe addresses are templates over binding values.
type UnitConfig struct {
	units.Unit `yaml:",inline"`
	Phase      Phase `yaml:"phase,omitempty" toml:"phase,omitempty"`
}

// BindingConfig declares a value that triggers a rebuild when it changes.
// Source is "store", "interface:<id>" or "dependency:<name>".
type BindingConfig struct {
	ID     string   `yaml:"id" toml:"id"`
	Source string   `yaml:"source" toml:"source"`
	Path   string   `yaml:"path,omitempty" toml:"path,omitempty"`
	Fields []string `yaml:"fields,omitempty" toml:"fields,omitempty"`
}

const (
	DefaultHTTPPort             = 8080
	DefaultGRPCPort             = 50055
	DefaultForceShutdownTimeout = 30 * time.Second
	DefaultBootstrapDeadline    = 5 * time.Minute
)

// LoadConfigFromFile loads the manifest from a YAML or TOML file, then applies
// environment overrides and defaults
func LoadConfigFromFile(filename string) (*OrchestratorConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	var config OrchestratorConfig
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".toml":
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&config); err != nil {
			return nil, errors.NewValidationError("failed to parse TOML configuration", err).WithContext("filename", filename)
		}
	default:
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(&config); err != nil {
			return nil, errors.NewValidationError("failed to parse YAML configuration", err).WithContext("filename", filename)
		}
	}

	if err := applyEnvOverrides(&config); err != nil {
		return nil, err
	}

	if err := setConfigDefaults(&config); err != nil {
		return nil, errors.NewValidationError("failed to apply configuration defaults", err)
	}

	return &config, nil
}

// applyEnvOverrides lets HSU_* variables win over the manifest
func applyEnvOverrides(config *OrchestratorConfig) error {
	if err := env.Parse(&config.Orchestrator); err != nil {
		return errors.NewValidationError("failed to parse environment overrides", err)
	}
	if err := env.Parse(&config.Store.Redis); err != nil {
		return errors.NewValidationError("failed to parse environment overrides", err)
	}
	return nil
}

// setConfigDefaults applies default values to configuration
func setConfigDefaults(config *OrchestratorConfig) error {
	o := &config.Orchestrator
	if o.HTTPPort == 0 {
		o.HTTPPort = DefaultHTTPPort
	}
	if o.GRPCPort == 0 {
		o.GRPCPort = DefaultGRPCPort
	}
	if o.LogLevel == "" {
		o.LogLevel = "info"
	}
	if o.LogFormat == "" {
		o.LogFormat = "console"
	}
	if o.RuntimeDir == "" {
		o.RuntimeDir = filepath.Join(os.TempDir(), "hsu-orchestrator", "contexts")
	}
	if o.VolumesDir == "" {
		o.VolumesDir = filepath.Join(os.TempDir(), "hsu-orchestrator", "volumes")
	}
	if o.ForceShutdownTimeout == 0 {
		o.ForceShutdownTimeout = DefaultForceShutdownTimeout
	}
	if o.BootstrapDeadline == 0 {
		o.BootstrapDeadline = DefaultBootstrapDeadline
	}

	if config.Store.Type == "" {
		config.Store.Type = StoreTypeMemory
		if config.Store.Redis.Addr != "" {
			config.Store.Type = StoreTypeRedis
		}
	}
	if config.Store.Type == StoreTypeRedis {
		if config.Store.Redis.Key == "" {
			config.Store.Redis.Key = redisstore.DefaultKey
		}
		if config.Store.Redis.Channel == "" {
			config.Store.Redis.Channel = redisstore.DefaultChannel
		}
	}

	for i := range config.Units {
		if config.Units[i].Phase == "" {
			config.Units[i].Phase = PhaseContinuous
		}
	}

	return nil
}

// ValidateConfig validates the entire configuration structure
func ValidateConfig(config *OrchestratorConfig) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if err := validateOrchestratorOptions(&config.Orchestrator); err != nil {
		return errors.NewValidationError("invalid orchestrator configuration", err)
	}

	if err := validateStoreConfig(&config.Store); err != nil {
		return errors.NewValidationError("invalid store configuration", err)
	}

	for i, d := range config.Interfaces {
		if err := netif.ValidateDescriptor(d); err != nil {
			return errors.NewValidationError(fmt.Sprintf("invalid interface at index %d", i), err).WithContext("interface_id", d.ID)
		}
	}

	if err := validateDependencies(config.Dependencies); err != nil {
		return errors.NewValidationError("invalid dependencies configuration", err)
	}

	if err := validateUnits(config); err != nil {
		return errors.NewValidationError("invalid units configuration", err)
	}

	if err := validateBindings(config); err != nil {
		return errors.NewValidationError("invalid bindings configuration", err)
	}

	return nil
}

func validateOrchestratorOptions(o *OrchestratorOptions) error {
	if err := ValidatePort(o.HTTPPort); err != nil {
		return errors.NewValidationError(fmt.Sprintf("invalid HTTP port: %d", o.HTTPPort), err)
	}
	if err := ValidatePort(o.GRPCPort); err != nil {
		return errors.NewValidationError(fmt.Sprintf("invalid gRPC port: %d", o.GRPCPort), err)
	}
	if o.HTTPPort == o.GRPCPort {
		return errors.NewValidationError("HTTP and gRPC ports must differ", nil).WithContext("port", o.HTTPPort)
	}

	switch o.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.NewValidationError(fmt.Sprintf("invalid log level: %s", o.LogLevel), nil).
			WithContext("valid_levels", "debug, info, warn, error")
	}
	switch o.LogFormat {
	case "console", "json":
	default:
		return errors.NewValidationError(fmt.Sprintf("invalid log format: %s", o.LogFormat), nil).
			WithContext("valid_formats", "console, json")
	}

	if !filepath.IsAbs(o.RuntimeDir) || !filepath.IsAbs(o.VolumesDir) {
		return errors.NewValidationError("runtime and volumes directories must be absolute", nil)
	}

	if err := ValidateTimeout(o.ForceShutdownTimeout, "force shutdown"); err != nil {
		return err
	}
	if err := ValidateTimeout(o.BootstrapDeadline, "bootstrap"); err != nil {
		return err
	}
	if o.CoalesceWindow < 0 || o.StreamInterval < 0 {
		return errors.NewValidationError("coalesce window and stream interval cannot be negative", nil)
	}
	if o.Probe.Interval < 0 || o.Probe.Deadline < 0 || o.Probe.Timeout < 0 {
		return errors.NewValidationError("probe defaults cannot be negative", nil)
	}
	return nil
}

func validateStoreConfig(s *StoreConfig) error {
	switch s.Type {
	case StoreTypeMemory:
		return nil
	case StoreTypeRedis:
		if s.Redis.Addr == "" {
			return errors.NewValidationError("redis address is required for the redis store", nil)
		}
		return ValidateNetworkAddress(s.Redis.Addr)
	}
	return errors.NewValidationError("unsupported store type: "+string(s.Type), nil).
		WithContext("supported_types", "memory, redis")
}

func validateDependencies(deps []DependencyConfig) error {
	seen := make(map[string]int)
	for i, d := range deps {
		if err := units.ValidateUnitID(d.Name); err != nil {
			return errors.NewValidationError(fmt.Sprintf("invalid dependency name at index %d", i), err)
		}
		if prev, exists := seen[d.Name]; exists {
			return errors.NewValidationError(
				fmt.Sprintf("duplicate dependency '%s' found at indices %d and %d", d.Name, prev, i),
				nil,
			)
		}
		seen[d.Name] = i

		switch d.State {
		case "", depstate.StateUnknown, depstate.StateStarting, depstate.StateReady, depstate.StateStopped, depstate.StateFailed:
		default:
			return errors.NewValidationError("invalid dependency state: "+string(d.State), nil).WithContext("dependency", d.Name)
		}
		for volume, path := range d.Volumes {
			if volume == "" || !filepath.IsAbs(path) {
				return errors.NewValidationError("dependency volumes need a name and an absolute path", nil).
					WithContext("dependency", d.Name).
					WithContext("volume", volume)
			}
		}
		for _, descriptor := range d.Interfaces {
			if err := netif.ValidateDescriptor(descriptor); err != nil {
				return errors.NewValidationError("invalid dependency interface", err).WithContext("dependency", d.Name)
			}
		}
	}
	return nil
}

// validateUnits checks each phase as a run would, with templates left unrendered
func validateUnits(config *OrchestratorConfig) error {
	phases := make(map[string]Phase, len(config.Units))
	for i, u := range config.Units {
		switch u.Phase {
		case PhaseBootstrap, PhaseContinuous:
		default:
			return errors.NewValidationError(fmt.Sprintf("invalid phase at index %d: %s", i, u.Phase), nil).
				WithContext("unit_id", u.ID).
				WithContext("valid_phases", "bootstrap, continuous")
		}
		if prev, exists := phases[u.ID]; exists && prev != u.Phase {
			return errors.NewConflictError("duplicate unit ID across phases: "+u.ID, nil).WithContext("unit_id", u.ID)
		}
		phases[u.ID] = u.Phase
		if err := parseUnitTemplates(u.Unit); err != nil {
			return err
		}
	}

	for _, u := range config.Units {
		if u.Phase != PhaseBootstrap {
			continue
		}
		for _, dep := range u.Requires {
			if phases[dep] == PhaseContinuous {
				return errors.NewValidationError("bootstrap unit cannot require a continuous unit: "+dep, nil).
					WithContext("unit_id", u.ID)
			}
		}
	}

	bootstrap, continuous := splitPhases(config)
	if len(bootstrap.Units) > 0 {
		bootstrap.Deadline = config.Orchestrator.BootstrapDeadline
		if _, _, err := scheduler.ValidateRequest(bootstrap); err != nil {
			return err
		}
	}
	if _, _, err := scheduler.ValidateRequest(continuous); err != nil {
		return err
	}
	return nil
}

// validateBindings checks source names only; interfaces and dependencies may
// be published after startup
func validateBindings(config *OrchestratorConfig) error {
	seen := make(map[string]bool, len(config.Bindings))
	for _, b := range config.Bindings {
		if err := units.ValidateUnitID(b.ID); err != nil {
			return errors.NewValidationError("invalid binding ID", err).WithContext("binding_id", b.ID)
		}
		if seen[b.ID] {
			return errors.NewConflictError("duplicate binding ID: "+b.ID, nil).WithContext("binding_id", b.ID)
		}
		seen[b.ID] = true

		if b.Path != "" && len(b.Fields) > 0 {
			return errors.NewValidationError("binding takes either a path or fields", nil).WithContext("binding_id", b.ID)
		}

		kind, name := splitSource(b.Source)
		switch kind {
		case "store":
			if name != "" {
				return errors.NewValidationError("store source takes no name", nil).WithContext("binding_id", b.ID)
			}
		case "interface", "dependency":
			if err := units.ValidateUnitID(name); err != nil {
				return errors.NewValidationError("invalid binding source: "+b.Source, err).WithContext("binding_id", b.ID)
			}
		default:
			return errors.NewValidationError("unsupported binding source: "+b.Source, nil).
				WithContext("binding_id", b.ID).
				WithContext("supported_sources", "store, interface:<id>, dependency:<name>")
		}
	}
	return nil
}

func splitSource(source string) (string, string) {
	kind, name, _ := strings.Cut(source, ":")
	return kind, name
}

// splitPhases returns the raw bootstrap and continuous requests. Requires on
// bootstrap units are dropped from continuous units since bootstrap has
// already succeeded by the time the continuous run starts.
func splitPhases(config *OrchestratorConfig) (scheduler.Request, scheduler.Request) {
	bootstrap := scheduler.Request{Mode: scheduler.ModeBootstrap}
	continuous := scheduler.Request{Mode: scheduler.ModeContinuous}

	bootstrapIDs := make(map[string]bool)
	for _, u := range config.Units {
		if u.Phase == PhaseBootstrap {
			bootstrapIDs[u.ID] = true
		}
	}

	bootstrapContexts := make(map[string]bool)
	continuousContexts := make(map[string]bool)
	for _, u := range config.Units {
		unit := u.Unit
		if u.Phase == PhaseBootstrap {
			bootstrap.Units = append(bootstrap.Units, unit)
			bootstrapContexts[unit.ContextRef] = true
			continue
		}
		var requires []string
		for _, dep := range unit.Requires {
			if !bootstrapIDs[dep] {
				requires = append(requires, dep)
			}
		}
		unit.Requires = requires
		continuous.Units = append(continuous.Units, unit)
		continuousContexts[unit.ContextRef] = true
	}

	for _, spec := range config.Contexts {
		if bootstrapContexts[spec.ID] {
			bootstrap.Contexts = append(bootstrap.Contexts, spec)
		}
		if continuousContexts[spec.ID] {
			continuous.Contexts = append(continuous.Contexts, spec)
		}
	}
	return bootstrap, continuous
}

// ValidateConfigFile validates a configuration file without loading/running
func ValidateConfigFile(configFile string) error {
	config, err := LoadConfigFromFile(configFile)
	if err != nil {
		return errors.NewIOError("failed to load configuration", err).WithContext("config_file", configFile)
	}

	if err := ValidateConfig(config); err != nil {
		return errors.NewValidationError("configuration validation failed", err).WithContext("config_file", configFile)
	}

	return nil
}

// ConfigSummary provides a high-level overview of configuration
type ConfigSummary struct {
	HTTPPort        int           `json:"http_port"`
	GRPCPort        int           `json:"grpc_port"`
	LogLevel        string        `json:"log_level"`
	Store           StoreType     `json:"store"`
	TotalUnits      int           `json:"total_units"`
	BootstrapUnits  int           `json:"bootstrap_units"`
	ContinuousUnits int           `json:"continuous_units"`
	Contexts        []string      `json:"contexts"`
	Bindings        []string      `json:"bindings"`
	Units           []UnitSummary `json:"units"`
	Error           string        `json:"error,omitempty"`
}

type UnitSummary struct {
	ID        string     `json:"id"`
	Kind      units.Kind `json:"kind"`
	Phase     Phase      `json:"phase"`
	Context   string     `json:"context"`
	Requires  []string   `json:"requires,omitempty"`
	ProbeType string     `json:"probe_type,omitempty"`
}

// GetConfigSummary returns a human-readable summary of the configuration
func GetConfigSummary(config *OrchestratorConfig) ConfigSummary {
	if config == nil {
		return ConfigSummary{Error: "configuration is nil"}
	}

	summary := ConfigSummary{
		HTTPPort: config.Orchestrator.HTTPPort,
		GRPCPort: config.Orchestrator.GRPCPort,
		LogLevel: config.Orchestrator.LogLevel,
		Store:    config.Store.Type,
		Units:    make([]UnitSummary, 0, len(config.Units)),
	}

	for _, u := range config.Units {
		unitSummary := UnitSummary{
			ID:       u.ID,
			Kind:     u.Kind,
			Phase:    u.Phase,
			Context:  u.ContextRef,
			Requires: u.Requires,
		}
		if u.Probe != nil {
			unitSummary.ProbeType = string(u.Probe.Type)
		}
		if u.Phase == PhaseBootstrap {
			summary.BootstrapUnits++
		} else {
			summary.ContinuousUnits++
		}
		summary.Units = append(summary.Units, unitSummary)
	}
	summary.TotalUnits = len(summary.Units)

	for _, c := range config.Contexts {
		summary.Contexts = append(summary.Contexts, c.ID)
	}
	for _, b := range config.Bindings {
		summary.Bindings = append(summary.Bindings, b.ID)
	}
	sort.Strings(summary.Bindings)

	return summary
}
