package probe

import (
	"time"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
)

type Type string

const (
	TypeHTTP    Type = "http"
	TypeGRPC    Type = "grpc"
	TypeTCP     Type = "tcp"
	TypeExec    Type = "exec"
	TypeProcess Type = "process"
	TypeNone    Type = "none"
)

type HTTPConfig struct {
	URL            string            `yaml:"url" toml:"url"`
	Method         string            `yaml:"method,omitempty" toml:"method,omitempty"`
	Headers        map[string]string `yaml:"headers,omitempty" toml:"headers,omitempty"`
	ExpectedStatus int               `yaml:"expected_status,omitempty" toml:"expected_status,omitempty"`
}

type GRPCConfig struct {
	Address string `yaml:"address" toml:"address"`
	Service string `yaml:"service,omitempty" toml:"service,omitempty"`
}

type TCPConfig struct {
	Address string `yaml:"address" toml:"address"`
	Port    int    `yaml:"port" toml:"port"`
}

type ExecConfig struct {
	Command string   `yaml:"command" toml:"command"`
	Args    []string `yaml:"args,omitempty" toml:"args,omitempty"`
}

// Config is the declarative form of a daemon readiness probe
type Config struct {
	Type Type `yaml:"type" toml:"type"`

	HTTP HTTPConfig `yaml:"http,omitempty" toml:"http,omitempty"`
	GRPC GRPCConfig `yaml:"grpc,omitempty" toml:"grpc,omitempty"`
	TCP  TCPConfig  `yaml:"tcp,omitempty" toml:"tcp,omitempty"`
	Exec ExecConfig `yaml:"exec,omitempty" toml:"exec,omitempty"`

	Interval     time.Duration `yaml:"interval,omitempty" toml:"interval,omitempty"`
	Deadline     time.Duration `yaml:"deadline,omitempty" toml:"deadline,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty" toml:"timeout,omitempty"`
	InitialDelay time.Duration `yaml:"initial_delay,omitempty" toml:"initial_delay,omitempty"`

	// Message is shown in the status view once the daemon is ready
	Message string `yaml:"message,omitempty" toml:"message,omitempty"`
}

// Policy returns the polling policy of the probe, falling back to defaults field by field
func (c Config) Policy(defaults Policy) Policy {
	p := Policy{
		Interval:       c.Interval,
		Deadline:       c.Deadline,
		AttemptTimeout: c.Timeout,
		InitialDelay:   c.InitialDelay,
	}
	if p.Interval == 0 {
		p.Interval = defaults.Interval
	}
	if p.Deadline == 0 {
		p.Deadline = defaults.Deadline
	}
	if p.AttemptTimeout == 0 {
		p.AttemptTimeout = defaults.AttemptTimeout
	}
	if p.InitialDelay == 0 {
		p.InitialDelay = defaults.InitialDelay
	}
	return p.WithDefaults()
}

// ValidateConfig validates probe configuration
func ValidateConfig(config Config) error {
	if config.Interval < 0 {
		return errors.NewValidationError("probe interval cannot be negative", nil)
	}
	if config.Deadline < 0 {
		return errors.NewValidationError("probe deadline cannot be negative", nil)
	}
	if config.Timeout < 0 {
		return errors.NewValidationError("probe timeout cannot be negative", nil)
	}
	if config.Interval > 0 && config.Deadline > 0 && config.Deadline < config.Interval {
		return errors.NewValidationError("probe deadline must not be shorter than its interval", nil)
	}

	switch config.Type {
	case TypeHTTP:
		if config.HTTP.URL == "" {
			return errors.NewValidationError("HTTP URL is required for HTTP probe", nil)
		}
		if config.HTTP.ExpectedStatus != 0 && (config.HTTP.ExpectedStatus < 100 || config.HTTP.ExpectedStatus > 599) {
			return errors.NewValidationError("HTTP expected status must be between 100 and 599", nil)
		}

	case TypeGRPC:
		if config.GRPC.Address == "" {
			return errors.NewValidationError("gRPC address is required for gRPC probe", nil)
		}

	case TypeTCP:
		if config.TCP.Address == "" {
			return errors.NewValidationError("TCP address is required for TCP probe", nil)
		}
		if config.TCP.Port <= 0 || config.TCP.Port > 65535 {
			return errors.NewValidationError("TCP port must be between 1 and 65535", nil)
		}

	case TypeExec:
		if config.Exec.Command == "" {
			return errors.NewValidationError("command is required for exec probe", nil)
		}

	case TypeProcess, TypeNone:
		// Nothing else to check

	default:
		return errors.NewValidationError("unsupported probe type: "+string(config.Type), nil)
	}

	return nil
}
