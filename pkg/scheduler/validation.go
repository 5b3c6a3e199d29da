package scheduler

import (
	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/execcontext"
	"github.com/core-tools/hsu-orchestrator/pkg/graph"
	"github.com/core-tools/hsu-orchestrator/pkg/units"
)

func ValidateMode(mode Mode) error {
	switch mode {
	case ModeContinuous, ModeBootstrap:
		return nil
	}
	return errors.NewValidationError("invalid run mode: "+string(mode), nil)
}

func ValidateOptions(options Options) error {
	if options.Backend == nil {
		return errors.NewValidationError("process backend is required", nil)
	}
	if options.ContextManager == nil {
		return errors.NewValidationError("context manager is required", nil)
	}
	if options.TeardownTimeout < 0 {
		return errors.NewValidationError("teardown timeout cannot be negative", nil)
	}
	return nil
}

// ValidateRequest performs every static check of a run and returns the
// resolved graph and the context specs by id. It has no side effects.
func ValidateRequest(request Request) (*graph.Graph, map[string]execcontext.Spec, error) {
	if err := ValidateMode(request.Mode); err != nil {
		return nil, nil, err
	}
	if request.Mode == ModeBootstrap && request.Deadline <= 0 {
		return nil, nil, errors.NewValidationError("bootstrap runs require a positive deadline", nil)
	}
	if request.Deadline < 0 {
		return nil, nil, errors.NewValidationError("deadline cannot be negative", nil)
	}

	specs := make(map[string]execcontext.Spec, len(request.Contexts))
	for _, spec := range request.Contexts {
		if err := execcontext.ValidateSpec(spec); err != nil {
			return nil, nil, err
		}
		if _, exists := specs[spec.ID]; exists {
			return nil, nil, errors.NewConflictError("duplicate context ID: "+spec.ID, nil).WithContext("context_id", spec.ID)
		}
		specs[spec.ID] = spec
	}

	for _, unit := range request.Units {
		if err := units.ValidateUnit(unit); err != nil {
			return nil, nil, err
		}
		if _, ok := specs[unit.ContextRef]; !ok {
			return nil, nil, errors.NewValidationError("unit references unknown context: "+unit.ContextRef, nil).
				WithContext("unit_id", unit.ID).
				WithContext("context_id", unit.ContextRef)
		}
	}

	g, err := graph.Resolve(request.Units)
	if err != nil {
		return nil, nil, err
	}
	return g, specs, nil
}
