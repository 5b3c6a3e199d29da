package orchestrator

import (
	"github.com/core-tools/hsu-orchestrator/pkg/depstate"
	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/netif"
	"github.com/core-tools/hsu-orchestrator/pkg/reactive"
	"github.com/core-tools/hsu-orchestrator/pkg/store"
)

// Sources are the collaborators bindings can observe
type Sources struct {
	Store        store.Store
	Interfaces   netif.Provider
	Dependencies depstate.Provider
}

func (s Sources) resolve(source string) (reactive.Source, error) {
	kind, name := splitSource(source)
	switch kind {
	case "store":
		if s.Store != nil {
			return s.Store, nil
		}
	case "interface":
		if s.Interfaces != nil {
			return s.Interfaces.Source(name), nil
		}
	case "dependency":
		if s.Dependencies != nil {
			return s.Dependencies.Source(name), nil
		}
	default:
		return nil, errors.NewValidationError("unsupported binding source: "+source, nil)
	}
	return nil, errors.NewValidationError("no provider configured for binding source: "+source, nil)
}

// BuildBindings turns manifest bindings into reactive bindings over sources
func BuildBindings(configs []BindingConfig, sources Sources) ([]reactive.Binding, error) {
	bindings := make([]reactive.Binding, 0, len(configs))
	for _, c := range configs {
		source, err := sources.resolve(c.Source)
		if err != nil {
			return nil, errors.NewValidationError("failed to resolve binding source", err).WithContext("binding_id", c.ID)
		}

		projection := reactive.Identity()
		switch {
		case c.Path != "":
			projection = reactive.Path(c.Path)
		case len(c.Fields) > 0:
			projection = reactive.Fields(c.Fields...)
		}

		bindings = append(bindings, reactive.Binding{ID: c.ID, Source: source, Projection: projection})
	}

	if err := reactive.ValidateBindings(bindings); err != nil {
		return nil, err
	}
	return bindings, nil
}
