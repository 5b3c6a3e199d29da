package reactive

import (
	"context"
	"sort"
	"strings"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/units"
)

// Source is an external value the orchestrator observes but never writes
type Source interface {
	Name() string
	Read(ctx context.Context) (any, error)
	// Subscribe calls notify after every change; notifications carry no payload
	Subscribe(ctx context.Context, notify func()) (cancel func(), err error)
}

// Projection maps the raw source value to the part a binding depends on.
// Rebuilds compare projections, never raw values.
type Projection func(raw any) (any, error)

// Identity projects the whole value
func Identity() Projection {
	return func(raw any) (any, error) {
		return raw, nil
	}
}

// Path walks nested maps along a dotted path. A missing key projects to nil.
func Path(path string) Projection {
	parts := strings.Split(path, ".")
	return func(raw any) (any, error) {
		current := raw
		for i, part := range parts {
			if current == nil {
				return nil, nil
			}
			m, ok := current.(map[string]any)
			if !ok {
				return nil, errors.NewValidationError("cannot project "+strings.Join(parts[:i+1], ".")+": parent is not a map", nil).
					WithContext("path", path)
			}
			current = m[part]
		}
		return current, nil
	}
}

// Fields projects several paths into a map keyed by path
func Fields(paths ...string) Projection {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	return func(raw any) (any, error) {
		out := make(map[string]any, len(sorted))
		for _, p := range sorted {
			value, err := Path(p)(raw)
			if err != nil {
				return nil, err
			}
			out[p] = value
		}
		return out, nil
	}
}

type Binding struct {
	ID         string
	Source     Source
	Projection Projection
}

// Evaluate reads the source and applies the projection
func (b Binding) Evaluate(ctx context.Context) (any, error) {
	raw, err := b.Source.Read(ctx)
	if err != nil {
		return nil, err
	}
	projection := b.Projection
	if projection == nil {
		projection = Identity()
	}
	return projection(raw)
}

func ValidateBindings(bindings []Binding) error {
	seen := make(map[string]bool, len(bindings))
	for _, b := range bindings {
		if err := units.ValidateUnitID(b.ID); err != nil {
			return errors.NewValidationError("invalid binding ID", err).WithContext("binding_id", b.ID)
		}
		if seen[b.ID] {
			return errors.NewConflictError("duplicate binding ID: "+b.ID, nil).WithContext("binding_id", b.ID)
		}
		seen[b.ID] = true
		if b.Source == nil {
			return errors.NewValidationError("binding source is required", nil).WithContext("binding_id", b.ID)
		}
	}
	return nil
}

// Values are the last observed projections keyed by binding id
type Values map[string]any

func (v Values) clone() Values {
	out := make(Values, len(v))
	for k, value := range v {
		out[k] = value
	}
	return out
}
