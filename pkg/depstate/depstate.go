package depstate

import (
	"context"
	"path/filepath"
	"sort"
	"sync"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/netif"
	"github.com/core-tools/hsu-orchestrator/pkg/reactive"
	"github.com/core-tools/hsu-orchestrator/pkg/store"
	"github.com/core-tools/hsu-orchestrator/pkg/units"
)

// State is the lifecycle state another service instance reports
type State string

const (
	StateUnknown  State = "unknown"
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// Provider answers for the service instances this one depends on
type Provider interface {
	// VolumePath resolves a volume exported by a dependency to a host path
	VolumePath(dependency, volume string) (string, error)
	Interfaces(dependency string) ([]netif.Descriptor, error)
	// Source exposes a dependency as a binding source with keys state, interfaces and volumes
	Source(dependency string) reactive.Source
}

type dependency struct {
	state      State
	volumes    map[string]string
	interfaces map[string]netif.Descriptor
}

func (d *dependency) value() map[string]any {
	volumes := make(map[string]any, len(d.volumes))
	for name, path := range d.volumes {
		volumes[name] = path
	}
	interfaces := make(map[string]any, len(d.interfaces))
	for id, desc := range d.interfaces {
		interfaces[id] = desc.Value()
	}
	return map[string]any{
		"state":      string(d.state),
		"volumes":    volumes,
		"interfaces": interfaces,
	}
}

// MemoryProvider keeps dependency state in process. Every setter publishes the
// dependency's whole state and notifies subscribers.
type MemoryProvider struct {
	mutex     sync.Mutex
	deps      map[string]*dependency
	published *store.MemoryStore
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		deps:      make(map[string]*dependency),
		published: store.NewMemoryStore("dependencies", nil),
	}
}

func (p *MemoryProvider) mutate(name string, apply func(d *dependency) error) error {
	if err := units.ValidateUnitID(name); err != nil {
		return errors.NewValidationError("invalid dependency ID", err).WithContext("dependency", name)
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	d, ok := p.deps[name]
	if !ok {
		d = &dependency{
			state:      StateUnknown,
			volumes:    make(map[string]string),
			interfaces: make(map[string]netif.Descriptor),
		}
	}
	if err := apply(d); err != nil {
		return err
	}
	p.deps[name] = d
	p.published.Set(name, d.value())
	return nil
}

// SetVolume exports volume of dependency at an absolute host path
func (p *MemoryProvider) SetVolume(name, volume, path string) error {
	return p.mutate(name, func(d *dependency) error {
		if volume == "" {
			return errors.NewValidationError("volume name is required", nil).WithContext("dependency", name)
		}
		if !filepath.IsAbs(path) {
			return errors.NewValidationError("volume path must be absolute: "+path, nil).
				WithContext("dependency", name).WithContext("volume", volume)
		}
		d.volumes[volume] = filepath.Clean(path)
		return nil
	})
}

func (p *MemoryProvider) SetInterface(name string, descriptor netif.Descriptor) error {
	return p.mutate(name, func(d *dependency) error {
		if err := netif.ValidateDescriptor(descriptor); err != nil {
			return err
		}
		d.interfaces[descriptor.ID] = descriptor
		return nil
	})
}

func (p *MemoryProvider) SetState(name string, state State) error {
	return p.mutate(name, func(d *dependency) error {
		switch state {
		case StateUnknown, StateStarting, StateReady, StateStopped, StateFailed:
		default:
			return errors.NewValidationError("invalid dependency state: "+string(state), nil).WithContext("dependency", name)
		}
		d.state = state
		return nil
	})
}

func (p *MemoryProvider) lookup(name string) (map[string]any, error) {
	value, ok := p.published.Get(name)
	if !ok {
		return nil, errors.NewNotFoundError("unknown dependency: "+name, nil).WithContext("dependency", name)
	}
	m, _ := value.(map[string]any)
	return m, nil
}

func (p *MemoryProvider) VolumePath(dependency, volume string) (string, error) {
	state, err := p.lookup(dependency)
	if err != nil {
		return "", err
	}
	volumes, _ := state["volumes"].(map[string]any)
	path, ok := volumes[volume].(string)
	if !ok {
		return "", errors.NewNotFoundError("dependency does not export volume "+volume, nil).
			WithContext("dependency", dependency).WithContext("volume", volume)
	}
	return path, nil
}

// Interfaces returns the dependency's descriptors ordered by id
func (p *MemoryProvider) Interfaces(dependency string) ([]netif.Descriptor, error) {
	state, err := p.lookup(dependency)
	if err != nil {
		return nil, err
	}
	raw, _ := state["interfaces"].(map[string]any)
	ids := make([]string, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]netif.Descriptor, 0, len(ids))
	for _, id := range ids {
		value, _ := raw[id].(map[string]any)
		out = append(out, netif.DescriptorFromValue(id, value))
	}
	return out, nil
}

func (p *MemoryProvider) State(dependency string) State {
	state, err := p.lookup(dependency)
	if err != nil {
		return StateUnknown
	}
	s, _ := state["state"].(string)
	return State(s)
}

func (p *MemoryProvider) Source(dependency string) reactive.Source {
	return &dependencySource{provider: p, name: dependency}
}

type dependencySource struct {
	provider *MemoryProvider
	name     string
}

func (s *dependencySource) Name() string {
	return "dependency:" + s.name
}

// Read returns nil until the dependency has reported anything
func (s *dependencySource) Read(ctx context.Context) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelledError("dependency read cancelled", err)
	}
	value, ok := s.provider.published.Get(s.name)
	if !ok {
		return nil, nil
	}
	return value, nil
}

func (s *dependencySource) Subscribe(ctx context.Context, notify func()) (func(), error) {
	return s.provider.published.Subscribe(ctx, notify)
}
