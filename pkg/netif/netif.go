package netif

import (
	"context"
	"sort"
	"strings"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/reactive"
	"github.com/core-tools/hsu-orchestrator/pkg/store"
	"github.com/core-tools/hsu-orchestrator/pkg/units"
)

// Descriptor is the network interface a service instance exposes
type Descriptor struct {
	ID        string   `json:"id" yaml:"id" toml:"id"`
	Hostname  string   `json:"hostname" yaml:"hostname" toml:"hostname"`
	Port      int      `json:"port" yaml:"port" toml:"port"`
	Protocol  string   `json:"protocol,omitempty" yaml:"protocol,omitempty" toml:"protocol,omitempty"`
	Addresses []string `json:"addresses,omitempty" yaml:"addresses,omitempty" toml:"addresses,omitempty"`
}

// Value is the descriptor as seen by binding projections
func (d Descriptor) Value() map[string]any {
	addresses := make([]any, len(d.Addresses))
	for i, a := range d.Addresses {
		addresses[i] = a
	}
	return map[string]any{
		"id":        d.ID,
		"hostname":  d.Hostname,
		"port":      d.Port,
		"protocol":  d.Protocol,
		"addresses": addresses,
	}
}

// DescriptorFromValue is the inverse of Descriptor.Value
func DescriptorFromValue(id string, value map[string]any) Descriptor {
	d := Descriptor{ID: id}
	d.Hostname, _ = value["hostname"].(string)
	d.Port, _ = value["port"].(int)
	d.Protocol, _ = value["protocol"].(string)
	if addresses, ok := value["addresses"].([]any); ok {
		for _, a := range addresses {
			if s, ok := a.(string); ok {
				d.Addresses = append(d.Addresses, s)
			}
		}
	}
	return d
}

func ValidateDescriptor(d Descriptor) error {
	if err := units.ValidateUnitID(d.ID); err != nil {
		return errors.NewValidationError("invalid interface ID", err).WithContext("interface_id", d.ID)
	}
	if strings.TrimSpace(d.Hostname) == "" {
		return errors.NewValidationError("interface hostname is required", nil).WithContext("interface_id", d.ID)
	}
	if d.Port < 0 || d.Port > 65535 {
		return errors.NewValidationError("interface port out of range", nil).WithContext("interface_id", d.ID).WithContext("port", d.Port)
	}
	return nil
}

// Provider answers for the network interfaces of this service instance
type Provider interface {
	Read(ctx context.Context, interfaceID string) (Descriptor, error)
	// Source exposes one interface as a binding source; the value is Descriptor.Value()
	Source(interfaceID string) reactive.Source
}

// MemoryProvider holds descriptors in process and notifies on every Put
type MemoryProvider struct {
	descriptors *store.MemoryStore
}

func NewMemoryProvider(initial ...Descriptor) (*MemoryProvider, error) {
	p := &MemoryProvider{descriptors: store.NewMemoryStore("interfaces", nil)}
	for _, d := range initial {
		if err := p.Put(d); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Put replaces the descriptor of d.ID
func (p *MemoryProvider) Put(d Descriptor) error {
	if err := ValidateDescriptor(d); err != nil {
		return err
	}
	p.descriptors.Set(d.ID, d.Value())
	return nil
}

func (p *MemoryProvider) Remove(interfaceID string) {
	p.descriptors.Delete(interfaceID)
}

func (p *MemoryProvider) Read(ctx context.Context, interfaceID string) (Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return Descriptor{}, errors.NewCancelledError("interface read cancelled", err)
	}
	value, ok := p.descriptors.Get(interfaceID)
	if !ok {
		return Descriptor{}, errors.NewNotFoundError("interface not found: "+interfaceID, nil).WithContext("interface_id", interfaceID)
	}
	m, _ := value.(map[string]any)
	return DescriptorFromValue(interfaceID, m), nil
}

// IDs lists the known interfaces in sorted order
func (p *MemoryProvider) IDs(ctx context.Context) ([]string, error) {
	raw, err := p.descriptors.Read(ctx)
	if err != nil {
		return nil, err
	}
	doc, _ := raw.(map[string]any)
	ids := make([]string, 0, len(doc))
	for id := range doc {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (p *MemoryProvider) Source(interfaceID string) reactive.Source {
	return &interfaceSource{provider: p, id: interfaceID}
}

type interfaceSource struct {
	provider *MemoryProvider
	id       string
}

func (s *interfaceSource) Name() string {
	return "interface:" + s.id
}

// Read returns nil for an interface that is not (yet) known
func (s *interfaceSource) Read(ctx context.Context) (any, error) {
	d, err := s.provider.Read(ctx, s.id)
	if errors.IsNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d.Value(), nil
}

// Subscribe notifies on a change to any interface; projections filter out the rest
func (s *interfaceSource) Subscribe(ctx context.Context, notify func()) (func(), error) {
	return s.provider.descriptors.Subscribe(ctx, notify)
}
