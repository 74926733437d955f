package backend

import (
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/kiln"
	"github.com/seantiz/kiln/function"
)

// autoRouting maps a function's device class to the backend picked for "auto".
var autoRouting = map[function.DeviceClass]string{
	function.AnyDevice: Wgpu,
	function.CPUOnly:   Ndarray,
	function.GPUOnly:   Wgpu,
}

// Registry holds the backends available on this machine and resolves which
// one to use for a function.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Capabilities
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Capabilities),
	}
}

// DefaultRegistry returns a registry holding every builtin backend.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, caps := range Builtin() {
		r.Register(caps)
	}
	return r
}

// Register adds a backend to the registry under its name.
func (r *Registry) Register(caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[caps.Name] = caps
}

// Lookup returns the capabilities of the named backend.
func (r *Registry) Lookup(name string) (Capabilities, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	caps, ok := r.backends[name]
	if !ok {
		return Capabilities{}, fmt.Errorf("%w: backend %q is not registered", kiln.ErrUnsupportedBackend, name)
	}
	return caps, nil
}

// Resolve picks the backend to use for d. An empty name means Default, and
// Auto routes on the descriptor's device class. The chosen backend must
// satisfy the descriptor's constraints.
func (r *Registry) Resolve(name string, d function.Descriptor) (Capabilities, error) {
	target := name
	switch target {
	case "":
		target = Default
	case Auto:
		resolved, ok := autoRouting[d.Constraints.Device]
		if !ok {
			return Capabilities{}, fmt.Errorf("%w: no auto-routing rule for device %q", kiln.ErrUnsupportedBackend, d.Constraints.Device)
		}
		target = resolved
	}

	caps, err := r.Lookup(target)
	if err != nil {
		return Capabilities{}, err
	}
	if err := Check(caps, d.Procedure, d.Constraints); err != nil {
		return Capabilities{}, fmt.Errorf("function %q: %w", d.Name, err)
	}
	return caps, nil
}

// List returns all registered backends sorted by name.
func (r *Registry) List() []Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]Capabilities, 0, len(r.backends))
	for _, caps := range r.backends {
		list = append(list, caps)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name < list[j].Name
	})
	return list
}
