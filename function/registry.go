package function

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/kiln"
)

// ErrSealed is returned when registering into a registry after its
// registration phase has ended.
var ErrSealed = errors.New("function registry is sealed")

// Registry maps function names to descriptors. It is filled during an
// explicit registration phase and read-only once sealed.
type Registry struct {
	mu     sync.RWMutex
	funcs  map[string]Descriptor
	sealed bool
}

// NewRegistry creates an empty, unsealed registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Descriptor)}
}

// Register adds d. Names are case-sensitive; a second descriptor with the
// same name is rejected with kiln.ErrDuplicateFunction.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return errors.New("function name is required")
	}
	if _, err := ParseProcedure(string(d.Procedure)); err != nil {
		return fmt.Errorf("function %q: %w", d.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("register %q: %w", d.Name, ErrSealed)
	}
	if _, exists := r.funcs[d.Name]; exists {
		return fmt.Errorf("%w: %q registered twice", kiln.ErrDuplicateFunction, d.Name)
	}
	r.funcs[d.Name] = d
	return nil
}

// MustRegister is Register for use during program start-up: any error is
// fatal and panics.
func (r *Registry) MustRegister(d Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Seal ends the registration phase.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Resolve returns the descriptor registered under name.
func (r *Registry) Resolve(name string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.funcs[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", kiln.ErrUnknownFunction, name)
	}
	return d, nil
}

// Functions returns every descriptor sorted by name.
func (r *Registry) Functions() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]Descriptor, 0, len(r.funcs))
	for _, d := range r.funcs {
		list = append(list, d)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name < list[j].Name
	})
	return list
}

// Discover returns a name to descriptor mapping of every registered function.
func (r *Registry) Discover() map[string]Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m := make(map[string]Descriptor, len(r.funcs))
	for name, d := range r.funcs {
		m[name] = d
	}
	return m
}

// Bootstrap runs the registration phase: every register func is called in
// order against a fresh registry, which is then sealed. Registration errors
// such as duplicate names panic, aborting start-up.
func Bootstrap(register ...func(*Registry)) *Registry {
	r := NewRegistry()
	for _, fn := range register {
		fn(r)
	}
	r.Seal()
	return r
}

// Catalog builds a sealed registry from descriptors obtained by discovery.
func Catalog(descs []Descriptor) (*Registry, error) {
	r := NewRegistry()
	for _, d := range descs {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	r.Seal()
	return r, nil
}
