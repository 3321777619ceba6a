// Package capability defines the registrable operations of the pipeline
// and the registry that maps capability names to executors and gate
// requirements. Capabilities are configuration, registered exactly once
// at orchestration start from a static declarative list.
package capability

import (
	"errors"
	"fmt"
	"sync"
)

// Sentinel errors returned by registry operations.
var (
	ErrDuplicateCapability = errors.New("capability already registered")
	ErrUnknownCapability   = errors.New("unknown capability")
)

// Param describes one declared input parameter.
type Param struct {
	Name string `yaml:"name" json:"name"`
	Type string `yaml:"type" json:"type"` // string, int, float, bool
}

// Capability identifies one registrable operation. Immutable once
// registered.
type Capability struct {
	// Name uniquely identifies the capability.
	Name string `yaml:"name" json:"name"`

	// Executor identifies the tool wrapper that owns the operation.
	Executor string `yaml:"executor" json:"executor"`

	// Params is the ordered list of declared input parameters.
	Params []Param `yaml:"params" json:"params,omitempty"`

	// Requires lists the gates that must all be open before the
	// capability may execute.
	Requires []string `yaml:"requires" json:"requires,omitempty"`

	// Affects lists the gates the capability is declared to open or
	// block. Gate updates outside this list are discarded.
	Affects []string `yaml:"affects" json:"affects,omitempty"`

	// Async marks job-backed capabilities whose executor submits
	// external work instead of returning a result directly.
	Async bool `yaml:"async" json:"async,omitempty"`

	// CorrectionSensitive marks capabilities for which prior human
	// corrections are recalled before proposing.
	CorrectionSensitive bool `yaml:"correction_sensitive" json:"correction_sensitive,omitempty"`
}

// ParamNames returns the declared parameter names in order.
func (c Capability) ParamNames() []string {
	names := make([]string, len(c.Params))
	for i, p := range c.Params {
		names[i] = p.Name
	}
	return names
}

// AffectsGate reports whether the capability declares the named gate in
// its affected set.
func (c Capability) AffectsGate(name string) bool {
	for _, g := range c.Affects {
		if g == name {
			return true
		}
	}
	return false
}

// Registry maps capability names to their definitions. All methods are
// safe for concurrent use.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]Capability
	order        []string // registration order, for stable listings
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{capabilities: make(map[string]Capability)}
}

// Register adds a capability. Returns ErrDuplicateCapability if the
// name is already taken.
func (r *Registry) Register(c Capability) error {
	if c.Name == "" {
		return errors.New("capability name must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.capabilities[c.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCapability, c.Name)
	}
	r.capabilities[c.Name] = c
	r.order = append(r.order, c.Name)
	return nil
}

// Lookup returns the capability for the given name, or
// ErrUnknownCapability.
func (r *Registry) Lookup(name string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.capabilities[name]
	if !ok {
		return Capability{}, fmt.Errorf("%w: %s", ErrUnknownCapability, name)
	}
	return c, nil
}

// RequiredGates returns the required gate names for a capability.
func (r *Registry) RequiredGates(name string) ([]string, error) {
	c, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), c.Requires...), nil
}

// AffectedGates returns the affected gate names for a capability.
func (r *Registry) AffectedGates(name string) ([]string, error) {
	c, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), c.Affects...), nil
}

// List returns all capabilities in registration order.
func (r *Registry) List() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Capability, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.capabilities[name])
	}
	return out
}
