package capability

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Set is the on-disk declarative capability list.
type Set struct {
	Capabilities []Capability `yaml:"capabilities"`
}

// LoadFile reads a YAML capability set and validates it.
func LoadFile(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read capability set: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML capability set.
func Parse(data []byte) (*Set, error) {
	var set Set
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parse capability set: %w", err)
	}
	if err := set.validate(); err != nil {
		return nil, err
	}
	return &set, nil
}

func (s *Set) validate() error {
	if len(s.Capabilities) == 0 {
		return fmt.Errorf("capability set is empty")
	}

	seen := make(map[string]bool, len(s.Capabilities))
	for i, c := range s.Capabilities {
		if c.Name == "" {
			return fmt.Errorf("capability %d has no name", i)
		}
		if seen[c.Name] {
			return fmt.Errorf("capability %q declared twice", c.Name)
		}
		seen[c.Name] = true
		if c.Executor == "" {
			return fmt.Errorf("capability %q has no executor", c.Name)
		}
		for _, p := range c.Params {
			switch p.Type {
			case "string", "int", "float", "bool":
			default:
				return fmt.Errorf("capability %q param %q has unknown type %q", c.Name, p.Name, p.Type)
			}
		}
	}
	return nil
}

// Apply registers every capability in the set.
func (s *Set) Apply(r *Registry) error {
	for _, c := range s.Capabilities {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// DefaultSet returns the built-in protein MD pipeline capability set
// used when no capability file is configured: structure preparation,
// validation, force-field assignment, simulation, and analysis.
func DefaultSet() *Set {
	return &Set{Capabilities: []Capability{
		{
			Name:     "fetch_structure",
			Executor: "structure.fetch",
			Params:   []Param{{Name: "pdb_id", Type: "string"}},
			Affects:  []string{"structure_ready"},
		},
		{
			Name:     "clean_structure",
			Executor: "structure.clean",
			Params:   []Param{{Name: "input", Type: "string"}, {Name: "remove_waters", Type: "bool"}},
			Requires: []string{"structure_ready"},
			// Cleaning alters the structure, so it re-validates both
			// the readiness and validation gates.
			Affects:             []string{"structure_ready", "structure_validated"},
			CorrectionSensitive: true,
		},
		{
			Name:     "validate_structure",
			Executor: "structure.validate",
			Params:   []Param{{Name: "input", Type: "string"}},
			Requires: []string{"structure_ready"},
			Affects:  []string{"structure_validated"},
		},
		{
			Name:                "assign_forcefield",
			Executor:            "forcefield.assign",
			Params:              []Param{{Name: "forcefield", Type: "string"}, {Name: "water_model", Type: "string"}},
			Requires:            []string{"structure_validated"},
			Affects:             []string{"forcefield_assigned"},
			CorrectionSensitive: true,
		},
		{
			Name:     "validate_forcefield",
			Executor: "forcefield.validate",
			Params:   []Param{{Name: "system", Type: "string"}},
			Requires: []string{"forcefield_assigned"},
			Affects:  []string{"forcefield_validated"},
		},
		{
			Name:     "run_simulation",
			Executor: "simulation.run",
			Params: []Param{
				{Name: "system", Type: "string"},
				{Name: "steps", Type: "int"},
				{Name: "temperature", Type: "float"},
			},
			Requires:            []string{"structure_validated", "forcefield_validated"},
			Affects:             []string{"simulation_complete"},
			Async:               true,
			CorrectionSensitive: true,
		},
		{
			Name:     "run_analysis",
			Executor: "analysis.run",
			Params:   []Param{{Name: "trajectory", Type: "string"}},
			Requires: []string{"simulation_complete"},
			Affects:  []string{"analysis_complete"},
		},
	}}
}
