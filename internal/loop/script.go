package loop

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kferreira/mdpilot/internal/dispatch"
)

// Script is a fixed pipeline plan: steps proposed in order, no
// branching. It exists for reproducible runs and for driving the core
// without an interactive oracle.
type Script struct {
	// Steps are proposed in order.
	Steps []Proposal `yaml:"steps"`

	// ContinueOnError keeps walking the plan after a failed or
	// rejected step instead of aborting the run.
	ContinueOnError bool `yaml:"continue_on_error"`
}

// LoadScript reads and validates a YAML plan file.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading script: %w", err)
	}
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing script %s: %w", path, err)
	}
	if len(s.Steps) == 0 {
		return nil, fmt.Errorf("script %s has no steps", path)
	}
	for i, step := range s.Steps {
		if step.Done {
			return nil, fmt.Errorf("script %s step %d: done is implied by the end of the plan", path, i+1)
		}
		if step.Capability == "" {
			return nil, fmt.Errorf("script %s step %d: capability is required", path, i+1)
		}
	}
	return &s, nil
}

// ScriptOracle walks a Script step by step. It aborts the run when a
// step does not succeed, unless the script sets continue_on_error.
type ScriptOracle struct {
	script *Script
	next   int
	last   Proposal
}

// NewScriptOracle returns an oracle over the given plan.
func NewScriptOracle(s *Script) *ScriptOracle {
	return &ScriptOracle{script: s}
}

// ProposeNext implements Oracle.
func (o *ScriptOracle) ProposeNext(_ context.Context, snap Snapshot) (Proposal, error) {
	// A corrections turn re-asks about the same step; the plan has no
	// way to react, so repeat the proposal unchanged.
	if snap.CorrectionsFor != "" && snap.CorrectionsFor == o.last.Capability {
		return o.last, nil
	}

	if !o.script.ContinueOnError && snap.LastOutcome != nil &&
		snap.LastOutcome.Status != dispatch.StatusSucceeded {
		return Proposal{}, fmt.Errorf("step %d (%s) did not succeed: %s",
			o.next, snap.LastOutcome.Capability, snap.LastOutcome.Summary())
	}

	if o.next >= len(o.script.Steps) {
		return Proposal{Done: true}, nil
	}
	o.last = o.script.Steps[o.next]
	o.next++
	return o.last, nil
}
