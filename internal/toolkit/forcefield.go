package toolkit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kferreira/mdpilot/internal/dispatch"
	"github.com/kferreira/mdpilot/internal/gate"
)

// Gate names affected by the force-field executors.
const (
	GateForcefieldAssigned  = "forcefield_assigned"
	GateForcefieldValidated = "forcefield_validated"
)

// knownForcefields are the parameter sets the assign executor accepts.
var knownForcefields = []string{"amber99sb", "amber14sb", "amber19sb", "charmm36", "opls-aa"}

// knownWaterModels are the solvent models the assign executor accepts.
var knownWaterModels = []string{"tip3p", "tip4p", "tip4pew", "spce", "opc"}

// waterCompatibility lists the water models each force-field family is
// parameterized against. Combinations outside this table fail
// validation.
var waterCompatibility = map[string][]string{
	"amber99sb": {"tip3p", "tip4pew", "spce"},
	"amber14sb": {"tip3p", "tip4pew", "spce", "opc"},
	"amber19sb": {"opc", "tip3p"},
	"charmm36":  {"tip3p"},
	"opls-aa":   {"tip3p", "tip4p", "spce"},
}

// SystemDescriptor is the on-disk record of a parameterized system,
// written by assignment and consumed by validation and simulation.
type SystemDescriptor struct {
	Forcefield string    `yaml:"forcefield"`
	WaterModel string    `yaml:"water_model"`
	AssignedAt time.Time `yaml:"assigned_at"`
}

// assignExecutor selects force-field parameters and records the choice
// as a system descriptor in the workdir.
type assignExecutor struct {
	kit *Kit
}

func (e *assignExecutor) Execute(_ context.Context, args map[string]any) (dispatch.ExecResult, error) {
	ff := strings.ToLower(argString(args, "forcefield"))
	water := strings.ToLower(argString(args, "water_model"))

	var problems []string
	if !slices.Contains(knownForcefields, ff) {
		problems = append(problems, fmt.Sprintf("unknown forcefield %q (known: %s)",
			ff, strings.Join(knownForcefields, ", ")))
	}
	if !slices.Contains(knownWaterModels, water) {
		problems = append(problems, fmt.Sprintf("unknown water model %q (known: %s)",
			water, strings.Join(knownWaterModels, ", ")))
	}
	if len(problems) > 0 {
		detail := strings.Join(problems, "; ")
		return dispatch.ExecResult{
			Result: detail,
			GateUpdates: []dispatch.GateUpdate{{
				Gate:     GateForcefieldAssigned,
				State:    gate.StateBlocked,
				Evidence: detail,
			}},
		}, nil
	}

	dir, err := e.kit.ensureDir("systems")
	if err != nil {
		return dispatch.ExecResult{}, err
	}
	desc := SystemDescriptor{Forcefield: ff, WaterModel: water, AssignedAt: time.Now().UTC()}
	data, err := yaml.Marshal(desc)
	if err != nil {
		return dispatch.ExecResult{}, err
	}
	path := filepath.Join(dir, "system.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return dispatch.ExecResult{}, fmt.Errorf("writing %s: %w", path, err)
	}

	e.kit.log.Info("forcefield assigned", "forcefield", ff, "water_model", water, "path", path)
	return dispatch.ExecResult{
		Success: true,
		Result:  path,
		GateUpdates: []dispatch.GateUpdate{{
			Gate:     GateForcefieldAssigned,
			State:    gate.StateOpen,
			Evidence: fmt.Sprintf("%s with %s water recorded in %s", ff, water, path),
		}},
	}, nil
}

// checkForcefieldExecutor validates a system descriptor, including
// force-field and water-model compatibility.
type checkForcefieldExecutor struct {
	kit *Kit
}

func (e *checkForcefieldExecutor) Execute(_ context.Context, args map[string]any) (dispatch.ExecResult, error) {
	path := argString(args, "system")

	data, err := os.ReadFile(path)
	if err != nil {
		return dispatch.ExecResult{
			Result: fmt.Sprintf("reading %s: %v", path, err),
		}, nil
	}
	var desc SystemDescriptor
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return dispatch.ExecResult{
			Result: fmt.Sprintf("parsing %s: %v", path, err),
		}, nil
	}

	var issues []string
	if desc.Forcefield == "" {
		issues = append(issues, "descriptor has no forcefield")
	}
	if desc.WaterModel == "" {
		issues = append(issues, "descriptor has no water model")
	}
	if desc.Forcefield != "" && desc.WaterModel != "" {
		compatible := waterCompatibility[desc.Forcefield]
		if !slices.Contains(compatible, desc.WaterModel) {
			issues = append(issues, fmt.Sprintf("%s is not parameterized for %s water (supported: %s)",
				desc.Forcefield, desc.WaterModel, strings.Join(compatible, ", ")))
		}
	}

	if len(issues) > 0 {
		detail := strings.Join(issues, "; ")
		e.kit.log.Warn("forcefield validation failed", "system", path, "issues", detail)
		return dispatch.ExecResult{
			Result: detail,
			GateUpdates: []dispatch.GateUpdate{{
				Gate:     GateForcefieldValidated,
				State:    gate.StateBlocked,
				Evidence: detail,
			}},
		}, nil
	}

	summary := fmt.Sprintf("%s with %s water is a valid combination", desc.Forcefield, desc.WaterModel)
	return dispatch.ExecResult{
		Success: true,
		Result:  summary,
		GateUpdates: []dispatch.GateUpdate{{
			Gate:     GateForcefieldValidated,
			State:    gate.StateOpen,
			Evidence: summary,
		}},
	}, nil
}
