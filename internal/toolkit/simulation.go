package toolkit

import (
	"context"
	"fmt"
	"strings"

	"github.com/kferreira/mdpilot/internal/dispatch"
	"github.com/kferreira/mdpilot/internal/gate"
	"github.com/kferreira/mdpilot/internal/job"
)

// GateSimulationComplete is opened when a production run finishes.
const GateSimulationComplete = "simulation_complete"

// completionMarker is printed by the run script after the engine exits
// cleanly; Complete refuses output without it, so a job that was killed
// mid-write is not mistaken for a finished run.
const completionMarker = "MDPILOT_RUN_COMPLETE"

// simulationExecutor submits production MD runs as asynchronous jobs.
type simulationExecutor struct {
	kit *Kit
}

func (e *simulationExecutor) Submit(_ context.Context, args map[string]any) (job.Spec, error) {
	system := argString(args, "system")
	steps := argInt(args, "steps")
	temperature := argFloat(args, "temperature")

	if steps <= 0 {
		return job.Spec{}, fmt.Errorf("steps must be positive, got %d", steps)
	}
	if temperature <= 0 {
		return job.Spec{}, fmt.Errorf("temperature must be positive, got %g", temperature)
	}

	script := fmt.Sprintf(`#!/bin/bash
set -euo pipefail
export MDPILOT_REF_T=%g
%s mdrun -deffnm md -s %s -nsteps %d
echo %s
`, temperature, e.kit.cfg.Engine, system, steps, completionMarker)

	return job.Spec{
		Name: "md-production",
		Command: []string{
			e.kit.cfg.Engine, "mdrun",
			"-deffnm", "md",
			"-s", system,
			"-nsteps", fmt.Sprintf("%d", steps),
		},
		Script: script,
		Payload: map[string]any{
			"system":      system,
			"steps":       steps,
			"temperature": temperature,
		},
	}, nil
}

func (e *simulationExecutor) Complete(_ context.Context, args map[string]any, output string) (dispatch.ExecResult, error) {
	if !strings.Contains(output, completionMarker) {
		return dispatch.ExecResult{
			Result: "engine output has no completion marker, run did not finish cleanly",
		}, nil
	}

	system := argString(args, "system")
	steps := argInt(args, "steps")
	summary := fmt.Sprintf("production run of %s finished (%d steps)", system, steps)
	e.kit.log.Info("simulation complete", "system", system, "steps", steps)
	return dispatch.ExecResult{
		Success: true,
		Result:  "md.xtc",
		GateUpdates: []dispatch.GateUpdate{{
			Gate:     GateSimulationComplete,
			State:    gate.StateOpen,
			Evidence: summary,
		}},
	}, nil
}
