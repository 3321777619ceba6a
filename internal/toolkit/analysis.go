package toolkit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kferreira/mdpilot/internal/dispatch"
	"github.com/kferreira/mdpilot/internal/gate"
)

// GateAnalysisComplete is opened when trajectory analysis finishes.
const GateAnalysisComplete = "analysis_complete"

// analysisExecutor summarizes a run's energy log. It expects the
// whitespace-separated "step energy" lines the production script emits
// and writes a report next to the other run artifacts.
type analysisExecutor struct {
	kit *Kit
}

func (e *analysisExecutor) Execute(_ context.Context, args map[string]any) (dispatch.ExecResult, error) {
	input := argString(args, "trajectory")

	data, err := os.ReadFile(input)
	if err != nil {
		return dispatch.ExecResult{
			Result: fmt.Sprintf("reading %s: %v", input, err),
		}, nil
	}

	var (
		frames int
		sum    float64
		minE   float64
		maxE   float64
	)
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		energy, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		if frames == 0 || energy < minE {
			minE = energy
		}
		if frames == 0 || energy > maxE {
			maxE = energy
		}
		sum += energy
		frames++
	}
	if frames == 0 {
		return dispatch.ExecResult{
			Result: fmt.Sprintf("%s has no parseable energy frames", input),
		}, nil
	}

	mean := sum / float64(frames)
	report := fmt.Sprintf(
		"frames: %d\nmean_energy: %.3f\nmin_energy: %.3f\nmax_energy: %.3f\n",
		frames, mean, minE, maxE)

	dir, err := e.kit.ensureDir("analysis")
	if err != nil {
		return dispatch.ExecResult{}, err
	}
	path := filepath.Join(dir, "report.txt")
	if err := os.WriteFile(path, []byte(report), 0o644); err != nil {
		return dispatch.ExecResult{}, fmt.Errorf("writing %s: %w", path, err)
	}

	e.kit.log.Info("analysis complete", "trajectory", input, "frames", frames, "report", path)
	return dispatch.ExecResult{
		Success: true,
		Result:  path,
		GateUpdates: []dispatch.GateUpdate{{
			Gate:     GateAnalysisComplete,
			State:    gate.StateOpen,
			Evidence: fmt.Sprintf("analyzed %d frames from %s, report in %s", frames, input, path),
		}},
	}, nil
}
