package toolkit

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/kferreira/mdpilot/internal/gate"
)

func TestAssignExecutor(t *testing.T) {
	kit := newTestKit(t, "")
	exec := &assignExecutor{kit: kit}

	res, err := exec.Execute(context.Background(), map[string]any{
		"forcefield":  "AMBER14sb",
		"water_model": "TIP3P",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("assign failed: %s", res.Result)
	}

	data, err := os.ReadFile(res.Result)
	if err != nil {
		t.Fatalf("reading descriptor: %v", err)
	}
	var desc SystemDescriptor
	if err := yaml.Unmarshal(data, &desc); err != nil {
		t.Fatalf("parsing descriptor: %v", err)
	}
	if desc.Forcefield != "amber14sb" || desc.WaterModel != "tip3p" {
		t.Errorf("descriptor = %+v, want lowercased names", desc)
	}
	if desc.AssignedAt.IsZero() {
		t.Error("descriptor should record assignment time")
	}
	if u := gateUpdate(t, res, GateForcefieldAssigned); u.State != gate.StateOpen {
		t.Errorf("forcefield_assigned = %s, want open", u.State)
	}
}

func TestAssignExecutorUnknownForcefield(t *testing.T) {
	exec := &assignExecutor{kit: newTestKit(t, "")}
	res, err := exec.Execute(context.Background(), map[string]any{
		"forcefield":  "gromos96",
		"water_model": "tip3p",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("unknown forcefield should not succeed")
	}
	u := gateUpdate(t, res, GateForcefieldAssigned)
	if u.State != gate.StateBlocked {
		t.Errorf("forcefield_assigned = %s, want blocked", u.State)
	}
	if !strings.Contains(u.Evidence, "gromos96") {
		t.Errorf("evidence = %q", u.Evidence)
	}
}

func TestCheckForcefieldExecutor(t *testing.T) {
	kit := newTestKit(t, "")
	exec := &checkForcefieldExecutor{kit: kit}

	write := func(t *testing.T, desc SystemDescriptor) string {
		t.Helper()
		data, _ := yaml.Marshal(desc)
		path := filepath.Join(t.TempDir(), "system.yaml")
		os.WriteFile(path, data, 0o644)
		return path
	}

	t.Run("compatible combination opens gate", func(t *testing.T) {
		path := write(t, SystemDescriptor{Forcefield: "amber99sb", WaterModel: "spce"})
		res, err := exec.Execute(context.Background(), map[string]any{"system": path})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if !res.Success {
			t.Fatalf("validation failed: %s", res.Result)
		}
		if u := gateUpdate(t, res, GateForcefieldValidated); u.State != gate.StateOpen {
			t.Errorf("forcefield_validated = %s, want open", u.State)
		}
	})

	t.Run("incompatible water model blocks gate", func(t *testing.T) {
		path := write(t, SystemDescriptor{Forcefield: "charmm36", WaterModel: "opc"})
		res, err := exec.Execute(context.Background(), map[string]any{"system": path})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if res.Success {
			t.Fatal("incompatible combination should not succeed")
		}
		u := gateUpdate(t, res, GateForcefieldValidated)
		if u.State != gate.StateBlocked {
			t.Errorf("forcefield_validated = %s, want blocked", u.State)
		}
		if !strings.Contains(u.Evidence, "charmm36") {
			t.Errorf("evidence = %q", u.Evidence)
		}
	})

	t.Run("missing descriptor fails without gate updates", func(t *testing.T) {
		res, err := exec.Execute(context.Background(), map[string]any{"system": "/nope/system.yaml"})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if res.Success || len(res.GateUpdates) != 0 {
			t.Errorf("res = %+v, want plain failure", res)
		}
	})
}
