// Package internal contains integration tests that verify the packages
// work together: bus-driven history recording, gate enforcement across
// the dispatcher, job-backed capabilities, and the orchestration loop.
package internal

import (
	"context"
	"testing"
	"time"

	"github.com/kferreira/mdpilot/internal/capability"
	"github.com/kferreira/mdpilot/internal/dispatch"
	"github.com/kferreira/mdpilot/internal/event"
	"github.com/kferreira/mdpilot/internal/gate"
	"github.com/kferreira/mdpilot/internal/history"
	"github.com/kferreira/mdpilot/internal/job"
	"github.com/kferreira/mdpilot/internal/loop"
	"github.com/kferreira/mdpilot/internal/memory"
)

type openGateExecutor struct {
	gate string
}

func (e openGateExecutor) Execute(context.Context, map[string]any) (dispatch.ExecResult, error) {
	return dispatch.ExecResult{Success: true, GateUpdates: []dispatch.GateUpdate{
		{Gate: e.gate, State: gate.StateOpen, Evidence: "done"},
	}}, nil
}

type echoJobExecutor struct{}

func (echoJobExecutor) Submit(context.Context, map[string]any) (job.Spec, error) {
	return job.Spec{Name: "work", Command: []string{"work"}}, nil
}

func (echoJobExecutor) Complete(_ context.Context, _ map[string]any, output string) (dispatch.ExecResult, error) {
	return dispatch.ExecResult{Success: true, Result: output, GateUpdates: []dispatch.GateUpdate{
		{Gate: "produced", State: gate.StateOpen, Evidence: output},
	}}, nil
}

// instantRunner completes every job on the first poll.
type instantRunner struct{}

func (instantRunner) Submit(context.Context, job.Spec) (string, error) { return "h-1", nil }
func (instantRunner) Status(context.Context, string) (job.RemoteStatus, error) {
	return job.RemoteStatus{State: job.StateCompleted}, nil
}
func (instantRunner) Result(context.Context, string) (string, error) { return "output ok", nil }
func (instantRunner) Cancel(context.Context, string) error           { return nil }

// TestPipelineRunEndToEnd drives a two-step plan, one synchronous and
// one job-backed, through the full wiring and checks the audit trail.
func TestPipelineRunEndToEnd(t *testing.T) {
	workdir := t.TempDir()
	bus := event.NewBus()

	recorder, err := history.NewRecorder(workdir)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	recorder.Attach(bus)

	registry := capability.NewRegistry()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(registry.Register(capability.Capability{
		Name:     "prepare",
		Executor: "prep",
		Affects:  []string{"prepared"},
	}))
	must(registry.Register(capability.Capability{
		Name:     "produce",
		Executor: "prod",
		Requires: []string{"prepared"},
		Affects:  []string{"produced"},
		Async:    true,
	}))

	ledger := gate.NewLedger(bus)
	jobs := job.NewManager(instantRunner{}, job.Config{
		PollMin:      time.Millisecond,
		PollMax:      5 * time.Millisecond,
		MaxWallClock: time.Second,
		MaxAttempts:  2,
	}, bus, nil)
	dispatcher := dispatch.NewDispatcher(registry, ledger, jobs, bus, nil)
	must(dispatcher.RegisterExecutor("prep", openGateExecutor{gate: "prepared"}))
	must(dispatcher.RegisterExecutor("prod", echoJobExecutor{}))

	pipeline := loop.New(dispatcher, registry, ledger, nil, loop.Config{}, bus, nil)

	// The first step is rejected (its gate is not open yet); the script
	// continues past the rejection and retries after preparation.
	oracle := loop.NewScriptOracle(&loop.Script{
		ContinueOnError: true,
		Steps: []loop.Proposal{
			{Capability: "produce"},
			{Capability: "prepare"},
			{Capability: "produce"},
		},
	})

	res, err := pipeline.Run(context.Background(), oracle)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Signal != loop.SignalComplete {
		t.Fatalf("signal = %q (%s)", res.Signal, res.Detail)
	}
	if res.Invocations != 3 {
		t.Errorf("invocations = %d, want 3", res.Invocations)
	}

	for _, g := range []string{"prepared", "produced"} {
		if st := ledger.StateOf(g); st != gate.StateOpen {
			t.Errorf("gate %s = %s, want open", g, st)
		}
	}

	hist := dispatcher.History()
	if len(hist) != 3 {
		t.Fatalf("history = %d invocations, want 3", len(hist))
	}
	if hist[0].Status != dispatch.InvocationRejected || hist[0].Reason != dispatch.ReasonGateNotOpen {
		t.Errorf("first invocation = %+v, want gate_not_open rejection", hist[0])
	}
	if hist[2].Status != dispatch.InvocationSucceeded || hist[2].JobID == "" {
		t.Errorf("third invocation = %+v, want succeeded with job id", hist[2])
	}

	// Everything the bus saw must be on disk.
	if err := recorder.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	records, err := history.Read(workdir)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	kinds := make(map[string]int)
	for _, r := range records {
		kinds[r.Kind]++
	}
	for _, want := range []string{"gate.opened", "invocation.rejected", "invocation.succeeded", "pipeline.completed"} {
		if kinds[want] == 0 {
			t.Errorf("no %s record in the audit trail (got %v)", want, kinds)
		}
	}
}

// TestCorrectionFlowsThroughSQLite stores a correction through the real
// store and checks the loop surfaces it before re-proposing.
func TestCorrectionFlowsThroughSQLite(t *testing.T) {
	store, err := memory.OpenSQLite(t.TempDir() + "/memory.db")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Store(ctx, memory.Correction{
		Content:    "increase padding to 1.2 nm before solvating",
		Capability: "simulate",
	}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	registry := capability.NewRegistry()
	if err := registry.Register(capability.Capability{
		Name:                "simulate",
		Executor:            "sim",
		CorrectionSensitive: true,
	}); err != nil {
		t.Fatal(err)
	}
	ledger := gate.NewLedger(nil)
	dispatcher := dispatch.NewDispatcher(registry, ledger, nil, nil, nil)
	if err := dispatcher.RegisterExecutor("sim", openGateExecutor{gate: "simulated"}); err != nil {
		t.Fatal(err)
	}

	var sawCorrections []memory.Correction
	pipeline := loop.New(dispatcher, registry, ledger, store, loop.Config{}, nil, nil)
	oracle := &recordingOracle{
		onSnap: func(snap loop.Snapshot) {
			if snap.CorrectionsFor == "simulate" {
				sawCorrections = snap.Corrections
			}
		},
	}

	res, err := pipeline.Run(ctx, oracle)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Signal != loop.SignalComplete {
		t.Fatalf("signal = %q (%s)", res.Signal, res.Detail)
	}
	if len(sawCorrections) != 1 || sawCorrections[0].Content != "increase padding to 1.2 nm before solvating" {
		t.Fatalf("corrections seen by oracle = %+v", sawCorrections)
	}
}

// recordingOracle proposes simulate once, observing each snapshot, then
// signals done.
type recordingOracle struct {
	onSnap    func(loop.Snapshot)
	proposals int
}

func (o *recordingOracle) ProposeNext(_ context.Context, snap loop.Snapshot) (loop.Proposal, error) {
	o.onSnap(snap)
	if snap.LastOutcome != nil || o.proposals >= 2 {
		return loop.Proposal{Done: true}, nil
	}
	o.proposals++
	return loop.Proposal{Capability: "simulate"}, nil
}
