package loop

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kferreira/mdpilot/internal/capability"
	"github.com/kferreira/mdpilot/internal/dispatch"
	"github.com/kferreira/mdpilot/internal/gate"
	"github.com/kferreira/mdpilot/internal/job"
	"github.com/kferreira/mdpilot/internal/memory"
)

// funcOracle dispatches each ProposeNext call to the next function in
// its script and records every snapshot it was handed.
type funcOracle struct {
	steps     []func(Snapshot) (Proposal, error)
	snapshots []Snapshot
	calls     int
}

func (o *funcOracle) ProposeNext(_ context.Context, snap Snapshot) (Proposal, error) {
	o.snapshots = append(o.snapshots, snap)
	if o.calls >= len(o.steps) {
		return Proposal{Done: true}, nil
	}
	step := o.steps[o.calls]
	o.calls++
	return step(snap)
}

func propose(name string, args map[string]any) func(Snapshot) (Proposal, error) {
	return func(Snapshot) (Proposal, error) {
		return Proposal{Capability: name, Args: args}, nil
	}
}

type stubExecutor struct {
	fn func(ctx context.Context, args map[string]any) (dispatch.ExecResult, error)
}

func (s stubExecutor) Execute(ctx context.Context, args map[string]any) (dispatch.ExecResult, error) {
	return s.fn(ctx, args)
}

type recallerStub struct {
	recalled []memory.Correction
	queries  []memory.Query
	stored   []memory.Correction
}

func (r *recallerStub) Recall(_ context.Context, q memory.Query) ([]memory.Correction, error) {
	r.queries = append(r.queries, q)
	return r.recalled, nil
}

func (r *recallerStub) Store(_ context.Context, c memory.Correction) error {
	r.stored = append(r.stored, c)
	return nil
}

// failingRunner rejects nothing at submission but reports every job
// failed on the first status check.
type failingRunner struct{}

func (failingRunner) Submit(context.Context, job.Spec) (string, error) { return "h-1", nil }
func (failingRunner) Status(context.Context, string) (job.RemoteStatus, error) {
	return job.RemoteStatus{State: job.StateFailed, Detail: "segfault in step 12"}, nil
}
func (failingRunner) Result(context.Context, string) (string, error) { return "", nil }
func (failingRunner) Cancel(context.Context, string) error           { return nil }

type harness struct {
	registry   *capability.Registry
	ledger     *gate.Ledger
	dispatcher *dispatch.Dispatcher
	recaller   *recallerStub
	loop       *Loop
}

func newHarness(t *testing.T, cfg Config, runner job.Runner, caps ...capability.Capability) *harness {
	t.Helper()

	reg := capability.NewRegistry()
	for _, c := range caps {
		if err := reg.Register(c); err != nil {
			t.Fatalf("register %s: %v", c.Name, err)
		}
	}
	ledger := gate.NewLedger(nil)

	var jobs *job.Manager
	if runner != nil {
		jobs = job.NewManager(runner, job.Config{
			PollMin:      time.Millisecond,
			PollMax:      5 * time.Millisecond,
			MaxWallClock: time.Second,
			MaxAttempts:  2,
		}, nil, nil)
	}

	d := dispatch.NewDispatcher(reg, ledger, jobs, nil, nil)
	rec := &recallerStub{}
	return &harness{
		registry:   reg,
		ledger:     ledger,
		dispatcher: d,
		recaller:   rec,
		loop:       New(d, reg, ledger, rec, cfg, nil, nil),
	}
}

func TestRunCompletesAfterProposals(t *testing.T) {
	h := newHarness(t, Config{}, nil, capability.Capability{
		Name:     "prepare",
		Executor: "test",
		Affects:  []string{"prepared"},
	})
	h.dispatcher.RegisterExecutor("test", stubExecutor{fn: func(context.Context, map[string]any) (dispatch.ExecResult, error) {
		return dispatch.ExecResult{Success: true, GateUpdates: []dispatch.GateUpdate{
			{Gate: "prepared", State: gate.StateOpen, Evidence: "wrote output"},
		}}, nil
	}})

	oracle := &funcOracle{steps: []func(Snapshot) (Proposal, error){
		propose("prepare", nil),
	}}

	res, err := h.loop.Run(context.Background(), oracle)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Signal != SignalComplete {
		t.Fatalf("signal = %q, want %q", res.Signal, SignalComplete)
	}
	if res.Invocations != 1 {
		t.Errorf("invocations = %d, want 1", res.Invocations)
	}
	if st := h.ledger.StateOf("prepared"); st != gate.StateOpen {
		t.Errorf("gate prepared = %s, want open", st)
	}

	// The done turn must have seen the foreground outcome.
	last := oracle.snapshots[len(oracle.snapshots)-1].LastOutcome
	if last == nil || last.Status != dispatch.StatusSucceeded {
		t.Errorf("done-turn LastOutcome = %+v, want succeeded", last)
	}
}

func TestRunRejectionIsObservationNotFailure(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	oracle := &funcOracle{steps: []func(Snapshot) (Proposal, error){
		propose("no_such_capability", nil),
	}}

	res, err := h.loop.Run(context.Background(), oracle)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Signal != SignalComplete {
		t.Fatalf("signal = %q, want %q", res.Signal, SignalComplete)
	}

	last := oracle.snapshots[len(oracle.snapshots)-1].LastOutcome
	if last == nil || !last.Rejected() || last.Reason != dispatch.ReasonUnknownCapability {
		t.Fatalf("done-turn LastOutcome = %+v, want unknown_capability rejection", last)
	}
}

func TestRunStopsAtInvocationBudget(t *testing.T) {
	h := newHarness(t, Config{MaxInvocations: 3}, nil, capability.Capability{
		Name:     "spin",
		Executor: "test",
	})
	h.dispatcher.RegisterExecutor("test", stubExecutor{fn: func(context.Context, map[string]any) (dispatch.ExecResult, error) {
		return dispatch.ExecResult{Success: true}, nil
	}})

	// An oracle that never stops proposing.
	steps := make([]func(Snapshot) (Proposal, error), 10)
	for i := range steps {
		steps[i] = propose("spin", nil)
	}
	oracle := &funcOracle{steps: steps}

	res, err := h.loop.Run(context.Background(), oracle)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Signal != SignalFailed {
		t.Fatalf("signal = %q, want %q", res.Signal, SignalFailed)
	}
	if res.Reason != dispatch.ReasonMaxInvocationsExceeded {
		t.Errorf("reason = %q, want %q", res.Reason, dispatch.ReasonMaxInvocationsExceeded)
	}
	if res.Invocations != 3 {
		t.Errorf("invocations = %d, want 3", res.Invocations)
	}
}

func TestRunJobFailureEndsPipeline(t *testing.T) {
	h := newHarness(t, Config{}, failingRunner{}, capability.Capability{
		Name:     "simulate",
		Executor: "sim",
		Async:    true,
	})
	h.dispatcher.RegisterExecutor("sim", asyncStub{})

	oracle := &funcOracle{steps: []func(Snapshot) (Proposal, error){
		propose("simulate", nil),
	}}

	res, err := h.loop.Run(context.Background(), oracle)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Signal != SignalFailed {
		t.Fatalf("signal = %q, want %q", res.Signal, SignalFailed)
	}
	if res.Reason != dispatch.ReasonJobFailed {
		t.Errorf("reason = %q, want %q", res.Reason, dispatch.ReasonJobFailed)
	}
	if !strings.Contains(res.Detail, "simulate") {
		t.Errorf("detail = %q, want capability name in it", res.Detail)
	}
}

type asyncStub struct{}

func (asyncStub) Submit(context.Context, map[string]any) (job.Spec, error) {
	return job.Spec{Name: "sim", Command: []string{"run"}}, nil
}

func (asyncStub) Complete(_ context.Context, _ map[string]any, output string) (dispatch.ExecResult, error) {
	return dispatch.ExecResult{Success: true, Result: output}, nil
}

func TestRunCancelledContext(t *testing.T) {
	h := newHarness(t, Config{}, nil, capability.Capability{
		Name:     "spin",
		Executor: "test",
	})
	h.dispatcher.RegisterExecutor("test", stubExecutor{fn: func(context.Context, map[string]any) (dispatch.ExecResult, error) {
		return dispatch.ExecResult{Success: true}, nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	oracle := &funcOracle{steps: []func(Snapshot) (Proposal, error){
		propose("spin", nil),
		func(Snapshot) (Proposal, error) {
			cancel()
			return Proposal{Capability: "spin"}, nil
		},
		propose("spin", nil),
	}}

	res, err := h.loop.Run(ctx, oracle)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Signal != SignalCancelled {
		t.Fatalf("signal = %q, want %q", res.Signal, SignalCancelled)
	}
	if res.Reason != dispatch.ReasonCancelled {
		t.Errorf("reason = %q, want %q", res.Reason, dispatch.ReasonCancelled)
	}
}

func TestRunOracleErrorFailsRun(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	oracle := &funcOracle{steps: []func(Snapshot) (Proposal, error){
		func(Snapshot) (Proposal, error) {
			return Proposal{}, errors.New("model unavailable")
		},
	}}

	res, err := h.loop.Run(context.Background(), oracle)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Signal != SignalFailed {
		t.Fatalf("signal = %q, want %q", res.Signal, SignalFailed)
	}
	if !strings.Contains(res.Detail, "model unavailable") {
		t.Errorf("detail = %q, want oracle error in it", res.Detail)
	}
}

func TestCorrectionRecallInjectedBeforeDispatch(t *testing.T) {
	h := newHarness(t, Config{}, nil, capability.Capability{
		Name:                "simulate",
		Executor:            "test",
		CorrectionSensitive: true,
	})
	executed := 0
	h.dispatcher.RegisterExecutor("test", stubExecutor{fn: func(context.Context, map[string]any) (dispatch.ExecResult, error) {
		executed++
		return dispatch.ExecResult{Success: true}, nil
	}})
	h.recaller.recalled = []memory.Correction{{ID: "c-1", Content: "use a 2 fs timestep"}}

	oracle := &funcOracle{steps: []func(Snapshot) (Proposal, error){
		propose("simulate", nil),
		propose("simulate", map[string]any{}),
	}}

	res, err := h.loop.Run(context.Background(), oracle)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Signal != SignalComplete {
		t.Fatalf("signal = %q, want %q", res.Signal, SignalComplete)
	}
	if executed != 1 {
		t.Fatalf("executor ran %d times, want 1", executed)
	}
	if len(h.recaller.queries) != 1 || h.recaller.queries[0].Capability != "simulate" {
		t.Fatalf("recall queries = %+v, want one for simulate", h.recaller.queries)
	}

	// The second oracle turn carries the recalled corrections; the
	// proposal on that turn is the one that dispatches.
	second := oracle.snapshots[1]
	if second.CorrectionsFor != "simulate" || len(second.Corrections) != 1 {
		t.Fatalf("second snapshot corrections = %q/%d, want simulate/1",
			second.CorrectionsFor, len(second.Corrections))
	}
	if second.Corrections[0].Content != "use a 2 fs timestep" {
		t.Errorf("correction content = %q", second.Corrections[0].Content)
	}
}

func TestHumanCorrectionStored(t *testing.T) {
	h := newHarness(t, Config{}, nil, capability.Capability{
		Name:     "simulate",
		Executor: "test",
	})
	h.dispatcher.RegisterExecutor("test", stubExecutor{fn: func(context.Context, map[string]any) (dispatch.ExecResult, error) {
		return dispatch.ExecResult{Success: true}, nil
	}})

	oracle := &funcOracle{steps: []func(Snapshot) (Proposal, error){
		propose("simulate", nil),
		func(Snapshot) (Proposal, error) {
			return Proposal{Done: true, Correction: "the box was too small, use 1.2 nm padding"}, nil
		},
	}}

	if _, err := h.loop.Run(context.Background(), oracle); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(h.recaller.stored) != 1 {
		t.Fatalf("stored %d corrections, want 1", len(h.recaller.stored))
	}
	got := h.recaller.stored[0]
	if got.Content != "the box was too small, use 1.2 nm padding" {
		t.Errorf("content = %q", got.Content)
	}
	if got.Capability != "simulate" {
		t.Errorf("capability = %q, want simulate (previous invocation)", got.Capability)
	}
}

func TestBackgroundProposalFinishesBeforeDone(t *testing.T) {
	h := newHarness(t, Config{}, nil, capability.Capability{
		Name:     "slow",
		Executor: "test",
		Affects:  []string{"done_gate"},
	})
	release := make(chan struct{})
	h.dispatcher.RegisterExecutor("test", stubExecutor{fn: func(ctx context.Context, _ map[string]any) (dispatch.ExecResult, error) {
		<-release
		return dispatch.ExecResult{Success: true, GateUpdates: []dispatch.GateUpdate{
			{Gate: "done_gate", State: gate.StateOpen, Evidence: "finished"},
		}}, nil
	}})

	oracle := &funcOracle{steps: []func(Snapshot) (Proposal, error){
		func(Snapshot) (Proposal, error) {
			return Proposal{Capability: "slow", Background: true}, nil
		},
		func(Snapshot) (Proposal, error) {
			close(release)
			return Proposal{Done: true}, nil
		},
	}}

	res, err := h.loop.Run(context.Background(), oracle)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Signal != SignalComplete {
		t.Fatalf("signal = %q, want %q", res.Signal, SignalComplete)
	}

	// Run waits for background work: by return time the invocation is
	// terminal and its gate effect applied.
	if st := h.ledger.StateOf("done_gate"); st != gate.StateOpen {
		t.Errorf("gate done_gate = %s, want open after Run returns", st)
	}
	hist := h.dispatcher.History()
	if len(hist) != 1 || !hist[0].Status.IsTerminal() {
		t.Errorf("history = %+v, want one terminal invocation", hist)
	}
}
