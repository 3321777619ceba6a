package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kferreira/mdpilot/internal/capability"
	"github.com/kferreira/mdpilot/internal/event"
	"github.com/kferreira/mdpilot/internal/gate"
	"github.com/kferreira/mdpilot/internal/job"
	"github.com/kferreira/mdpilot/internal/logging"
)

// Dispatcher enforces gates and executes capability invocations. It is
// safe for concurrent Propose calls across different capability names;
// concurrent calls for the same name are rejected with AlreadyInFlight.
type Dispatcher struct {
	mu          sync.Mutex
	registry    *capability.Registry
	ledger      *gate.Ledger
	jobs        *job.Manager
	executors   map[string]any // executor name -> Executor or AsyncExecutor
	inflight    map[string]uint64
	invocations map[uint64]*Invocation
	order       []uint64
	nextID      uint64
	cancelled   bool

	bus *event.Bus
	log *logging.Logger
}

// NewDispatcher wires the dispatcher to its collaborators. The job
// manager may be nil when no capability is async; the bus may be nil.
func NewDispatcher(reg *capability.Registry, ledger *gate.Ledger, jobs *job.Manager, bus *event.Bus, log *logging.Logger) *Dispatcher {
	if log == nil {
		log = logging.Nop()
	}
	return &Dispatcher{
		registry:    reg,
		ledger:      ledger,
		jobs:        jobs,
		executors:   make(map[string]any),
		inflight:    make(map[string]uint64),
		invocations: make(map[uint64]*Invocation),
		bus:         bus,
		log:         log,
	}
}

// RegisterExecutor binds an executor implementation to the executor
// name capabilities declare. The value must implement Executor,
// AsyncExecutor, or both.
func (d *Dispatcher) RegisterExecutor(name string, impl any) error {
	switch impl.(type) {
	case Executor, AsyncExecutor:
	default:
		return fmt.Errorf("executor %q implements neither Executor nor AsyncExecutor", name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.executors[name]; exists {
		return fmt.Errorf("executor %q already registered", name)
	}
	d.executors[name] = impl
	return nil
}

// Propose runs the full admission algorithm for one invocation and
// returns a structured outcome. It blocks until the invocation is
// terminal, including for job-backed capabilities; callers wanting
// overlap run Propose on separate goroutines.
func (d *Dispatcher) Propose(ctx context.Context, name string, args map[string]any) Outcome {
	d.mu.Lock()

	d.nextID++
	inv := &Invocation{
		ID:         d.nextID,
		Capability: name,
		Args:       args,
		Status:     InvocationPending,
		StartedAt:  time.Now(),
	}
	d.invocations[inv.ID] = inv
	d.order = append(d.order, inv.ID)

	if d.cancelled {
		return d.reject(inv, ReasonCancelled, "pipeline run is cancelled")
	}

	cap, err := d.registry.Lookup(name)
	if err != nil {
		return d.reject(inv, ReasonUnknownCapability, name)
	}

	if detail, ok := validateArgs(cap, args); !ok {
		return d.reject(inv, ReasonInvalidArguments, detail)
	}

	if unmet := d.ledger.Unmet(cap.Requires); len(unmet) > 0 {
		return d.reject(inv, ReasonGateNotOpen, strings.Join(unmet, ", "))
	}

	if prior, busy := d.inflight[name]; busy {
		return d.reject(inv, ReasonAlreadyInFlight, fmt.Sprintf("invocation %d is in flight", prior))
	}

	exec, ok := d.executors[cap.Executor]
	if !ok {
		return d.reject(inv, ReasonExecutorFault, fmt.Sprintf("no executor registered as %q", cap.Executor))
	}

	d.inflight[name] = inv.ID
	inv.Status = InvocationRunning
	d.mu.Unlock()

	d.log.Info("invocation running", "invocation_id", inv.ID, "capability", name)
	d.publishStart(inv)

	var outcome Outcome
	if cap.Async {
		outcome = d.runAsync(ctx, inv, cap, exec, args)
	} else {
		outcome = d.runSync(ctx, inv, cap, exec, args)
	}
	return outcome
}

// reject finalizes a pending invocation as rejected. Called with d.mu
// held; releases it.
func (d *Dispatcher) reject(inv *Invocation, reason Reason, detail string) Outcome {
	now := time.Now()
	inv.Status = InvocationRejected
	inv.Reason = reason
	inv.Detail = detail
	inv.EndedAt = &now
	d.mu.Unlock()

	d.log.Warn("invocation rejected",
		"invocation_id", inv.ID, "capability", inv.Capability,
		"reason", string(reason), "detail", detail)
	d.publishEnd(inv)

	return Outcome{
		InvocationID: inv.ID,
		Capability:   inv.Capability,
		Status:       StatusRejected,
		Reason:       reason,
		Detail:       detail,
	}
}

func (d *Dispatcher) runSync(ctx context.Context, inv *Invocation, cap capability.Capability, exec any, args map[string]any) Outcome {
	sync, ok := exec.(Executor)
	if !ok {
		return d.finish(inv, cap, ExecResult{}, StatusFailed, ReasonExecutorFault,
			fmt.Sprintf("executor %q cannot run synchronous capabilities", cap.Executor))
	}

	res, err := d.safeExecute(ctx, sync, args)
	if err != nil {
		return d.finish(inv, cap, ExecResult{}, StatusFailed, ReasonExecutorFault, err.Error())
	}

	status := StatusSucceeded
	var reason Reason
	if !res.Success {
		status = StatusFailed
	}
	return d.finish(inv, cap, res, status, reason, "")
}

// safeExecute contains executor panics so they surface as ExecutorFault
// instead of crashing the orchestration loop.
func (d *Dispatcher) safeExecute(ctx context.Context, exec Executor, args map[string]any) (res ExecResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panicked: %v", r)
		}
	}()
	res, err = exec.Execute(ctx, args)
	if err != nil {
		err = fmt.Errorf("executor error: %w", err)
	}
	return res, err
}

func (d *Dispatcher) runAsync(ctx context.Context, inv *Invocation, cap capability.Capability, exec any, args map[string]any) Outcome {
	async, ok := exec.(AsyncExecutor)
	if !ok {
		return d.finish(inv, cap, ExecResult{}, StatusFailed, ReasonExecutorFault,
			fmt.Sprintf("executor %q cannot run job-backed capabilities", cap.Executor))
	}
	if d.jobs == nil {
		return d.finish(inv, cap, ExecResult{}, StatusFailed, ReasonExecutorFault,
			"no job manager configured")
	}

	spec, err := d.safeSubmitSpec(ctx, async, args)
	if err != nil {
		return d.finish(inv, cap, ExecResult{}, StatusFailed, ReasonExecutorFault, err.Error())
	}

	jobID, err := d.jobs.Submit(ctx, inv.ID, spec)
	if err != nil {
		return d.finish(inv, cap, ExecResult{}, StatusFailed, ReasonSubmissionError, err.Error())
	}

	d.mu.Lock()
	inv.JobID = jobID
	d.mu.Unlock()

	// The invocation stays running until the job is terminal; the
	// dispatcher itself is free to admit other capabilities meanwhile.
	j, err := d.jobs.Await(ctx, jobID)
	if err != nil {
		return d.finish(inv, cap, ExecResult{}, StatusFailed, ReasonCancelled, err.Error())
	}

	switch j.State {
	case job.StateCompleted:
		output, err := d.jobs.FetchResult(ctx, jobID)
		if err != nil {
			return d.finish(inv, cap, ExecResult{}, StatusFailed, ReasonJobFailed,
				fmt.Sprintf("job completed but result fetch failed: %v", err))
		}
		res, err := d.safeComplete(ctx, async, args, output)
		if err != nil {
			return d.finish(inv, cap, ExecResult{}, StatusFailed, ReasonExecutorFault, err.Error())
		}
		status := StatusSucceeded
		var reason Reason
		if !res.Success {
			status = StatusFailed
			reason = ReasonJobFailed
		}
		return d.finish(inv, cap, res, status, reason, "")
	case job.StateTimedOut:
		return d.finish(inv, cap, ExecResult{}, StatusFailed, ReasonJobTimeout, j.FailureReason)
	case job.StateCancelled:
		return d.finish(inv, cap, ExecResult{}, StatusFailed, ReasonCancelled, j.FailureReason)
	default:
		return d.finish(inv, cap, ExecResult{}, StatusFailed, ReasonJobFailed, j.FailureReason)
	}
}

func (d *Dispatcher) safeSubmitSpec(ctx context.Context, exec AsyncExecutor, args map[string]any) (spec job.Spec, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panicked during submit: %v", r)
		}
	}()
	return exec.Submit(ctx, args)
}

func (d *Dispatcher) safeComplete(ctx context.Context, exec AsyncExecutor, args map[string]any, output string) (res ExecResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panicked during completion: %v", r)
		}
	}()
	return exec.Complete(ctx, args, output)
}

// finish finalizes the invocation, applies its gate updates, and builds
// the outcome. Gate updates for gates outside the capability's declared
// affected set are discarded: transitions happen only as declared side
// effects.
func (d *Dispatcher) finish(inv *Invocation, cap capability.Capability, res ExecResult, status Status, reason Reason, detail string) Outcome {
	d.mu.Lock()
	// A concurrent Cancel may already have finalized the invocation.
	// The first terminal transition wins, and a lost race means none of
	// this execution's gate updates apply.
	if inv.Status.IsTerminal() {
		outcome := outcomeFor(inv, res, nil)
		d.mu.Unlock()
		return outcome
	}
	now := time.Now()
	switch status {
	case StatusSucceeded:
		inv.Status = InvocationSucceeded
	default:
		inv.Status = InvocationFailed
	}
	inv.Reason = reason
	inv.Detail = detail
	inv.Result = res.Result
	inv.EndedAt = &now
	if id, ok := d.inflight[inv.Capability]; ok && id == inv.ID {
		delete(d.inflight, inv.Capability)
	}
	d.mu.Unlock()

	var applied []GateUpdate
	for _, u := range res.GateUpdates {
		if !cap.AffectsGate(u.Gate) {
			d.log.Warn("discarding undeclared gate update",
				"capability", cap.Name, "gate", u.Gate)
			continue
		}
		switch u.State {
		case gate.StateOpen:
			d.ledger.Open(u.Gate, u.Evidence, inv.ID)
		case gate.StateBlocked:
			d.ledger.Block(u.Gate, u.Evidence, inv.ID)
		default:
			d.log.Warn("discarding gate update with invalid state",
				"capability", cap.Name, "gate", u.Gate, "state", u.State.String())
			continue
		}
		applied = append(applied, u)
	}

	d.log.Info("invocation finished",
		"invocation_id", inv.ID, "capability", inv.Capability,
		"status", string(status), "reason", string(reason))
	d.publishEnd(inv)

	return Outcome{
		InvocationID:       inv.ID,
		Capability:         inv.Capability,
		Status:             status,
		Reason:             reason,
		Detail:             detail,
		Result:             res.Result,
		GateUpdatesApplied: applied,
	}
}

func outcomeFor(inv *Invocation, res ExecResult, applied []GateUpdate) Outcome {
	status := StatusFailed
	if inv.Status == InvocationSucceeded {
		status = StatusSucceeded
	} else if inv.Status == InvocationRejected {
		status = StatusRejected
	}
	return Outcome{
		InvocationID:       inv.ID,
		Capability:         inv.Capability,
		Status:             status,
		Reason:             inv.Reason,
		Detail:             inv.Detail,
		Result:             res.Result,
		GateUpdatesApplied: applied,
	}
}

// Cancel marks the run cancelled: every pending or running invocation
// fails with reason Cancelled and outstanding jobs are cancelled
// best-effort. Terminal invocations and applied gate effects are left
// untouched.
func (d *Dispatcher) Cancel(ctx context.Context) {
	d.mu.Lock()
	d.cancelled = true
	var ended []*Invocation
	now := time.Now()
	for _, id := range d.order {
		inv := d.invocations[id]
		if inv.Status.IsTerminal() {
			continue
		}
		inv.Status = InvocationFailed
		inv.Reason = ReasonCancelled
		inv.Detail = "pipeline run cancelled"
		inv.EndedAt = &now
		ended = append(ended, inv)
	}
	d.inflight = make(map[string]uint64)
	d.mu.Unlock()

	if d.jobs != nil {
		d.jobs.CancelAll(ctx)
	}
	for _, inv := range ended {
		d.publishEnd(inv)
	}
	d.log.Info("dispatcher cancelled", "invocations_failed", len(ended))
}

// History returns copies of all invocations in id order.
func (d *Dispatcher) History() []Invocation {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Invocation, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, *d.invocations[id])
	}
	return out
}

// InFlight reports whether a capability has a live invocation.
func (d *Dispatcher) InFlight(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, busy := d.inflight[name]
	return busy
}

func (d *Dispatcher) publishStart(inv *Invocation) {
	if d.bus != nil {
		d.bus.Publish(event.NewInvocationStartedEvent(inv.ID, inv.Capability))
	}
}

func (d *Dispatcher) publishEnd(inv *Invocation) {
	if d.bus != nil {
		d.bus.Publish(event.NewInvocationFinishedEvent(
			inv.ID, inv.Capability, string(inv.Status), string(inv.Reason), inv.Detail))
	}
}

// validateArgs checks the arguments against the declared parameter list:
// every declared name must be present with a compatible type, and no
// undeclared names may appear.
func validateArgs(cap capability.Capability, args map[string]any) (string, bool) {
	var problems []string

	declared := make(map[string]capability.Param, len(cap.Params))
	for _, p := range cap.Params {
		declared[p.Name] = p
		v, ok := args[p.Name]
		if !ok {
			problems = append(problems, "missing "+p.Name)
			continue
		}
		if !typeMatches(p.Type, v) {
			problems = append(problems, fmt.Sprintf("%s is not %s", p.Name, p.Type))
		}
	}

	var extra []string
	for name := range args {
		if _, ok := declared[name]; !ok {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	for _, name := range extra {
		problems = append(problems, "unexpected "+name)
	}

	if len(problems) > 0 {
		return strings.Join(problems, "; "), false
	}
	return "", true
}

// typeMatches accepts the loose numeric forms YAML and JSON decoders
// produce.
func typeMatches(declared string, v any) bool {
	switch declared {
	case "string":
		_, ok := v.(string)
		return ok
	case "bool":
		_, ok := v.(bool)
		return ok
	case "int":
		switch n := v.(type) {
		case int, int32, int64, uint64:
			return true
		case float64:
			return n == float64(int64(n))
		}
		return false
	case "float":
		switch v.(type) {
		case float32, float64, int, int64:
			return true
		}
		return false
	}
	return false
}
