// Package loop drives a pipeline run: it repeatedly asks the external
// decision oracle for the next capability invocation, routes it through
// the dispatcher, and feeds the structured outcome back. Gate rejections
// are observations for the oracle to react to; only an exhausted
// invocation budget or an unrecoverable job failure ends the run as a
// pipeline failure.
package loop

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/kferreira/mdpilot/internal/capability"
	"github.com/kferreira/mdpilot/internal/dispatch"
	"github.com/kferreira/mdpilot/internal/event"
	"github.com/kferreira/mdpilot/internal/gate"
	"github.com/kferreira/mdpilot/internal/logging"
	"github.com/kferreira/mdpilot/internal/memory"
)

// Exit signals surfaced to whatever presentation layer wraps the core.
const (
	SignalComplete  = "completed"
	SignalFailed    = "failed"
	SignalCancelled = "cancelled"
)

// Snapshot is the pipeline state handed to the oracle on every turn.
type Snapshot struct {
	// Gates is the current state of every known gate.
	Gates []gate.Status

	// Invocations is the full invocation history in id order.
	Invocations []dispatch.Invocation

	// LastOutcome is the outcome of the previous foreground proposal,
	// nil on the first turn.
	LastOutcome *dispatch.Outcome

	// BackgroundOutcomes are outcomes of background proposals that
	// finished since the previous turn.
	BackgroundOutcomes []dispatch.Outcome

	// Corrections are recalled human corrections relevant to
	// CorrectionsFor; empty unless the oracle's previous proposal
	// named a correction-sensitive capability.
	Corrections []memory.Correction

	// CorrectionsFor names the capability the corrections were
	// recalled for.
	CorrectionsFor string
}

// Proposal is the oracle's answer: either the next invocation or done.
type Proposal struct {
	// Done signals pipeline completion.
	Done bool `yaml:"done"`

	// Capability names the operation to invoke.
	Capability string `yaml:"capability"`

	// Args are the invocation arguments.
	Args map[string]any `yaml:"args"`

	// Background dispatches without waiting, letting gate-independent
	// capabilities overlap a long job.
	Background bool `yaml:"background"`

	// Correction, when non-empty, is a human correction observed on
	// the previous invocation; the loop stores it in corrective
	// memory.
	Correction string `yaml:"correction"`
}

// Oracle is the external decision-making collaborator.
type Oracle interface {
	ProposeNext(ctx context.Context, snap Snapshot) (Proposal, error)
}

// Result is the terminal account of a pipeline run.
type Result struct {
	Signal      string          `json:"signal"`
	Reason      dispatch.Reason `json:"reason,omitempty"`
	Detail      string          `json:"detail,omitempty"`
	Invocations int             `json:"invocations"`
}

// Config bounds a run.
type Config struct {
	// MaxInvocations caps dispatched proposals, stopping a misbehaving
	// oracle from looping forever.
	MaxInvocations int

	// RecallLimit caps corrections recalled per query.
	RecallLimit int
}

// DefaultConfig returns the production bounds.
func DefaultConfig() Config {
	return Config{MaxInvocations: 50, RecallLimit: 5}
}

// Loop owns one pipeline run.
type Loop struct {
	dispatcher *dispatch.Dispatcher
	registry   *capability.Registry
	ledger     *gate.Ledger
	recaller   memory.Recaller
	cfg        Config
	bus        *event.Bus
	log        *logging.Logger
}

// New wires a Loop. The recaller may be nil (no corrective memory); the
// bus may be nil.
func New(d *dispatch.Dispatcher, reg *capability.Registry, ledger *gate.Ledger,
	recaller memory.Recaller, cfg Config, bus *event.Bus, log *logging.Logger) *Loop {
	if recaller == nil {
		recaller = memory.NopRecaller{}
	}
	if log == nil {
		log = logging.Nop()
	}
	if cfg.MaxInvocations <= 0 {
		cfg.MaxInvocations = DefaultConfig().MaxInvocations
	}
	if cfg.RecallLimit <= 0 {
		cfg.RecallLimit = DefaultConfig().RecallLimit
	}
	return &Loop{
		dispatcher: d,
		registry:   reg,
		ledger:     ledger,
		recaller:   recaller,
		cfg:        cfg,
		bus:        bus,
		log:        log,
	}
}

// Run drives the oracle until it signals done, the invocation budget is
// exhausted, a job fails unrecoverably, or ctx is cancelled.
func (l *Loop) Run(ctx context.Context, oracle Oracle) (Result, error) {
	var (
		dispatched int
		last       *dispatch.Outcome

		bgWg   sync.WaitGroup
		bgMu   sync.Mutex
		bgDone []dispatch.Outcome

		recalled    []memory.Correction
		recalledFor string
	)

	collectBackground := func() []dispatch.Outcome {
		bgMu.Lock()
		defer bgMu.Unlock()
		out := bgDone
		bgDone = nil
		return out
	}

	for {
		if ctx.Err() != nil {
			return l.cancelRun(ctx, &bgWg, dispatched), nil
		}

		snap := Snapshot{
			Gates:              l.ledger.Snapshot(),
			Invocations:        l.dispatcher.History(),
			LastOutcome:        last,
			BackgroundOutcomes: collectBackground(),
			Corrections:        recalled,
			CorrectionsFor:     recalledFor,
		}

		prop, err := oracle.ProposeNext(ctx, snap)
		if err != nil {
			if ctx.Err() != nil {
				return l.cancelRun(ctx, &bgWg, dispatched), nil
			}
			return l.failRun(ctx, &bgWg, dispatched, "", fmt.Sprintf("oracle error: %v", err)), nil
		}

		if prop.Correction != "" {
			l.storeCorrection(ctx, prop.Correction, last)
		}

		if prop.Done {
			bgWg.Wait()
			l.publishExit(SignalComplete, "", dispatched)
			l.log.Info("pipeline complete", "invocations", dispatched)
			return Result{Signal: SignalComplete, Invocations: dispatched}, nil
		}

		// Correction-sensitive capabilities get one extra oracle turn
		// with recalled corrections injected before dispatch. At most
		// one injection turn per dispatch: if the previous turn was
		// already an injection, dispatch whatever the oracle decided.
		if recalledFor != "" {
			recalled, recalledFor = nil, ""
		} else if c, err := l.registry.Lookup(prop.Capability); err == nil && c.CorrectionSensitive {
			found, err := l.recaller.Recall(ctx, memory.Query{
				Capability:   prop.Capability,
				GateSnapshot: renderGates(snap.Gates),
				Limit:        l.cfg.RecallLimit,
			})
			if err != nil {
				l.log.Warn("correction recall failed", "capability", prop.Capability, "error", err.Error())
			} else if len(found) > 0 {
				recalled, recalledFor = found, prop.Capability
				l.log.Debug("injecting recalled corrections",
					"capability", prop.Capability, "count", len(found))
				continue
			}
		}

		if dispatched >= l.cfg.MaxInvocations {
			return l.failRun(ctx, &bgWg, dispatched,
				dispatch.ReasonMaxInvocationsExceeded,
				fmt.Sprintf("invocation budget of %d exhausted", l.cfg.MaxInvocations)), nil
		}
		dispatched++

		if prop.Background {
			bgWg.Add(1)
			go func(p Proposal) {
				defer bgWg.Done()
				out := l.dispatcher.Propose(ctx, p.Capability, p.Args)
				bgMu.Lock()
				bgDone = append(bgDone, out)
				bgMu.Unlock()
			}(prop)
			last = nil
			continue
		}

		out := l.dispatcher.Propose(ctx, prop.Capability, prop.Args)
		last = &out

		if out.Status == dispatch.StatusFailed && out.Reason == dispatch.ReasonJobFailed {
			return l.failRun(ctx, &bgWg, dispatched, out.Reason,
				fmt.Sprintf("%s: %s", prop.Capability, out.Detail)), nil
		}
	}
}

func (l *Loop) storeCorrection(ctx context.Context, content string, last *dispatch.Outcome) {
	c := memory.Correction{
		Content:      content,
		GateSnapshot: renderGates(l.ledger.Snapshot()),
	}
	if last != nil {
		c.Capability = last.Capability
	}
	if err := l.recaller.Store(ctx, c); err != nil {
		l.log.Warn("storing correction failed", "error", err.Error())
		return
	}
	l.log.Info("correction stored", "capability", c.Capability)
}

func (l *Loop) failRun(ctx context.Context, bgWg *sync.WaitGroup, dispatched int, reason dispatch.Reason, detail string) Result {
	l.dispatcher.Cancel(ctx)
	bgWg.Wait()
	l.publishExit(SignalFailed, string(reason), dispatched)
	l.log.Error("pipeline failed", "reason", string(reason), "detail", detail)
	return Result{Signal: SignalFailed, Reason: reason, Detail: detail, Invocations: dispatched}
}

func (l *Loop) cancelRun(ctx context.Context, bgWg *sync.WaitGroup, dispatched int) Result {
	// The run context is already cancelled; use a fresh one for the
	// best-effort job cancellations.
	l.dispatcher.Cancel(context.WithoutCancel(ctx))
	bgWg.Wait()
	l.publishExit(SignalCancelled, "", dispatched)
	l.log.Info("pipeline cancelled", "invocations", dispatched)
	return Result{
		Signal:      SignalCancelled,
		Reason:      dispatch.ReasonCancelled,
		Invocations: dispatched,
	}
}

func (l *Loop) publishExit(signal, reason string, dispatched int) {
	if l.bus != nil {
		l.bus.Publish(event.NewPipelineEvent(signal, reason, dispatched))
	}
}

// renderGates formats gate statuses for correction-memory queries and
// stored context snapshots.
func renderGates(gates []gate.Status) string {
	parts := make([]string, len(gates))
	for i, g := range gates {
		parts[i] = g.Name + "=" + g.State.String()
	}
	return strings.Join(parts, " ")
}
