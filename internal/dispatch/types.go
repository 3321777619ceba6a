// Package dispatch routes proposed capability invocations to their
// executors. The dispatcher is the sole gate-enforcement point: no
// capability executes unless every gate it requires is open, and at
// most one invocation per capability is in flight at a time.
package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/kferreira/mdpilot/internal/gate"
	"github.com/kferreira/mdpilot/internal/job"
)

// Status is the terminal classification of an Outcome.
type Status string

const (
	// StatusSucceeded means the executor ran and reported success.
	StatusSucceeded Status = "succeeded"

	// StatusFailed means the executor ran but the work failed, or the
	// invocation was cut short (fault, job failure, cancellation).
	StatusFailed Status = "failed"

	// StatusRejected means the dispatcher refused to execute at all.
	StatusRejected Status = "rejected"
)

// Reason classifies why an invocation was rejected or failed.
type Reason string

const (
	ReasonUnknownCapability      Reason = "unknown_capability"
	ReasonInvalidArguments       Reason = "invalid_arguments"
	ReasonGateNotOpen            Reason = "gate_not_open"
	ReasonAlreadyInFlight        Reason = "already_in_flight"
	ReasonExecutorFault          Reason = "executor_fault"
	ReasonSubmissionError        Reason = "submission_error"
	ReasonJobFailed              Reason = "job_failed"
	ReasonJobTimeout             Reason = "job_timeout"
	ReasonCancelled              Reason = "cancelled"
	ReasonMaxInvocationsExceeded Reason = "max_invocations_exceeded"
)

// GateUpdate is one declared gate side effect of a completed execution.
type GateUpdate struct {
	Gate     string     `json:"gate"`
	State    gate.State `json:"state"` // open or blocked
	Evidence string     `json:"evidence"`
}

// ExecResult is what an executor reports back for a completed
// execution: its own success flag, a free-form result, and the gate
// updates it declares.
type ExecResult struct {
	Success     bool
	Result      string
	GateUpdates []GateUpdate
}

// Executor runs synchronous capabilities.
type Executor interface {
	Execute(ctx context.Context, args map[string]any) (ExecResult, error)
}

// AsyncExecutor backs job-based capabilities: Submit produces the job
// spec, Complete interprets the finished job's output into a result and
// gate updates.
type AsyncExecutor interface {
	Submit(ctx context.Context, args map[string]any) (job.Spec, error)
	Complete(ctx context.Context, args map[string]any, output string) (ExecResult, error)
}

// InvocationStatus tracks one invocation through its lifetime.
type InvocationStatus string

const (
	InvocationPending   InvocationStatus = "pending"
	InvocationRunning   InvocationStatus = "running"
	InvocationSucceeded InvocationStatus = "succeeded"
	InvocationFailed    InvocationStatus = "failed"
	InvocationRejected  InvocationStatus = "rejected"
)

// IsTerminal reports whether the status is final.
func (s InvocationStatus) IsTerminal() bool {
	switch s {
	case InvocationSucceeded, InvocationFailed, InvocationRejected:
		return true
	}
	return false
}

// Invocation is one attempt to execute a capability. Ids are assigned
// in strict increasing order of propose arrival, giving a total order
// for audit replay. Terminal records are immutable history.
type Invocation struct {
	ID         uint64           `json:"id"`
	Capability string           `json:"capability"`
	Args       map[string]any   `json:"args,omitempty"`
	Status     InvocationStatus `json:"status"`
	Reason     Reason           `json:"reason,omitempty"`
	Detail     string           `json:"detail,omitempty"`
	Result     string           `json:"result,omitempty"`
	JobID      string           `json:"job_id,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	EndedAt    *time.Time       `json:"ended_at,omitempty"`
}

// Outcome is the structured answer to one propose call. Rejections are
// local outcomes for the oracle to react to, never failures of the
// orchestration loop itself.
type Outcome struct {
	InvocationID       uint64       `json:"invocation_id"`
	Capability         string       `json:"capability"`
	Status             Status       `json:"status"`
	Reason             Reason       `json:"reason,omitempty"`
	Detail             string       `json:"detail,omitempty"`
	Result             string       `json:"result,omitempty"`
	GateUpdatesApplied []GateUpdate `json:"gate_updates_applied,omitempty"`
}

// Rejected reports whether the outcome is a rejection.
func (o Outcome) Rejected() bool {
	return o.Status == StatusRejected
}

// Summary renders a one-line human-readable account of the outcome.
func (o Outcome) Summary() string {
	var b strings.Builder
	b.WriteString(o.Capability)
	b.WriteString(": ")
	b.WriteString(string(o.Status))
	if o.Reason != "" {
		b.WriteString(" (")
		b.WriteString(string(o.Reason))
		if o.Detail != "" {
			b.WriteString(": ")
			b.WriteString(o.Detail)
		}
		b.WriteString(")")
	}
	return b.String()
}
