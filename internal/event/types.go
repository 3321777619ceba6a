// Package event defines the pipeline event vocabulary and the bus that
// carries it. Events record every externally observable transition of
// the orchestration core: gate changes, invocation lifecycle, job
// lifecycle, and pipeline termination.
package event

import "time"

// Event is implemented by everything published on the Bus.
type Event interface {
	// EventType returns a "category.action" identifier, e.g.
	// "gate.opened" or "invocation.rejected".
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{eventType: eventType, timestamp: time.Now()}
}

// -----------------------------------------------------------------------------
// Gate events
// -----------------------------------------------------------------------------

// GateChangedEvent is emitted when a gate transitions to open or blocked.
type GateChangedEvent struct {
	baseEvent
	Gate         string
	State        string // "open" or "blocked"
	Evidence     string
	InvocationID uint64
}

// NewGateOpenedEvent records a gate opening.
func NewGateOpenedEvent(gate, evidence string, invocationID uint64) GateChangedEvent {
	return GateChangedEvent{
		baseEvent:    newBaseEvent("gate.opened"),
		Gate:         gate,
		State:        "open",
		Evidence:     evidence,
		InvocationID: invocationID,
	}
}

// NewGateBlockedEvent records a gate being blocked.
func NewGateBlockedEvent(gate, evidence string, invocationID uint64) GateChangedEvent {
	return GateChangedEvent{
		baseEvent:    newBaseEvent("gate.blocked"),
		Gate:         gate,
		State:        "blocked",
		Evidence:     evidence,
		InvocationID: invocationID,
	}
}

// -----------------------------------------------------------------------------
// Invocation events
// -----------------------------------------------------------------------------

// InvocationEvent tracks one invocation through its lifecycle.
type InvocationEvent struct {
	baseEvent
	InvocationID uint64
	Capability   string
	Status       string
	Reason       string // rejection or failure reason, empty otherwise
	Detail       string
}

// NewInvocationStartedEvent is emitted when an invocation enters running.
func NewInvocationStartedEvent(id uint64, capability string) InvocationEvent {
	return InvocationEvent{
		baseEvent:    newBaseEvent("invocation.started"),
		InvocationID: id,
		Capability:   capability,
		Status:       "running",
	}
}

// NewInvocationFinishedEvent is emitted when an invocation reaches a
// terminal status (succeeded, failed, or rejected).
func NewInvocationFinishedEvent(id uint64, capability, status, reason, detail string) InvocationEvent {
	return InvocationEvent{
		baseEvent:    newBaseEvent("invocation." + status),
		InvocationID: id,
		Capability:   capability,
		Status:       status,
		Reason:       reason,
		Detail:       detail,
	}
}

// -----------------------------------------------------------------------------
// Job events
// -----------------------------------------------------------------------------

// JobEvent tracks an external job owned by an invocation.
type JobEvent struct {
	baseEvent
	JobID        string
	InvocationID uint64
	State        string
	Detail       string
}

// NewJobEvent records a job state change, e.g. "job.submitted" or
// "job.timed_out".
func NewJobEvent(action, jobID string, invocationID uint64, state, detail string) JobEvent {
	return JobEvent{
		baseEvent:    newBaseEvent("job." + action),
		JobID:        jobID,
		InvocationID: invocationID,
		State:        state,
		Detail:       detail,
	}
}

// -----------------------------------------------------------------------------
// Pipeline events
// -----------------------------------------------------------------------------

// PipelineEvent signals termination of a pipeline run.
type PipelineEvent struct {
	baseEvent
	Signal      string // "completed", "failed", "cancelled"
	Reason      string
	Invocations int
}

// NewPipelineEvent records the pipeline exit signal.
func NewPipelineEvent(signal, reason string, invocations int) PipelineEvent {
	return PipelineEvent{
		baseEvent:   newBaseEvent("pipeline." + signal),
		Signal:      signal,
		Reason:      reason,
		Invocations: invocations,
	}
}
