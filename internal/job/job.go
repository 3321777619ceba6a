// Package job manages long-running external work units: submission,
// polling with bounded exponential backoff, transient-failure retry,
// wall-clock timeout, and best-effort cancellation. It is invoked by
// capability executors that wrap asynchronous batch execution, never
// directly by the orchestration loop.
package job

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of a job.
type State string

const (
	// StateSubmitted means the external system accepted the submission.
	StateSubmitted State = "submitted"

	// StateQueued means the job is waiting in the external queue.
	StateQueued State = "queued"

	// StateRunning means the job is executing.
	StateRunning State = "running"

	// StateCompleted means the job finished successfully.
	StateCompleted State = "completed"

	// StateFailed means the job finished unsuccessfully.
	StateFailed State = "failed"

	// StateTimedOut means the configured wall-clock budget expired
	// before the job reached a terminal state.
	StateTimedOut State = "timed_out"

	// StateCancelled means the job was cancelled on request.
	StateCancelled State = "cancelled"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsTerminal reports whether the state is final.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

// Sentinel errors returned by manager operations.
var (
	ErrJobNotFound    = errors.New("job not found")
	ErrJobNotComplete = errors.New("job is not complete")
	ErrSubmission     = errors.New("job submission failed")
	ErrTransient      = errors.New("transient failure")
)

// Transient wraps an error so the manager retries it with backoff
// instead of failing the job. Runners use it for transport-level
// failures (lost connection to the scheduler, command flake).
func Transient(err error) error {
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Spec describes one unit of external work handed to a Runner.
type Spec struct {
	// Name labels the job for humans and scheduler accounting.
	Name string

	// Command is the command line to run, for process-backed runners.
	Command []string

	// Script is a batch script body, for scheduler-backed runners.
	Script string

	// Payload carries executor-specific parameters.
	Payload map[string]any
}

// RemoteStatus is one observation of a job in the external system.
type RemoteStatus struct {
	State  State
	Detail string
}

// Runner is the boundary to the external batch system. Implementations
// wrap Transient around errors that are worth retrying.
type Runner interface {
	// Submit starts the work and returns an opaque external handle.
	Submit(ctx context.Context, spec Spec) (string, error)

	// Status performs one status check against the external system.
	Status(ctx context.Context, handle string) (RemoteStatus, error)

	// Result fetches the terminal result of a completed job.
	Result(ctx context.Context, handle string) (string, error)

	// Cancel requests best-effort cancellation.
	Cancel(ctx context.Context, handle string) error
}

// Job is the manager's record of one external work unit. One invocation
// owns at most one active job at a time.
type Job struct {
	ID            string     `json:"id"`
	InvocationID  uint64     `json:"invocation_id"`
	Name          string     `json:"name"`
	Handle        string     `json:"handle"`
	State         State      `json:"state"`
	PollCount     int        `json:"poll_count"`
	NextPollAt    time.Time  `json:"next_poll_at,omitempty"`
	SubmittedAt   time.Time  `json:"submitted_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Result        string     `json:"result,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
}

// Config bounds the polling and retry behavior.
type Config struct {
	// PollMin is the initial and minimum poll interval. Backoff resets
	// to it on any observed state change.
	PollMin time.Duration

	// PollMax caps the backoff interval.
	PollMax time.Duration

	// MaxWallClock is the total time budget from submission to a
	// terminal state; exceeding it moves the job to timed_out. It is
	// the pipeline's sole timeout mechanism for external work.
	MaxWallClock time.Duration

	// MaxAttempts is how many consecutive transient failures of one
	// operation (submit or poll) are retried before giving up.
	MaxAttempts int
}

// DefaultConfig returns production polling bounds.
func DefaultConfig() Config {
	return Config{
		PollMin:      2 * time.Second,
		PollMax:      2 * time.Minute,
		MaxWallClock: 24 * time.Hour,
		MaxAttempts:  4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollMin <= 0 {
		c.PollMin = d.PollMin
	}
	if c.PollMax < c.PollMin {
		c.PollMax = c.PollMin
	}
	if c.MaxWallClock <= 0 {
		c.MaxWallClock = d.MaxWallClock
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	return c
}
