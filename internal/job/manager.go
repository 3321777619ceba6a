package job

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kferreira/mdpilot/internal/event"
	"github.com/kferreira/mdpilot/internal/logging"
)

// Manager owns every job record and drives jobs to a terminal state.
// All methods are safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	cfg    Config
	runner Runner
	jobs   map[string]*Job
	bus    *event.Bus // may be nil
	log    *logging.Logger
}

// NewManager creates a Manager submitting through the given runner.
// The bus may be nil. A nil logger discards logs.
func NewManager(runner Runner, cfg Config, bus *event.Bus, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.Nop()
	}
	return &Manager{
		cfg:    cfg.withDefaults(),
		runner: runner,
		jobs:   make(map[string]*Job),
		bus:    bus,
		log:    log,
	}
}

// Submit starts external work for the owning invocation. The submission
// itself is retried on transient failure; persistent failure returns
// ErrSubmission and no job record is created.
func (m *Manager) Submit(ctx context.Context, invocationID uint64, spec Spec) (string, error) {
	var handle string
	err := m.withRetry(ctx, "submit", func() error {
		var err error
		handle, err = m.runner.Submit(ctx, spec)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrSubmission, spec.Name, err)
	}

	now := time.Now()
	j := &Job{
		ID:           uuid.NewString(),
		InvocationID: invocationID,
		Name:         spec.Name,
		Handle:       handle,
		State:        StateSubmitted,
		SubmittedAt:  now,
		NextPollAt:   now.Add(m.cfg.PollMin),
	}

	m.mu.Lock()
	m.jobs[j.ID] = j
	m.mu.Unlock()

	m.log.Info("job submitted", "job_id", j.ID, "name", spec.Name, "handle", handle)
	m.publish("submitted", j, "")
	return j.ID, nil
}

// Poll performs exactly one status check against the external system
// and updates the job record. Terminal jobs are returned unchanged
// without contacting the external system.
func (m *Manager) Poll(ctx context.Context, jobID string) (State, error) {
	j, err := m.get(jobID)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	current := j.State
	handle := j.Handle
	m.mu.Unlock()
	if current.IsTerminal() {
		return current, nil
	}

	remote, err := m.runner.Status(ctx, handle)
	if err != nil {
		m.mu.Lock()
		j.PollCount++
		current = j.State
		m.mu.Unlock()
		return current, err
	}

	m.mu.Lock()
	j.PollCount++
	prev := j.State
	changed := remote.State != prev && !prev.IsTerminal()
	if changed {
		j.State = remote.State
		if remote.State.IsTerminal() {
			now := time.Now()
			j.FinishedAt = &now
			if remote.State != StateCompleted {
				j.FailureReason = remote.Detail
			}
		}
	}
	state := j.State
	m.mu.Unlock()

	if changed {
		m.log.Debug("job state changed", "job_id", jobID, "from", prev.String(), "to", state.String())
		m.publish("state_changed", j, remote.Detail)
		if state.IsTerminal() {
			m.publish(state.String(), j, remote.Detail)
		}
	}
	return state, nil
}

// Await drives Poll with exponential backoff until the job reaches a
// terminal state, the wall-clock budget expires, or ctx is cancelled.
// The backoff interval doubles after each unchanged poll, bounded by
// PollMax, and resets to PollMin on any state change. Consecutive
// transient poll failures beyond MaxAttempts fail the job.
func (m *Manager) Await(ctx context.Context, jobID string) (Job, error) {
	j, err := m.get(jobID)
	if err != nil {
		return Job{}, err
	}

	deadline := j.SubmittedAt.Add(m.cfg.MaxWallClock)
	interval := m.cfg.PollMin
	failures := 0
	last := j.State

	for {
		snapshot, _ := m.Get(jobID)
		if snapshot.State.IsTerminal() {
			return snapshot, nil
		}

		if time.Now().After(deadline) {
			m.timeOut(ctx, j)
			snapshot, _ = m.Get(jobID)
			return snapshot, nil
		}

		m.setNextPoll(j, interval)
		select {
		case <-ctx.Done():
			_ = m.Cancel(context.WithoutCancel(ctx), jobID)
			snapshot, _ = m.Get(jobID)
			return snapshot, ctx.Err()
		case <-time.After(interval):
		}

		state, err := m.Poll(ctx, jobID)
		switch {
		case err == nil:
			failures = 0
			if state != last {
				last = state
				interval = m.cfg.PollMin
			} else if interval *= 2; interval > m.cfg.PollMax {
				interval = m.cfg.PollMax
			}
		case IsTransient(err):
			failures++
			m.log.Warn("transient poll failure", "job_id", jobID, "attempt", failures, "error", err.Error())
			if failures >= m.cfg.MaxAttempts {
				m.fail(j, fmt.Sprintf("polling failed after %d attempts: %v", failures, err))
				snapshot, _ = m.Get(jobID)
				return snapshot, nil
			}
			if interval *= 2; interval > m.cfg.PollMax {
				interval = m.cfg.PollMax
			}
		default:
			m.fail(j, fmt.Sprintf("polling failed: %v", err))
			snapshot, _ := m.Get(jobID)
			return snapshot, nil
		}
	}
}

// Cancel requests best-effort cancellation. Terminal jobs are left
// untouched.
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	j, err := m.get(jobID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if j.State.IsTerminal() {
		m.mu.Unlock()
		return nil
	}
	j.State = StateCancelled
	now := time.Now()
	j.FinishedAt = &now
	j.FailureReason = "cancelled"
	m.mu.Unlock()

	if err := m.runner.Cancel(ctx, j.Handle); err != nil {
		m.log.Warn("external cancel failed", "job_id", jobID, "error", err.Error())
	}
	m.publish(StateCancelled.String(), j, "cancelled on request")
	return nil
}

// FetchResult returns the terminal result of a completed job. Any other
// state returns ErrJobNotComplete.
func (m *Manager) FetchResult(ctx context.Context, jobID string) (string, error) {
	j, err := m.get(jobID)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	state := j.State
	cached := j.Result
	m.mu.Unlock()

	if state != StateCompleted {
		return "", fmt.Errorf("%w: %s is %s", ErrJobNotComplete, jobID, state)
	}
	if cached != "" {
		return cached, nil
	}

	var result string
	err = m.withRetry(ctx, "fetch result", func() error {
		var err error
		result, err = m.runner.Result(ctx, j.Handle)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("fetch result for %s: %w", jobID, err)
	}

	m.mu.Lock()
	j.Result = result
	m.mu.Unlock()
	return result, nil
}

// Get returns a snapshot of the job record.
func (m *Manager) Get(jobID string) (Job, error) {
	j, err := m.get(jobID)
	if err != nil {
		return Job{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return *j, nil
}

// CancelAll cancels every non-terminal job, best-effort. Used when a
// pipeline run is cancelled.
func (m *Manager) CancelAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.jobs))
	for id, j := range m.jobs {
		if !j.State.IsTerminal() {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.Cancel(ctx, id)
	}
}

func (m *Manager) get(jobID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return j, nil
}

func (m *Manager) setNextPoll(j *Job, interval time.Duration) {
	m.mu.Lock()
	j.NextPollAt = time.Now().Add(interval)
	m.mu.Unlock()
}

func (m *Manager) fail(j *Job, reason string) {
	m.mu.Lock()
	if j.State.IsTerminal() {
		m.mu.Unlock()
		return
	}
	j.State = StateFailed
	now := time.Now()
	j.FinishedAt = &now
	j.FailureReason = reason
	m.mu.Unlock()

	m.log.Error("job failed", "job_id", j.ID, "reason", reason)
	m.publish(StateFailed.String(), j, reason)
}

func (m *Manager) timeOut(ctx context.Context, j *Job) {
	m.mu.Lock()
	if j.State.IsTerminal() {
		m.mu.Unlock()
		return
	}
	j.State = StateTimedOut
	now := time.Now()
	j.FinishedAt = &now
	j.FailureReason = fmt.Sprintf("exceeded wall-clock budget of %s", m.cfg.MaxWallClock)
	m.mu.Unlock()

	// The external side may still be running; try to stop it.
	if err := m.runner.Cancel(ctx, j.Handle); err != nil {
		m.log.Warn("cancel after timeout failed", "job_id", j.ID, "error", err.Error())
	}
	m.log.Error("job timed out", "job_id", j.ID, "budget", m.cfg.MaxWallClock.String())
	m.publish(StateTimedOut.String(), j, j.FailureReason)
}

// withRetry runs op, retrying transient failures with doubling backoff
// up to MaxAttempts. Non-transient errors return immediately.
func (m *Manager) withRetry(ctx context.Context, what string, op func() error) error {
	interval := m.cfg.PollMin
	var err error
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		err = op()
		if err == nil || !IsTransient(err) {
			return err
		}
		m.log.Warn("transient failure, retrying", "op", what, "attempt", attempt, "error", err.Error())
		if attempt == m.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
		if interval *= 2; interval > m.cfg.PollMax {
			interval = m.cfg.PollMax
		}
	}
	return fmt.Errorf("%s: retries exhausted: %w", what, err)
}

func (m *Manager) publish(action string, j *Job, detail string) {
	if m.bus == nil {
		return
	}
	m.mu.Lock()
	id, invID, state := j.ID, j.InvocationID, j.State
	m.mu.Unlock()
	m.bus.Publish(event.NewJobEvent(action, id, invID, state.String(), detail))
}
