package job

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// SlurmRunner submits job specs to a SLURM cluster via sbatch, polls
// with squeue and falls back to sacct once the job leaves the queue.
// Command failures are reported as transient: a flaky login node or a
// briefly unreachable controller should not fail the pipeline.
type SlurmRunner struct {
	// Partition is passed as --partition when non-empty.
	Partition string

	// Account is passed as --account when non-empty.
	Account string

	// Dir holds generated batch scripts and is the submission cwd.
	Dir string

	// runCommand is swapped in tests to avoid a real cluster.
	runCommand func(ctx context.Context, name string, args ...string) (string, error)
}

// NewSlurmRunner creates a runner writing batch scripts under dir.
func NewSlurmRunner(partition, account, dir string) *SlurmRunner {
	return &SlurmRunner{
		Partition:  partition,
		Account:    account,
		Dir:        dir,
		runCommand: runCommand,
	}
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(out), err
}

// Submit writes the spec's script to disk, runs sbatch, and parses the
// "Submitted batch job N" acknowledgement into the handle.
func (r *SlurmRunner) Submit(ctx context.Context, spec Spec) (string, error) {
	if spec.Script == "" {
		return "", fmt.Errorf("slurm job %q has no batch script", spec.Name)
	}

	scriptPath := filepath.Join(r.Dir, fmt.Sprintf("%s-%s.sh", sanitize(spec.Name), uuid.NewString()[:8]))
	if err := os.MkdirAll(r.Dir, 0755); err != nil {
		return "", fmt.Errorf("create script dir: %w", err)
	}
	if err := os.WriteFile(scriptPath, []byte(spec.Script), 0755); err != nil {
		return "", fmt.Errorf("write batch script: %w", err)
	}

	args := []string{}
	if r.Partition != "" {
		args = append(args, "--partition", r.Partition)
	}
	if r.Account != "" {
		args = append(args, "--account", r.Account)
	}
	args = append(args, scriptPath)

	out, err := r.runCommand(ctx, "sbatch", args...)
	if err != nil {
		return "", Transient(fmt.Errorf("sbatch: %v: %s", err, strings.TrimSpace(out)))
	}

	// sbatch acknowledges with "Submitted batch job <id>".
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) < 4 || !strings.HasPrefix(out, "Submitted batch job") {
		return "", fmt.Errorf("unexpected sbatch output: %q", strings.TrimSpace(out))
	}
	return fields[3], nil
}

// Status asks squeue for the job; an empty answer means the job left
// the queue, in which case sacct reports the final state.
func (r *SlurmRunner) Status(ctx context.Context, handle string) (RemoteStatus, error) {
	out, err := r.runCommand(ctx, "squeue", "-j", handle, "-h", "-o", "%T")
	if err != nil {
		return RemoteStatus{}, Transient(fmt.Errorf("squeue: %v: %s", err, strings.TrimSpace(out)))
	}

	if state := strings.TrimSpace(out); state != "" {
		return mapSlurmState(state), nil
	}

	// Not in the queue anymore; sacct has the accounting record.
	out, err = r.runCommand(ctx, "sacct", "-j", handle, "-n", "-X", "-o", "State", "--parsable2")
	if err != nil {
		return RemoteStatus{}, Transient(fmt.Errorf("sacct: %v: %s", err, strings.TrimSpace(out)))
	}
	state := strings.TrimSpace(out)
	if state == "" {
		// Accounting lag right after submission; report as queued and
		// let the next poll catch up.
		return RemoteStatus{State: StateQueued, Detail: "not yet visible to sacct"}, nil
	}
	if i := strings.IndexByte(state, '\n'); i >= 0 {
		state = state[:i]
	}
	return mapSlurmState(state), nil
}

// Result returns the job's stdout file content (slurm-<id>.out in the
// submission directory).
func (r *SlurmRunner) Result(ctx context.Context, handle string) (string, error) {
	path := filepath.Join(r.Dir, fmt.Sprintf("slurm-%s.out", handle))
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read job output: %w", err)
	}
	return string(data), nil
}

// Cancel issues scancel.
func (r *SlurmRunner) Cancel(ctx context.Context, handle string) error {
	out, err := r.runCommand(ctx, "scancel", handle)
	if err != nil {
		return fmt.Errorf("scancel: %v: %s", err, strings.TrimSpace(out))
	}
	return nil
}

// mapSlurmState converts a SLURM state word into the job State
// vocabulary. CANCELLED arrives as "CANCELLED" or "CANCELLED by <uid>".
func mapSlurmState(s string) RemoteStatus {
	word := strings.Fields(s)[0]
	switch word {
	case "PENDING", "CONFIGURING", "REQUEUED":
		return RemoteStatus{State: StateQueued}
	case "RUNNING", "COMPLETING":
		return RemoteStatus{State: StateRunning}
	case "COMPLETED":
		return RemoteStatus{State: StateCompleted}
	case "FAILED", "NODE_FAIL", "OUT_OF_MEMORY", "PREEMPTED":
		return RemoteStatus{State: StateFailed, Detail: "slurm state " + word}
	case "TIMEOUT":
		return RemoteStatus{State: StateFailed, Detail: "slurm wall-time limit"}
	case "CANCELLED":
		return RemoteStatus{State: StateCancelled, Detail: s}
	default:
		return RemoteStatus{State: StateQueued, Detail: "unrecognized slurm state " + word}
	}
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
