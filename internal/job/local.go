package job

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"

	"github.com/google/uuid"
)

// LocalRunner executes job specs as local processes. It exists for
// workstation runs and for exercising the full job lifecycle without a
// cluster; handles are process ids minted by the runner.
type LocalRunner struct {
	mu    sync.Mutex
	procs map[string]*localProc

	// Dir is the working directory for spawned processes. Empty means
	// inherit.
	Dir string
}

type localProc struct {
	cmd    *exec.Cmd
	output bytes.Buffer
	done   chan struct{}
	err    error
}

// NewLocalRunner creates a LocalRunner spawning processes in dir.
func NewLocalRunner(dir string) *LocalRunner {
	return &LocalRunner{
		procs: make(map[string]*localProc),
		Dir:   dir,
	}
}

// Submit starts the spec's command. The spec must carry a non-empty
// Command.
func (r *LocalRunner) Submit(ctx context.Context, spec Spec) (string, error) {
	if len(spec.Command) == 0 {
		return "", errors.New("local job spec has no command")
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = r.Dir
	proc := &localProc{cmd: cmd, done: make(chan struct{})}
	cmd.Stdout = &proc.output
	cmd.Stderr = &proc.output

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", spec.Command[0], err)
	}

	handle := uuid.NewString()
	r.mu.Lock()
	r.procs[handle] = proc
	r.mu.Unlock()

	go func() {
		proc.err = cmd.Wait()
		close(proc.done)
	}()

	return handle, nil
}

// Status reports running until the process exits, then completed or
// failed with the exit error as detail.
func (r *LocalRunner) Status(ctx context.Context, handle string) (RemoteStatus, error) {
	proc, err := r.proc(handle)
	if err != nil {
		return RemoteStatus{}, err
	}

	select {
	case <-proc.done:
		if proc.err != nil {
			return RemoteStatus{State: StateFailed, Detail: proc.err.Error()}, nil
		}
		return RemoteStatus{State: StateCompleted}, nil
	default:
		return RemoteStatus{State: StateRunning}, nil
	}
}

// Result returns the combined output of a finished process.
func (r *LocalRunner) Result(ctx context.Context, handle string) (string, error) {
	proc, err := r.proc(handle)
	if err != nil {
		return "", err
	}

	select {
	case <-proc.done:
		return proc.output.String(), nil
	default:
		return "", errors.New("process still running")
	}
}

// Cancel kills the process if it is still running.
func (r *LocalRunner) Cancel(ctx context.Context, handle string) error {
	proc, err := r.proc(handle)
	if err != nil {
		return err
	}

	select {
	case <-proc.done:
		return nil
	default:
		return proc.cmd.Process.Kill()
	}
}

func (r *LocalRunner) proc(handle string) (*localProc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	proc, ok := r.procs[handle]
	if !ok {
		return nil, fmt.Errorf("unknown local job handle %s", handle)
	}
	return proc, nil
}
