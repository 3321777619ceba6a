package job

import (
	"context"
	"testing"
	"time"
)

func waitForTerminal(t *testing.T, r *LocalRunner, handle string) RemoteStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := r.Status(context.Background(), handle)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if st.State.IsTerminal() {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("process never reached a terminal state")
	return RemoteStatus{}
}

func TestLocalRunnerCompletes(t *testing.T) {
	r := NewLocalRunner(t.TempDir())

	handle, err := r.Submit(context.Background(), Spec{
		Name:    "echo",
		Command: []string{"sh", "-c", "echo minimized"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	st := waitForTerminal(t, r, handle)
	if st.State != StateCompleted {
		t.Fatalf("state = %s, want completed (%s)", st.State, st.Detail)
	}

	out, err := r.Result(context.Background(), handle)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if out != "minimized\n" {
		t.Errorf("output = %q", out)
	}
}

func TestLocalRunnerReportsFailure(t *testing.T) {
	r := NewLocalRunner(t.TempDir())

	handle, err := r.Submit(context.Background(), Spec{
		Name:    "fail",
		Command: []string{"sh", "-c", "exit 3"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	st := waitForTerminal(t, r, handle)
	if st.State != StateFailed {
		t.Errorf("state = %s, want failed", st.State)
	}
	if st.Detail == "" {
		t.Error("exit error not surfaced as detail")
	}
}

func TestLocalRunnerCancel(t *testing.T) {
	r := NewLocalRunner(t.TempDir())

	handle, err := r.Submit(context.Background(), Spec{
		Name:    "sleep",
		Command: []string{"sleep", "30"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := r.Cancel(context.Background(), handle); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	st := waitForTerminal(t, r, handle)
	if st.State != StateFailed {
		t.Errorf("state after kill = %s, want failed", st.State)
	}
}

func TestLocalRunnerRejectsEmptyCommand(t *testing.T) {
	r := NewLocalRunner(t.TempDir())
	if _, err := r.Submit(context.Background(), Spec{Name: "j"}); err == nil {
		t.Error("Submit accepted empty command")
	}
}
