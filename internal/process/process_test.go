package process

import (
	"os"
	"os/exec"
	"testing"
)

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateCreated, "created"},
		{StateRunning, "running"},
		{StateExited, "exited"},
		{StateKilled, "killed"},
		{State(42), "unknown(42)"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestProcess_Lifecycle(t *testing.T) {
	cmd := exec.Command(os.Args[0])
	cmd.Env = append(os.Environ(), helperEnv+"=exit")

	proc, err := newProcess("test-id", cmd)
	if err != nil {
		t.Fatalf("newProcess() error = %v", err)
	}

	if proc.State() != StateCreated {
		t.Errorf("State() = %v, want created", proc.State())
	}
	if proc.PID() != -1 {
		t.Errorf("PID() = %d before start, want -1", proc.PID())
	}
	if proc.ExitCode() != -1 {
		t.Errorf("ExitCode() = %d before exit, want -1", proc.ExitCode())
	}
	if proc.Runtime() != 0 {
		t.Errorf("Runtime() = %v before start, want 0", proc.Runtime())
	}

	if err := proc.start(); err != nil {
		t.Fatalf("start() error = %v", err)
	}
	if err := proc.start(); err != ErrProcessAlreadyStarted {
		t.Errorf("second start() error = %v, want ErrProcessAlreadyStarted", err)
	}
	if proc.PID() <= 0 {
		t.Errorf("PID() = %d, want positive", proc.PID())
	}

	go proc.wait()
	<-proc.Done()

	if proc.State() != StateExited {
		t.Errorf("State() = %v, want exited", proc.State())
	}
	if proc.ExitCode() != 3 {
		t.Errorf("ExitCode() = %d, want 3", proc.ExitCode())
	}
	if proc.ExitError() == nil {
		t.Error("ExitError() should report the non-zero exit")
	}
	if err := proc.Kill(); err != nil {
		t.Errorf("Kill() after exit error = %v", err)
	}
}

func TestProcess_Kill(t *testing.T) {
	cmd := exec.Command(os.Args[0])
	cmd.Env = append(os.Environ(), helperEnv+"=hang")

	proc, err := newProcess("kill-id", cmd)
	if err != nil {
		t.Fatalf("newProcess() error = %v", err)
	}
	if err := proc.start(); err != nil {
		t.Fatalf("start() error = %v", err)
	}
	go proc.wait()

	if err := proc.Kill(); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}
	if err := proc.Kill(); err != nil {
		t.Errorf("second Kill() error = %v", err)
	}
	<-proc.Done()

	if proc.State() != StateKilled {
		t.Errorf("State() = %v, want killed", proc.State())
	}
}
