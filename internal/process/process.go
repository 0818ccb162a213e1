package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// State represents the state of a child process.
type State int

const (
	// StateCreated indicates the process has been created but not started.
	StateCreated State = iota
	// StateRunning indicates the process is currently running.
	StateRunning
	// StateExited indicates the process has exited on its own.
	StateExited
	// StateKilled indicates the process was terminated by a signal.
	StateKilled
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateKilled:
		return "killed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Process wraps an exec.Cmd with exit tracking. It is safe for concurrent
// use.
type Process struct {
	// ID uniquely identifies this spawn in logs.
	ID string

	// Cmd is the underlying exec.Cmd.
	Cmd *exec.Cmd

	// Stdin, Stdout and Stderr are the piped standard streams.
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	// Started is the time the process was started.
	Started time.Time

	done     chan struct{}
	state    atomic.Int32
	exitCode atomic.Int32

	mu      sync.RWMutex
	exitErr error

	// childEnds are the write ends of stdout and stderr, closed in the
	// parent once the child holds them.
	childEnds []io.Closer

	waitOnce sync.Once
	killOnce sync.Once
}

// newProcess wraps cmd and creates its three pipes. The command must not
// have been started.
//
// Stdout and stderr are plain OS pipes rather than exec's pipes, so Wait
// does not close them: readers see everything the child wrote, up to EOF.
func newProcess(id string, cmd *exec.Cmd) (*Process, error) {
	p := &Process{
		ID:   id,
		Cmd:  cmd,
		done: make(chan struct{}),
	}
	p.state.Store(int32(StateCreated))
	p.exitCode.Store(-1)

	var created []io.Closer
	cleanup := func() {
		for _, c := range created {
			_ = c.Close()
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	created = append(created, stdin)

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	created = append(created, stdoutR, stdoutW)

	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	p.childEnds = []io.Closer{stdoutW, stderrW}
	p.Stdin, p.Stdout, p.Stderr = stdin, stdoutR, stderrR
	return p, nil
}

// closeChildEnds closes the parent's copies of the pipe ends handed to
// the child.
func (p *Process) closeChildEnds() {
	for _, c := range p.childEnds {
		_ = c.Close()
	}
	p.childEnds = nil
}

// closeAll closes every pipe. Used when the process never started.
func (p *Process) closeAll() {
	p.closeChildEnds()
	_ = p.Stdin.Close()
	_ = p.Stdout.Close()
	_ = p.Stderr.Close()
}

// State returns the current process state.
func (p *Process) State() State {
	return State(p.state.Load())
}

// ExitCode returns the exit code, or -1 if the process has not exited.
func (p *Process) ExitCode() int {
	return int(p.exitCode.Load())
}

// ExitError returns the error from waiting on the process, if any.
func (p *Process) ExitError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitErr
}

// Done returns a channel that is closed when the process exits.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// IsRunning returns true if the process is currently running.
func (p *Process) IsRunning() bool {
	return p.State() == StateRunning
}

// PID returns the OS process id, or -1 if not started.
func (p *Process) PID() int {
	if p.Cmd.Process == nil {
		return -1
	}
	return p.Cmd.Process.Pid
}

// Kill sends SIGKILL to the process. Only the first call signals; later
// calls and calls on an exited process are no-ops.
func (p *Process) Kill() error {
	if !p.IsRunning() || p.Cmd.Process == nil {
		return nil
	}
	var err error
	p.killOnce.Do(func() {
		err = p.Cmd.Process.Kill()
		if errors.Is(err, os.ErrProcessDone) {
			err = nil
		}
	})
	return err
}

// start starts the command. The caller is responsible for running wait.
func (p *Process) start() error {
	if p.State() != StateCreated {
		return ErrProcessAlreadyStarted
	}

	if err := p.Cmd.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}
	p.closeChildEnds()

	p.Started = time.Now()
	p.state.Store(int32(StateRunning))

	return nil
}

// wait blocks on Cmd.Wait and records the outcome.
func (p *Process) wait() {
	p.waitOnce.Do(func() {
		err := p.Cmd.Wait()

		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()

		exitCode := 0
		state := StateExited

		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				exitCode = exitErr.ExitCode()
				if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
					state = StateKilled
				}
			} else {
				exitCode = -1
			}
		}

		p.exitCode.Store(int32(exitCode))
		p.state.Store(int32(state))
		close(p.done)
	})
}

// Runtime returns how long the process has been (or was) running.
func (p *Process) Runtime() time.Duration {
	if p.Started.IsZero() {
		return 0
	}
	return time.Since(p.Started)
}
