package process

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/dshills/fmtbridge/internal/logging"
	"github.com/dshills/fmtbridge/internal/stream"
)

// DefaultShutdownTimeout bounds GracefulShutdown when no timeout is given.
const DefaultShutdownTimeout = time.Second

// Sentinel errors for the process package.
var (
	// ErrNotRunning is returned when an operation needs a child process and
	// none is attached.
	ErrNotRunning = errors.New("formatter process is not running")

	// ErrProcessAlreadyStarted is returned when starting a process twice.
	ErrProcessAlreadyStarted = errors.New("process already started")
)

// CommandFunc builds the command for a fresh child process. It is called
// once per spawn.
type CommandFunc func() (*exec.Cmd, error)

// ShutdownFunc asks a running child to exit on its own. It should return
// once the child acknowledged the request or ctx expired.
type ShutdownFunc func(ctx context.Context, sess *Session) error

// Supervisor owns the lifecycle of a single formatter child process.
//
// At most one child is attached at a time. EnsureRunning spawns a child
// when none is attached; Kill detaches and terminates it. Exit handlers run
// once per child, whatever the reason it went away.
//
// Supervisor is safe for concurrent use.
type Supervisor struct {
	mu       sync.Mutex
	command  CommandFunc
	logger   *logging.Logger
	current  *Session
	handlers []func(*Session)

	spawns atomic.Int64
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithLogger sets the logger that receives lifecycle messages and the
// child's stderr output.
func WithLogger(l *logging.Logger) SupervisorOption {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithExitHandler registers an exit handler at construction time.
func WithExitHandler(fn func(*Session)) SupervisorOption {
	return func(s *Supervisor) {
		s.handlers = append(s.handlers, fn)
	}
}

// NewSupervisor creates a supervisor that spawns children with command.
// No process is started until EnsureRunning is called.
func NewSupervisor(command CommandFunc, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		command: command,
		logger:  logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnExit registers a handler invoked after a child terminates for any
// reason. Handlers run in registration order on the supervisor's monitor
// goroutine; a panicking handler is logged and does not affect the others.
func (s *Supervisor) OnExit(fn func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, fn)
}

// EnsureRunning returns the attached session, spawning a new child first if
// none is attached. started reports whether a new child was spawned.
func (s *Supervisor) EnsureRunning() (sess *Session, started bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur := s.current; cur != nil {
		if cur.usable() {
			return cur, false, nil
		}
		// Attached but no longer usable (stdout closed): replace it.
		s.current = nil
		cur.stdout.Close(stream.ErrClosed)
		_ = cur.proc.Kill()
	}

	cmd, err := s.command()
	if err != nil {
		return nil, false, fmt.Errorf("build formatter command: %w", err)
	}

	proc, err := newProcess(uuid.NewString(), cmd)
	if err != nil {
		return nil, false, err
	}
	if err := proc.start(); err != nil {
		proc.closeAll()
		return nil, false, err
	}

	sess = &Session{
		proc:   proc,
		stdout: stream.NewBuffer(),
	}
	s.current = sess
	s.spawns.Add(1)

	s.logger.Debug("started formatter process %s (pid %d)", proc.ID, proc.PID())

	go func() {
		defer proc.Stdout.Close()
		if err := sess.stdout.Pump(proc.Stdout); err != nil {
			s.logger.Debug("formatter stdout closed: %v", err)
		}
	}()
	go s.relayStderr(proc)
	go proc.wait()
	go s.monitor(sess)

	return sess, true, nil
}

// Current returns the attached session, or nil when no child is running.
func (s *Supervisor) Current() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// IsRunning reports whether a child process is attached.
func (s *Supervisor) IsRunning() bool {
	return s.Current() != nil
}

// Spawns returns how many children have been started so far.
func (s *Supervisor) Spawns() int {
	return int(s.spawns.Load())
}

// ReadExact reads from the attached child's stdout.
func (s *Supervisor) ReadExact(ctx context.Context, n int) ([]byte, error) {
	sess := s.Current()
	if sess == nil {
		return nil, ErrNotRunning
	}
	return sess.ReadExact(ctx, n)
}

// ReadUint32 reads a big-endian uint32 from the attached child's stdout.
func (s *Supervisor) ReadUint32(ctx context.Context) (uint32, error) {
	sess := s.Current()
	if sess == nil {
		return 0, ErrNotRunning
	}
	return sess.ReadUint32(ctx)
}

// Write writes to the attached child's stdin.
func (s *Supervisor) Write(p []byte) error {
	sess := s.Current()
	if sess == nil {
		return ErrNotRunning
	}
	return sess.Write(p)
}

// Kill forcibly terminates the attached child. It is a no-op when nothing
// is attached. Pending reads on the child's stdout fail immediately with
// stream.ErrClosed; exit handlers run once the OS reports the exit.
func (s *Supervisor) Kill() error {
	s.mu.Lock()
	sess := s.current
	s.current = nil
	s.mu.Unlock()

	if sess == nil {
		return nil
	}
	return sess.kill()
}

// KillSession terminates sess, detaching it first if it is still attached.
// A replacement child spawned after sess is left alone.
func (s *Supervisor) KillSession(sess *Session) error {
	if sess == nil {
		return nil
	}
	s.mu.Lock()
	if s.current == sess {
		s.current = nil
	}
	s.mu.Unlock()
	return sess.kill()
}

// GracefulShutdown asks the attached child to exit through shutdown, waits
// for it up to timeout, and then kills the child regardless of the outcome.
//
// The kill happens even when shutdown succeeded, so a child that needs
// longer than timeout to flush its state can lose work.
func (s *Supervisor) GracefulShutdown(timeout time.Duration, shutdown ShutdownFunc) error {
	sess := s.Current()
	if sess == nil {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var err error
	if shutdown != nil {
		errCh := make(chan error, 1)
		go func() { errCh <- shutdown(ctx, sess) }()

		select {
		case err = <-errCh:
		case <-sess.Done():
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	s.mu.Lock()
	if s.current == sess {
		s.current = nil
	}
	s.mu.Unlock()

	if killErr := sess.kill(); killErr != nil && err == nil {
		err = killErr
	}
	return err
}

// monitor waits for the child to exit, detaches it and runs exit handlers.
func (s *Supervisor) monitor(sess *Session) {
	<-sess.proc.Done()

	sess.stdout.Close(stream.ErrClosed)
	_ = sess.proc.Stdin.Close()

	s.mu.Lock()
	if s.current == sess {
		s.current = nil
	}
	handlers := make([]func(*Session), len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()

	s.logger.Debug("formatter process %s exited (state %s, code %d)",
		sess.proc.ID, sess.proc.State(), sess.proc.ExitCode())

	for _, h := range handlers {
		s.runHandler(h, sess)
	}
}

func (s *Supervisor) runHandler(h func(*Session), sess *Session) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("error in exit handler: %v", r)
		}
	}()
	h(sess)
}

// maxStderrLine caps how much of one stderr line is logged. The rest of
// the line is read and dropped.
const maxStderrLine = 64 * 1024

// relayStderr copies the child's stderr to the log, one line at a time.
// It reads until the pipe closes so the child never blocks or fails on a
// stderr write.
func (s *Supervisor) relayStderr(proc *Process) {
	defer proc.Stderr.Close()
	r := bufio.NewReader(proc.Stderr)
	var line []byte
	truncated := false
	for {
		frag, isPrefix, err := r.ReadLine()
		if room := maxStderrLine - len(line); len(frag) > room {
			frag = frag[:room]
			truncated = true
		}
		line = append(line, frag...)
		if !isPrefix || err != nil {
			s.logStderr(line, truncated)
			line, truncated = line[:0], false
		}
		if err != nil {
			return
		}
	}
}

func (s *Supervisor) logStderr(b []byte, truncated bool) {
	line := strings.TrimSpace(decodeText(b))
	if line == "" {
		return
	}
	if truncated {
		line += " [truncated]"
	}
	s.logger.Log(line)
}

// decodeText decodes child output as UTF-8, replacing invalid sequences.
func decodeText(b []byte) string {
	text, _, err := transform.Bytes(unicode.UTF8.NewDecoder(), b)
	if err != nil {
		return string(b)
	}
	return string(text)
}

// Session is one spawned child process together with its buffered stdout.
// Reads and writes through a Session always reach that exact child, never
// a replacement spawned later.
type Session struct {
	proc   *Process
	stdout *stream.Buffer

	writeMu sync.Mutex
}

// ID returns the unique id of the child.
func (sess *Session) ID() string {
	return sess.proc.ID
}

// PID returns the OS process id of the child.
func (sess *Session) PID() int {
	return sess.proc.PID()
}

// Process returns the underlying process.
func (sess *Session) Process() *Process {
	return sess.proc
}

// Done returns a channel closed when the child has exited.
func (sess *Session) Done() <-chan struct{} {
	return sess.proc.Done()
}

// ReadExact reads exactly n bytes from the child's stdout.
func (sess *Session) ReadExact(ctx context.Context, n int) ([]byte, error) {
	return sess.stdout.ReadExact(ctx, n)
}

// ReadUint32 reads a big-endian uint32 from the child's stdout.
func (sess *Session) ReadUint32(ctx context.Context) (uint32, error) {
	return sess.stdout.ReadUint32(ctx)
}

// Write writes p to the child's stdin in one call. Concurrent writers are
// serialized so whole messages never interleave.
func (sess *Session) Write(p []byte) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()

	if sess.stdout.Closed() {
		return ErrNotRunning
	}
	if _, err := sess.proc.Stdin.Write(p); err != nil {
		return fmt.Errorf("write to formatter: %w", err)
	}
	return nil
}

// WriteUint32 writes v as a big-endian uint32.
func (sess *Session) WriteUint32(v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return sess.Write(buf[:])
}

func (sess *Session) usable() bool {
	return sess.proc.IsRunning() && !sess.stdout.Closed()
}

func (sess *Session) kill() error {
	sess.stdout.Close(stream.ErrClosed)
	return sess.proc.Kill()
}
