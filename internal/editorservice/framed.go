package editorservice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/fmtbridge/internal/logging"
	"github.com/dshills/fmtbridge/internal/process"
	"github.com/dshills/fmtbridge/internal/protocol"
	"github.com/dshills/fmtbridge/internal/stream"
)

// link is one live connection: a child process, the read loop draining
// its stdout and the requests waiting on it.
type link struct {
	id      string
	sess    *process.Session
	pending *pendingTable
	done    chan struct{}
}

// framedService speaks schema 5. Requests are correlated by message id,
// so any number may be in flight at once.
type framedService struct {
	schema Schema
	cfg    Config
	logger *logging.Logger
	sup    *process.Supervisor

	lastID atomic.Uint32
	state  atomic.Int32

	mu        sync.Mutex
	link      *link
	disposed  bool
	closed    chan struct{}
	cooldown  chan struct{}
	failures  int
	lastStart time.Time
}

func newFramedService(schema Schema, sup *process.Supervisor, cfg Config, logger *logging.Logger) *framedService {
	s := &framedService{
		schema: schema,
		cfg:    cfg,
		logger: logger,
		sup:    sup,
		closed: make(chan struct{}),
	}
	s.state.Store(int32(StateNotStarted))
	return s
}

func (s *framedService) Schema() Schema { return s.schema }

func (s *framedService) State() State { return State(s.state.Load()) }

func (s *framedService) nextID() uint32 {
	return s.lastID.Add(1)
}

// connect returns the live link, spawning a child and starting its read
// loop when there is none. It waits out a reconnect cooldown.
func (s *framedService) connect(ctx context.Context) (*link, error) {
	for {
		s.mu.Lock()
		if s.disposed {
			s.mu.Unlock()
			return nil, ErrDisposed
		}
		if s.State() == StateFailed {
			s.mu.Unlock()
			return nil, ErrConnectionFailed
		}
		if gate := s.cooldown; gate != nil {
			s.mu.Unlock()
			select {
			case <-gate:
				continue
			case <-s.closed:
				return nil, ErrDisposed
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if l := s.link; l != nil {
			select {
			case <-l.done:
			default:
				s.mu.Unlock()
				return l, nil
			}
		}

		sess, _, err := s.sup.EnsureRunning()
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		l := &link{
			id:      uuid.NewString(),
			sess:    sess,
			pending: newPendingTable(),
			done:    make(chan struct{}),
		}
		s.link = l
		s.lastStart = time.Now()
		s.state.Store(int32(StateRunning))
		s.mu.Unlock()

		s.logger.Debug("connected to formatter process %s (pid %d, link %s)", sess.ID(), sess.PID(), l.id)
		go s.readLoop(l)
		return l, nil
	}
}

// readLoop reads frames in arrival order until the child goes away or the
// stream breaks.
func (s *framedService) readLoop(l *link) {
	defer close(l.done)

	ctx := context.Background()
	for {
		msg, err := protocol.ReadMessage(ctx, l.sess)
		if err == nil {
			err = s.dispatch(l, msg)
		}
		if err == nil {
			continue
		}

		if errors.Is(err, stream.ErrClosed) {
			s.detach(l, ErrProcessExited)
			return
		}
		s.recover(l, err)
		return
	}
}

// dispatch routes one inbound frame. A returned error breaks the link.
func (s *framedService) dispatch(l *link, msg *protocol.Message) error {
	switch msg.Kind {
	case protocol.KindSuccessResponse, protocol.KindCanFormatResponse, protocol.KindFormatFileResponse:
		id, err := protocol.RespondingID(msg)
		if err != nil {
			return err
		}
		if err := validateResponse(msg); err != nil {
			return err
		}
		if !l.pending.resolve(id, reply{msg: msg}) {
			s.logger.Debug("dropping %v for message %d: nobody is waiting", msg.Kind, id)
		}

	case protocol.KindErrorResponse:
		resp, err := protocol.ParseErrorResponse(msg)
		if err != nil {
			return err
		}
		if !l.pending.resolve(resp.RespondingID, reply{msg: msg}) {
			s.logger.Debug("dropping error for message %d: %s", resp.RespondingID, resp.Message)
		}

	case protocol.KindActive:
		go s.send(l, protocol.NewSuccessResponse(s.nextID(), msg.ID))

	default:
		s.logger.Warn("formatter sent unexpected message kind %d", uint32(msg.Kind))
		text := fmt.Sprintf("Can't respond to message kind: %d", uint32(msg.Kind))
		go s.send(l, protocol.ErrorResponse{RespondingID: msg.ID, Message: text}.Frame(s.nextID()))
	}
	return nil
}

// validateResponse checks that a response body decodes, so a malformed
// body breaks the link instead of reaching a caller.
func validateResponse(msg *protocol.Message) error {
	var err error
	switch msg.Kind {
	case protocol.KindCanFormatResponse:
		_, err = protocol.ParseCanFormatResponse(msg)
	case protocol.KindFormatFileResponse:
		_, err = protocol.ParseFormatFileResponse(msg)
	}
	return err
}

// send writes msg to l's child, ignoring failures.
func (s *framedService) send(l *link, msg *protocol.Message) {
	if err := l.sess.Write(msg.Encode()); err != nil {
		s.logger.Debug("send %v: %v", msg.Kind, err)
	}
}

// detach forgets l after its child went away and fails its requests.
func (s *framedService) detach(l *link, err error) {
	s.mu.Lock()
	if s.link == l {
		s.link = nil
		s.state.CompareAndSwap(int32(StateRunning), int32(StateTerminated))
	}
	if s.disposed {
		err = ErrCancelled
	}
	s.mu.Unlock()

	if n := l.pending.drain(err); n > 0 {
		s.logger.Debug("failed %d pending requests: %v", n, err)
	}
}

// recover handles a broken stream: the child is killed and reconnecting is
// held back by a growing cooldown. Too many consecutive failures fail the
// service.
func (s *framedService) recover(l *link, cause error) {
	s.logger.Warn("read task failed: %v", cause)
	_ = s.sup.KillSession(l.sess)

	s.mu.Lock()
	if s.link == l {
		s.link = nil
		s.state.CompareAndSwap(int32(StateRunning), int32(StateTerminated))
	}
	if s.disposed {
		s.mu.Unlock()
		l.pending.drain(ErrCancelled)
		return
	}

	if time.Since(s.lastStart) > s.cfg.ResetWindow {
		s.failures = 0
	}
	s.failures++
	attempt := s.failures

	if attempt > s.cfg.MaxRestarts {
		s.state.Store(int32(StateFailed))
		s.mu.Unlock()
		l.pending.drain(ErrProcessExited)
		s.logger.Error("giving up on the formatter after %d broken connections", attempt)
		return
	}

	// Callers are released only after the gate is in place.
	gate := make(chan struct{})
	s.cooldown = gate
	s.mu.Unlock()
	l.pending.drain(ErrProcessExited)

	delay := CalculateBackoff(attempt, s.cfg.RestartCooldown, s.cfg.MaxCooldown, 2.0)
	s.logger.Info("reconnecting in %v (attempt %d)", delay, attempt)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.closed:
	}

	s.mu.Lock()
	if s.cooldown == gate {
		s.cooldown = nil
	}
	s.mu.Unlock()
	close(gate)
}

// request sends msg over a live link and waits for its response. ctx
// cancellation removes the pending entry and returns ctx's error together
// with the link the request went out on.
func (s *framedService) request(ctx context.Context, build func(id uint32) *protocol.Message) (*protocol.Message, *link, uint32, error) {
	l, err := s.connect(ctx)
	if err != nil {
		return nil, nil, 0, err
	}

	id := s.nextID()
	ch, err := l.pending.store(id)
	if err != nil {
		return nil, l, id, err
	}
	if err := l.sess.Write(build(id).Encode()); err != nil {
		l.pending.take(id)
		if errors.Is(err, process.ErrNotRunning) {
			err = ErrProcessExited
		}
		return nil, l, id, err
	}

	select {
	case r := <-ch:
		return r.msg, l, id, r.err
	case <-ctx.Done():
		if _, ok := l.pending.take(id); ok {
			return nil, l, id, ctx.Err()
		}
		// Resolved concurrently; the reply is already on its way.
		r := <-ch
		return r.msg, l, id, r.err
	}
}

func (s *framedService) CanFormat(ctx context.Context, path string) (bool, error) {
	msg, _, _, err := s.request(ctx, func(id uint32) *protocol.Message {
		return protocol.NewCanFormat(id, path)
	})
	if err != nil {
		return false, err
	}

	switch msg.Kind {
	case protocol.KindCanFormatResponse:
		resp, err := protocol.ParseCanFormatResponse(msg)
		if err != nil {
			return false, err
		}
		return resp.CanFormat, nil
	case protocol.KindErrorResponse:
		resp, _ := protocol.ParseErrorResponse(msg)
		return false, &FormatError{Path: path, Message: resp.Message}
	default:
		return false, fmt.Errorf("unexpected %v for can format request", msg.Kind)
	}
}

func (s *framedService) FormatText(ctx context.Context, path, text string) (Result, error) {
	if ctx.Err() != nil {
		return cancelled(), nil
	}

	msg, l, id, err := s.request(ctx, func(id uint32) *protocol.Message {
		return protocol.NewFormatFileRequest(path, text).Frame(id)
	})
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			if l != nil {
				go s.send(l, protocol.NewCancelFormat(s.nextID(), id))
			}
			return cancelled(), nil
		}
		return Result{}, err
	}

	switch msg.Kind {
	case protocol.KindFormatFileResponse:
		resp, err := protocol.ParseFormatFileResponse(msg)
		if err != nil {
			return Result{}, err
		}
		if !resp.Changed {
			return unchanged(), nil
		}
		return formatted(resp.Text), nil
	case protocol.KindErrorResponse:
		resp, _ := protocol.ParseErrorResponse(msg)
		return Result{}, &FormatError{Path: path, Message: resp.Message}
	default:
		return Result{}, fmt.Errorf("unexpected %v for format request", msg.Kind)
	}
}

// dispose marks the service unusable and returns the live link, if any.
// ok is false when the service was already disposed.
func (s *framedService) dispose() (l *link, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return nil, false
	}
	s.disposed = true
	close(s.closed)
	l, s.link = s.link, nil
	return l, true
}

func (s *framedService) Shutdown(ctx context.Context) error {
	l, ok := s.dispose()
	if !ok {
		return nil
	}
	s.state.Store(int32(StateShuttingDown))
	defer s.state.Store(int32(StateDisposed))

	if l == nil {
		return s.sup.Kill()
	}

	timeout := shutdownTimeout(ctx, s.cfg.ShutdownTimeout)
	err := s.sup.GracefulShutdown(timeout, func(ctx context.Context, sess *process.Session) error {
		if sess != l.sess {
			return nil
		}
		id := s.nextID()
		ch, err := l.pending.store(id)
		if err != nil {
			return nil
		}
		if err := sess.Write(protocol.NewMessage(id, protocol.KindShutDownProcess).Encode()); err != nil {
			return err
		}
		select {
		case r := <-ch:
			return r.err
		case <-sess.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	l.pending.drain(ErrCancelled)
	if err != nil {
		s.logger.Debug("graceful shutdown: %v", err)
	}
	return nil
}

func (s *framedService) Kill() {
	l, ok := s.dispose()
	if !ok {
		return
	}
	if l != nil {
		// Fail callers before the kill so they see a cancellation rather
		// than a process exit.
		l.pending.drain(ErrCancelled)
	}
	_ = s.sup.Kill()
	s.state.Store(int32(StateDisposed))
}
