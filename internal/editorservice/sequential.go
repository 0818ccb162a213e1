package editorservice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dshills/fmtbridge/internal/logging"
	"github.com/dshills/fmtbridge/internal/process"
	"github.com/dshills/fmtbridge/internal/protocol"
	"github.com/dshills/fmtbridge/internal/stream"
)

// sequentialService speaks schemas 2 to 4. The wire carries no message
// ids, so exactly one exchange is in flight at a time.
type sequentialService struct {
	schema Schema
	cfg    Config
	logger *logging.Logger
	sup    *process.Supervisor
	exec   serialExecutor

	state atomic.Int32

	mu       sync.Mutex
	disposed bool
	current  *process.Session
}

func newSequentialService(schema Schema, sup *process.Supervisor, cfg Config, logger *logging.Logger) *sequentialService {
	s := &sequentialService{
		schema: schema,
		cfg:    cfg,
		logger: logger,
		sup:    sup,
	}
	s.state.Store(int32(StateNotStarted))
	sup.OnExit(s.exited)
	return s
}

// exited handles the exit of a child. Exits of children the service has
// already moved past are ignored.
func (s *sequentialService) exited(sess *process.Session) {
	if !s.detach(sess) {
		return
	}
	s.exec.clear(ErrCancelled)
}

// detach forgets sess if it is the child in use and reports whether it was.
func (s *sequentialService) detach(sess *process.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != sess {
		return false
	}
	s.current = nil
	s.state.CompareAndSwap(int32(StateRunning), int32(StateTerminated))
	return true
}

func (s *sequentialService) Schema() Schema { return s.schema }

func (s *sequentialService) State() State { return State(s.state.Load()) }

func (s *sequentialService) isDisposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// session returns the attached child, spawning one if needed. Must be
// called while holding the executor.
func (s *sequentialService) session() (*process.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return nil, ErrDisposed
	}
	sess, started, err := s.sup.EnsureRunning()
	if err != nil {
		return nil, err
	}
	if started || s.current != sess {
		s.current = sess
		s.state.Store(int32(StateRunning))
	}
	return sess, nil
}

// run executes one exchange under the executor. The exchange itself is
// not interrupted by ctx once it started writing.
func (s *sequentialService) run(ctx context.Context, exchange func(ctx context.Context, sess *process.Session) error) error {
	if s.isDisposed() {
		return ErrDisposed
	}
	if err := s.exec.acquire(ctx); err != nil {
		if s.isDisposed() {
			return ErrCancelled
		}
		return err
	}
	defer s.exec.release()

	if err := ctx.Err(); err != nil {
		return err
	}

	sess, err := s.session()
	if err != nil {
		return err
	}

	err = exchange(context.WithoutCancel(ctx), sess)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, protocol.ErrDesync):
		s.logger.Warn("formatter stream out of sync, restarting: %v", err)
		s.detach(sess)
		_ = s.sup.KillSession(sess)
		return err
	case errors.Is(err, stream.ErrClosed), errors.Is(err, process.ErrNotRunning):
		if s.isDisposed() {
			return ErrCancelled
		}
		return ErrProcessExited
	default:
		return err
	}
}

func (s *sequentialService) CanFormat(ctx context.Context, path string) (bool, error) {
	var result bool
	err := s.run(ctx, func(ctx context.Context, sess *process.Session) error {
		if err := protocol.WriteUint32(sess, protocol.OpCanFormat); err != nil {
			return err
		}
		if err := protocol.WriteString(ctx, sess, path); err != nil {
			return err
		}
		if err := s.writeSentinel(sess); err != nil {
			return err
		}

		answer, err := sess.ReadUint32(ctx)
		if err != nil {
			return err
		}
		if err := s.expectSentinel(ctx, sess); err != nil {
			return err
		}
		result = answer == 1
		return nil
	})
	return result, err
}

func (s *sequentialService) FormatText(ctx context.Context, path, text string) (Result, error) {
	var result Result
	err := s.run(ctx, func(ctx context.Context, sess *process.Session) error {
		if err := protocol.WriteUint32(sess, protocol.OpFormat); err != nil {
			return err
		}
		if err := protocol.WriteString(ctx, sess, path); err != nil {
			return err
		}
		if err := protocol.WriteString(ctx, sess, text); err != nil {
			return err
		}
		if err := s.writeSentinel(sess); err != nil {
			return err
		}

		code, err := sess.ReadUint32(ctx)
		if err != nil {
			return err
		}
		switch code {
		case protocol.ResponseNoChange:
			result = unchanged()
			return s.expectSentinel(ctx, sess)

		case protocol.ResponseFormatted:
			text, err := protocol.ReadString(ctx, sess)
			if err != nil {
				return err
			}
			result = formatted(text)
			return s.expectSentinel(ctx, sess)

		case protocol.ResponseError:
			message, err := protocol.ReadString(ctx, sess)
			if err != nil {
				return err
			}
			if err := s.expectSentinel(ctx, sess); err != nil {
				return err
			}
			return &FormatError{Path: path, Message: message}

		default:
			return &protocol.DesyncError{Reason: fmt.Sprintf("unknown format response kind %d", code)}
		}
	})

	if err != nil {
		if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return cancelled(), nil
		}
		return Result{}, err
	}
	return result, nil
}

func (s *sequentialService) writeSentinel(sess *process.Session) error {
	if !s.schema.sentinels() {
		return nil
	}
	return protocol.WriteSentinel(sess)
}

func (s *sequentialService) expectSentinel(ctx context.Context, sess *process.Session) error {
	if !s.schema.sentinels() {
		return nil
	}
	return protocol.ExpectSentinel(ctx, sess)
}

// dispose marks the service unusable and reports whether this call did
// so.
func (s *sequentialService) dispose() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return false
	}
	s.disposed = true
	return true
}

func (s *sequentialService) Shutdown(ctx context.Context) error {
	if !s.dispose() {
		return nil
	}
	s.state.Store(int32(StateShuttingDown))
	s.exec.clear(ErrCancelled)
	defer s.state.Store(int32(StateDisposed))

	if !s.schema.shutdownOp() {
		return s.sup.Kill()
	}

	timeout := shutdownTimeout(ctx, s.cfg.ShutdownTimeout)
	err := s.sup.GracefulShutdown(timeout, func(ctx context.Context, sess *process.Session) error {
		// Wait for the exchange on the wire, if any, to finish.
		if err := s.exec.acquire(ctx); err != nil {
			return err
		}
		defer s.exec.release()

		if err := protocol.WriteUint32(sess, protocol.OpShutdown); err != nil {
			return err
		}
		select {
		case <-sess.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		s.logger.Debug("graceful shutdown: %v", err)
	}
	return nil
}

func (s *sequentialService) Kill() {
	if !s.dispose() {
		return
	}
	s.exec.clear(ErrCancelled)
	_ = s.sup.Kill()
	s.state.Store(int32(StateDisposed))
}
