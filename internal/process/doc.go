// Package process manages the formatter child process.
//
// A Supervisor owns at most one child at a time. Callers do not start the
// child explicitly; they call EnsureRunning before every exchange and get
// back the Session for the child that is attached right now:
//
//	sup := process.NewSupervisor(exe.EditorServiceCommand(), process.WithLogger(logger))
//	sup.OnExit(func(sess *process.Session) {
//	    // fail everything that was waiting on sess
//	})
//
//	sess, started, err := sup.EnsureRunning()
//	if err != nil {
//	    return err
//	}
//	if err := sess.Write(frame); err != nil {
//	    return err
//	}
//	n, err := sess.ReadUint32(ctx)
//
// # Lifecycle
//
// The child's stdout is pumped into a stream.Buffer as soon as it starts.
// Its stderr is decoded and written line by line to the logger; it is never
// interpreted as protocol data. When the child exits for any reason, the
// session's buffer is closed (failing a blocked reader with
// stream.ErrClosed), the session is detached, and every exit handler runs
// once.
//
// # Shutdown
//
// Kill detaches and terminates the child immediately. GracefulShutdown
// first gives the child a bounded window to exit through a protocol-level
// request and then kills it whatever happened.
//
// # Thread Safety
//
// Supervisor and Session are safe for concurrent use. Session.Write sends
// each buffer in a single locked write, but reads follow a single-reader
// discipline enforced by stream.Buffer.
package process
