package editorservice

import (
	"context"
	"slices"
	"sync"
)

// serialExecutor admits one caller at a time in arrival order.
type serialExecutor struct {
	mu    sync.Mutex
	busy  bool
	queue []chan error
}

// acquire blocks until the caller holds the executor. A nil error means
// the caller must call release. Waiting callers fail with ctx's error or
// with the error passed to clear.
func (e *serialExecutor) acquire(ctx context.Context) error {
	e.mu.Lock()
	if !e.busy {
		e.busy = true
		e.mu.Unlock()
		return nil
	}
	ticket := make(chan error, 1)
	e.queue = append(e.queue, ticket)
	e.mu.Unlock()

	select {
	case err := <-ticket:
		return err
	case <-ctx.Done():
	}

	e.mu.Lock()
	if i := slices.Index(e.queue, ticket); i >= 0 {
		e.queue = slices.Delete(e.queue, i, i+1)
		e.mu.Unlock()
		return ctx.Err()
	}
	e.mu.Unlock()

	// Granted or cleared concurrently with the cancellation.
	if err := <-ticket; err == nil {
		e.release()
	}
	return ctx.Err()
}

// release hands the executor to the next waiting caller.
func (e *serialExecutor) release() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.queue) == 0 {
		e.busy = false
		return
	}
	next := e.queue[0]
	e.queue = e.queue[1:]
	next <- nil
}

// clear fails every waiting caller with err. The current holder keeps the
// executor until it releases.
func (e *serialExecutor) clear(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, ticket := range e.queue {
		ticket <- err
	}
	e.queue = nil
}

// waiting returns the number of queued callers.
func (e *serialExecutor) waiting() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}
