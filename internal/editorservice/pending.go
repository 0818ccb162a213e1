package editorservice

import (
	"sync"

	"github.com/dshills/fmtbridge/internal/protocol"
)

// reply resolves one pending request.
type reply struct {
	msg *protocol.Message
	err error
}

// pendingTable maps outstanding message ids to their waiting callers.
// Each entry is removed exactly once, by take or drain.
type pendingTable struct {
	mu      sync.Mutex
	entries map[uint32]chan reply
	closed  error
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[uint32]chan reply)}
}

// store registers id. It fails with the drain error once the table was
// drained.
func (t *pendingTable) store(id uint32) (<-chan reply, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed != nil {
		return nil, t.closed
	}
	ch := make(chan reply, 1)
	t.entries[id] = ch
	return ch, nil
}

// take removes id and reports whether it was still pending.
func (t *pendingTable) take(id uint32) (chan<- reply, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return ch, ok
}

// resolve delivers r to id if it is still pending.
func (t *pendingTable) resolve(id uint32, r reply) bool {
	ch, ok := t.take(id)
	if ok {
		ch <- r
	}
	return ok
}

// drain fails every pending entry with err and rejects later stores. Only
// the first drain has an effect.
func (t *pendingTable) drain(err error) int {
	t.mu.Lock()
	if t.closed != nil {
		t.mu.Unlock()
		return 0
	}
	t.closed = err
	entries := t.entries
	t.entries = nil
	t.mu.Unlock()

	for _, ch := range entries {
		ch <- reply{err: err}
	}
	return len(entries)
}

// len returns the number of pending entries.
func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
