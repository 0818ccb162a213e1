// Package stream provides the byte-level primitives used to talk to the
// formatter process over its stdout pipe.
//
// The pipe delivers arbitrarily sized chunks that have no relation to
// message boundaries. Buffer queues those chunks and hands them back out in
// exactly the sizes a decoder asks for, splitting and re-queuing chunks as
// needed.
//
// Only one consumer may be blocked on a Buffer at a time. Protocol code
// serializes its reads (one background read loop, or one request at a time)
// so this never happens in practice; a second concurrent blocked read is
// reported as ErrReaderBusy rather than silently interleaving bytes.
package stream

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
)

// Sentinel errors for the stream package.
var (
	// ErrClosed is returned by reads after the underlying pipe went away.
	ErrClosed = errors.New("connection closed")

	// ErrReaderBusy is returned when a second reader tries to block while
	// another read is already waiting.
	ErrReaderBusy = errors.New("another read is already waiting")
)

// Buffer is an ordered queue of received byte chunks with a single-slot
// wait queue for the consumer.
type Buffer struct {
	mu     sync.Mutex
	chunks [][]byte
	size   int

	// waiter is non-nil while a reader is blocked. It is closed (and reset)
	// by the next Push or by Close.
	waiter chan struct{}

	err error
}

// NewBuffer creates an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Push appends a copy of p to the queue and wakes the waiting reader.
// Pushing to a closed buffer is a no-op.
func (b *Buffer) Push(p []byte) {
	if len(p) == 0 {
		return
	}
	chunk := make([]byte, len(p))
	copy(chunk, p)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.err != nil {
		return
	}
	b.chunks = append(b.chunks, chunk)
	b.size += len(chunk)
	b.wakeLocked()
}

// Len returns the number of buffered, unconsumed bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Close clears the queue and fails the waiting reader (if any) and all
// future reads. A nil err means ErrClosed. Only the first Close has effect.
func (b *Buffer) Close(err error) {
	if err == nil {
		err = ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.err != nil {
		return
	}
	b.err = err
	b.chunks = nil
	b.size = 0
	b.wakeLocked()
}

// Closed reports whether Close has been called.
func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err != nil
}

// Pump copies r into the buffer until r returns an error. The buffer is
// closed when Pump returns; io.EOF is reported as ErrClosed.
func (b *Buffer) Pump(r io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			b.Push(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				b.Close(ErrClosed)
				return nil
			}
			b.Close(ErrClosed)
			return err
		}
	}
}

// ReadExact returns exactly n bytes, blocking until enough data has been
// pushed. Bytes are only consumed once all n are available, so a read that
// is abandoned through ctx leaves the queue untouched.
func (b *Buffer) ReadExact(ctx context.Context, n int) ([]byte, error) {
	if n < 0 {
		return nil, errors.New("negative read size")
	}
	if n == 0 {
		return []byte{}, nil
	}

	for {
		b.mu.Lock()
		if b.err != nil {
			err := b.err
			b.mu.Unlock()
			return nil, err
		}
		if b.size >= n {
			out := b.takeLocked(n)
			b.mu.Unlock()
			return out, nil
		}
		if b.waiter != nil {
			b.mu.Unlock()
			return nil, ErrReaderBusy
		}
		wait := make(chan struct{})
		b.waiter = wait
		b.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			b.mu.Lock()
			if b.waiter == wait {
				b.waiter = nil
			}
			b.mu.Unlock()
			return nil, ctx.Err()
		}
	}
}

// ReadUint32 reads four bytes as a big-endian unsigned integer.
func (b *Buffer) ReadUint32(ctx context.Context) (uint32, error) {
	buf, err := b.ReadExact(ctx, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf), nil
}

// takeLocked removes exactly n bytes from the front of the queue. The
// caller must hold mu and have checked that size >= n.
func (b *Buffer) takeLocked(n int) []byte {
	// Fast path: the head chunk satisfies the read on its own.
	if head := b.chunks[0]; len(head) >= n {
		if len(head) == n {
			b.chunks[0] = nil
			b.chunks = b.chunks[1:]
		} else {
			b.chunks[0] = head[n:]
		}
		b.size -= n
		return head[:n:n]
	}

	out := make([]byte, 0, n)
	for len(out) < n {
		head := b.chunks[0]
		need := n - len(out)
		if len(head) <= need {
			out = append(out, head...)
			b.chunks[0] = nil
			b.chunks = b.chunks[1:]
			continue
		}
		out = append(out, head[:need]...)
		b.chunks[0] = head[need:]
	}
	b.size -= n
	return out
}

func (b *Buffer) wakeLocked() {
	if b.waiter != nil {
		close(b.waiter)
		b.waiter = nil
	}
}
