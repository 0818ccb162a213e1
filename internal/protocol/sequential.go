package protocol

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
)

// SentinelSize is the size of the message terminator.
const SentinelSize = 4

var successSentinel = [SentinelSize]byte{0xFF, 0xFF, 0xFF, 0xFF}

// SuccessSentinel returns the message terminator.
func SuccessSentinel() []byte {
	s := successSentinel
	return s[:]
}

// ExpectSentinel reads four bytes and reports a *DesyncError unless they
// are the success sentinel.
func ExpectSentinel(ctx context.Context, r ByteReader) error {
	b, err := r.ReadExact(ctx, SentinelSize)
	if err != nil {
		return err
	}
	if !bytes.Equal(b, successSentinel[:]) {
		return &DesyncError{Reason: fmt.Sprintf("expected success sentinel, found % X", b)}
	}
	return nil
}

// ChunkSize is the window size for long strings in the sequential
// protocol. Strings at or above this length are sent in windows of at
// most ChunkSize bytes and the peer acknowledges each window before the
// next is sent.
const ChunkSize = 1024

// Operation codes of the sequential protocol.
const (
	OpShutdown  uint32 = 0
	OpCanFormat uint32 = 1
	OpFormat    uint32 = 2
)

// Response codes of the sequential protocol.
const (
	ResponseNoChange  uint32 = 0
	ResponseFormatted uint32 = 1
	ResponseError     uint32 = 2
)

// ByteWriter is the write side of the framer.
type ByteWriter interface {
	Write(p []byte) error
}

// ByteConn reads and writes the same peer.
type ByteConn interface {
	ByteReader
	ByteWriter
}

// WriteUint32 writes v in big-endian order.
func WriteUint32(w ByteWriter, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return w.Write(buf[:])
}

// WriteSentinel writes the success sentinel.
func WriteSentinel(w ByteWriter) error {
	return w.Write(successSentinel[:])
}

// WriteString writes a length-prefixed string. Strings shorter than
// ChunkSize go out with their length in one write. Longer strings are
// split into ChunkSize windows and a ready acknowledgement is read from
// the peer before every window after the first.
func WriteString(ctx context.Context, c ByteConn, s string) error {
	data := []byte(s)
	if len(data) < ChunkSize {
		buf := binary.BigEndian.AppendUint32(make([]byte, 0, 4+len(data)), uint32(len(data)))
		buf = append(buf, data...)
		return c.Write(buf)
	}

	if err := WriteUint32(c, uint32(len(data))); err != nil {
		return err
	}
	for off := 0; off < len(data); off += ChunkSize {
		if off > 0 {
			if _, err := c.ReadUint32(ctx); err != nil {
				return fmt.Errorf("wait for ready: %w", err)
			}
		}
		end := min(off+ChunkSize, len(data))
		if err := c.Write(data[off:end]); err != nil {
			return err
		}
	}
	return nil
}

// ReadString reads a string written by the peer's WriteString, sending a
// ready acknowledgement before every window after the first.
func ReadString(ctx context.Context, c ByteConn) (string, error) {
	n, err := c.ReadUint32(ctx)
	if err != nil {
		return "", err
	}
	if n > MaxBodyLength {
		return "", &DesyncError{Reason: fmt.Sprintf("string length %d exceeds limit of %d bytes", n, MaxBodyLength)}
	}

	length := int(n)
	if length < ChunkSize {
		b, err := c.ReadExact(ctx, length)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}

	buf := make([]byte, 0, length)
	for len(buf) < length {
		if len(buf) > 0 {
			if err := WriteUint32(c, 0); err != nil {
				return "", fmt.Errorf("send ready: %w", err)
			}
		}
		b, err := c.ReadExact(ctx, min(ChunkSize, length-len(buf)))
		if err != nil {
			return "", err
		}
		buf = append(buf, b...)
	}
	return string(buf), nil
}
