package protocol

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// MessageKind identifies the operation or response carried by a framed
// message.
type MessageKind uint32

// Message kinds of the framed protocol.
const (
	KindSuccessResponse    MessageKind = 0
	KindErrorResponse      MessageKind = 1
	KindShutDownProcess    MessageKind = 2
	KindActive             MessageKind = 3
	KindCanFormat          MessageKind = 4
	KindCanFormatResponse  MessageKind = 5
	KindFormatFile         MessageKind = 6
	KindFormatFileResponse MessageKind = 7
	KindCancelFormat       MessageKind = 8
)

// String returns the kind name.
func (k MessageKind) String() string {
	switch k {
	case KindSuccessResponse:
		return "SuccessResponse"
	case KindErrorResponse:
		return "ErrorResponse"
	case KindShutDownProcess:
		return "ShutDownProcess"
	case KindActive:
		return "Active"
	case KindCanFormat:
		return "CanFormat"
	case KindCanFormatResponse:
		return "CanFormatResponse"
	case KindFormatFile:
		return "FormatFile"
	case KindFormatFileResponse:
		return "FormatFileResponse"
	case KindCancelFormat:
		return "CancelFormat"
	default:
		return fmt.Sprintf("MessageKind(%d)", uint32(k))
	}
}

// IsResponse reports whether messages of this kind answer an earlier
// message. Responses never produce a further response.
func (k MessageKind) IsResponse() bool {
	switch k {
	case KindSuccessResponse, KindErrorResponse, KindCanFormatResponse, KindFormatFileResponse:
		return true
	}
	return false
}

const (
	// HeaderSize is the size of messageId, kind and bodyLength.
	HeaderSize = 12

	// MaxBodyLength rejects frames whose declared body is implausibly
	// large; such a length means the stream is out of sync.
	MaxBodyLength = 64 << 20
)

// Message is one framed protocol message.
type Message struct {
	ID   uint32
	Kind MessageKind
	Body []byte
}

// NewMessage starts a message with an empty body.
func NewMessage(id uint32, kind MessageKind) *Message {
	return &Message{ID: id, Kind: kind}
}

// AddUint32 appends a fixed-width integer part.
func (m *Message) AddUint32(v uint32) *Message {
	m.Body = binary.BigEndian.AppendUint32(m.Body, v)
	return m
}

// AddBool appends 1 for true and 0 for false.
func (m *Message) AddBool(v bool) *Message {
	if v {
		return m.AddUint32(1)
	}
	return m.AddUint32(0)
}

// AddBytes appends a length-prefixed blob part.
func (m *Message) AddBytes(b []byte) *Message {
	m.Body = binary.BigEndian.AppendUint32(m.Body, uint32(len(b)))
	m.Body = append(m.Body, b...)
	return m
}

// AddString appends a length-prefixed UTF-8 string part.
func (m *Message) AddString(s string) *Message {
	return m.AddBytes([]byte(s))
}

// Encode returns the wire form: header, body and success sentinel.
func (m *Message) Encode() []byte {
	if len(m.Body) > math.MaxUint32 {
		panic("protocol: message body too large")
	}
	buf := make([]byte, 0, HeaderSize+len(m.Body)+SentinelSize)
	buf = binary.BigEndian.AppendUint32(buf, m.ID)
	buf = binary.BigEndian.AppendUint32(buf, uint32(m.Kind))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.Body)))
	buf = append(buf, m.Body...)
	buf = append(buf, successSentinel[:]...)
	return buf
}

// Reader returns a reader over the message body.
func (m *Message) Reader() *BodyReader {
	return NewBodyReader(m.Body)
}

// ByteReader is the read side of the framer.
type ByteReader interface {
	ReadExact(ctx context.Context, n int) ([]byte, error)
	ReadUint32(ctx context.Context) (uint32, error)
}

// ReadMessage reads one complete frame. Malformed lengths and sentinel
// mismatches are reported as *DesyncError; errors from r are returned
// unchanged.
func ReadMessage(ctx context.Context, r ByteReader) (*Message, error) {
	id, err := r.ReadUint32(ctx)
	if err != nil {
		return nil, err
	}
	kind, err := r.ReadUint32(ctx)
	if err != nil {
		return nil, err
	}
	length, err := r.ReadUint32(ctx)
	if err != nil {
		return nil, err
	}
	if length > MaxBodyLength {
		return nil, &DesyncError{Reason: fmt.Sprintf("body length %d exceeds limit of %d bytes", length, MaxBodyLength)}
	}

	body, err := r.ReadExact(ctx, int(length))
	if err != nil {
		return nil, err
	}
	if err := ExpectSentinel(ctx, r); err != nil {
		return nil, err
	}

	return &Message{ID: id, Kind: MessageKind(kind), Body: body}, nil
}

// BodyReader decodes the parts of a message body in order.
type BodyReader struct {
	body []byte
	pos  int
}

// NewBodyReader creates a reader over body.
func NewBodyReader(body []byte) *BodyReader {
	return &BodyReader{body: body}
}

// Remaining returns the number of unread body bytes.
func (r *BodyReader) Remaining() int {
	return len(r.body) - r.pos
}

// Uint32 reads a fixed-width integer part.
func (r *BodyReader) Uint32() (uint32, error) {
	if r.Remaining() < 4 {
		return 0, &DesyncError{Reason: fmt.Sprintf("body too short for integer at offset %d", r.pos)}
	}
	v := binary.BigEndian.Uint32(r.body[r.pos:])
	r.pos += 4
	return v, nil
}

// Bool reads an integer part that must be 0 or 1.
func (r *BodyReader) Bool() (bool, error) {
	v, err := r.Uint32()
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, &DesyncError{Reason: fmt.Sprintf("expected 0 or 1, found %d", v)}
	}
}

// Bytes reads a length-prefixed blob part.
func (r *BodyReader) Bytes() ([]byte, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	if uint64(r.Remaining()) < uint64(n) {
		return nil, &DesyncError{Reason: fmt.Sprintf("blob of %d bytes overruns body (%d remaining)", n, r.Remaining())}
	}
	b := r.body[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

// String reads a length-prefixed UTF-8 string part.
func (r *BodyReader) String() (string, error) {
	b, err := r.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DesyncError reports that the byte stream no longer lines up with the
// protocol. The connection cannot be trusted after one.
type DesyncError struct {
	Reason string
}

func (e *DesyncError) Error() string {
	return "protocol desync: " + e.Reason
}

// Is makes errors.Is(err, ErrDesync) match any *DesyncError.
func (e *DesyncError) Is(target error) bool {
	return target == ErrDesync
}

// ErrDesync matches every *DesyncError.
var ErrDesync = errors.New("protocol desync")
