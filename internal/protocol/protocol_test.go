package protocol

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dshills/fmtbridge/internal/stream"
)

// pipeEnd is one side of an in-memory duplex connection.
type pipeEnd struct {
	in  *stream.Buffer
	out *stream.Buffer
}

func (p *pipeEnd) ReadExact(ctx context.Context, n int) ([]byte, error) {
	return p.in.ReadExact(ctx, n)
}

func (p *pipeEnd) ReadUint32(ctx context.Context) (uint32, error) {
	return p.in.ReadUint32(ctx)
}

func (p *pipeEnd) Write(b []byte) error {
	p.out.Push(b)
	return nil
}

func newPipe() (*pipeEnd, *pipeEnd) {
	a, b := stream.NewBuffer(), stream.NewBuffer()
	return &pipeEnd{in: a, out: b}, &pipeEnd{in: b, out: a}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestMessageKind_String(t *testing.T) {
	tests := []struct {
		kind MessageKind
		want string
	}{
		{KindSuccessResponse, "SuccessResponse"},
		{KindFormatFile, "FormatFile"},
		{KindCancelFormat, "CancelFormat"},
		{MessageKind(99), "MessageKind(99)"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("MessageKind(%d).String() = %q, want %q", uint32(tt.kind), got, tt.want)
		}
	}
}

func TestMessageKind_IsResponse(t *testing.T) {
	responses := map[MessageKind]bool{
		KindSuccessResponse:    true,
		KindErrorResponse:      true,
		KindShutDownProcess:    false,
		KindActive:             false,
		KindCanFormat:          false,
		KindCanFormatResponse:  true,
		KindFormatFile:         false,
		KindFormatFileResponse: true,
		KindCancelFormat:       false,
	}
	for kind, want := range responses {
		if got := kind.IsResponse(); got != want {
			t.Errorf("%v.IsResponse() = %v, want %v", kind, got, want)
		}
	}
}

func TestMessage_Encode(t *testing.T) {
	msg := NewMessage(2, KindCanFormat).AddString("a.ts")

	want := []byte{
		0, 0, 0, 2, // id
		0, 0, 0, 4, // kind
		0, 0, 0, 8, // body length
		0, 0, 0, 4, 'a', '.', 't', 's',
		0xFF, 0xFF, 0xFF, 0xFF,
	}
	if got := msg.Encode(); !bytes.Equal(got, want) {
		t.Errorf("Encode() = % X\nwant      % X", got, want)
	}
}

func TestMessage_EncodeFormatFile(t *testing.T) {
	text := "const x=1"
	msg := NewMessage(9, KindFormatFile).
		AddString("/p/a.ts").
		AddUint32(0).
		AddUint32(uint32(len(text))).
		AddBytes(nil).
		AddString(text)

	r := msg.Reader()
	path, _ := r.String()
	start, _ := r.Uint32()
	end, _ := r.Uint32()
	override, _ := r.Bytes()
	got, err := r.String()
	if err != nil {
		t.Fatalf("String() error = %v", err)
	}

	if path != "/p/a.ts" || start != 0 || end != uint32(len(text)) || len(override) != 0 || got != text {
		t.Errorf("decoded (%q, %d, %d, %q, %q)", path, start, end, override, got)
	}
	if r.Remaining() != 0 {
		t.Errorf("Remaining() = %d, want 0", r.Remaining())
	}
}

func TestReadMessage(t *testing.T) {
	ctx := testContext(t)
	buf := stream.NewBuffer()

	encoded := NewMessage(5, KindFormatFileResponse).AddUint32(3).AddBool(true).AddString("x").Encode()
	// Deliver one byte at a time.
	for _, b := range encoded {
		buf.Push([]byte{b})
	}

	msg, err := ReadMessage(ctx, buf)
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if msg.ID != 5 || msg.Kind != KindFormatFileResponse {
		t.Errorf("ReadMessage() = id %d kind %v", msg.ID, msg.Kind)
	}

	r := msg.Reader()
	responding, _ := r.Uint32()
	changed, _ := r.Bool()
	text, _ := r.String()
	if responding != 3 || !changed || text != "x" {
		t.Errorf("body = (%d, %v, %q)", responding, changed, text)
	}
	if buf.Len() != 0 {
		t.Errorf("Len() = %d after read, want 0", buf.Len())
	}
}

func TestReadMessage_BadSentinel(t *testing.T) {
	ctx := testContext(t)
	buf := stream.NewBuffer()

	encoded := NewMessage(1, KindSuccessResponse).AddUint32(1).Encode()
	encoded[len(encoded)-1] = 0xFE
	buf.Push(encoded)

	_, err := ReadMessage(ctx, buf)
	var desync *DesyncError
	if !errors.As(err, &desync) {
		t.Fatalf("ReadMessage() error = %v, want *DesyncError", err)
	}
	if !errors.Is(err, ErrDesync) {
		t.Error("errors.Is(err, ErrDesync) = false")
	}
}

func TestReadMessage_BodyTooLarge(t *testing.T) {
	ctx := testContext(t)
	buf := stream.NewBuffer()
	buf.Push([]byte{0, 0, 0, 1, 0, 0, 0, 7, 0xFF, 0xFF, 0xFF, 0xF0})

	if _, err := ReadMessage(ctx, buf); !errors.Is(err, ErrDesync) {
		t.Errorf("ReadMessage() error = %v, want ErrDesync", err)
	}
}

func TestReadMessage_ClosedStream(t *testing.T) {
	ctx := testContext(t)
	buf := stream.NewBuffer()
	buf.Push([]byte{0, 0, 0, 1})
	buf.Close(nil)

	if _, err := ReadMessage(ctx, buf); !errors.Is(err, stream.ErrClosed) {
		t.Errorf("ReadMessage() error = %v, want stream.ErrClosed", err)
	}
}

func TestBodyReader_Errors(t *testing.T) {
	tests := []struct {
		name string
		body []byte
		read func(*BodyReader) error
	}{
		{
			name: "short integer",
			body: []byte{0, 0, 1},
			read: func(r *BodyReader) error { _, err := r.Uint32(); return err },
		},
		{
			name: "blob overrun",
			body: []byte{0, 0, 0, 9, 'a'},
			read: func(r *BodyReader) error { _, err := r.Bytes(); return err },
		},
		{
			name: "invalid bool",
			body: []byte{0, 0, 0, 2},
			read: func(r *BodyReader) error { _, err := r.Bool(); return err },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.read(NewBodyReader(tt.body)); !errors.Is(err, ErrDesync) {
				t.Errorf("error = %v, want ErrDesync", err)
			}
		})
	}
}

func TestWriteString_Short(t *testing.T) {
	ctx := testContext(t)
	local, remote := newPipe()

	if err := WriteString(ctx, local, "hello"); err != nil {
		t.Fatalf("WriteString() error = %v", err)
	}

	got, err := ReadString(ctx, remote)
	if err != nil {
		t.Fatalf("ReadString() error = %v", err)
	}
	if got != "hello" {
		t.Errorf("ReadString() = %q, want %q", got, "hello")
	}
	if remote.out.Len() != 0 {
		t.Errorf("short string produced %d bytes of acknowledgements", remote.out.Len())
	}
}

func TestWriteString_Chunked(t *testing.T) {
	sizes := []int{ChunkSize - 1, ChunkSize, ChunkSize + 1, 3*ChunkSize + 17}

	for _, size := range sizes {
		ctx := testContext(t)
		local, remote := newPipe()
		text := strings.Repeat("abcdefghij", size/10+1)[:size]

		errCh := make(chan error, 1)
		go func() { errCh <- WriteString(ctx, local, text) }()

		got, err := ReadString(ctx, remote)
		if err != nil {
			t.Fatalf("ReadString(%d) error = %v", size, err)
		}
		if err := <-errCh; err != nil {
			t.Fatalf("WriteString(%d) error = %v", size, err)
		}
		if got != text {
			t.Errorf("ReadString(%d) returned %d bytes, mismatch", size, len(got))
		}
		if local.in.Len() != 0 {
			t.Errorf("size %d left %d unread acknowledgement bytes", size, local.in.Len())
		}
	}
}

func TestWriteString_WaitsForReady(t *testing.T) {
	ctx := testContext(t)
	local, remote := newPipe()
	text := strings.Repeat("x", 2*ChunkSize)

	errCh := make(chan error, 1)
	go func() { errCh <- WriteString(ctx, local, text) }()

	// Length plus the first window only.
	waitLen(t, remote.in, 4+ChunkSize)
	time.Sleep(20 * time.Millisecond)
	if n := remote.in.Len(); n != 4+ChunkSize {
		t.Fatalf("sent %d bytes before ready, want %d", n, 4+ChunkSize)
	}

	if err := WriteUint32(remote, 0); err != nil {
		t.Fatal(err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("WriteString() error = %v", err)
	}
	if n := remote.in.Len(); n != 4+2*ChunkSize {
		t.Errorf("sent %d bytes in total, want %d", n, 4+2*ChunkSize)
	}
}

func TestExpectSentinel(t *testing.T) {
	ctx := testContext(t)
	buf := stream.NewBuffer()
	buf.Push(SuccessSentinel())
	buf.Push([]byte{0, 0, 0, 0})

	if err := ExpectSentinel(ctx, buf); err != nil {
		t.Errorf("ExpectSentinel() error = %v", err)
	}
	if err := ExpectSentinel(ctx, buf); !errors.Is(err, ErrDesync) {
		t.Errorf("ExpectSentinel() error = %v, want ErrDesync", err)
	}
}

func waitLen(t *testing.T, b *stream.Buffer, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for b.Len() < n {
		if time.Now().After(deadline) {
			t.Fatalf("buffer has %d bytes, want %d", b.Len(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestFormatFileResponse_NoChangeOmitsText(t *testing.T) {
	unchanged := FormatFileResponse{RespondingID: 4, Text: "ignored"}.Frame(10)
	if len(unchanged.Body) != 8 {
		t.Errorf("unchanged body length = %d, want 8", len(unchanged.Body))
	}

	resp, err := ParseFormatFileResponse(unchanged)
	if err != nil {
		t.Fatalf("ParseFormatFileResponse() error = %v", err)
	}
	if resp.RespondingID != 4 || resp.Changed || resp.Text != "" {
		t.Errorf("ParseFormatFileResponse() = %+v", resp)
	}
}

func TestFormatFileRequest_WholeText(t *testing.T) {
	req := NewFormatFileRequest("/p/b.json", "{}\n")
	got, err := ParseFormatFileRequest(req.Frame(1))
	if err != nil {
		t.Fatalf("ParseFormatFileRequest() error = %v", err)
	}
	if got.RangeStart != 0 || got.RangeEnd != 3 || len(got.OverrideConfig) != 0 {
		t.Errorf("range = [%d, %d) override %q", got.RangeStart, got.RangeEnd, got.OverrideConfig)
	}
	if got.FilePath != req.FilePath || got.FileText != req.FileText {
		t.Errorf("ParseFormatFileRequest() = %+v", got)
	}
}

func TestErrorResponse(t *testing.T) {
	msg := ErrorResponse{RespondingID: 7, Message: "Can't respond to message kind: 42"}.Frame(3)
	if id, _ := RespondingID(msg); id != 7 {
		t.Errorf("RespondingID() = %d, want 7", id)
	}
	resp, err := ParseErrorResponse(msg)
	if err != nil {
		t.Fatalf("ParseErrorResponse() error = %v", err)
	}
	if resp.Message != "Can't respond to message kind: 42" {
		t.Errorf("Message = %q", resp.Message)
	}

	if id, _ := CancelledID(NewCancelFormat(8, 7)); id != 7 {
		t.Errorf("CancelledID() = %d, want 7", id)
	}
}
