package testserver

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/fmtbridge/internal/logging"
	"github.com/dshills/fmtbridge/internal/protocol"
)

// unknownKind is sent by the unknown.* fault.
const unknownKind protocol.MessageKind = 42

// framedServer serves schema 5.
type framedServer struct {
	conn   *conn
	logger *logging.Logger

	nextID atomic.Uint32

	mu        sync.Mutex
	cancelled map[uint32]chan struct{}
	replies   map[uint32]chan *protocol.Message

	stop     context.CancelFunc
	exitCode atomic.Int32
}

func serveFramed(c *conn, logger *logging.Logger) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &framedServer{
		conn:      c,
		logger:    logger,
		cancelled: make(map[uint32]chan struct{}),
		replies:   make(map[uint32]chan *protocol.Message),
		stop:      cancel,
	}

	for {
		msg, err := protocol.ReadMessage(ctx, c)
		if err != nil {
			if ctx.Err() != nil {
				return int(s.exitCode.Load())
			}
			if code := exitCode(err); code != 0 {
				logger.Error("read message: %v", err)
				return code
			}
			return 0
		}
		if done := s.handle(msg); done {
			return 0
		}
	}
}

func (s *framedServer) send(msg *protocol.Message) {
	if err := s.conn.Write(msg.Encode()); err != nil {
		s.logger.Error("write %v: %v", msg.Kind, err)
	}
}

func (s *framedServer) id() uint32 {
	return s.nextID.Add(1)
}

// handle processes one client message and reports whether the server
// should exit.
func (s *framedServer) handle(msg *protocol.Message) bool {
	switch msg.Kind {
	case protocol.KindShutDownProcess:
		s.logger.Info("shutdown requested")
		s.send(protocol.NewSuccessResponse(s.id(), msg.ID))
		return true

	case protocol.KindCanFormat:
		path, err := msg.Reader().String()
		if err != nil {
			s.sendError(msg.ID, err.Error())
			return false
		}
		s.send(protocol.CanFormatResponse{RespondingID: msg.ID, CanFormat: CanFormat(path)}.Frame(s.id()))

	case protocol.KindFormatFile:
		req, err := protocol.ParseFormatFileRequest(msg)
		if err != nil {
			s.sendError(msg.ID, err.Error())
			return false
		}
		cancelled := make(chan struct{})
		s.mu.Lock()
		s.cancelled[msg.ID] = cancelled
		s.mu.Unlock()
		go s.format(msg.ID, req, cancelled)

	case protocol.KindCancelFormat:
		original, err := protocol.CancelledID(msg)
		if err != nil {
			return false
		}
		s.logger.Info("received cancellation for message %d", original)
		s.mu.Lock()
		if ch, ok := s.cancelled[original]; ok {
			close(ch)
			delete(s.cancelled, original)
		}
		s.mu.Unlock()

	case protocol.KindSuccessResponse, protocol.KindErrorResponse:
		responding, err := protocol.RespondingID(msg)
		if err != nil {
			return false
		}
		s.mu.Lock()
		ch, ok := s.replies[responding]
		delete(s.replies, responding)
		s.mu.Unlock()
		if ok {
			ch <- msg
		}

	default:
		s.sendError(msg.ID, fmt.Sprintf("Can't respond to message kind: %d", uint32(msg.Kind)))
	}
	return false
}

func (s *framedServer) sendError(responding uint32, text string) {
	s.send(protocol.ErrorResponse{RespondingID: responding, Message: text}.Frame(s.id()))
}

// request sends a server-initiated message and waits for its reply.
func (s *framedServer) request(msg *protocol.Message) (*protocol.Message, error) {
	ch := make(chan *protocol.Message, 1)
	s.mu.Lock()
	s.replies[msg.ID] = ch
	s.mu.Unlock()

	s.send(msg)

	select {
	case reply := <-ch:
		return reply, nil
	case <-time.After(2 * time.Second):
		s.mu.Lock()
		delete(s.replies, msg.ID)
		s.mu.Unlock()
		return nil, fmt.Errorf("no reply to %v message %d", msg.Kind, msg.ID)
	}
}

func (s *framedServer) format(id uint32, req protocol.FormatFileRequest, cancelled <-chan struct{}) {
	defer func() {
		s.mu.Lock()
		delete(s.cancelled, id)
		s.mu.Unlock()
	}()

	switch faultFor(req.FilePath) {
	case faultCrash:
		s.logger.Error("crashing while formatting %s", req.FilePath)
		s.exitCode.Store(1)
		s.stop()
		return

	case faultCorrupt:
		encoded := protocol.FormatFileResponse{RespondingID: id}.Frame(s.id()).Encode()
		encoded[len(encoded)-2] = 0x00
		if err := s.conn.Write(encoded); err != nil {
			s.logger.Error("write corrupt response: %v", err)
		}
		return

	case faultError:
		s.sendError(id, "Error formatting "+req.FilePath+". Message: syntax error")
		return

	case faultSlow:
		select {
		case <-cancelled:
			s.logger.Info("abandoned message %d", id)
		case <-time.After(SlowDelay):
		}

	case faultPing:
		reply, err := s.request(protocol.NewMessage(s.id(), protocol.KindActive))
		if err != nil || reply.Kind != protocol.KindSuccessResponse {
			s.sendError(id, fmt.Sprintf("active check failed: %v", err))
			return
		}

	case faultUnknown:
		reply, err := s.request(protocol.NewMessage(s.id(), unknownKind))
		if err != nil {
			s.sendError(id, err.Error())
			return
		}
		resp, err := protocol.ParseErrorResponse(reply)
		if err != nil || reply.Kind != protocol.KindErrorResponse {
			s.sendError(id, "expected an error response for an unknown kind")
			return
		}
		s.logger.Info("client rejected unknown kind: %s", resp.Message)
	}

	formatted, changed, err := Format(req.FilePath, req.FileText)
	if err != nil {
		s.sendError(id, fmt.Sprintf("Error formatting %s. Message: %v", req.FilePath, err))
		return
	}
	s.send(protocol.FormatFileResponse{RespondingID: id, Changed: changed, Text: formatted}.Frame(s.id()))
}
