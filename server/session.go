package server

import (
	"sync"

	"github.com/MrGodgames/Space-Point/internal/models"
	"github.com/MrGodgames/Space-Point/internal/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Session is one open connection of one user.
type Session struct {
	id      string
	user    *models.User
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	mu     sync.Mutex
	closed bool
}

// NewSession creates a session with an outbound queue of the given size.
// conn may be nil for sessions driven directly by tests.
func NewSession(user *models.User, conn *websocket.Conn, buffer int) *Session {
	return &Session{
		id:   uuid.New().String(),
		user: user,
		conn: conn,
		send: make(chan []byte, buffer),
	}
}

// ID returns the session's unique handle.
func (s *Session) ID() string {
	return s.id
}

// User returns the session's user.
func (s *Session) User() *models.User {
	return s.user
}

// UserID returns the ID of the session's user.
func (s *Session) UserID() string {
	return s.user.ID
}

// Conn returns the session's WebSocket connection.
func (s *Session) Conn() *websocket.Conn {
	return s.conn
}

// SendChan returns the session's outbound queue.
func (s *Session) SendChan() <-chan []byte {
	return s.send
}

// Send queues data without blocking. It reports false if the session is
// closed or its queue is full.
func (s *Session) Send(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// SendEnvelope sends a protocol envelope to the session.
func (s *Session) SendEnvelope(msgType protocol.MessageType, data interface{}) error {
	raw, err := protocol.Encode(msgType, data)
	if err != nil {
		return err
	}
	s.Send(raw)
	return nil
}

// SendError sends an error message to the session.
func (s *Session) SendError(code, message string) {
	s.SendEnvelope(protocol.TypeError, protocol.ErrorMessage{
		Code:    code,
		Message: message,
	})
}

// allow applies the inbound rate limit, if any.
func (s *Session) allow() bool {
	return s.limiter == nil || s.limiter.Allow()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// close closes the outbound queue exactly once.
func (s *Session) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.send)
	return true
}
