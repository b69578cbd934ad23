package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/MrGodgames/Space-Point/internal/auth"
	"github.com/MrGodgames/Space-Point/internal/config"
	"github.com/MrGodgames/Space-Point/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server holds the server's dependencies.
type Server struct {
	cfg      *config.Config
	hub      *Hub
	store    Store
	blobs    BlobStore
	auth     *auth.Authenticator
	coord    *Coordinator
	receipts *ReceiptAggregator
	typing   *TypingChannel
	log      *zap.Logger
}

// NewServer wires the synchronization engine around a store.
func NewServer(cfg *config.Config, store Store, blobs BlobStore, authenticator *auth.Authenticator, log *zap.Logger) *Server {
	hub := NewHub(log.Named("hub"))
	chats := newKeyedMutex()
	return &Server{
		cfg:      cfg,
		hub:      hub,
		store:    store,
		blobs:    blobs,
		auth:     authenticator,
		coord:    NewCoordinator(store, hub, chats, log.Named("coordinator")),
		receipts: NewReceiptAggregator(store, hub, chats, log.Named("receipts")),
		typing:   NewTypingChannel(store, hub, log.Named("typing")),
		log:      log,
	}
}

// Hub returns the server's hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// CloseSessions disconnects every open WebSocket session. It is meant for
// http.Server.RegisterOnShutdown, since Shutdown does not touch hijacked
// connections.
func (s *Server) CloseSessions() {
	n := s.hub.CloseAll()
	s.log.Info("closed sessions", zap.Int("count", n))
}

// HandleWebSocket verifies the caller and runs the connection until it
// closes. A caller whose identity cannot be verified is rejected before
// any session exists.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	user, err := s.auth.GetUser(r.Context(), r)
	if err != nil {
		s.log.Info("websocket rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
		if errors.Is(err, ErrInvalidIdentity) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
		} else {
			http.Error(w, "Internal error", http.StatusInternalServerError)
		}
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	session := NewSession(user, conn, s.cfg.SendBuffer)
	if s.cfg.InboundRate > 0 {
		session.limiter = rate.NewLimiter(rate.Limit(s.cfg.InboundRate), s.cfg.InboundBurst)
	}

	online := append(s.hub.Sessions().OnlineUsers(), user.ID)
	session.SendEnvelope(protocol.TypeHello, protocol.HelloMessage{
		User:   *user,
		Online: dedupe(online),
	})
	s.hub.Connect(session)

	go s.writePump(session)
	s.readPump(r.Context(), session)
}

func (s *Server) readPump(ctx context.Context, session *Session) {
	defer func() {
		s.hub.Disconnect(session)
		session.Conn().Close()
	}()

	pongWait := s.cfg.PongWait.Duration
	session.Conn().SetReadLimit(65536)
	session.Conn().SetReadDeadline(time.Now().Add(pongWait))
	session.Conn().SetPongHandler(func(string) error {
		session.Conn().SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := session.Conn().ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warn("websocket read error", zap.String("user", session.User().Login), zap.Error(err))
			}
			break
		}

		s.handleMessage(ctx, session, message)
	}
}

func (s *Server) writePump(session *Session) {
	ticker := time.NewTicker(s.cfg.PingPeriod.Duration)
	writeWait := s.cfg.WriteWait.Duration
	defer func() {
		ticker.Stop()
		session.Conn().Close()
	}()

	for {
		select {
		case message, ok := <-session.SendChan():
			session.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				session.Conn().WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := session.Conn().WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			session.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if err := session.Conn().WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage is the single dispatch point for client events.
func (s *Server) handleMessage(ctx context.Context, session *Session, data []byte) {
	if !session.allow() {
		session.SendError(protocol.ErrCodeRateLimited, "Too many events")
		return
	}

	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		session.SendError(protocol.ErrCodeInvalidMsg, "Invalid message format")
		return
	}

	switch env.Type {
	case protocol.TypeJoinChats:
		var msg protocol.JoinChatsMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			session.SendError(protocol.ErrCodeInvalidMsg, "Invalid join_chats")
			return
		}
		s.handleJoinChats(ctx, session, &msg)

	case protocol.TypeLeaveChats:
		var msg protocol.LeaveChatsMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			session.SendError(protocol.ErrCodeInvalidMsg, "Invalid leave_chats")
			return
		}
		for _, chatID := range msg.ChatIDs {
			s.hub.Unsubscribe(session, chatID)
		}

	case protocol.TypeTyping:
		var msg protocol.TypingMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			session.SendError(protocol.ErrCodeInvalidMsg, "Invalid typing")
			return
		}
		s.typing.Announce(ctx, msg.ChatID, session.User(), msg.IsTyping)

	case protocol.TypeReadMessages:
		var msg protocol.ReadMessagesMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			session.SendError(protocol.ErrCodeInvalidMsg, "Invalid read_messages")
			return
		}
		if _, err := s.receipts.MarkRead(ctx, session.UserID(), msg.ChatID); err != nil {
			s.sendError(session, err)
		}

	default:
		session.SendError(protocol.ErrCodeInvalidMsg, "Unknown message type")
	}
}

// handleJoinChats subscribes the session to each chat the user belongs to.
// An empty list means every chat of the user.
func (s *Server) handleJoinChats(ctx context.Context, session *Session, msg *protocol.JoinChatsMessage) {
	chatIDs := msg.ChatIDs
	if len(chatIDs) == 0 {
		ids, err := s.store.ChatIDsForUser(ctx, session.UserID())
		if err != nil {
			s.sendError(session, persistErr(err, "list chats"))
			return
		}
		chatIDs = ids
	}

	joined := make([]string, 0, len(chatIDs))
	for _, chatID := range dedupe(chatIDs) {
		if err := checkMember(ctx, s.store, chatID, session.UserID()); err != nil {
			s.sendError(session, errors.Wrap(err, chatID))
			continue
		}
		if !s.hub.Subscribe(session, chatID) {
			return
		}
		joined = append(joined, chatID)
	}
	session.SendEnvelope(protocol.TypeChatsJoined, protocol.ChatsJoinedEvent{ChatIDs: joined})
	s.log.Debug("joined chats", zap.String("user", session.User().Login), zap.Int("count", len(joined)))
}

func (s *Server) sendError(session *Session, err error) {
	code, status := errorCode(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("user", session.User().Login), zap.Error(err))
		message = "Internal error"
	}
	session.SendError(code, message)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
