package server

import (
	"sync"

	"github.com/MrGodgames/Space-Point/internal/protocol"
	"go.uber.org/zap"
)

// Hub ties the session registry and the room router together and owns
// fanout to sessions.
type Hub struct {
	sessions *SessionRegistry
	rooms    *RoomRouter
	log      *zap.Logger

	// lifecycle makes connect and disconnect atomic with respect to each
	// other, so presence transitions are emitted in the order they happen.
	lifecycle sync.Mutex
}

// NewHub creates a new Hub.
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		sessions: NewSessionRegistry(),
		rooms:    NewRoomRouter(),
		log:      log,
	}
}

// Sessions returns the session registry.
func (h *Hub) Sessions() *SessionRegistry {
	return h.sessions
}

// Rooms returns the room router.
func (h *Hub) Rooms() *RoomRouter {
	return h.rooms
}

// Connect registers a session. The user's first session announces them
// online to everyone else.
func (h *Hub) Connect(s *Session) {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	first := h.sessions.Add(s.UserID(), s)
	h.log.Info("session connected",
		zap.String("user", s.User().Login),
		zap.String("session", s.ID()),
		zap.Bool("first", first))
	if first {
		h.broadcastPresence(s.UserID(), protocol.StatusOnline)
	}
}

// Disconnect removes every trace of the session: its room subscriptions and
// its registry entry go in one step, and the user is announced offline if
// this was their last session. Calling it twice is harmless.
func (h *Hub) Disconnect(s *Session) {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	if !s.close() {
		return
	}
	chats := h.rooms.RemoveSession(s)
	last := h.sessions.Remove(s.UserID(), s)
	h.log.Info("session disconnected",
		zap.String("user", s.User().Login),
		zap.String("session", s.ID()),
		zap.Int("rooms", len(chats)),
		zap.Bool("last", last))
	if last {
		h.broadcastPresence(s.UserID(), protocol.StatusOffline)
	}
}

// CloseAll disconnects every session. Their write pumps send a close
// frame on the way out.
func (h *Hub) CloseAll() int {
	sessions := h.sessions.All()
	for _, s := range sessions {
		h.Disconnect(s)
	}
	return len(sessions)
}

func (h *Hub) broadcastPresence(userID, status string) {
	data, err := protocol.Encode(protocol.TypePresence, protocol.PresenceMessage{
		UserID: userID,
		Status: status,
	})
	if err != nil {
		h.log.Warn("encode presence", zap.Error(err))
		return
	}
	for _, s := range h.sessions.All() {
		if s.UserID() == userID {
			continue
		}
		h.deliver(s, data)
	}
}

// Subscribe adds the session to a chat's room. A session that has already
// disconnected is left out and Subscribe reports false.
func (h *Hub) Subscribe(s *Session, chatID string) bool {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	if s.isClosed() {
		return false
	}
	h.rooms.Subscribe(s, chatID)
	return true
}

// Unsubscribe removes the session from a chat's room.
func (h *Hub) Unsubscribe(s *Session, chatID string) {
	h.rooms.Unsubscribe(s, chatID)
}

// UnsubscribeUser removes all of a user's sessions from a chat's room.
func (h *Hub) UnsubscribeUser(userID, chatID string) {
	for _, s := range h.sessions.HandlesFor(userID) {
		h.rooms.Unsubscribe(s, chatID)
	}
}

// PublishToChat queues data on every session subscribed to the chat,
// skipping sessions for which skip returns true. It returns the number of
// sessions the event was queued for.
func (h *Hub) PublishToChat(chatID string, data []byte, skip func(*Session) bool) int {
	n := 0
	for _, s := range h.rooms.SubscribersOf(chatID) {
		if skip != nil && skip(s) {
			continue
		}
		if h.deliver(s, data) {
			n++
		}
	}
	return n
}

// PublishToUser queues data on every session of the user.
func (h *Hub) PublishToUser(userID string, data []byte) int {
	n := 0
	for _, s := range h.sessions.HandlesFor(userID) {
		if h.deliver(s, data) {
			n++
		}
	}
	return n
}

// deliver queues data on a session. A session whose queue is full is too
// slow to keep up and is dropped; it will converge when it reconnects.
func (h *Hub) deliver(s *Session, data []byte) bool {
	if s.Send(data) {
		return true
	}
	if s.isClosed() {
		return false
	}
	h.log.Warn("dropping slow session",
		zap.String("user", s.User().Login),
		zap.String("session", s.ID()))
	go h.Disconnect(s)
	return false
}
