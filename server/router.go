package server

import "sync"

// RoomRouter maps chats to the sessions subscribed to their events.
// It trusts its callers to have checked membership.
type RoomRouter struct {
	mu    sync.RWMutex
	rooms map[string]map[*Session]struct{} // chatID -> sessions
	subs  map[*Session]map[string]struct{} // session -> chatIDs
}

// NewRoomRouter creates an empty router.
func NewRoomRouter() *RoomRouter {
	return &RoomRouter{
		rooms: make(map[string]map[*Session]struct{}),
		subs:  make(map[*Session]map[string]struct{}),
	}
}

// Subscribe adds the session to the chat's room.
func (r *RoomRouter) Subscribe(s *Session, chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[chatID]
	if !ok {
		room = make(map[*Session]struct{})
		r.rooms[chatID] = room
	}
	room[s] = struct{}{}

	chats, ok := r.subs[s]
	if !ok {
		chats = make(map[string]struct{})
		r.subs[s] = chats
	}
	chats[chatID] = struct{}{}
}

// Unsubscribe removes the session from the chat's room.
func (r *RoomRouter) Unsubscribe(s *Session, chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribeLocked(s, chatID)
}

func (r *RoomRouter) unsubscribeLocked(s *Session, chatID string) {
	if room, ok := r.rooms[chatID]; ok {
		delete(room, s)
		if len(room) == 0 {
			delete(r.rooms, chatID)
		}
	}
	if chats, ok := r.subs[s]; ok {
		delete(chats, chatID)
		if len(chats) == 0 {
			delete(r.subs, s)
		}
	}
}

// RemoveSession drops every subscription of the session in one step and
// returns the chats it was subscribed to.
func (r *RoomRouter) RemoveSession(s *Session) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	chats := r.subs[s]
	out := make([]string, 0, len(chats))
	for chatID := range chats {
		out = append(out, chatID)
	}
	for _, chatID := range out {
		r.unsubscribeLocked(s, chatID)
	}
	return out
}

// SubscribersOf returns a snapshot of the sessions subscribed to the chat.
func (r *RoomRouter) SubscribersOf(chatID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.rooms[chatID]
	out := make([]*Session, 0, len(room))
	for s := range room {
		out = append(out, s)
	}
	return out
}

// IsSubscribed reports whether the session receives the chat's events.
func (r *RoomRouter) IsSubscribed(s *Session, chatID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[chatID][s]
	return ok
}

// ChatsOf returns the chats the session is subscribed to.
func (r *RoomRouter) ChatsOf(s *Session) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.subs[s]))
	for chatID := range r.subs[s] {
		out = append(out, chatID)
	}
	return out
}
