package server

import "sync"

// SessionRegistry maps users to their open sessions. It only tracks state;
// callers decide what to broadcast on the transitions it reports.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]map[*Session]struct{}
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]map[*Session]struct{})}
}

// Add registers a session and reports whether it is the user's first.
func (r *SessionRegistry) Add(userID string, s *Session) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.sessions[userID]
	if !ok {
		set = make(map[*Session]struct{})
		r.sessions[userID] = set
	}
	if _, dup := set[s]; dup {
		return false
	}
	set[s] = struct{}{}
	return len(set) == 1
}

// Remove drops a session and reports whether it was the user's last one.
// Removing an unknown session reports false.
func (r *SessionRegistry) Remove(userID string, s *Session) (wasLast bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.sessions[userID]
	if !ok {
		return false
	}
	if _, ok := set[s]; !ok {
		return false
	}
	delete(set, s)
	if len(set) == 0 {
		delete(r.sessions, userID)
		return true
	}
	return false
}

// HandlesFor returns a snapshot of the user's open sessions.
func (r *SessionRegistry) HandlesFor(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.sessions[userID]
	out := make([]*Session, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// IsOnline reports whether the user has at least one open session.
func (r *SessionRegistry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[userID]) > 0
}

// OnlineUsers returns the IDs of every user with an open session.
func (r *SessionRegistry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

// All returns every open session.
func (r *SessionRegistry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Session
	for _, set := range r.sessions {
		for s := range set {
			out = append(out, s)
		}
	}
	return out
}
