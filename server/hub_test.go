package server

import (
	"testing"
	"time"

	"github.com/MrGodgames/Space-Point/internal/models"
	"github.com/MrGodgames/Space-Point/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func presenceEvents(t *testing.T, s *Session) []protocol.PresenceMessage {
	t.Helper()
	var out []protocol.PresenceMessage
	for _, env := range drain(t, s) {
		if env.Type != protocol.TypePresence {
			continue
		}
		var p protocol.PresenceMessage
		decode(t, env, &p)
		out = append(out, p)
	}
	return out
}

func TestPresenceAcrossSessions(t *testing.T) {
	hub := NewHub(zap.NewNop())
	alice := &models.User{ID: "a", Login: "alice"}
	bob := &models.User{ID: "b", Login: "bob"}

	watcher := NewSession(bob, nil, 16)
	hub.Connect(watcher)

	tab1 := NewSession(alice, nil, 16)
	tab2 := NewSession(alice, nil, 16)
	hub.Connect(tab1)
	hub.Connect(tab2)
	assert.Equal(t, []protocol.PresenceMessage{{UserID: "a", Status: protocol.StatusOnline}}, presenceEvents(t, watcher))
	assert.Empty(t, presenceEvents(t, tab1), "users are not told about themselves")

	hub.Disconnect(tab1)
	assert.Empty(t, presenceEvents(t, watcher))
	assert.True(t, hub.Sessions().IsOnline("a"))

	hub.Disconnect(tab2)
	hub.Disconnect(tab2)
	assert.Equal(t, []protocol.PresenceMessage{{UserID: "a", Status: protocol.StatusOffline}}, presenceEvents(t, watcher))
	assert.False(t, hub.Sessions().IsOnline("a"))
}

func TestDisconnectClearsSubscriptions(t *testing.T) {
	hub := NewHub(zap.NewNop())
	s := NewSession(&models.User{ID: "a", Login: "alice"}, nil, 4)
	hub.Connect(s)
	hub.Subscribe(s, "c1")
	hub.Subscribe(s, "c2")

	hub.Disconnect(s)
	assert.Empty(t, hub.Rooms().SubscribersOf("c1"))
	assert.Empty(t, hub.Rooms().ChatsOf(s))
	assert.Zero(t, hub.PublishToChat("c1", []byte("x"), nil))
	assert.False(t, s.Send([]byte("x")))
}

func TestSubscribeAfterDisconnectIsIgnored(t *testing.T) {
	hub := NewHub(zap.NewNop())
	s := NewSession(&models.User{ID: "a", Login: "alice"}, nil, 4)
	hub.Connect(s)
	handles := hub.Sessions().HandlesFor("a")
	require.Len(t, handles, 1)

	// The session goes away between the lookup and the subscribe.
	hub.Disconnect(s)
	assert.False(t, hub.Subscribe(handles[0], "c1"))
	assert.Empty(t, hub.Rooms().SubscribersOf("c1"))
	assert.Empty(t, hub.Rooms().ChatsOf(s))
}

func TestCloseAll(t *testing.T) {
	hub := NewHub(zap.NewNop())
	a := NewSession(&models.User{ID: "a", Login: "alice"}, nil, 4)
	b := NewSession(&models.User{ID: "b", Login: "bob"}, nil, 4)
	hub.Connect(a)
	hub.Connect(b)
	hub.Subscribe(a, "c1")
	hub.Subscribe(b, "c1")

	assert.Equal(t, 2, hub.CloseAll())
	assert.Empty(t, hub.Sessions().All())
	assert.Empty(t, hub.Rooms().SubscribersOf("c1"))
	assert.True(t, a.isClosed())
	assert.True(t, b.isClosed())
}

func TestPublishToChatSkip(t *testing.T) {
	hub := NewHub(zap.NewNop())
	alice := NewSession(&models.User{ID: "a"}, nil, 4)
	bob := NewSession(&models.User{ID: "b"}, nil, 4)
	hub.Subscribe(alice, "c")
	hub.Subscribe(bob, "c")

	n := hub.PublishToChat("c", []byte(`{"type":"typing"}`), func(s *Session) bool { return s.UserID() == "a" })
	assert.Equal(t, 1, n)
	assert.Len(t, drain(t, bob), 1)
	assert.Empty(t, drain(t, alice))
}

func TestSlowSessionIsDropped(t *testing.T) {
	hub := NewHub(zap.NewNop())
	slow := NewSession(&models.User{ID: "a", Login: "alice"}, nil, 1)
	hub.Connect(slow)
	hub.Subscribe(slow, "c")

	assert.Equal(t, 1, hub.PublishToChat("c", []byte(`{"type":"a"}`), nil))
	assert.Zero(t, hub.PublishToChat("c", []byte(`{"type":"b"}`), nil))

	require.Eventually(t, func() bool { return !hub.Sessions().IsOnline("a") }, time.Second, 5*time.Millisecond)
	assert.Empty(t, hub.Rooms().SubscribersOf("c"))
}
