package server

import (
	"testing"

	"github.com/MrGodgames/Space-Point/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestRouterSubscribe(t *testing.T) {
	r := NewRoomRouter()
	s1 := NewSession(&models.User{ID: "a"}, nil, 1)
	s2 := NewSession(&models.User{ID: "b"}, nil, 1)

	r.Subscribe(s1, "c1")
	r.Subscribe(s1, "c1")
	r.Subscribe(s1, "c2")
	r.Subscribe(s2, "c1")

	assert.ElementsMatch(t, []*Session{s1, s2}, r.SubscribersOf("c1"))
	assert.ElementsMatch(t, []string{"c1", "c2"}, r.ChatsOf(s1))
	assert.True(t, r.IsSubscribed(s2, "c1"))
	assert.False(t, r.IsSubscribed(s2, "c2"))

	r.Unsubscribe(s2, "c1")
	assert.Equal(t, []*Session{s1}, r.SubscribersOf("c1"))
	assert.Empty(t, r.ChatsOf(s2))
}

func TestRouterRemoveSession(t *testing.T) {
	r := NewRoomRouter()
	s := NewSession(&models.User{ID: "a"}, nil, 1)
	r.Subscribe(s, "c1")
	r.Subscribe(s, "c2")

	assert.ElementsMatch(t, []string{"c1", "c2"}, r.RemoveSession(s))
	assert.Empty(t, r.SubscribersOf("c1"))
	assert.Empty(t, r.SubscribersOf("c2"))
	assert.Empty(t, r.ChatsOf(s))
	assert.Empty(t, r.RemoveSession(s))
	assert.Empty(t, r.rooms)
	assert.Empty(t, r.subs)
}
