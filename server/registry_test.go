package server

import (
	"testing"

	"github.com/MrGodgames/Space-Point/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestRegistryTransitions(t *testing.T) {
	r := NewSessionRegistry()
	alice := &models.User{ID: "a", Login: "alice"}
	s1 := NewSession(alice, nil, 1)
	s2 := NewSession(alice, nil, 1)

	assert.True(t, r.Add("a", s1))
	assert.False(t, r.Add("a", s2))
	assert.False(t, r.Add("a", s2), "re-adding is not a transition")
	assert.True(t, r.IsOnline("a"))
	assert.Len(t, r.HandlesFor("a"), 2)
	assert.Equal(t, []string{"a"}, r.OnlineUsers())

	assert.False(t, r.Remove("a", s1))
	assert.True(t, r.Remove("a", s2))
	assert.False(t, r.IsOnline("a"))
	assert.Empty(t, r.HandlesFor("a"))
	assert.Empty(t, r.All())
}

func TestRegistryRemoveUnknown(t *testing.T) {
	r := NewSessionRegistry()
	s := NewSession(&models.User{ID: "a"}, nil, 1)
	assert.False(t, r.Remove("a", s))

	r.Add("a", s)
	assert.False(t, r.Remove("a", NewSession(&models.User{ID: "a"}, nil, 1)))
	assert.True(t, r.IsOnline("a"))
}
