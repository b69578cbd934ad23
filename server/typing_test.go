package server

import (
	"context"
	"testing"

	"github.com/MrGodgames/Space-Point/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypingSkipsSenderSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.user(t, "alice", "Alice")
	bob := env.user(t, "bob", "Bob")
	chat := env.chat(t, "Team", alice, bob)

	tab1 := NewSession(alice, nil, 8)
	tab2 := NewSession(alice, nil, 8)
	bs := NewSession(bob, nil, 8)
	for _, s := range []*Session{tab1, tab2, bs} {
		env.hub.Subscribe(s, chat.ID)
	}

	env.typing.Announce(ctx, chat.ID, alice, true)

	assert.Empty(t, drain(t, tab1))
	assert.Empty(t, drain(t, tab2))
	events := drain(t, bs)
	require.Len(t, events, 1)
	var ev protocol.TypingEvent
	decode(t, events[0], &ev)
	assert.Equal(t, protocol.TypingEvent{ChatID: chat.ID, UserID: alice.ID, Name: "Alice", IsTyping: true}, ev)
}

func TestTypingFromNonMemberIsDropped(t *testing.T) {
	env := newTestEnv(t)
	alice := env.user(t, "alice", "Alice")
	mallory := env.user(t, "mallory", "Mallory")
	chat := env.chat(t, "Team", alice)
	as := NewSession(alice, nil, 8)
	env.hub.Subscribe(as, chat.ID)

	env.typing.Announce(context.Background(), chat.ID, mallory, true)
	assert.Empty(t, drain(t, as))
}
