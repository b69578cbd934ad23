package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MrGodgames/Space-Point/internal/db"
	"github.com/MrGodgames/Space-Point/internal/models"
	"github.com/MrGodgames/Space-Point/internal/protocol"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingStore accepts every read but refuses to persist messages.
type failingStore struct {
	*db.ServerDB
}

func (failingStore) CreateMessage(context.Context, *models.Message) error {
	return errors.New("disk full")
}

// without drops presence noise so tests can assert on chat events.
func without(envs []protocol.Envelope, skip protocol.MessageType) []protocol.Envelope {
	out := envs[:0:0]
	for _, e := range envs {
		if e.Type != skip {
			out = append(out, e)
		}
	}
	return out
}

func TestPublishNewMessageFansOut(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.user(t, "alice", "Alice")
	bob := env.user(t, "bob", "Bob")
	chat := env.chat(t, "Team", alice, bob)

	as := env.connect(alice, chat.ID)
	bs := env.connect(bob, chat.ID)

	msg, err := env.coord.PublishNewMessage(ctx, alice, NewMessage{ChatID: chat.ID, Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "Alice", msg.AuthorName)

	for _, s := range []*Session{as, bs} {
		events := without(drain(t, s), protocol.TypePresence)
		require.Equal(t, []protocol.MessageType{protocol.TypeMessageNew, protocol.TypeChatUpdated}, types(events))

		var created protocol.MessageEvent
		decode(t, events[0], &created)
		assert.Equal(t, msg.ID, created.Message.ID)
		assert.Equal(t, "hello", created.Message.Content)

		var updated protocol.ChatUpdatedEvent
		decode(t, events[1], &updated)
		assert.Equal(t, chat.ID, updated.ChatID)
		assert.Equal(t, "hello", updated.Preview)
		assert.True(t, updated.Time.Equal(msg.CreatedAt))
	}

	stored, err := env.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "hello", stored.Content)
}

func TestPublishNewMessageRejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.user(t, "alice", "Alice")
	mallory := env.user(t, "mallory", "Mallory")
	chat := env.chat(t, "Team", alice)
	as := env.connect(alice, chat.ID)

	_, err := env.coord.PublishNewMessage(ctx, alice, NewMessage{ChatID: chat.ID, Content: "   "})
	assert.True(t, errors.Is(err, ErrEmptyMessage))

	_, err = env.coord.PublishNewMessage(ctx, mallory, NewMessage{ChatID: chat.ID, Content: "hi"})
	assert.True(t, errors.Is(err, ErrAccessDenied))

	assert.Empty(t, drain(t, as))
	msgs, err := env.store.ListMessages(ctx, chat.ID, 10, "")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestPersistenceFailurePublishesNothing(t *testing.T) {
	base := newTestEnv(t)
	env := newTestEnvFor(base.store, failingStore{base.store})
	alice := env.user(t, "alice", "Alice")
	chat := env.chat(t, "Team", alice)
	as := env.connect(alice, chat.ID)

	_, err := env.coord.PublishNewMessage(context.Background(), alice, NewMessage{ChatID: chat.ID, Content: "hello"})
	assert.True(t, errors.Is(err, ErrPersistenceFailure))
	assert.Empty(t, drain(t, as))
}

func TestAttachmentOnlyMessage(t *testing.T) {
	env := newTestEnv(t)
	alice := env.user(t, "alice", "Alice")
	chat := env.chat(t, "Team", alice)
	as := env.connect(alice, chat.ID)

	msg, err := env.coord.PublishNewMessage(context.Background(), alice, NewMessage{
		ChatID:      chat.ID,
		Attachments: []models.Attachment{{Key: "k/plan.pdf", Name: "plan.pdf", MIMEType: "application/pdf", Size: 10}},
	})
	require.NoError(t, err)
	require.Len(t, msg.Attachments, 1)
	assert.NotEmpty(t, msg.Attachments[0].ID)

	events := drain(t, as)
	require.Len(t, events, 2)
	var updated protocol.ChatUpdatedEvent
	decode(t, events[1], &updated)
	assert.Equal(t, "📎 plan.pdf", updated.Preview)
}

func TestReplies(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.user(t, "alice", "Alice")
	bob := env.user(t, "bob", "Bob")
	chat := env.chat(t, "Team", alice, bob)
	other := env.chat(t, "Other", alice, bob)

	target, err := env.coord.PublishNewMessage(ctx, alice, NewMessage{ChatID: chat.ID, Content: "question"})
	require.NoError(t, err)

	reply, err := env.coord.PublishNewMessage(ctx, bob, NewMessage{ChatID: chat.ID, Content: "answer", ReplyToID: target.ID})
	require.NoError(t, err)
	require.NotNil(t, reply.Reply)
	assert.Equal(t, "question", reply.Reply.Content)
	assert.Equal(t, "Alice", reply.Reply.AuthorName)

	_, err = env.coord.PublishNewMessage(ctx, bob, NewMessage{ChatID: other.ID, Content: "x", ReplyToID: target.ID})
	assert.True(t, errors.Is(err, ErrInvalidReply))

	require.NoError(t, env.coord.PublishDelete(ctx, alice, target.ID))
	late, err := env.coord.PublishNewMessage(ctx, bob, NewMessage{ChatID: chat.ID, Content: "too late", ReplyToID: target.ID})
	require.NoError(t, err)
	require.NotNil(t, late.Reply)
	assert.True(t, late.Reply.Unavailable)

	stored, err := env.store.GetMessage(ctx, reply.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Reply)
	assert.True(t, stored.Reply.Unavailable)
}

func TestEditAndDelete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.user(t, "alice", "Alice")
	bob := env.user(t, "bob", "Bob")
	chat := env.chat(t, "Team", alice, bob)

	msg, err := env.coord.PublishNewMessage(ctx, alice, NewMessage{ChatID: chat.ID, Content: "draft"})
	require.NoError(t, err)
	bs := env.connect(bob, chat.ID)

	_, err = env.coord.PublishEdit(ctx, bob, msg.ID, "hijack")
	assert.True(t, errors.Is(err, ErrForbidden))
	assert.True(t, errors.Is(env.coord.PublishDelete(ctx, bob, msg.ID), ErrForbidden))
	assert.Empty(t, drain(t, bs))

	edited, err := env.coord.PublishEdit(ctx, alice, msg.ID, "final")
	require.NoError(t, err)
	require.NotNil(t, edited.EditedAt)

	events := drain(t, bs)
	require.Equal(t, []protocol.MessageType{protocol.TypeMessageUpdated}, types(events))
	var updated protocol.MessageEvent
	decode(t, events[0], &updated)
	assert.Equal(t, "final", updated.Message.Content)
	assert.NotNil(t, updated.Message.EditedAt)

	require.NoError(t, env.coord.PublishDelete(ctx, alice, msg.ID))
	events = drain(t, bs)
	require.Equal(t, []protocol.MessageType{protocol.TypeMessageDeleted}, types(events))
	var deleted protocol.MessageDeletedEvent
	decode(t, events[0], &deleted)
	assert.Equal(t, msg.ID, deleted.MessageID)

	_, err = env.coord.PublishEdit(ctx, alice, msg.ID, "ghost")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(env.coord.PublishDelete(ctx, alice, msg.ID), ErrNotFound))
}

func TestEditAndDeleteAfterLeaving(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.user(t, "alice", "Alice")
	bob := env.user(t, "bob", "Bob")
	chat := env.chat(t, "Team", alice, bob)

	msg, err := env.coord.PublishNewMessage(ctx, bob, NewMessage{ChatID: chat.ID, Content: "bye"})
	require.NoError(t, err)
	as := env.connect(alice, chat.ID)
	require.NoError(t, env.store.RemoveMember(ctx, chat.ID, bob.ID))

	_, err = env.coord.PublishEdit(ctx, bob, msg.ID, "rewritten")
	assert.True(t, errors.Is(err, ErrAccessDenied))
	assert.True(t, errors.Is(env.coord.PublishDelete(ctx, bob, msg.ID), ErrAccessDenied))
	assert.Empty(t, drain(t, as))

	stored, err := env.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "bye", stored.Content)
}

func TestCreatedAtIsStrictlyIncreasing(t *testing.T) {
	env := newTestEnv(t)
	frozen := env.coord.now()
	env.coord.now = func() time.Time { return frozen }

	first := env.coord.createdAt()
	second := env.coord.createdAt()
	assert.True(t, second.After(first))
	assert.Equal(t, frozen, first)
}

func TestConcurrentSendsKeepOneOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.user(t, "alice", "Alice")
	bob := env.user(t, "bob", "Bob")
	chat := env.chat(t, "Team", alice, bob)

	watchers := []*Session{
		NewSession(alice, nil, 128),
		NewSession(bob, nil, 128),
		NewSession(bob, nil, 128),
	}
	for _, s := range watchers {
		env.hub.Subscribe(s, chat.ID)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		author := alice
		if i%2 == 1 {
			author = bob
		}
		wg.Add(1)
		go func(u *models.User) {
			defer wg.Done()
			_, err := env.coord.PublishNewMessage(ctx, u, NewMessage{ChatID: chat.ID, Content: "msg"})
			assert.NoError(t, err)
		}(author)
	}
	wg.Wait()

	stored, err := env.store.ListMessages(ctx, chat.ID, 100, "")
	require.NoError(t, err)
	require.Len(t, stored, 20)
	var commitOrder []string
	for i, m := range stored {
		commitOrder = append(commitOrder, m.ID)
		if i > 0 {
			assert.True(t, m.CreatedAt.After(stored[i-1].CreatedAt))
		}
	}

	for _, s := range watchers {
		var seen []string
		for _, e := range drain(t, s) {
			if e.Type != protocol.TypeMessageNew {
				continue
			}
			var ev protocol.MessageEvent
			decode(t, e, &ev)
			seen = append(seen, ev.Message.ID)
		}
		assert.Equal(t, commitOrder, seen)
	}
}
