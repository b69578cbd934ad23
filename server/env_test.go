package server

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/MrGodgames/Space-Point/internal/db"
	"github.com/MrGodgames/Space-Point/internal/models"
	"github.com/MrGodgames/Space-Point/internal/protocol"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// testEnv is a hub, coordinator and receipt aggregator around a real
// database in a temp dir.
type testEnv struct {
	store    *db.ServerDB
	hub      *Hub
	coord    *Coordinator
	receipts *ReceiptAggregator
	typing   *TypingChannel
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := db.NewServerDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return newTestEnvFor(store, store)
}

// newTestEnvFor lets the coordinator write through a different store.
func newTestEnvFor(store *db.ServerDB, messages MessageStore) *testEnv {
	log := zap.NewNop()
	hub := NewHub(log)
	chats := newKeyedMutex()
	return &testEnv{
		store:    store,
		hub:      hub,
		coord:    NewCoordinator(messages, hub, chats, log),
		receipts: NewReceiptAggregator(store, hub, chats, log),
		typing:   NewTypingChannel(store, hub, log),
	}
}

func (e *testEnv) user(t *testing.T, login, first string) *models.User {
	t.Helper()
	u, err := e.store.CreateUser(context.Background(), login, first, "")
	require.NoError(t, err)
	return u
}

func (e *testEnv) chat(t *testing.T, title string, creator *models.User, members ...*models.User) *models.Chat {
	t.Helper()
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}
	chat, err := e.store.CreateGroupChat(context.Background(), title, creator.ID, ids)
	require.NoError(t, err)
	return chat
}

// connect opens a session for the user and subscribes it to the chats.
func (e *testEnv) connect(u *models.User, chatIDs ...string) *Session {
	s := NewSession(u, nil, 64)
	e.hub.Connect(s)
	for _, id := range chatIDs {
		e.hub.Subscribe(s, id)
	}
	return s
}

// drain returns every envelope queued on the session so far.
func drain(t *testing.T, s *Session) []protocol.Envelope {
	t.Helper()
	var out []protocol.Envelope
	for {
		select {
		case raw, ok := <-s.send:
			if !ok {
				return out
			}
			env, err := protocol.ParseEnvelope(raw)
			require.NoError(t, err)
			out = append(out, *env)
		default:
			return out
		}
	}
}

func types(envs []protocol.Envelope) []protocol.MessageType {
	out := make([]protocol.MessageType, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.Type)
	}
	return out
}

func decode(t *testing.T, env protocol.Envelope, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Data, v))
}
