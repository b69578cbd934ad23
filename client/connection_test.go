package client

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrGodgames/Space-Point/internal/auth"
	"github.com/MrGodgames/Space-Point/internal/blob"
	"github.com/MrGodgames/Space-Point/internal/config"
	"github.com/MrGodgames/Space-Point/internal/db"
	"github.com/MrGodgames/Space-Point/internal/models"
	"github.com/MrGodgames/Space-Point/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startServer(t *testing.T) (*httptest.Server, *server.Server) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.JWTSecret = "test-secret"
	cfg.OpenRegistration = true

	store, err := db.NewServerDB(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	blobs, err := blob.NewFileStore(filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	srv := server.NewServer(cfg, store, blobs, auth.NewAuthenticator(cfg.JWTSecret, store), zap.NewNop())
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		ts.Close()
		store.Close()
	})
	return ts, srv
}

func register(t *testing.T, ts *httptest.Server, login string) (*APIClient, *models.User) {
	t.Helper()
	api := NewAPIClient(ts.URL, "")
	user, err := api.Register(context.Background(), login, login, "")
	require.NoError(t, err)
	return api, user
}

func TestWebsocketURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:4000/ws", websocketURL("http://localhost:4000/"))
	assert.Equal(t, "wss://chat.example/base/ws", websocketURL("https://chat.example/base"))
}

func TestAPIClientErrors(t *testing.T) {
	ts, _ := startServer(t)
	api, _ := register(t, ts, "alice")

	_, err := api.SendMessage(context.Background(), "missing", "hi", "", nil)
	require.Error(t, err)
	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, 403, apiErr.Status)
	assert.Equal(t, "access_denied", apiErr.Code)

	_, err = NewAPIClient(ts.URL, "bogus").Me(context.Background())
	require.Error(t, err)
}

func TestConnectionConvergesAcrossReconnect(t *testing.T) {
	ts, srv := startServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aliceAPI, _ := register(t, ts, "alice")
	bobAPI, bob := register(t, ts, "bob")
	chat, err := aliceAPI.CreateChat(ctx, "Team", []string{"bob"})
	require.NoError(t, err)

	rec := NewReconciler(*bob, zap.NewNop())
	rec.Open(chat.ID, nil)
	conn := NewConnection(ts.URL, bobAPI.Token(), rec, bobAPI, zap.NewNop())
	conn.SetBackoff(300*time.Millisecond, time.Second)
	ready := make(chan struct{}, 4)
	conn.SetReadyHandler(func() { ready <- struct{}{} })

	done := make(chan error, 1)
	go func() { done <- conn.Run(ctx) }()

	waitReady := func() {
		select {
		case <-ready:
		case <-time.After(5 * time.Second):
			t.Fatal("connection never became ready")
		}
		require.Eventually(t, func() bool {
			return len(srv.Hub().Rooms().SubscribersOf(chat.ID)) == 1
		}, 5*time.Second, 10*time.Millisecond)
	}
	waitReady()

	sent, err := aliceAPI.SendMessage(ctx, chat.ID, "hello", "", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		msgs := rec.Messages()
		return len(msgs) == 1 && msgs[0].ID == sent.ID
	}, 5*time.Second, 10*time.Millisecond)

	// Alice's message was acknowledged automatically since the chat is open.
	require.Eventually(t, func() bool {
		counts, err := aliceAPI.ListMessages(ctx, chat.ID)
		return err == nil && len(counts) == 1 && counts[0].ReadBy == 1
	}, 5*time.Second, 10*time.Millisecond)

	// The redial waits out the backoff, leaving bob without a session.
	conn.drop()
	require.Eventually(t, func() bool {
		return len(srv.Hub().Rooms().SubscribersOf(chat.ID)) == 0
	}, time.Second, 5*time.Millisecond)

	// Sent while bob is away; the resync after reconnecting brings it in.
	missed, err := aliceAPI.SendMessage(ctx, chat.ID, "while you were out", "", nil)
	require.NoError(t, err)

	waitReady()
	require.Eventually(t, func() bool {
		msgs := rec.Messages()
		return len(msgs) == 2 && msgs[1].ID == missed.ID
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestConnectionRejectsBadToken(t *testing.T) {
	ts, _ := startServer(t)
	rec := NewReconciler(models.User{ID: "x"}, zap.NewNop())
	conn := NewConnection(ts.URL, "bogus", rec, nil, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := conn.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
	assert.False(t, conn.Connected())
}

func TestBackfillFromServer(t *testing.T) {
	ts, _ := startServer(t)
	ctx := context.Background()
	api, alice := register(t, ts, "alice")
	chat, err := api.CreateChat(ctx, "Notes", nil)
	require.NoError(t, err)

	var sent []string
	for _, text := range []string{"one", "two", "three"} {
		m, err := api.SendMessage(ctx, chat.ID, text, "", nil)
		require.NoError(t, err)
		sent = append(sent, m.ID)
	}

	rec := NewReconciler(*alice, zap.NewNop())
	latest, err := api.ListMessages(ctx, chat.ID)
	require.NoError(t, err)
	rec.Open(chat.ID, latest[2:])

	older, hasMore, err := api.ListMessagesBefore(ctx, chat.ID, sent[2])
	require.NoError(t, err)
	assert.False(t, hasMore)
	assert.Equal(t, 2, rec.Backfill(chat.ID, older))
	assert.Equal(t, sent, ids(rec.Messages()))
}
