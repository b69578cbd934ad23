package server

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/MrGodgames/Space-Point/internal/models"
	"github.com/MrGodgames/Space-Point/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (ts *testServer) dial(t *testing.T, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if token != "" {
		url += "?token=" + token
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

// next reads envelopes until one of the wanted type arrives.
func next(t *testing.T, conn *websocket.Conn, want protocol.MessageType) protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var env protocol.Envelope
		require.NoError(t, conn.ReadJSON(&env))
		if env.Type == want {
			return env
		}
	}
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	ts := newTestServer(t)

	_, resp, err := ts.dial(t, "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = ts.dial(t, "not-a-token")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, ts.srv.Hub().Sessions().All())
}

func TestWebSocketHelloJoinAndReceive(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.register(t, "alice", "Alice")
	bob := ts.register(t, "bob", "Bob")

	var created struct {
		Chat models.Chat `json:"chat"`
	}
	ts.do(t, http.MethodPost, "/api/chats", alice.Token, map[string]interface{}{"title": "Team", "members": []string{"bob"}}, &created)

	conn, _, err := ts.dial(t, bob.Token)
	require.NoError(t, err)

	var hello protocol.HelloMessage
	decode(t, next(t, conn, protocol.TypeHello), &hello)
	assert.Equal(t, "bob", hello.User.Login)
	assert.Contains(t, hello.Online, bob.User.ID)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": protocol.TypeJoinChats,
		"data": protocol.JoinChatsMessage{},
	}))
	var joined protocol.ChatsJoinedEvent
	decode(t, next(t, conn, protocol.TypeChatsJoined), &joined)
	assert.Equal(t, []string{created.Chat.ID}, joined.ChatIDs)
	assert.Len(t, ts.srv.Hub().Rooms().SubscribersOf(created.Chat.ID), 1)

	ts.do(t, http.MethodPost, "/api/chats/"+created.Chat.ID+"/messages", alice.Token, map[string]string{"content": "hello"}, nil)

	var ev protocol.MessageEvent
	decode(t, next(t, conn, protocol.TypeMessageNew), &ev)
	assert.Equal(t, "hello", ev.Message.Content)
	assert.Equal(t, alice.User.ID, ev.Message.AuthorID)

	var updated protocol.ChatUpdatedEvent
	decode(t, next(t, conn, protocol.TypeChatUpdated), &updated)
	assert.Equal(t, "hello", updated.Preview)
}

func TestWebSocketChatAddedSubscribes(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.register(t, "alice", "Alice")
	bob := ts.register(t, "bob", "Bob")

	conn, _, err := ts.dial(t, bob.Token)
	require.NoError(t, err)
	next(t, conn, protocol.TypeHello)
	require.Eventually(t, func() bool {
		return ts.srv.Hub().Sessions().IsOnline(bob.User.ID)
	}, 5*time.Second, 10*time.Millisecond)

	var created struct {
		Chat models.Chat `json:"chat"`
	}
	ts.do(t, http.MethodPost, "/api/chats", alice.Token, map[string]interface{}{"title": "Team", "members": []string{"bob"}}, &created)

	var added protocol.ChatAddedEvent
	decode(t, next(t, conn, protocol.TypeChatAdded), &added)
	assert.Equal(t, created.Chat.ID, added.Chat.ID)
	assert.Equal(t, 2, added.Chat.Members)

	ts.do(t, http.MethodPost, "/api/chats/"+created.Chat.ID+"/messages", alice.Token, map[string]string{"content": "welcome"}, nil)
	var ev protocol.MessageEvent
	decode(t, next(t, conn, protocol.TypeMessageNew), &ev)
	assert.Equal(t, "welcome", ev.Message.Content)
}

func TestWebSocketRejectsUnknownEvent(t *testing.T) {
	ts := newTestServer(t)
	bob := ts.register(t, "bob", "Bob")
	conn, _, err := ts.dial(t, bob.Token)
	require.NoError(t, err)
	next(t, conn, protocol.TypeHello)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"launch_rockets"}`)))
	var e protocol.ErrorMessage
	decode(t, next(t, conn, protocol.TypeError), &e)
	assert.Equal(t, protocol.ErrCodeInvalidMsg, e.Code)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": protocol.TypeJoinChats,
		"data": protocol.JoinChatsMessage{ChatIDs: []string{"nope"}},
	}))
	decode(t, next(t, conn, protocol.TypeError), &e)
	assert.Equal(t, protocol.ErrCodeAccessDenied, e.Code)

	var joined protocol.ChatsJoinedEvent
	decode(t, next(t, conn, protocol.TypeChatsJoined), &joined)
	assert.Empty(t, joined.ChatIDs)
}

func TestCloseSessionsSendsCloseFrame(t *testing.T) {
	ts := newTestServer(t)
	bob := ts.register(t, "bob", "Bob")
	conn, _, err := ts.dial(t, bob.Token)
	require.NoError(t, err)
	next(t, conn, protocol.TypeHello)
	require.Eventually(t, func() bool {
		return ts.srv.Hub().Sessions().IsOnline(bob.User.ID)
	}, 5*time.Second, 10*time.Millisecond)

	ts.srv.CloseSessions()
	assert.Empty(t, ts.srv.Hub().Sessions().All())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, _, err = conn.ReadMessage()
		if err != nil {
			break
		}
	}
	var closeErr *websocket.CloseError
	assert.ErrorAs(t, err, &closeErr)
}
