package client

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MrGodgames/Space-Point/internal/models"
	"github.com/MrGodgames/Space-Point/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrNotConnected is returned when sending while no connection is open.
var ErrNotConnected = errors.New("not connected")

// Fetcher loads authoritative state over the REST API.
type Fetcher interface {
	ListChats(ctx context.Context) ([]models.ChatSummary, error)
	ListMessages(ctx context.Context, chatID string) ([]models.Message, error)
}

// Connection keeps one WebSocket to the server open, feeding every event
// into a Reconciler. After each (re)connect it re-subscribes to all chats
// and reloads the active chat so missed events are recovered.
type Connection struct {
	wsURL  string
	header http.Header
	dialer *websocket.Dialer
	rec    *Reconciler
	fetch  Fetcher
	log    *zap.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
	pingPeriod time.Duration
	pongWait   time.Duration
	writeWait  time.Duration

	onEvent func(protocol.Envelope)
	onReady func()

	mu     sync.Mutex
	conn   *websocket.Conn
	send   chan []byte
	joined chan struct{}
}

// NewConnection creates a connection to the server at serverURL
// (http or https) authenticated with token.
func NewConnection(serverURL, token string, rec *Reconciler, fetch Fetcher, log *zap.Logger) *Connection {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	return &Connection{
		wsURL:      websocketURL(serverURL),
		header:     header,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		rec:        rec,
		fetch:      fetch,
		log:        log,
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
		pingPeriod: 30 * time.Second,
		pongWait:   60 * time.Second,
		writeWait:  10 * time.Second,
	}
}

// websocketURL turns a server base URL into its /ws endpoint.
func websocketURL(serverURL string) string {
	u, err := url.Parse(strings.TrimSuffix(strings.TrimSpace(serverURL), "/"))
	if err != nil {
		return serverURL
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path += "/ws"
	return u.String()
}

// SetEventHandler sets a callback run after each event is applied.
func (c *Connection) SetEventHandler(handler func(protocol.Envelope)) {
	c.onEvent = handler
}

// SetReadyHandler sets a callback run after each resync completes.
func (c *Connection) SetReadyHandler(handler func()) {
	c.onReady = handler
}

// SetBackoff bounds the delay between reconnect attempts.
func (c *Connection) SetBackoff(min, max time.Duration) {
	c.minBackoff, c.maxBackoff = min, max
}

// Run connects and reconnects until ctx is done. A rejected handshake
// (bad token) stops it with an error.
func (c *Connection) Run(ctx context.Context) error {
	backoff := c.minBackoff
	for {
		conn, resp, err := c.dialer.DialContext(ctx, c.wsURL, c.header)
		if err == nil {
			backoff = c.minBackoff
			c.serve(ctx, conn)
		} else {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return errors.Wrap(err, "server rejected token")
			}
			c.log.Warn("dial failed", zap.String("url", c.wsURL), zap.Duration("retry", backoff), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if err != nil {
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
		}
	}
}

// serve runs one connection until it drops.
func (c *Connection) serve(ctx context.Context, conn *websocket.Conn) {
	send := make(chan []byte, 256)
	done := make(chan struct{})
	joined := make(chan struct{}, 1)
	c.mu.Lock()
	c.conn, c.send, c.joined = conn, send, joined
	c.mu.Unlock()
	c.log.Info("connected", zap.String("url", c.wsURL))

	go c.writePump(conn, send, done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	go c.resync(ctx, joined, done)

	c.readPump(conn)

	c.mu.Lock()
	c.conn, c.send, c.joined = nil, nil, nil
	c.mu.Unlock()
	close(done)
	conn.Close()
	c.log.Info("disconnected", zap.String("url", c.wsURL))
}

// resync re-subscribes to every chat and, once the server confirms the
// subscriptions, reloads the active chat. Anything committed after the
// confirmation arrives live, anything before it is in the reload.
func (c *Connection) resync(ctx context.Context, joined, done <-chan struct{}) {
	if err := c.Send(protocol.TypeJoinChats, protocol.JoinChatsMessage{}); err != nil {
		c.log.Warn("join_chats", zap.Error(err))
		return
	}
	select {
	case <-joined:
	case <-done:
		return
	case <-ctx.Done():
		return
	case <-time.After(c.pongWait):
		c.log.Warn("join_chats was never acknowledged")
		return
	}
	if c.fetch == nil {
		if c.onReady != nil {
			c.onReady()
		}
		return
	}
	chats, err := c.fetch.ListChats(ctx)
	if err != nil {
		c.log.Warn("resync chats", zap.Error(err))
		return
	}
	var msgs []models.Message
	if active := c.rec.ActiveChat(); active != "" {
		msgs, err = c.fetch.ListMessages(ctx, active)
		if err != nil {
			c.log.Warn("resync messages", zap.String("chat", active), zap.Error(err))
			return
		}
	}
	c.rec.Reset(chats, msgs)
	if active := c.rec.ActiveChat(); active != "" {
		c.Send(protocol.TypeReadMessages, protocol.ReadMessagesMessage{ChatID: active})
	}
	if c.onReady != nil {
		c.onReady()
	}
}

func (c *Connection) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(c.pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		// Any traffic proves the server is alive.
		conn.SetReadDeadline(time.Now().Add(c.pongWait))
		c.handleMessage(data)
	}
}

func (c *Connection) writePump(conn *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message := <-send:
			conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Connection) handleMessage(data []byte) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		c.log.Warn("failed to parse event", zap.Error(err))
		return
	}
	if env.Type == protocol.TypeChatsJoined {
		// Only the first acknowledgment on a connection answers resync.
		c.mu.Lock()
		joined := c.joined
		c.joined = nil
		c.mu.Unlock()
		if joined != nil {
			c.rec.BeginSync()
			joined <- struct{}{}
		}
	}
	fx, err := c.rec.Apply(*env)
	if err != nil {
		c.log.Warn("failed to apply event", zap.String("type", string(env.Type)), zap.Error(err))
		return
	}
	if fx.MarkRead != "" {
		c.Send(protocol.TypeReadMessages, protocol.ReadMessagesMessage{ChatID: fx.MarkRead})
	}
	if c.onEvent != nil {
		c.onEvent(*env)
	}
}

// Connected reports whether a connection is currently open.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send queues an event for the server.
func (c *Connection) Send(msgType protocol.MessageType, data interface{}) error {
	raw, err := protocol.Encode(msgType, data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.send == nil {
		return ErrNotConnected
	}
	select {
	case c.send <- raw:
		return nil
	default:
		return errors.New("send queue full")
	}
}

// Typing announces that the user started or stopped typing in a chat.
func (c *Connection) Typing(chatID string, isTyping bool) error {
	return c.Send(protocol.TypeTyping, protocol.TypingMessage{ChatID: chatID, IsTyping: isTyping})
}

// MarkRead acknowledges every message of a chat.
func (c *Connection) MarkRead(chatID string) error {
	return c.Send(protocol.TypeReadMessages, protocol.ReadMessagesMessage{ChatID: chatID})
}

// Join subscribes to chats; an empty list means all of the user's chats.
func (c *Connection) Join(chatIDs ...string) error {
	return c.Send(protocol.TypeJoinChats, protocol.JoinChatsMessage{ChatIDs: chatIDs})
}

// drop closes the current socket, as a network failure would.
func (c *Connection) drop() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
