package protocol

import (
	"encoding/json"
	"time"

	"github.com/MrGodgames/Space-Point/internal/models"
)

// MessageType identifies the type of WebSocket message.
type MessageType string

const (
	// Client -> Server
	TypeJoinChats    MessageType = "join_chats"
	TypeLeaveChats   MessageType = "leave_chats"
	TypeTyping       MessageType = "typing"
	TypeReadMessages MessageType = "read_messages"

	// Server -> Client
	TypeHello          MessageType = "hello"
	TypeChatsJoined    MessageType = "chats:joined"
	TypePresence       MessageType = "presence:update"
	TypeMessageNew     MessageType = "message:new"
	TypeMessageUpdated MessageType = "message:updated"
	TypeMessageDeleted MessageType = "message:deleted"
	TypeMessageRead    MessageType = "message:read"
	TypeChatAdded      MessageType = "chat:added"
	TypeChatUpdated    MessageType = "chat:updated"
	TypeError          MessageType = "error"
)

// Envelope wraps all WebSocket messages with a type field.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// JoinChatsMessage asks the server to subscribe the session to chats.
// An empty list subscribes to every chat the user belongs to.
type JoinChatsMessage struct {
	ChatIDs []string `json:"chatIds"`
}

// ChatsJoinedEvent acknowledges a join_chats request with the chats the
// session is now subscribed to. Events for them are delivered from here on.
type ChatsJoinedEvent struct {
	ChatIDs []string `json:"chatIds"`
}

// LeaveChatsMessage drops room subscriptions for the session.
type LeaveChatsMessage struct {
	ChatIDs []string `json:"chatIds"`
}

// TypingMessage is sent by the client when typing starts or stops.
type TypingMessage struct {
	ChatID   string `json:"chatId"`
	IsTyping bool   `json:"isTyping"`
}

// ReadMessagesMessage marks every message in a chat as read.
type ReadMessagesMessage struct {
	ChatID string `json:"chatId"`
}

// HelloMessage is the first event on an accepted connection.
type HelloMessage struct {
	User   models.User `json:"user"`
	Online []string    `json:"online"`
}

// Presence statuses.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// PresenceMessage announces an online/offline transition.
type PresenceMessage struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// TypingEvent is rebroadcast to the other subscribers of a chat.
type TypingEvent struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	Name     string `json:"name"`
	IsTyping bool   `json:"isTyping"`
}

// MessageEvent carries a new or updated message.
type MessageEvent struct {
	ChatID  string         `json:"chatId"`
	Message models.Message `json:"message"`
}

// MessageDeletedEvent is the tombstone for a hard-deleted message.
type MessageDeletedEvent struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

// MessageReadEvent lists the messages a user has just read.
type MessageReadEvent struct {
	ChatID     string   `json:"chatId"`
	UserID     string   `json:"userId"`
	MessageIDs []string `json:"messageIds"`
}

// ChatAddedEvent tells a user they were added to a chat.
type ChatAddedEvent struct {
	Chat models.ChatSummary `json:"chat"`
}

// ChatUpdatedEvent refreshes the list-view preview of a chat.
type ChatUpdatedEvent struct {
	ChatID  string    `json:"chatId"`
	Preview string    `json:"preview"`
	Time    time.Time `json:"time"`
}

// ErrorMessage is sent by the server when an error occurs.
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeAccessDenied = "access_denied"
	ErrCodeEmpty        = "empty_message"
	ErrCodeNotFound     = "not_found"
	ErrCodeInvalidMsg   = "invalid_message"
	ErrCodeRateLimited  = "rate_limited"
	ErrCodeInternal     = "internal_error"
)

// NewEnvelope creates an envelope with the given type and data.
func NewEnvelope(msgType MessageType, data interface{}) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type: msgType,
		Data: raw,
	}, nil
}

// Encode marshals a typed payload straight into wire bytes.
func Encode(msgType MessageType, data interface{}) ([]byte, error) {
	env, err := NewEnvelope(msgType, data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// ParseEnvelope parses a JSON message into an envelope.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}
