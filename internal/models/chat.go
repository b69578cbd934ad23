package models

import (
	"sort"
	"strings"
	"time"
)

// ChatKind distinguishes group chats from one-to-one chats.
type ChatKind string

const (
	ChatGroup  ChatKind = "group"
	ChatDirect ChatKind = "direct"
)

// Chat represents a conversation.
type Chat struct {
	ID        string    `json:"id"`
	Kind      ChatKind  `json:"kind"`
	Title     string    `json:"title"`
	DirectKey string    `json:"-"` // ordered member pair, direct chats only
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatSummary is a chat as rendered in a conversation list.
type ChatSummary struct {
	Chat
	Members      int        `json:"members"`
	Preview      string     `json:"preview"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
	Unread       int        `json:"unread"`
}

// DirectKey returns the canonical key for the direct chat between two users.
func DirectKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, ":")
}
