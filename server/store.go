package server

import (
	"context"
	"io"
	"time"

	"github.com/MrGodgames/Space-Point/internal/models"
)

// MembershipChecker answers whether a user belongs to a chat.
type MembershipChecker interface {
	IsMember(ctx context.Context, chatID, userID string) (bool, error)
}

// MessageStore is what the write path needs from the store.
type MessageStore interface {
	MembershipChecker
	CreateMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	UpdateMessageContent(ctx context.Context, id, content string, editedAt time.Time) error
	DeleteMessage(ctx context.Context, id string) error
}

// ReceiptStore is what read tracking needs from the store.
type ReceiptStore interface {
	MembershipChecker
	MarkChatRead(ctx context.Context, chatID, userID string, at time.Time) ([]string, error)
	ReadByCounts(ctx context.Context, messageIDs []string) (map[string]int, error)
	UnreadCount(ctx context.Context, chatID, userID string) (int, error)
}

// Store is the full persistence collaborator used by the server.
type Store interface {
	MessageStore
	ReceiptStore

	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByLogin(ctx context.Context, login string) (*models.User, error)
	CreateUser(ctx context.Context, login, firstName, lastName string) (*models.User, error)
	SearchUsers(ctx context.Context, query string) ([]models.User, error)

	CreateGroupChat(ctx context.Context, title, creatorID string, memberIDs []string) (*models.Chat, error)
	GetOrCreateDirectChat(ctx context.Context, userID, peerID string) (*models.Chat, bool, error)
	GetChat(ctx context.Context, id string) (*models.Chat, error)
	AddMember(ctx context.Context, chatID, userID string) (bool, error)
	RemoveMember(ctx context.Context, chatID, userID string) error
	MemberIDs(ctx context.Context, chatID string) ([]string, error)
	ChatIDsForUser(ctx context.Context, userID string) ([]string, error)
	ListChats(ctx context.Context, userID string) ([]models.ChatSummary, error)
	GetChatSummary(ctx context.Context, chatID, userID string) (*models.ChatSummary, error)

	ListMessages(ctx context.Context, chatID string, limit int, beforeID string) ([]models.Message, error)
	AttachmentChat(ctx context.Context, key string) (string, error)
}

// BlobStore keeps attachment bytes.
type BlobStore interface {
	Put(ctx context.Context, name string, r io.Reader) (key string, size int64, err error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

func checkMember(ctx context.Context, store MembershipChecker, chatID, userID string) error {
	ok, err := store.IsMember(ctx, chatID, userID)
	if err != nil {
		return persistErr(err, "check membership")
	}
	if !ok {
		return ErrAccessDenied
	}
	return nil
}
