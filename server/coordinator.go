package server

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/MrGodgames/Space-Point/internal/models"
	"github.com/MrGodgames/Space-Point/internal/protocol"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// NewMessage is a request to post a message.
type NewMessage struct {
	ChatID      string
	Content     string
	ReplyToID   string
	Attachments []models.Attachment
}

// Coordinator is the write path: it persists message changes and only then
// publishes them to the chat's room. Within one chat, persistence and
// publication happen under the same lock, so subscribers observe events in
// commit order.
type Coordinator struct {
	store MessageStore
	hub   *Hub
	chats *keyedMutex
	log   *zap.Logger
	now   func() time.Time

	clockMu sync.Mutex
	last    time.Time // latest created_at handed out
}

// NewCoordinator creates a coordinator. chats is shared with every other
// component that must order its events with message writes.
func NewCoordinator(store MessageStore, hub *Hub, chats *keyedMutex, log *zap.Logger) *Coordinator {
	return &Coordinator{
		store: store,
		hub:   hub,
		chats: chats,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// createdAt returns a timestamp strictly after every one handed out
// before, so messages of a chat never share a creation time. Must be
// called with the chat lock held for the ordering to match commit order.
func (c *Coordinator) createdAt() time.Time {
	c.clockMu.Lock()
	defer c.clockMu.Unlock()
	t := c.now()
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}

// PublishNewMessage persists a message by author and fans it out as
// message:new and chat:updated to the chat's subscribers.
func (c *Coordinator) PublishNewMessage(ctx context.Context, author *models.User, in NewMessage) (*models.Message, error) {
	if err := checkMember(ctx, c.store, in.ChatID, author.ID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Content) == "" && len(in.Attachments) == 0 {
		return nil, ErrEmptyMessage
	}

	var reply *models.ReplyPreview
	if in.ReplyToID != "" {
		target, err := c.store.GetMessage(ctx, in.ReplyToID)
		if err != nil {
			return nil, persistErr(err, "load reply target")
		}
		switch {
		case target == nil:
			// Deleted in the meantime; the reply stands on its own.
			reply = &models.ReplyPreview{MessageID: in.ReplyToID, Unavailable: true}
		case target.ChatID != in.ChatID:
			return nil, ErrInvalidReply
		default:
			reply = &models.ReplyPreview{
				MessageID:  target.ID,
				AuthorName: target.AuthorName,
				Content:    target.Content,
			}
		}
	}

	attachments := make([]models.Attachment, len(in.Attachments))
	for i, a := range in.Attachments {
		if a.ID == "" {
			a.ID = uuid.New().String()
		}
		attachments[i] = a
	}

	unlock := c.chats.Lock(in.ChatID)
	defer unlock()

	msg := &models.Message{
		ID:          uuid.New().String(),
		ChatID:      in.ChatID,
		AuthorID:    author.ID,
		AuthorName:  author.DisplayName(),
		Content:     in.Content,
		ReplyToID:   in.ReplyToID,
		Reply:       reply,
		Attachments: attachments,
		CreatedAt:   c.createdAt(),
	}
	if err := c.store.CreateMessage(ctx, msg); err != nil {
		c.log.Error("persist message failed", zap.String("chat", in.ChatID), zap.Error(err))
		return nil, persistErr(err, "create message")
	}

	c.publish(in.ChatID, protocol.TypeMessageNew, protocol.MessageEvent{ChatID: in.ChatID, Message: *msg})
	c.publish(in.ChatID, protocol.TypeChatUpdated, protocol.ChatUpdatedEvent{
		ChatID:  in.ChatID,
		Preview: msg.PreviewText(),
		Time:    msg.CreatedAt,
	})
	c.log.Debug("message published",
		zap.String("chat", in.ChatID),
		zap.String("message", msg.ID),
		zap.Int("attachments", len(attachments)))
	return msg, nil
}

// authored loads a message and checks that userID wrote it and is still a
// member of its chat.
func (c *Coordinator) authored(ctx context.Context, messageID, userID string) (*models.Message, error) {
	msg, err := c.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, persistErr(err, "load message")
	}
	if msg == nil {
		return nil, ErrNotFound
	}
	if err := checkMember(ctx, c.store, msg.ChatID, userID); err != nil {
		return nil, err
	}
	if msg.AuthorID != userID {
		return nil, ErrForbidden
	}
	return msg, nil
}

// PublishEdit replaces the content of a message and publishes
// message:updated. Only the author may edit.
func (c *Coordinator) PublishEdit(ctx context.Context, editor *models.User, messageID, content string) (*models.Message, error) {
	msg, err := c.authored(ctx, messageID, editor.ID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(content) == "" && len(msg.Attachments) == 0 {
		return nil, ErrEmptyMessage
	}

	unlock := c.chats.Lock(msg.ChatID)
	defer unlock()

	editedAt := c.now()
	if err := c.store.UpdateMessageContent(ctx, msg.ID, content, editedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, persistErr(err, "update message")
	}
	msg.Content = content
	msg.EditedAt = &editedAt

	c.publish(msg.ChatID, protocol.TypeMessageUpdated, protocol.MessageEvent{ChatID: msg.ChatID, Message: *msg})
	return msg, nil
}

// PublishDelete hard-deletes a message and publishes message:deleted.
// Only the author may delete.
func (c *Coordinator) PublishDelete(ctx context.Context, editor *models.User, messageID string) error {
	msg, err := c.authored(ctx, messageID, editor.ID)
	if err != nil {
		return err
	}

	unlock := c.chats.Lock(msg.ChatID)
	defer unlock()

	if err := c.store.DeleteMessage(ctx, msg.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return persistErr(err, "delete message")
	}

	c.publish(msg.ChatID, protocol.TypeMessageDeleted, protocol.MessageDeletedEvent{
		ChatID:    msg.ChatID,
		MessageID: msg.ID,
	})
	return nil
}

func (c *Coordinator) publish(chatID string, msgType protocol.MessageType, payload interface{}) {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		c.log.Error("encode event", zap.String("type", string(msgType)), zap.Error(err))
		return
	}
	n := c.hub.PublishToChat(chatID, data, nil)
	c.log.Debug("fanout", zap.String("type", string(msgType)), zap.String("chat", chatID), zap.Int("sessions", n))
}
