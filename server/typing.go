package server

import (
	"context"

	"github.com/MrGodgames/Space-Point/internal/models"
	"github.com/MrGodgames/Space-Point/internal/protocol"
	"go.uber.org/zap"
)

// TypingChannel relays best-effort typing signals. Nothing is stored or
// retried: senders re-announce while typing and announce a stop when idle
// or on send.
type TypingChannel struct {
	members MembershipChecker
	hub     *Hub
	log     *zap.Logger
}

// NewTypingChannel creates a typing relay.
func NewTypingChannel(members MembershipChecker, hub *Hub, log *zap.Logger) *TypingChannel {
	return &TypingChannel{members: members, hub: hub, log: log}
}

// Announce rebroadcasts a typing signal to the chat's subscribers other
// than the sender's own sessions. Failures are logged, never returned.
func (t *TypingChannel) Announce(ctx context.Context, chatID string, user *models.User, isTyping bool) {
	ok, err := t.members.IsMember(ctx, chatID, user.ID)
	if err != nil {
		t.log.Warn("typing: membership check failed", zap.String("chat", chatID), zap.Error(err))
		return
	}
	if !ok {
		t.log.Debug("typing: not a member", zap.String("chat", chatID), zap.String("user", user.Login))
		return
	}

	data, err := protocol.Encode(protocol.TypeTyping, protocol.TypingEvent{
		ChatID:   chatID,
		UserID:   user.ID,
		Name:     user.DisplayName(),
		IsTyping: isTyping,
	})
	if err != nil {
		t.log.Warn("typing: encode", zap.Error(err))
		return
	}
	t.hub.PublishToChat(chatID, data, func(s *Session) bool {
		return s.UserID() == user.ID
	})
}
