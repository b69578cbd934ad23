package server

import (
	"context"
	"time"

	"github.com/MrGodgames/Space-Point/internal/protocol"
	"go.uber.org/zap"
)

// ReceiptAggregator tracks which users have read which messages. Read-by
// counts are derived from the receipts on every read rather than kept as
// counters, so concurrent readers cannot make them drift.
type ReceiptAggregator struct {
	store ReceiptStore
	hub   *Hub
	chats *keyedMutex
	log   *zap.Logger
	now   func() time.Time
}

// NewReceiptAggregator creates an aggregator sharing the coordinator's
// chat locks.
func NewReceiptAggregator(store ReceiptStore, hub *Hub, chats *keyedMutex, log *zap.Logger) *ReceiptAggregator {
	return &ReceiptAggregator{
		store: store,
		hub:   hub,
		chats: chats,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// MarkRead records the user as having read every message in the chat and
// returns the IDs that were newly read. When the delta is non-empty a
// single message:read event listing it goes to the chat's subscribers.
// Calling it again with nothing new returns an empty list and publishes
// nothing.
func (a *ReceiptAggregator) MarkRead(ctx context.Context, userID, chatID string) ([]string, error) {
	if err := checkMember(ctx, a.store, chatID, userID); err != nil {
		return nil, err
	}

	// Holding the chat lock keeps message:read behind the message:new
	// events of every message it lists.
	unlock := a.chats.Lock(chatID)
	defer unlock()

	ids, err := a.store.MarkChatRead(ctx, chatID, userID, a.now())
	if err != nil {
		return nil, persistErr(err, "mark read")
	}
	if len(ids) == 0 {
		return []string{}, nil
	}

	data, err := protocol.Encode(protocol.TypeMessageRead, protocol.MessageReadEvent{
		ChatID:     chatID,
		UserID:     userID,
		MessageIDs: ids,
	})
	if err != nil {
		a.log.Error("encode message:read", zap.Error(err))
		return ids, nil
	}
	a.hub.PublishToChat(chatID, data, nil)
	a.log.Debug("messages read", zap.String("chat", chatID), zap.String("user", userID), zap.Int("count", len(ids)))
	return ids, nil
}

// ReadByCounts returns how many users other than the author have read
// each message.
func (a *ReceiptAggregator) ReadByCounts(ctx context.Context, messageIDs []string) (map[string]int, error) {
	counts, err := a.store.ReadByCounts(ctx, messageIDs)
	if err != nil {
		return nil, persistErr(err, "read-by counts")
	}
	return counts, nil
}

// UnreadCount returns how many messages in the chat the user has not read.
func (a *ReceiptAggregator) UnreadCount(ctx context.Context, userID, chatID string) (int, error) {
	n, err := a.store.UnreadCount(ctx, chatID, userID)
	if err != nil {
		return 0, persistErr(err, "unread count")
	}
	return n, nil
}
