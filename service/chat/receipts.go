package chat

import (
	"context"

	"UniRide/logger"
	"UniRide/service/chat/frame"
	"UniRide/tools/errs"

	"go.uber.org/zap"
)

// Receipts persists read flags and tells the room who read what.
type Receipts struct {
	store MessageStore
	rooms Rooms
	log   *zap.Logger
}

func NewReceipts(st MessageStore, rooms Rooms, log *zap.Logger) *Receipts {
	return &Receipts{store: st, rooms: rooms, log: logger.Or(log).Named("receipts")}
}

// MarkRead flips the read flag of ids, resets the reader's unread counter
// and broadcasts messagesRead for the ids that changed.
func (r *Receipts) MarkRead(ctx context.Context, c *Conn, chatID string, ids []string) ([]string, error) {
	reader := c.UserID()
	if reader == "" {
		return nil, errs.ErrUnauthenticated.WrapMsg("mark read", "chat", chatID)
	}
	changed, err := r.markRead(ctx, reader, chatID, ids)
	if err != nil || len(changed) == 0 {
		return changed, err
	}

	payload := frame.MustEncode(frame.EvMessagesRead, "", frame.MessagesReadPayload{
		ChatID:     chatID,
		MessageIDs: changed,
		ReaderID:   reader,
	})
	for _, m := range r.rooms.MembersOf(chatID) {
		if m != c {
			m.Enqueue(payload)
		}
	}
	return changed, nil
}

// ClearUnread is the REST path: reset the counter without touching flags.
func (r *Receipts) ClearUnread(ctx context.Context, userID, chatID string) error {
	return r.store.ClearUnread(ctx, chatID, userID)
}

func (r *Receipts) markRead(ctx context.Context, reader, chatID string, ids []string) ([]string, error) {
	if chatID == "" {
		return nil, errs.ErrArgs.WrapMsg("chatId is required")
	}
	chat, err := r.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !chat.IsMember(reader) {
		return nil, errs.ErrNoPermission.WrapMsg("not a chat member", "chat", chatID, "user", reader)
	}

	var changed []string
	if len(ids) > 0 {
		changed, err = r.store.MarkMessagesRead(ctx, chatID, reader, ids)
		if err != nil {
			return nil, err
		}
	}
	if err := r.store.ClearUnread(ctx, chatID, reader); err != nil {
		r.log.Warn("clear unread failed", zap.String("chat", chatID), zap.String("user", reader), zap.Error(err))
	}
	return changed, nil
}
