// Package store is the durable side of the gateway: chats, messages and
// notifications. The realtime layer only ever talks to these interfaces.
package store

import (
	"context"
	"time"

	"UniRide/module/chat/model"
	"UniRide/tools/errs"
)

const DefaultPageSize = 50

type ChatRepo interface {
	// GetChat returns errs.ErrRecordNotFound when the chat does not exist.
	GetChat(ctx context.Context, chatID string) (*model.Chat, error)
	// UpdateChatSummary sets the last message and adds one unread message for
	// every member except senderID.
	UpdateChatSummary(ctx context.Context, chatID string, last model.MessageRef, senderID string) error
	// ClearUnread resets userID's unread counter in chatID to zero.
	ClearUnread(ctx context.Context, chatID, userID string) error
}

type MessageRepo interface {
	// CreateMessage stores m, assigning ID and CreatedAt when they are empty.
	// It returns only once the write is durable.
	CreateMessage(ctx context.Context, m *model.Message) error
	// ListMessages pages backwards from before (zero means now), newest first.
	ListMessages(ctx context.Context, chatID string, before time.Time, limit int) ([]*model.Message, error)
	// MarkMessagesRead flips Read on the given messages of chatID that were
	// not sent by readerID and returns the ids that actually changed.
	MarkMessagesRead(ctx context.Context, chatID, readerID string, ids []string) ([]string, error)
}

type NotificationRepo interface {
	CreateNotification(ctx context.Context, n *model.Notification) error
	ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]*model.Notification, error)
	// MarkNotificationRead is idempotent and scoped to the recipient.
	MarkNotificationRead(ctx context.Context, userID, id string) (*model.Notification, error)
}

// Store is the whole persistence gateway.
type Store interface {
	ChatRepo
	MessageRepo
	NotificationRepo
	// SaveChat upserts a chat's members and ride id. On an existing chat the
	// unread counters, last message and creation time are left alone; on a
	// new one they are taken from c. Member ids must pass
	// model.ValidMemberID.
	SaveChat(ctx context.Context, c *model.Chat) error
}

func validateChat(c *model.Chat) error {
	if c == nil || c.ID == "" {
		return errs.ErrArgs.WrapMsg("chat id required")
	}
	for _, m := range c.Members {
		if !model.ValidMemberID(m) {
			return errs.ErrArgs.WrapMsg("invalid member id", "chat", c.ID, "member", m)
		}
	}
	return nil
}

func normLimit(limit int) int {
	if limit <= 0 || limit > 200 {
		return DefaultPageSize
	}
	return limit
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Mongo)(nil)
)
