package chat

import (
	"context"

	"UniRide/logger"
	"UniRide/module/chat/model"
	"UniRide/module/chat/store"
	"UniRide/service/chat/frame"
	"UniRide/tools/errs"

	"go.uber.org/zap"
)

// Notifier pushes notifications to a recipient's live connections. Live
// delivery is best effort; the stored copy is the source of truth.
type Notifier struct {
	store  store.NotificationRepo
	dir    Directory
	fanout *Fanout
	log    *zap.Logger
}

func NewNotifier(st store.NotificationRepo, dir Directory, fanout *Fanout, log *zap.Logger) *Notifier {
	return &Notifier{store: st, dir: dir, fanout: fanout, log: logger.Or(log).Named("notifier")}
}

// Deliver never fails for the producer. An offline recipient simply gets
// nothing live.
func (n *Notifier) Deliver(note *model.Notification) {
	if note == nil || note.RecipientID == "" {
		return
	}
	conns := n.dir.ConnectionsFor(note.RecipientID)
	if len(conns) == 0 {
		return
	}
	payload, err := frame.Encode(frame.EvNewNotification, "", note)
	if err != nil {
		n.log.Warn("encode notification", zap.String("id", note.ID), zap.Error(err))
		return
	}
	n.fanout.Deliver("user:"+note.RecipientID, payload, conns)
}

// Create persists note and then delivers it.
func (n *Notifier) Create(ctx context.Context, note *model.Notification) error {
	if note.RecipientID == "" {
		return errs.ErrArgs.WrapMsg("recipientId is required")
	}
	if err := n.store.CreateNotification(ctx, note); err != nil {
		return err
	}
	n.Deliver(note)
	return nil
}

func (n *Notifier) List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]*model.Notification, error) {
	return n.store.ListNotifications(ctx, userID, unreadOnly, limit)
}

func (n *Notifier) MarkRead(ctx context.Context, userID, id string) (*model.Notification, error) {
	return n.store.MarkNotificationRead(ctx, userID, id)
}
