package natsx

import (
	"context"
	"time"

	"UniRide/logger"
	"UniRide/module/chat/model"
	"UniRide/tools/decode"
	"UniRide/tools/errs"

	"go.uber.org/zap"
)

const BizNotify = "notify.created"

// NotificationSink pushes a stored notification to live connections.
type NotificationSink interface {
	Deliver(note *model.Notification)
}

// NotificationIngress consumes notifications that producers have already
// persisted and hands them to the sink. The sink only reaches connections on
// this node, so nodes subscribe without a queue group and each one delivers
// to its own users. Redeliveries are dropped per node by message id.
type NotificationIngress struct {
	c    *NatsxClient
	sink NotificationSink
	idem *MemIdem
	log  *zap.Logger
}

func NewNotificationIngress(c *NatsxClient, sink NotificationSink, log *zap.Logger) *NotificationIngress {
	return &NotificationIngress{
		c:    c,
		sink: sink,
		idem: NewMemIdem(10 * time.Minute),
		log:  logger.Or(log).Named("notify-ingress"),
	}
}

// Start subscribes to subject. An empty queue makes every node receive
// every notification.
func (in *NotificationIngress) Start(subject, queue string) error {
	if err := in.c.RegisterRoute(NatsxRoute{Biz: BizNotify, Subject: subject, Queue: queue}); err != nil {
		return err
	}
	if err := in.c.Subscribe(BizNotify, in.Handle, in.middlewares()...); err != nil {
		return err
	}
	in.log.Info("notification ingress started", zap.String("subject", subject), zap.String("queue", queue))
	return nil
}

func (in *NotificationIngress) middlewares() []NatsxMiddleware {
	return []NatsxMiddleware{
		NatsxRecoverMiddleware(in.log),
		NatsxIdemMiddleware(in.idem, 0),
	}
}

// Handle decodes one message and delivers it.
func (in *NotificationIngress) Handle(_ context.Context, msg NatsxMessage) error {
	note, err := decode.JSON[model.Notification](msg.Data)
	if err != nil {
		return errs.ErrArgs.WrapMsg("bad notification payload", "error", err.Error())
	}
	if note.RecipientID == "" {
		return errs.ErrArgs.WrapMsg("notification without recipient", "id", note.ID)
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now().UTC()
	}
	in.sink.Deliver(note)
	return nil
}

func (in *NotificationIngress) Close() {
	in.idem.Close()
}
