package natsx

import (
	"context"

	"UniRide/tools/errs"

	"go.uber.org/zap"
)

type NatsxMessage struct {
	Subject string
	Data    []byte
	Header  map[string]string
}

type NatsxHandler func(ctx context.Context, msg NatsxMessage) error

type NatsxMiddleware func(NatsxHandler) NatsxHandler

// NatsxChain wraps h so that mws[0] runs first.
func NatsxChain(h NatsxHandler, mws ...NatsxMiddleware) NatsxHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// NatsxRecoverMiddleware turns a handler panic into an error and logs
// every failure. Core subscriptions have no redelivery, so the error is
// only reported.
func NatsxRecoverMiddleware(log *zap.Logger) NatsxMiddleware {
	return func(next NatsxHandler) NatsxHandler {
		return func(ctx context.Context, msg NatsxMessage) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = errs.ErrPanic(r)
				}
				if err != nil {
					log.Warn("nats handler failed", zap.String("subject", msg.Subject), zap.Error(err))
				}
			}()
			return next(ctx, msg)
		}
	}
}
