package chat

import (
	"context"

	"UniRide/service/chat/frame"
	"UniRide/tools/errs"
)

// Request is what a handler knows about the frame it is serving.
type Request struct {
	Conn *Conn
	Ref  string
}

type handlerFunc func(ctx context.Context, req Request, env *frame.Envelope) error

type route struct {
	auth bool
	fn   handlerFunc
}

// Dispatcher routes inbound events to typed handlers.
type Dispatcher struct {
	routes map[frame.Event]route
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{routes: make(map[frame.Event]route)}
}

// Handle registers fn for ev, decoding the envelope data into T first. With
// requireAuth the event is refused on anonymous connections.
func Handle[T any](d *Dispatcher, ev frame.Event, requireAuth bool, fn func(ctx context.Context, req Request, p *T) error) {
	d.routes[ev] = route{
		auth: requireAuth,
		fn: func(ctx context.Context, req Request, env *frame.Envelope) error {
			p, err := frame.Decode[T](env)
			if err != nil {
				return err
			}
			return fn(ctx, req, p)
		},
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, c *Conn, env *frame.Envelope) error {
	r, ok := d.routes[env.Event]
	if !ok {
		return errs.ErrUnknownEvent.WrapMsg("", "event", env.Event)
	}
	if r.auth && !c.Authenticated() {
		return errs.ErrUnauthenticated.WrapMsg("", "event", env.Event)
	}
	return r.fn(ctx, Request{Conn: c, Ref: env.Ref}, env)
}

func (d *Dispatcher) Events() []frame.Event {
	out := make([]frame.Event, 0, len(d.routes))
	for ev := range d.routes {
		out = append(out, ev)
	}
	return out
}
