package chat

import (
	"sync"
	"time"

	"UniRide/tools/errs"

	"golang.org/x/time/rate"
)

// Conn is one live transport connection. The user is bound at most once;
// until then the connection is anonymous.
type Conn struct {
	id        string
	remote    string
	createdAt time.Time

	mu       sync.Mutex
	userID   string
	userName string
	hooks    []func(*Conn) // run in order once the identity is bound

	send      chan []byte // outbound frames, drained by a single writer
	done      chan struct{}
	closeOnce sync.Once
	limiter   *rate.Limiter // nil: unlimited
}

func NewConn(id, remote string, queue int, limiter *rate.Limiter) *Conn {
	if queue <= 0 {
		queue = 64
	}
	return &Conn{
		id:        id,
		remote:    remote,
		createdAt: time.Now(),
		send:      make(chan []byte, queue),
		done:      make(chan struct{}),
		limiter:   limiter,
	}
}

func (c *Conn) ID() string           { return c.id }
func (c *Conn) Remote() string       { return c.remote }
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Conn) UserName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userName == "" {
		return c.userID
	}
	return c.userName
}

func (c *Conn) Authenticated() bool { return c.UserID() != "" }

// OnAuthenticated runs fn now if the connection is already bound, otherwise
// queues it. Queued hooks run in registration order right after binding.
func (c *Conn) OnAuthenticated(fn func(*Conn)) {
	c.mu.Lock()
	if c.userID == "" {
		c.hooks = append(c.hooks, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn(c)
}

// bind sets the identity. It returns the queued hooks for the caller to run
// and fresh=false when the same user was already bound. Binding a different
// user is refused.
func (c *Conn) bind(userID, userName string) (hooks []func(*Conn), fresh bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userID != "" {
		if c.userID != userID {
			return nil, false, errs.ErrNoPermission.WrapMsg("connection already bound", "conn", c.id)
		}
		return nil, false, nil
	}
	c.userID = userID
	c.userName = userName
	hooks, c.hooks = c.hooks, nil
	return hooks, true, nil
}

func (c *Conn) runHooks(hooks []func(*Conn)) {
	for _, fn := range hooks {
		fn(c)
	}
}

// Enqueue queues one frame without blocking. It reports false when the
// connection is closed or its queue is full; the frame is dropped.
func (c *Conn) Enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Send is the outbound queue read by the write pump.
func (c *Conn) Send() <-chan []byte { return c.send }

// Allow reports whether one more inbound event fits the rate limit.
func (c *Conn) Allow() bool {
	if c.limiter == nil {
		return true
	}
	return c.limiter.Allow()
}

func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
