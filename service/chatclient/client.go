// Package chatclient is the Go client for the realtime gateway. It keeps
// listeners registered across reconnects, queues listeners added while
// offline, and reconciles optimistic sends with the server's acks.
package chatclient

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"UniRide/logger"
	"UniRide/module/chat/model"
	"UniRide/service/chat/frame"
	"UniRide/tools/errs"
	"UniRide/tools/safe"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrNotConnected = errs.New("chatclient: not connected")
	ErrDisconnected = errs.New("chatclient: connection lost before ack")
	ErrClosed       = errs.New("chatclient: closed")
)

type Options struct {
	URL        string // ws://host/ws
	Token      string
	Dialer     *websocket.Dialer
	MinBackoff time.Duration
	MaxBackoff time.Duration
	AckTimeout time.Duration
	Logger     *zap.Logger
}

func (o *Options) norm() {
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = 30 * time.Second
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = 15 * time.Second
	}
}

type Handler func(env frame.Envelope)

// Listener is returned by OnEvent and accepted by Off.
type Listener struct {
	event frame.Event
	fn    Handler
}

type ackResult struct {
	msg *model.Message
	err error
}

type pendingSend struct {
	payload frame.SendMessagePayload
	done    chan ackResult // buffered, receives exactly once
}

// failedSend keeps what is needed to show and retry a send the server never
// confirmed.
type failedSend struct {
	payload frame.SendMessagePayload
	err     error
}

type Client struct {
	opts Options
	log  *zap.Logger

	mu        sync.Mutex
	ws        *websocket.Conn
	connected bool
	attached  []*Listener // live, in registration order
	queued    []*Listener // added while offline
	pending   map[string]*pendingSend
	failed    map[string]*failedSend // by client ref
	timeline  map[string][]*model.Message

	writeMu sync.Mutex
	closed  chan struct{}
	once    sync.Once
}

func New(opts Options) *Client {
	opts.norm()
	return &Client{
		opts:     opts,
		log:      logger.Or(opts.Logger).Named("chatclient"),
		pending:  make(map[string]*pendingSend),
		failed:   make(map[string]*failedSend),
		timeline: make(map[string][]*model.Message),
		closed:   make(chan struct{}),
	}
}

// OnEvent attaches fn when connected, otherwise queues it until the next
// connect. Queued listeners are attached in registration order.
func (c *Client) OnEvent(ev frame.Event, fn Handler) *Listener {
	l := &Listener{event: ev, fn: fn}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		c.attached = append(c.attached, l)
	} else {
		c.queued = append(c.queued, l)
	}
	return l
}

// Off removes l whether it is attached or still queued.
func (c *Client) Off(l *Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attached = removeListener(c.attached, l)
	c.queued = removeListener(c.queued, l)
}

func removeListener(ls []*Listener, l *Listener) []*Listener {
	for i, x := range ls {
		if x == l {
			return append(ls[:i:i], ls[i+1:]...)
		}
	}
	return ls
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect dials once and starts the read loop. The returned channel closes
// when that connection ends.
func (c *Client) Connect(ctx context.Context) (<-chan struct{}, error) {
	select {
	case <-c.closed:
		return nil, ErrClosed
	default:
	}
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	ws, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		return nil, errs.WrapMsg(err, "dial", "url", c.opts.URL)
	}

	c.mu.Lock()
	c.ws = ws
	c.connected = true
	c.attached = append(c.attached, c.queued...)
	c.queued = nil
	c.mu.Unlock()

	done := make(chan struct{})
	safe.SafeGo("chatclient-read", func() {
		defer close(done)
		c.readLoop(ws)
	})
	return done, nil
}

// Run keeps the client connected until ctx ends or Close is called,
// reconnecting with exponential backoff and jitter.
func (c *Client) Run(ctx context.Context) {
	backoff := c.opts.MinBackoff
	for {
		done, err := c.Connect(ctx)
		if err == nil {
			backoff = c.opts.MinBackoff
			select {
			case <-done:
				c.log.Info("connection lost, reconnecting")
			case <-ctx.Done():
				c.Close()
				return
			case <-c.closed:
				return
			}
			continue
		}
		if errors.Is(err, ErrClosed) {
			return
		}
		c.log.Warn("connect failed", zap.Error(err), zap.Duration("retry_in", backoff))

		sleep := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			c.Close()
			return
		case <-c.closed:
			return
		}
		backoff *= 2
		if backoff > c.opts.MaxBackoff {
			backoff = c.opts.MaxBackoff
		}
	}
}

func (c *Client) Close() {
	c.once.Do(func() {
		close(c.closed)
		c.mu.Lock()
		ws := c.ws
		c.mu.Unlock()
		if ws != nil {
			c.writeMu.Lock()
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			c.writeMu.Unlock()
			_ = ws.Close()
		}
	})
}

func (c *Client) readLoop(ws *websocket.Conn) {
	defer c.disconnected(ws)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := frame.Parse(data)
		if err != nil {
			c.log.Warn("bad frame from server", zap.Error(err))
			continue
		}
		c.handle(*env)
	}
}

func (c *Client) disconnected(ws *websocket.Conn) {
	_ = ws.Close()
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
		c.connected = false
	}
	c.mu.Unlock()
	c.failPending(ErrDisconnected)
}

// handle applies client-side bookkeeping, then runs listeners in order.
func (c *Client) handle(env frame.Envelope) {
	switch env.Event {
	case frame.EvMessageAck:
		if p, err := frame.Decode[frame.MessageAckPayload](&env); err == nil {
			c.resolve(p)
		}
	case frame.EvNewMessage:
		if p, err := frame.Decode[frame.NewMessagePayload](&env); err == nil && p.Message != nil {
			c.mu.Lock()
			c.mergeLocked(p.Message)
			c.mu.Unlock()
		}
	}

	c.mu.Lock()
	var fns []Handler
	for _, l := range c.attached {
		if l.event == env.Event {
			fns = append(fns, l.fn)
		}
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(env)
	}
}

func (c *Client) write(ev frame.Event, ref string, data any) error {
	raw, err := frame.Encode(ev, ref, data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		return errs.WrapMsg(err, "write", "event", ev)
	}
	return nil
}

func (c *Client) Authenticate(token string) error {
	return c.write(frame.EvAuthenticate, newRef(), frame.AuthenticatePayload{Token: token})
}

func (c *Client) Join(chatID string) error {
	return c.write(frame.EvJoinRoom, newRef(), frame.RoomPayload{ChatID: chatID})
}

func (c *Client) Leave(chatID string) error {
	return c.write(frame.EvLeaveRoom, "", frame.RoomPayload{ChatID: chatID})
}

func (c *Client) StartTyping(chatID string) error {
	return c.write(frame.EvStartTyping, "", frame.RoomPayload{ChatID: chatID})
}

func (c *Client) StopTyping(chatID string) error {
	return c.write(frame.EvStopTyping, "", frame.RoomPayload{ChatID: chatID})
}

func (c *Client) MarkRead(chatID string, messageIDs []string) error {
	return c.write(frame.EvMarkRead, "", frame.MarkReadPayload{ChatID: chatID, MessageIDs: messageIDs})
}

func (c *Client) ShareLocation(recipients []string, lat, lng float64) error {
	return c.write(frame.EvSOSLocationUpdate, "", frame.SOSLocationPayload{
		RecipientIDs: recipients, Lat: lat, Lng: lng, Timestamp: time.Now().UnixMilli(),
	})
}

func (c *Client) StopSharing(recipients []string) error {
	return c.write(frame.EvSOSStopSharing, "", frame.SOSStopPayload{RecipientIDs: recipients})
}

func newRef() string { return uuid.NewString() }
