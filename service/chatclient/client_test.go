package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"UniRide/module/chat/model"
	"UniRide/module/chat/store"
	"UniRide/service/chat"
	"UniRide/service/chat/frame"
	"UniRide/tools/errs"
	"UniRide/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var jwtOpts = security.DefaultOptions([]byte("test-secret"))

type gateway struct {
	url   string
	store *store.Memory
	srv   *chat.Server
}

func startGateway(t *testing.T) *gateway {
	t.Helper()
	verifier, err := security.NewVerifier(jwtOpts)
	require.NoError(t, err)
	st := store.NewMemory()
	srv := chat.NewServer(chat.ServerConf{}, chat.Deps{Store: st, Verifier: verifier, Logger: zap.NewNop()})
	t.Cleanup(srv.Close)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", srv.HandleWS)
	hs := httptest.NewServer(r)
	t.Cleanup(hs.Close)
	return &gateway{url: "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws", store: st, srv: srv}
}

func (g *gateway) client(t *testing.T, user string) *Client {
	t.Helper()
	tok, _, err := security.Generate(jwtOpts, user, strings.ToUpper(user), nil)
	require.NoError(t, err)
	c := New(Options{URL: g.url, Token: tok, AckTimeout: 2 * time.Second, Logger: zap.NewNop()})
	t.Cleanup(c.Close)
	return c
}

type recorder struct {
	mu  sync.Mutex
	got []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.got = append(r.got, s)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func TestQueuedListenersAttachInOrder(t *testing.T) {
	g := startGateway(t)
	c := g.client(t, "ana")

	rec := &recorder{}
	for _, name := range []string{"a", "b", "c"} {
		name := name
		c.OnEvent(frame.EvAuthenticated, func(frame.Envelope) { rec.add(name) })
	}
	dropped := c.OnEvent(frame.EvAuthenticated, func(frame.Envelope) { rec.add("dropped") })
	c.Off(dropped)
	assert.Len(t, c.queued, 3)

	_, err := c.Connect(context.Background())
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return len(rec.list()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, rec.list())

	c.mu.Lock()
	assert.Empty(t, c.queued)
	assert.Len(t, c.attached, 3)
	c.mu.Unlock()
}

func TestOffRemovesAttachedListener(t *testing.T) {
	c := New(Options{URL: "ws://unused"})
	c.connected = true
	l1 := c.OnEvent(frame.EvNewMessage, func(frame.Envelope) {})
	l2 := c.OnEvent(frame.EvNewMessage, func(frame.Envelope) {})
	c.Off(l1)
	c.Off(l1)
	assert.Equal(t, []*Listener{l2}, c.attached)
}

func TestOptimisticSendKeepsExactlyOneCopy(t *testing.T) {
	g := startGateway(t)
	require.NoError(t, g.store.SaveChat(context.Background(), &model.Chat{ID: "ride-1", Members: []string{"ana", "bo"}}))

	ana := g.client(t, "ana")
	_, err := ana.Connect(context.Background())
	require.NoError(t, err)

	m, err := ana.SendMessage(context.Background(), "ride-1", "be there at 8")
	require.NoError(t, err)
	require.NotEmpty(t, m.ID)

	tl := ana.Timeline("ride-1")
	require.Len(t, tl, 1)
	assert.Equal(t, m.ID, tl[0].ID)
	assert.Equal(t, m.ClientRef, tl[0].ClientRef)

	// the same message echoed back (another device, a replay) merges too
	ana.handle(frame.Envelope{Event: frame.EvNewMessage, Data: mustJSON(t, frame.NewMessagePayload{ChatID: "ride-1", Message: m})})
	assert.Len(t, ana.Timeline("ride-1"), 1)
	assert.Equal(t, 0, ana.Pending())
}

func TestMessagesFromOthersAppendToTimeline(t *testing.T) {
	g := startGateway(t)
	require.NoError(t, g.store.SaveChat(context.Background(), &model.Chat{ID: "ride-1", Members: []string{"ana", "bo"}}))

	bo := g.client(t, "bo")
	rec := &recorder{}
	bo.OnEvent(frame.EvNewMessage, func(env frame.Envelope) { rec.add(string(env.Event)) })
	authed := make(chan struct{}, 1)
	bo.OnEvent(frame.EvAuthenticated, func(frame.Envelope) { authed <- struct{}{} })
	_, err := bo.Connect(context.Background())
	require.NoError(t, err)
	<-authed

	ana := g.client(t, "ana")
	_, err = ana.Connect(context.Background())
	require.NoError(t, err)
	_, err = ana.SendMessage(context.Background(), "ride-1", "hi bo")
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(bo.Timeline("ride-1")) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "hi bo", bo.Timeline("ride-1")[0].Text)
	assert.Eventually(t, func() bool { return len(rec.list()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestRejectedSendStaysMarkedFailed(t *testing.T) {
	g := startGateway(t)
	eve := g.client(t, "eve")
	_, err := eve.Connect(context.Background())
	require.NoError(t, err)

	_, err = eve.SendMessage(context.Background(), "ride-404", "hello?")
	require.Error(t, err)
	assert.Equal(t, 0, eve.Pending())

	tl := eve.Timeline("ride-404")
	require.Len(t, tl, 1)
	assert.Equal(t, StatusFailed, tl[0].Status)
	assert.Error(t, tl[0].Err)
	assert.Empty(t, tl[0].ID)
	assert.Equal(t, "hello?", tl[0].Text)
	failedRef := tl[0].ClientRef

	// the chat appears; the same content goes through under a new ref
	require.NoError(t, g.store.SaveChat(context.Background(), &model.Chat{ID: "ride-404", Members: []string{"eve", "bo"}}))
	m, err := eve.Retry(context.Background(), failedRef)
	require.NoError(t, err)
	assert.Equal(t, "hello?", m.Text)

	tl = eve.Timeline("ride-404")
	require.Len(t, tl, 1)
	assert.Equal(t, StatusSent, tl[0].Status)
	assert.Equal(t, m.ID, tl[0].ID)
	assert.NotEqual(t, failedRef, tl[0].ClientRef)

	_, err = eve.Retry(context.Background(), failedRef)
	assert.True(t, errors.Is(err, errs.ErrRecordNotFound))
}

func TestDiscardFailedSend(t *testing.T) {
	g := startGateway(t)
	eve := g.client(t, "eve")
	_, err := eve.Connect(context.Background())
	require.NoError(t, err)

	_, err = eve.SendMessage(context.Background(), "ride-404", "typo")
	require.Error(t, err)
	ref := eve.Timeline("ride-404")[0].ClientRef

	assert.True(t, eve.Discard(ref))
	assert.Empty(t, eve.Timeline("ride-404"))
	assert.False(t, eve.Discard(ref))
}

func TestSendWhileOffline(t *testing.T) {
	c := New(Options{URL: "ws://unused"})
	_, err := c.SendMessage(context.Background(), "ride-1", "x")
	assert.True(t, errors.Is(err, ErrNotConnected))
	assert.Empty(t, c.Timeline("ride-1"))
}

func TestPendingFailsOnDisconnect(t *testing.T) {
	// a server that reads one frame and hangs up without acking
	up := websocket.Upgrader{}
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_, _, _ = ws.ReadMessage()
		_ = ws.Close()
	}))
	t.Cleanup(hs.Close)

	c := New(Options{URL: "ws" + strings.TrimPrefix(hs.URL, "http"), Logger: zap.NewNop()})
	t.Cleanup(c.Close)
	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	_, err = c.SendMessage(context.Background(), "ride-1", "lost")
	assert.True(t, errors.Is(err, ErrDisconnected))
	assert.Eventually(t, func() bool { return !c.Connected() }, time.Second, 5*time.Millisecond)

	tl := c.Timeline("ride-1")
	require.Len(t, tl, 1)
	assert.Equal(t, StatusFailed, tl[0].Status)
	assert.True(t, errors.Is(tl[0].Err, ErrDisconnected))

	// retrying offline keeps the failed entry for a later attempt
	_, err = c.Retry(context.Background(), tl[0].ClientRef)
	assert.True(t, errors.Is(err, ErrNotConnected))
	tl = c.Timeline("ride-1")
	require.Len(t, tl, 1)
	assert.Equal(t, StatusFailed, tl[0].Status)
}

func TestRunReconnects(t *testing.T) {
	g := startGateway(t)
	c := g.client(t, "ana")
	c.opts.MinBackoff = 10 * time.Millisecond

	var mu sync.Mutex
	auths := 0
	c.OnEvent(frame.EvAuthenticated, func(frame.Envelope) {
		mu.Lock()
		auths++
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	assert.Eventually(t, func() bool { return g.srv.Registry().IsOnline("ana") }, 2*time.Second, 5*time.Millisecond)
	for _, conn := range g.srv.Registry().ConnectionsFor("ana") {
		g.srv.Registry().Unregister(conn)
	}
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return auths >= 2
	}, 3*time.Second, 10*time.Millisecond)
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
