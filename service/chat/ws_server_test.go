package chat

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"UniRide/service/chat/frame"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func startWS(t *testing.T, e *testEnv) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", e.srv.HandleWS)
	hs := httptest.NewServer(r)
	t.Cleanup(hs.Close)
	return "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn) frame.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	env, err := frame.Parse(data)
	require.NoError(t, err)
	return *env
}

func writeEvent(t *testing.T, ws *websocket.Conn, ev frame.Event, ref string, data any) {
	t.Helper()
	raw, err := frame.Encode(ev, ref, data)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, raw))
}

func TestWebsocketSendAndAck(t *testing.T) {
	e := newTestEnv(t, Deps{})
	e.chat(t, "ride-1", "ana", "bo")
	url := startWS(t, e)

	bo := dial(t, url+"?token=tok-bo", nil)
	assert.Equal(t, frame.EvAuthenticated, readEvent(t, bo).Event)

	ana := dial(t, url, http.Header{"Authorization": []string{"Bearer tok-ana"}})
	auth := readEvent(t, ana)
	require.Equal(t, frame.EvAuthenticated, auth.Event)
	assert.Equal(t, "ana", decodeData[frame.AuthenticatedPayload](t, auth).UserID)

	writeEvent(t, ana, frame.EvSendMessage, "opt-1", frame.SendMessagePayload{ChatID: "ride-1", Text: "on my way"})

	ack := readEvent(t, ana)
	require.Equal(t, frame.EvMessageAck, ack.Event)
	assert.Equal(t, "opt-1", ack.Ref)
	p := decodeData[frame.MessageAckPayload](t, ack)
	assert.True(t, p.OK)

	msg := readEvent(t, bo)
	require.Equal(t, frame.EvNewMessage, msg.Event)
	got := decodeData[frame.NewMessagePayload](t, msg)
	assert.Equal(t, p.Message.ID, got.Message.ID)
	assert.Equal(t, "on my way", got.Message.Text)
}

func TestWebsocketAnonymousThenAuthenticate(t *testing.T) {
	e := newTestEnv(t, Deps{})
	e.chat(t, "ride-1", "ana")
	url := startWS(t, e)

	ws := dial(t, url, nil)
	writeEvent(t, ws, frame.EvJoinRoom, "j1", frame.RoomPayload{ChatID: "ride-1"})
	env := readEvent(t, ws)
	assert.Equal(t, frame.EvError, env.Event)
	assert.Equal(t, "j1", env.Ref)
	assert.Equal(t, "unauthenticated", decodeData[frame.ErrorPayload](t, env).Code)

	writeEvent(t, ws, frame.EvAuthenticate, "a1", frame.AuthenticatePayload{Token: "tok-ana"})
	env = readEvent(t, ws)
	assert.Equal(t, frame.EvAuthenticated, env.Event)
	assert.Equal(t, "a1", env.Ref)
	assert.True(t, e.srv.Registry().IsOnline("ana"))
}

func TestWebsocketLogsLateAuthentication(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	e := newTestEnv(t, Deps{Logger: zap.New(core)})
	url := startWS(t, e)

	ws := dial(t, url, nil)
	writeEvent(t, ws, frame.EvAuthenticate, "a1", frame.AuthenticatePayload{Token: "tok-ana"})
	require.Equal(t, frame.EvAuthenticated, readEvent(t, ws).Event)

	entries := logs.FilterMessage("authenticated").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "ana", entries[0].ContextMap()["user"])
	assert.NotEmpty(t, entries[0].ContextMap()["conn"])
}

func TestWebsocketDisconnectUnregisters(t *testing.T) {
	e := newTestEnv(t, Deps{})
	url := startWS(t, e)

	ws := dial(t, url+"?token=tok-ana", nil)
	readEvent(t, ws)
	require.True(t, e.srv.Registry().IsOnline("ana"))

	require.NoError(t, ws.Close())
	assert.Eventually(t, func() bool {
		return !e.srv.Registry().IsOnline("ana")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebsocketBadHandshakeTokenStaysOpen(t *testing.T) {
	e := newTestEnv(t, Deps{})
	url := startWS(t, e)

	ws := dial(t, url+"?token=expired", nil)
	env := readEvent(t, ws)
	assert.Equal(t, frame.EvError, env.Event)
	assert.Equal(t, "token_invalid", decodeData[frame.ErrorPayload](t, env).Code)

	writeEvent(t, ws, frame.EvAuthenticate, "", frame.AuthenticatePayload{Token: "tok-bo"})
	assert.Equal(t, frame.EvAuthenticated, readEvent(t, ws).Event)
}
