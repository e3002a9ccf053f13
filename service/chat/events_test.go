package chat

import (
	"context"
	"errors"
	"testing"

	"UniRide/module/chat/model"
	"UniRide/service/chat/frame"
	"UniRide/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypingReachesOnlyTheRoom(t *testing.T) {
	e := newTestEnv(t, Deps{})
	e.chat(t, "ride-1", "ana", "bo", "cy")
	ana := e.login(t, "ana")
	bo := e.login(t, "bo")
	cy := e.login(t, "cy") // member, room not open
	e.join(t, ana, "ride-1")
	e.join(t, bo, "ride-1")

	send(t, e.srv, ana, frame.EvStartTyping, "", frame.RoomPayload{ChatID: "ride-1"})
	send(t, e.srv, ana, frame.EvStopTyping, "", frame.RoomPayload{ChatID: "ride-1"})

	got := drain(t, bo)
	require.Len(t, got, 2)
	assert.Equal(t, frame.EvUserTyping, got[0].Event)
	assert.Equal(t, frame.EvUserStoppedTyping, got[1].Event)
	p := decodeData[frame.TypingPayload](t, got[0])
	assert.Equal(t, frame.TypingPayload{ChatID: "ride-1", UserID: "ana", UserName: "ANA"}, *p)

	assert.Empty(t, drain(t, ana))
	assert.Empty(t, drain(t, cy))
}

func TestTypingOutsideRoomIsRefused(t *testing.T) {
	e := newTestEnv(t, Deps{})
	e.chat(t, "ride-1", "ana", "bo")
	ana := e.login(t, "ana")
	bo := e.login(t, "bo")
	e.join(t, bo, "ride-1")

	send(t, e.srv, ana, frame.EvStartTyping, "t1", frame.RoomPayload{ChatID: "ride-1"})
	assert.Empty(t, drain(t, bo))
	got := drain(t, ana)
	require.Len(t, got, 1)
	assert.Equal(t, frame.EvError, got[0].Event)
	assert.Equal(t, "forbidden", decodeData[frame.ErrorPayload](t, got[0]).Code)
}

func TestAnonymousEventsAnsweredWithError(t *testing.T) {
	e := newTestEnv(t, Deps{})
	e.chat(t, "ride-1", "ana")
	anon := e.srv.NewConn("test")

	for _, ev := range []frame.Event{frame.EvJoinRoom, frame.EvStartTyping, frame.EvMarkRead} {
		send(t, e.srv, anon, ev, "r-"+string(ev), frame.RoomPayload{ChatID: "ride-1"})
		got := drain(t, anon)
		require.Len(t, got, 1, ev)
		assert.Equal(t, frame.EvError, got[0].Event)
		assert.Equal(t, "r-"+string(ev), got[0].Ref)
		assert.Equal(t, "unauthenticated", decodeData[frame.ErrorPayload](t, got[0]).Code)
	}
	assert.Empty(t, e.srv.Rooms().MembersOf("ride-1"))
}

func TestInBandAuthenticate(t *testing.T) {
	e := newTestEnv(t, Deps{})
	c := e.srv.NewConn("test")

	send(t, e.srv, c, frame.EvAuthenticate, "a1", frame.AuthenticatePayload{Token: "bogus"})
	got := drain(t, c)
	require.Len(t, got, 1)
	assert.Equal(t, "token_invalid", decodeData[frame.ErrorPayload](t, got[0]).Code)
	assert.False(t, c.Authenticated())

	send(t, e.srv, c, frame.EvAuthenticate, "a2", frame.AuthenticatePayload{Token: "tok-ana"})
	got = drain(t, c)
	require.Len(t, got, 1)
	assert.Equal(t, frame.EvAuthenticated, got[0].Event)
	assert.Equal(t, "a2", got[0].Ref)
	p := decodeData[frame.AuthenticatedPayload](t, got[0])
	assert.Equal(t, "ana", p.UserID)
	assert.Equal(t, c.ID(), p.ConnID)
}

func TestJoinRoomChecksMembership(t *testing.T) {
	e := newTestEnv(t, Deps{})
	e.chat(t, "ride-1", "ana")
	ana := e.login(t, "ana")
	eve := e.login(t, "eve")

	send(t, e.srv, eve, frame.EvJoinRoom, "j1", frame.RoomPayload{ChatID: "ride-1"})
	got := drain(t, eve)
	require.Len(t, got, 1)
	assert.Equal(t, "forbidden", decodeData[frame.ErrorPayload](t, got[0]).Code)

	send(t, e.srv, ana, frame.EvJoinRoom, "j2", frame.RoomPayload{ChatID: "ride-1"})
	send(t, e.srv, ana, frame.EvJoinRoom, "j3", frame.RoomPayload{ChatID: "ride-1"})
	assert.Empty(t, drain(t, ana))
	assert.Equal(t, []*Conn{ana}, e.srv.Rooms().MembersOf("ride-1"))

	send(t, e.srv, ana, frame.EvLeaveRoom, "", frame.RoomPayload{ChatID: "ride-1"})
	assert.Empty(t, e.srv.Rooms().MembersOf("ride-1"))
}

func TestUnknownAndMalformedFrames(t *testing.T) {
	e := newTestEnv(t, Deps{})
	c := e.login(t, "ana")

	e.srv.HandleFrame(c, []byte(`{"event":"dance","ref":"d1"}`))
	e.srv.HandleFrame(c, []byte(`{{{`))
	got := drain(t, c)
	require.Len(t, got, 2)
	assert.Equal(t, "unknown_event", decodeData[frame.ErrorPayload](t, got[0]).Code)
	assert.Equal(t, "d1", got[0].Ref)
	assert.Equal(t, "bad_frame", decodeData[frame.ErrorPayload](t, got[1]).Code)
}

func TestMarkReadBroadcastsToRoom(t *testing.T) {
	e := newTestEnv(t, Deps{})
	e.chat(t, "dm-1", "ana", "bo")
	ana := e.login(t, "ana")
	bo := e.login(t, "bo")
	e.join(t, ana, "dm-1")

	var ids []string
	for i := 0; i < 2; i++ {
		m, err := e.srv.Pipeline().Send(context.Background(), ana, SendRequest{ChatID: "dm-1", Text: "hey"})
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}
	drain(t, ana)
	drain(t, bo)

	e.join(t, bo, "dm-1")
	send(t, e.srv, bo, frame.EvMarkRead, "", frame.MarkReadPayload{ChatID: "dm-1", MessageIDs: ids})

	got := drain(t, ana)
	require.Len(t, got, 1)
	assert.Equal(t, frame.EvMessagesRead, got[0].Event)
	p := decodeData[frame.MessagesReadPayload](t, got[0])
	assert.Equal(t, "bo", p.ReaderID)
	assert.ElementsMatch(t, ids, p.MessageIDs)
	assert.Empty(t, drain(t, bo))

	chat, err := e.store.GetChat(context.Background(), "dm-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), chat.UnreadFor("bo"))

	// a second receipt changes nothing and stays quiet
	send(t, e.srv, bo, frame.EvMarkRead, "", frame.MarkReadPayload{ChatID: "dm-1", MessageIDs: ids})
	assert.Empty(t, drain(t, ana))
}

func TestNotifierCreateAndDeliver(t *testing.T) {
	e := newTestEnv(t, Deps{})
	phone := e.login(t, "ana")
	laptop := e.login(t, "ana")
	bo := e.login(t, "bo")
	n := e.srv.Notifier()

	note := &model.Notification{RecipientID: "ana", Type: model.NotifyRide, Title: "Ride matched", Data: map[string]any{"rideId": "r-9"}}
	require.NoError(t, n.Create(context.Background(), note))
	require.NotEmpty(t, note.ID)

	for _, c := range []*Conn{phone, laptop} {
		got := drain(t, c)
		require.Len(t, got, 1)
		assert.Equal(t, frame.EvNewNotification, got[0].Event)
		p := decodeData[model.Notification](t, got[0])
		assert.Equal(t, note.ID, p.ID)
		assert.Equal(t, "r-9", p.Data["rideId"])
	}
	assert.Empty(t, drain(t, bo))

	// offline recipients are fine; the stored copy is still there
	n.Deliver(&model.Notification{RecipientID: "nobody", Type: model.NotifySystem})
	n.Deliver(nil)

	list, err := n.List(context.Background(), "ana", true, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	read, err := n.MarkRead(context.Background(), "ana", note.ID)
	require.NoError(t, err)
	assert.True(t, read.Read)

	err = n.Create(context.Background(), &model.Notification{Type: model.NotifyRide})
	assert.True(t, errors.Is(err, errs.ErrArgs))
}

func TestSOSRelay(t *testing.T) {
	e := newTestEnv(t, Deps{})
	ana := e.login(t, "ana")
	bo := e.login(t, "bo")
	cy := e.login(t, "cy")

	send(t, e.srv, ana, frame.EvSOSLocationUpdate, "", frame.SOSLocationPayload{
		RecipientIDs: []string{"bo", "bo", "ana", "offline"},
		Lat:          -23.56, Lng: -46.73, Timestamp: 1700000000000,
	})
	got := drain(t, bo)
	require.Len(t, got, 1)
	assert.Equal(t, frame.EvSOSLocationUpdate, got[0].Event)
	p := decodeData[frame.SOSRelayPayload](t, got[0])
	assert.Equal(t, frame.SOSRelayPayload{SenderID: "ana", Lat: -23.56, Lng: -46.73, Timestamp: 1700000000000}, *p)
	assert.Empty(t, drain(t, cy))
	assert.Empty(t, drain(t, ana))

	send(t, e.srv, ana, frame.EvSOSStopSharing, "", frame.SOSStopPayload{RecipientIDs: []string{"bo"}})
	got = drain(t, bo)
	require.Len(t, got, 1)
	assert.Equal(t, frame.EvSOSStoppedSharing, got[0].Event)
	assert.Equal(t, "ana", decodeData[frame.SOSStoppedPayload](t, got[0]).SenderID)
	assert.NotContains(t, string(got[0].Data), "lat")

	// the equator and the prime meridian are real positions
	send(t, e.srv, ana, frame.EvSOSLocationUpdate, "", frame.SOSLocationPayload{RecipientIDs: []string{"bo"}, Timestamp: 1})
	got = drain(t, bo)
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"senderId":"ana","lat":0,"lng":0,"timestamp":1}`, string(got[0].Data))

	send(t, e.srv, ana, frame.EvSOSStopSharing, "s", frame.SOSStopPayload{})
	got = drain(t, ana)
	require.Len(t, got, 1)
	assert.Equal(t, "bad_request", decodeData[frame.ErrorPayload](t, got[0]).Code)
}

func TestRateLimitedConnection(t *testing.T) {
	st := newTestEnv(t, Deps{})
	s := NewServer(ServerConf{EventRate: 0.001, EventBurst: 2}, Deps{Store: st.store, Verifier: fakeVerifier{}})
	t.Cleanup(s.Close)
	c := s.NewConn("test")

	for i := 0; i < 3; i++ {
		s.HandleFrame(c, []byte(`{"event":"leaveRoom"}`))
	}
	got := drain(t, c)
	// two anonymous leaveRoom errors, then the limiter kicks in
	require.Len(t, got, 3)
	assert.Equal(t, "unauthenticated", decodeData[frame.ErrorPayload](t, got[1]).Code)
	assert.Equal(t, "rate_limited", decodeData[frame.ErrorPayload](t, got[2]).Code)
}
