package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"UniRide/module/chat/model"
	"UniRide/module/chat/store"
	"UniRide/service/chat/frame"
	"UniRide/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingStore refuses every message write.
type failingStore struct {
	*store.Memory
}

func (failingStore) CreateMessage(context.Context, *model.Message) error {
	return errors.New("connection reset by peer")
}

type capturedEvents struct {
	mu   sync.Mutex
	msgs []*model.Message
}

func (c *capturedEvents) Publish(m *model.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
}

func TestSendFansOutToOtherRoomMembers(t *testing.T) {
	e := newTestEnv(t, Deps{})
	users := []string{"ana", "bo", "cy", "di"}
	e.chat(t, "ride-1", users...)

	conns := map[string]*Conn{}
	for _, u := range users {
		c := e.login(t, u)
		e.join(t, c, "ride-1")
		conns[u] = c
	}

	send(t, e.srv, conns["ana"], frame.EvSendMessage, "ref-1", frame.SendMessagePayload{ChatID: "ride-1", Text: "leaving in 5"})

	delivered := 0
	for _, u := range users[1:] {
		got := only(drain(t, conns[u]), frame.EvNewMessage)
		require.Len(t, got, 1, u)
		p := decodeData[frame.NewMessagePayload](t, got[0])
		assert.Equal(t, "ride-1", p.ChatID)
		assert.Equal(t, "leaving in 5", p.Message.Text)
		assert.Equal(t, "ana", p.Message.SenderID)
		delivered++
	}
	assert.Equal(t, len(users)-1, delivered)

	own := drain(t, conns["ana"])
	assert.Empty(t, only(own, frame.EvNewMessage))
	acks := only(own, frame.EvMessageAck)
	require.Len(t, acks, 1)
	assert.Equal(t, "ref-1", acks[0].Ref)
	ack := decodeData[frame.MessageAckPayload](t, acks[0])
	assert.True(t, ack.OK)
	require.NotNil(t, ack.Message)
	assert.Equal(t, "ref-1", ack.Message.ClientRef)
	assert.NotEmpty(t, ack.Message.ID)
}

func TestUnreadGrowsForMembersOutsideRoom(t *testing.T) {
	e := newTestEnv(t, Deps{})
	e.chat(t, "dm-1", "ana", "bo")
	ana := e.login(t, "ana")
	e.join(t, ana, "dm-1")
	bo := e.login(t, "bo") // online but chat not open

	const k = 3
	for i := 0; i < k; i++ {
		send(t, e.srv, ana, frame.EvSendMessage, fmt.Sprint(i), frame.SendMessagePayload{ChatID: "dm-1", Text: fmt.Sprint("msg ", i)})
	}

	chat, err := e.store.GetChat(context.Background(), "dm-1")
	require.NoError(t, err)
	assert.Equal(t, int64(k), chat.UnreadFor("bo"))
	assert.Equal(t, int64(0), chat.UnreadFor("ana"))
	require.NotNil(t, chat.LastMessage)
	assert.Equal(t, "msg 2", chat.LastMessage.Text)

	// bo still hears about each message on the connection it has
	assert.Len(t, only(drain(t, bo), frame.EvNewMessage), k)

	require.NoError(t, e.srv.Receipts().ClearUnread(context.Background(), "bo", "dm-1"))
	chat, err = e.store.GetChat(context.Background(), "dm-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), chat.UnreadFor("bo"))
}

func TestSendPersistenceFailureDoesNotBroadcast(t *testing.T) {
	mem := store.NewMemory()
	e := newTestEnv(t, Deps{Store: failingStore{mem}})
	require.NoError(t, mem.SaveChat(context.Background(), &model.Chat{ID: "ride-1", Members: []string{"ana", "bo"}}))
	ana := e.login(t, "ana")
	bo := e.login(t, "bo")
	e.join(t, ana, "ride-1")
	e.join(t, bo, "ride-1")

	send(t, e.srv, ana, frame.EvSendMessage, "r1", frame.SendMessagePayload{ChatID: "ride-1", Text: "hello"})

	assert.Empty(t, drain(t, bo))
	own := drain(t, ana)
	require.Len(t, own, 1)
	assert.Equal(t, frame.EvMessageAck, own[0].Event)
	ack := decodeData[frame.MessageAckPayload](t, own[0])
	assert.False(t, ack.OK)
	assert.Nil(t, ack.Message)
	require.NotNil(t, ack.Error)
	assert.Equal(t, errs.PersistenceError, ack.Error.Code)

	chat, err := mem.GetChat(context.Background(), "ride-1")
	require.NoError(t, err)
	assert.Nil(t, chat.LastMessage)
	assert.Equal(t, int64(0), chat.UnreadFor("bo"))
}

func TestSendRejectsAnonymousAndStrangers(t *testing.T) {
	e := newTestEnv(t, Deps{})
	e.chat(t, "ride-1", "ana", "bo")

	anon := e.srv.NewConn("test")
	_, err := e.srv.Pipeline().Send(context.Background(), anon, SendRequest{ChatID: "ride-1", Text: "hi", Ref: "x"})
	assert.True(t, errors.Is(err, errs.ErrUnauthenticated))
	acks := only(drain(t, anon), frame.EvMessageAck)
	require.Len(t, acks, 1)
	assert.False(t, decodeData[frame.MessageAckPayload](t, acks[0]).OK)

	eve := e.login(t, "eve")
	_, err = e.srv.Pipeline().Send(context.Background(), eve, SendRequest{ChatID: "ride-1", Text: "hi"})
	assert.True(t, errors.Is(err, errs.ErrNoPermission))

	ana := e.login(t, "ana")
	_, err = e.srv.Pipeline().Send(context.Background(), ana, SendRequest{ChatID: "ride-1", Text: "   "})
	assert.True(t, errors.Is(err, errs.ErrArgs))
	_, err = e.srv.Pipeline().Send(context.Background(), ana, SendRequest{ChatID: "nope", Text: "hi"})
	assert.True(t, errors.Is(err, errs.ErrRecordNotFound))
}

func TestSendAsReachesAllSenderDevices(t *testing.T) {
	events := &capturedEvents{}
	e := newTestEnv(t, Deps{Events: events})
	e.chat(t, "ride-1", "ana", "bo")
	phone := e.login(t, "ana")
	laptop := e.login(t, "ana")
	bo := e.login(t, "bo")
	e.join(t, bo, "ride-1")

	m, err := e.srv.Pipeline().SendAs(context.Background(), "ana", "Ana", SendRequest{ChatID: "ride-1", Image: "https://img/1.png"})
	require.NoError(t, err)
	assert.Equal(t, "Ana", m.SenderName)

	assert.Len(t, only(drain(t, phone), frame.EvNewMessage), 1)
	assert.Len(t, only(drain(t, laptop), frame.EvNewMessage), 1)
	assert.Len(t, only(drain(t, bo), frame.EvNewMessage), 1)
	require.Len(t, events.msgs, 1)
	assert.Equal(t, m.ID, events.msgs[0].ID)
}

func TestPerChatOrderWithShardedFanout(t *testing.T) {
	e := newTestEnv(t, Deps{FanoutWorkers: 4, FanoutQueue: 16})
	e.chat(t, "ride-1", "ana", "bo", "cy")
	ana := e.login(t, "ana")
	bo := e.login(t, "bo")
	cy := e.login(t, "cy")
	for _, c := range []*Conn{ana, bo, cy} {
		e.join(t, c, "ride-1")
	}

	const per = 20
	var wg sync.WaitGroup
	for _, sender := range []*Conn{ana, bo} {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				_, err := e.srv.Pipeline().Send(context.Background(), c, SendRequest{ChatID: "ride-1", Text: fmt.Sprintf("%s-%02d", c.UserID(), i)})
				assert.NoError(t, err)
			}
		}(sender)
	}
	wg.Wait()

	got := collect(t, cy, 2*per, 2*time.Second)
	require.Len(t, got, 2*per)

	next := map[string]int{}
	for _, env := range got {
		require.Equal(t, frame.EvNewMessage, env.Event)
		m := decodeData[frame.NewMessagePayload](t, env).Message
		assert.Equal(t, fmt.Sprintf("%s-%02d", m.SenderID, next[m.SenderID]), m.Text)
		next[m.SenderID]++
	}

	// every observer sees the same interleaving the store saw
	page, err := e.store.ListMessages(context.Background(), "ride-1", time.Time{}, 100)
	require.NoError(t, err)
	require.Len(t, page, 2*per)
	for i, env := range got {
		m := decodeData[frame.NewMessagePayload](t, env).Message
		assert.Equal(t, page[len(page)-1-i].ID, m.ID)
	}
}

func TestKeyLockReleasesEntries(t *testing.T) {
	k := newKeyLock()
	unlock := k.Lock("a")
	done := make(chan struct{})
	go func() {
		u := k.Lock("a")
		u()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("second lock acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-done
	assert.Equal(t, 0, k.size())
}
