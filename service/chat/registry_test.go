package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"UniRide/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingPresence struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPresence) UserOnline(u string)  { p.add("online:" + u) }
func (p *recordingPresence) UserOffline(u string) { p.add("offline:" + u) }
func (p *recordingPresence) Heartbeat(u string)   { p.add("beat:" + u) }

func (p *recordingPresence) add(s string) {
	p.mu.Lock()
	p.events = append(p.events, s)
	p.mu.Unlock()
}

func (p *recordingPresence) list() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

type staticNames map[string]string

func (n staticNames) DisplayName(_ context.Context, id string) (string, error) {
	return n[id], nil
}

func newRegistry(conf RegistryConf) (*SessionRegistry, *RoomIndex) {
	rooms := NewRoomIndex()
	return NewSessionRegistry(conf, fakeVerifier{}, rooms, zap.NewNop()), rooms
}

func TestRegisterBindsIdentity(t *testing.T) {
	reg, _ := newRegistry(RegistryConf{})
	reg.WithNames(staticNames{"ana": "Ana Souza"})
	c := NewConn("c1", "", 8, nil)
	reg.Add(c)

	id, err := reg.Register(context.Background(), c, "tok-ana")
	require.NoError(t, err)
	assert.Equal(t, "ana", id.UserID)
	assert.Equal(t, "ana", c.UserID())
	assert.Equal(t, "Ana Souza", c.UserName())
	assert.Equal(t, []*Conn{c}, reg.ConnectionsFor("ana"))
	assert.True(t, reg.IsOnline("ana"))
}

func TestRegisterFailureLeavesAnonymous(t *testing.T) {
	reg, _ := newRegistry(RegistryConf{})
	c := NewConn("c1", "", 8, nil)
	reg.Add(c)

	_, err := reg.Register(context.Background(), c, "garbage")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrUnauthenticated))
	assert.False(t, c.Authenticated())
	assert.False(t, c.Closed())

	got, ok := reg.Get("c1")
	assert.True(t, ok)
	assert.Same(t, c, got)
}

func TestIdentityIsImmutable(t *testing.T) {
	reg, _ := newRegistry(RegistryConf{})
	c := NewConn("c1", "", 8, nil)
	reg.Add(c)

	_, err := reg.Register(context.Background(), c, "tok-ana")
	require.NoError(t, err)
	_, err = reg.Register(context.Background(), c, "tok-ana")
	require.NoError(t, err)

	_, err = reg.Register(context.Background(), c, "tok-bo")
	assert.True(t, errors.Is(err, errs.ErrNoPermission))
	assert.Equal(t, "ana", c.UserID())
	assert.Empty(t, reg.ConnectionsFor("bo"))
	assert.Len(t, reg.ConnectionsFor("ana"), 1)
}

func TestHooksReplayedInOrderOnBind(t *testing.T) {
	reg, _ := newRegistry(RegistryConf{})
	c := NewConn("c1", "", 8, nil)
	reg.Add(c)

	var got []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		c.OnAuthenticated(func(conn *Conn) { got = append(got, name+":"+conn.UserID()) })
	}
	assert.Empty(t, got)

	_, err := reg.Register(context.Background(), c, "tok-ana")
	require.NoError(t, err)
	assert.Equal(t, []string{"a:ana", "b:ana", "c:ana"}, got)

	// after binding a hook runs immediately
	c.OnAuthenticated(func(conn *Conn) { got = append(got, "late") })
	assert.Equal(t, "late", got[3])
}

func TestUnregisterRemovesEverywhere(t *testing.T) {
	reg, rooms := newRegistry(RegistryConf{})
	c := NewConn("c1", "", 8, nil)
	reg.Add(c)
	_, err := reg.Register(context.Background(), c, "tok-ana")
	require.NoError(t, err)
	require.NoError(t, rooms.Join(c, "chat-1"))
	require.NoError(t, rooms.Join(c, "chat-2"))

	reg.Unregister(c)

	assert.Empty(t, reg.ConnectionsFor("ana"))
	assert.Empty(t, rooms.MembersOf("chat-1"))
	assert.Empty(t, rooms.MembersOf("chat-2"))
	assert.Empty(t, rooms.RoomsOf(c))
	assert.True(t, c.Closed())
	assert.False(t, c.Enqueue([]byte("x")))

	// a late join on a dead connection is ignored
	require.NoError(t, rooms.Join(c, "chat-1"))
	assert.Empty(t, rooms.MembersOf("chat-1"))

	reg.Unregister(c)
	conns, users := reg.Count()
	assert.Equal(t, 0, conns)
	assert.Equal(t, 0, users)
}

func TestPresenceFirstAndLastConnection(t *testing.T) {
	reg, _ := newRegistry(RegistryConf{})
	p := &recordingPresence{}
	reg.WithPresence(p)

	c1 := NewConn("c1", "", 8, nil)
	c2 := NewConn("c2", "", 8, nil)
	reg.Add(c1)
	reg.Add(c2)
	_, err := reg.Register(context.Background(), c1, "tok-ana")
	require.NoError(t, err)
	_, err = reg.Register(context.Background(), c2, "tok-ana")
	require.NoError(t, err)
	reg.Heartbeat(c2)

	reg.Unregister(c1)
	assert.True(t, reg.IsOnline("ana"))
	reg.Unregister(c2)
	assert.False(t, reg.IsOnline("ana"))

	assert.Equal(t, []string{"online:ana", "beat:ana", "offline:ana"}, p.list())
}

func TestMaxPerUserEvictsOldest(t *testing.T) {
	reg, _ := newRegistry(RegistryConf{MaxPerUser: 2})
	var conns []*Conn
	for i := 0; i < 3; i++ {
		c := NewConn(string(rune('a'+i)), "", 8, nil)
		c.createdAt = time.Unix(int64(100+i), 0)
		reg.Add(c)
		_, err := reg.Register(context.Background(), c, "tok-ana")
		require.NoError(t, err)
		conns = append(conns, c)
	}

	assert.True(t, conns[0].Closed())
	assert.Equal(t, []*Conn{conns[1], conns[2]}, reg.ConnectionsFor("ana"))
}

func TestSweepClosesStaleAnonymous(t *testing.T) {
	reg, _ := newRegistry(RegistryConf{UnauthTTL: time.Minute})
	anon := NewConn("anon", "", 8, nil)
	authed := NewConn("authed", "", 8, nil)
	reg.Add(anon)
	reg.Add(authed)
	_, err := reg.Register(context.Background(), authed, "tok-ana")
	require.NoError(t, err)

	assert.Equal(t, 0, reg.SweepOnce(time.Now()))
	assert.Equal(t, 1, reg.SweepOnce(time.Now().Add(2*time.Minute)))
	assert.True(t, anon.Closed())
	assert.False(t, authed.Closed())

	_, ok := reg.Get("anon")
	assert.False(t, ok)
}

func TestRegisterAfterUnregisterFails(t *testing.T) {
	reg, _ := newRegistry(RegistryConf{})
	c := NewConn("c1", "", 8, nil)
	reg.Add(c)
	reg.Unregister(c)

	_, err := reg.Register(context.Background(), c, "tok-ana")
	assert.True(t, errors.Is(err, errs.ErrUnauthenticated))
	assert.Empty(t, reg.ConnectionsFor("ana"))
}

func TestUnregisterRacingAuthenticate(t *testing.T) {
	reg, _ := newRegistry(RegistryConf{})
	p := &recordingPresence{}
	reg.WithPresence(p)

	for i := 0; i < 100; i++ {
		user := fmt.Sprintf("u%d", i)
		c := NewConn(user, "", 8, nil)
		reg.Add(c)

		// both calls queue on the held lock; whichever wins, the closed
		// connection must end up nowhere
		reg.mu.Lock()
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = reg.Register(context.Background(), c, "tok-"+user)
		}()
		time.Sleep(time.Millisecond)
		go func() {
			defer wg.Done()
			reg.Unregister(c)
		}()
		time.Sleep(time.Millisecond)
		reg.mu.Unlock()
		wg.Wait()

		require.True(t, c.Closed())
		require.Empty(t, reg.ConnectionsFor(user), user)
		require.False(t, reg.IsOnline(user), user)
	}
	conns, users := reg.Count()
	assert.Zero(t, conns)
	assert.Zero(t, users)

	// every online seen by the presence hook was followed by its offline
	online := map[string]bool{}
	for _, ev := range p.list() {
		kind, user, _ := strings.Cut(ev, ":")
		switch kind {
		case "online":
			require.False(t, online[user], ev)
			online[user] = true
		case "offline":
			require.True(t, online[user], ev)
			online[user] = false
		}
	}
	for user, on := range online {
		assert.False(t, on, user)
	}
}

func TestPresenceTransitionsStayOrderedUnderChurn(t *testing.T) {
	reg, _ := newRegistry(RegistryConf{})
	p := &recordingPresence{}
	reg.WithPresence(p)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				c := NewConn(fmt.Sprintf("w%d-%d", w, i), "", 8, nil)
				reg.Add(c)
				_, _ = reg.Register(context.Background(), c, "tok-ana")
				reg.Unregister(c)
			}
		}(w)
	}
	wg.Wait()

	events := p.list()
	require.NotEmpty(t, events)
	for i, ev := range events {
		want := "online:ana"
		if i%2 == 1 {
			want = "offline:ana"
		}
		require.Equal(t, want, ev, "event %d", i)
	}
	assert.Equal(t, "offline:ana", events[len(events)-1])
}
