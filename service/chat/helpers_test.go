package chat

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"UniRide/module/chat/model"
	"UniRide/module/chat/store"
	"UniRide/service/chat/frame"
	"UniRide/tools/errs"
	"UniRide/tools/security"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeVerifier accepts "tok-<user>" for any user.
type fakeVerifier struct{}

func (fakeVerifier) Verify(_ context.Context, token string) (security.Identity, error) {
	if token == "" {
		return security.Identity{}, errs.ErrUnauthenticated.Wrap()
	}
	user, ok := strings.CutPrefix(token, "tok-")
	if !ok || user == "" {
		return security.Identity{}, errs.ErrTokenInvalid.Wrap()
	}
	return security.Identity{UserID: user, Name: strings.ToUpper(user)}, nil
}

type testEnv struct {
	srv   *Server
	store *store.Memory
}

func newTestEnv(t *testing.T, d Deps) *testEnv {
	t.Helper()
	st := store.NewMemory()
	if d.Store == nil {
		d.Store = st
	}
	if d.Verifier == nil {
		d.Verifier = fakeVerifier{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	s := NewServer(ServerConf{}, d)
	t.Cleanup(s.Close)
	return &testEnv{srv: s, store: st}
}

func (e *testEnv) chat(t *testing.T, id string, members ...string) {
	t.Helper()
	require.NoError(t, e.store.SaveChat(context.Background(), &model.Chat{ID: id, Members: members}))
}

// login opens a connection for user and discards the authenticated frame.
func (e *testEnv) login(t *testing.T, user string) *Conn {
	t.Helper()
	c := e.srv.NewConn("test")
	require.NoError(t, e.srv.Authenticate(context.Background(), c, "", "tok-"+user))
	drain(t, c)
	return c
}

func (e *testEnv) join(t *testing.T, c *Conn, chatID string) {
	t.Helper()
	require.NoError(t, e.srv.Rooms().Join(c, chatID))
}

// send feeds one client frame through the dispatcher.
func send(t *testing.T, s *Server, c *Conn, ev frame.Event, ref string, data any) {
	t.Helper()
	raw, err := frame.Encode(ev, ref, data)
	require.NoError(t, err)
	s.HandleFrame(c, raw)
}

// drain returns every frame currently queued on c.
func drain(t *testing.T, c *Conn) []frame.Envelope {
	t.Helper()
	var out []frame.Envelope
	for {
		select {
		case b := <-c.Send():
			var env frame.Envelope
			require.NoError(t, json.Unmarshal(b, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

// collect waits until n frames arrived on c or the timeout passes.
func collect(t *testing.T, c *Conn, n int, timeout time.Duration) []frame.Envelope {
	t.Helper()
	var out []frame.Envelope
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case b := <-c.Send():
			var env frame.Envelope
			require.NoError(t, json.Unmarshal(b, &env))
			out = append(out, env)
		case <-deadline:
			return out
		}
	}
	return out
}

func only(envs []frame.Envelope, ev frame.Event) []frame.Envelope {
	var out []frame.Envelope
	for _, e := range envs {
		if e.Event == ev {
			out = append(out, e)
		}
	}
	return out
}

func decodeData[T any](t *testing.T, env frame.Envelope) *T {
	t.Helper()
	p, err := frame.Decode[T](&env)
	require.NoError(t, err)
	return p
}
