package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"UniRide/logger"
	"UniRide/tools/errs"
	"UniRide/tools/safe"
	"UniRide/tools/security"

	"go.uber.org/zap"
)

// TokenVerifier resolves a bearer token to an identity.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (security.Identity, error)
}

// NameResolver looks up the display name shown in typing indicators.
type NameResolver interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// PresenceHook observes users going on- and offline on this node. Calls are
// made under the registry lock, in transition order, so they must not block
// or call back into the registry.
type PresenceHook interface {
	UserOnline(userID string)
	UserOffline(userID string)
	Heartbeat(userID string)
}

type MultiPresence []PresenceHook

func (m MultiPresence) UserOnline(userID string) {
	for _, h := range m {
		h.UserOnline(userID)
	}
}

func (m MultiPresence) UserOffline(userID string) {
	for _, h := range m {
		h.UserOffline(userID)
	}
}

func (m MultiPresence) Heartbeat(userID string) {
	for _, h := range m {
		h.Heartbeat(userID)
	}
}

type RegistryConf struct {
	UnauthTTL  time.Duration // anonymous connections older than this are closed; 0 disables
	SweepEvery time.Duration
	MaxPerUser int              // <=0: unlimited; otherwise the oldest connection is evicted
	Clock      func() time.Time // injectable for tests
}

func (c *RegistryConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Second
	}
}

// SessionRegistry maps identities to live connections. A user is online on
// this node while they own at least one registered connection.
type SessionRegistry struct {
	mu     sync.RWMutex
	byID   map[string]*Conn
	byUser map[string]map[string]*Conn

	conf     RegistryConf
	verifier TokenVerifier
	names    NameResolver
	presence PresenceHook
	rooms    *RoomIndex
	log      *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
}

func NewSessionRegistry(conf RegistryConf, verifier TokenVerifier, rooms *RoomIndex, log *zap.Logger) *SessionRegistry {
	safe.MustNotNil(verifier, "verifier")
	safe.MustNotNil(rooms, "rooms")
	conf.norm()
	return &SessionRegistry{
		byID:     make(map[string]*Conn),
		byUser:   make(map[string]map[string]*Conn),
		conf:     conf,
		verifier: verifier,
		rooms:    rooms,
		log:      logger.Or(log).Named("registry"),
		stopCh:   make(chan struct{}),
	}
}

// WithNames and WithPresence are wiring-time setters; call them before the
// registry serves connections.
func (r *SessionRegistry) WithNames(n NameResolver) *SessionRegistry {
	r.names = n
	return r
}

func (r *SessionRegistry) WithPresence(p PresenceHook) *SessionRegistry {
	r.presence = p
	return r
}

// Add records a freshly opened, anonymous connection.
func (r *SessionRegistry) Add(c *Conn) {
	r.mu.Lock()
	r.byID[c.ID()] = c
	r.mu.Unlock()
}

// Register verifies token and binds the identity to c. On failure c stays
// registered but anonymous, and the error tells the caller what to report.
func (r *SessionRegistry) Register(ctx context.Context, c *Conn, token string) (security.Identity, error) {
	id, err := r.verifier.Verify(ctx, token)
	if err != nil {
		r.log.Info("token rejected", zap.String("conn", c.ID()), zap.Error(err))
		return security.Identity{}, err
	}

	name := id.Name
	if r.names != nil {
		if n, err := r.names.DisplayName(ctx, id.UserID); err != nil {
			r.log.Warn("display name lookup failed", zap.String("user", id.UserID), zap.Error(err))
		} else if n != "" {
			name = n
		}
	}
	if name == "" {
		name = id.UserID
	}

	var (
		evicted []*Conn
		hooks   []func(*Conn)
	)
	r.mu.Lock()
	if _, ok := r.byID[c.ID()]; !ok {
		r.mu.Unlock()
		return security.Identity{}, errs.ErrUnauthenticated.WrapMsg("connection is gone", "conn", c.ID())
	}
	hooks, fresh, err := c.bind(id.UserID, name)
	if err != nil {
		r.mu.Unlock()
		return security.Identity{}, err
	}
	if fresh {
		if r.conf.MaxPerUser > 0 {
			evicted = r.makeRoomLocked(id.UserID)
		}
		mm := r.byUser[id.UserID]
		if mm == nil {
			mm = make(map[string]*Conn)
			r.byUser[id.UserID] = mm
		}
		first := len(mm) == 0
		mm[c.ID()] = c
		if first && r.presence != nil {
			r.presence.UserOnline(id.UserID)
		}
	}
	r.mu.Unlock()

	for _, old := range evicted {
		r.log.Info("evict oldest connection", zap.String("user", id.UserID), zap.String("conn", old.ID()))
		r.Unregister(old)
	}
	c.runHooks(hooks)
	return id, nil
}

// makeRoomLocked drops the oldest connections of user until one more fits.
func (r *SessionRegistry) makeRoomLocked(user string) []*Conn {
	mm := r.byUser[user]
	if len(mm) < r.conf.MaxPerUser {
		return nil
	}
	conns := make([]*Conn, 0, len(mm))
	for _, c := range mm {
		conns = append(conns, c)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].CreatedAt().Before(conns[j].CreatedAt()) })
	return conns[:len(mm)-r.conf.MaxPerUser+1]
}

// ConnectionsFor returns a snapshot of userID's connections, oldest first.
func (r *SessionRegistry) ConnectionsFor(userID string) []*Conn {
	r.mu.RLock()
	mm := r.byUser[userID]
	out := make([]*Conn, 0, len(mm))
	for _, c := range mm {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt().Before(out[j].CreatedAt()) })
	return out
}

func (r *SessionRegistry) Get(connID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[connID]
	return c, ok
}

func (r *SessionRegistry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Count returns the number of connections and of distinct online users.
func (r *SessionRegistry) Count() (conns, users int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID), len(r.byUser)
}

// Unregister closes c and removes it from the registry and from every room.
// It is safe to call more than once.
func (r *SessionRegistry) Unregister(c *Conn) {
	r.mu.Lock()
	if _, ok := r.byID[c.ID()]; !ok {
		r.mu.Unlock()
		c.Close()
		r.rooms.LeaveAll(c)
		return
	}
	delete(r.byID, c.ID())
	// read under r.mu: bind also runs under it, so the identity cannot
	// change between here and the byUser cleanup
	user := c.UserID()
	if mm := r.byUser[user]; user != "" && mm != nil {
		delete(mm, c.ID())
		if len(mm) == 0 {
			delete(r.byUser, user)
			if r.presence != nil {
				r.presence.UserOffline(user)
			}
		}
	}
	r.mu.Unlock()

	// closed first so a racing Join cannot re-add the connection
	c.Close()
	r.rooms.LeaveAll(c)
}

// Heartbeat is called on every pong.
func (r *SessionRegistry) Heartbeat(c *Conn) {
	if r.presence == nil {
		return
	}
	if user := c.UserID(); user != "" {
		r.presence.Heartbeat(user)
	}
}

// Start launches the anonymous-connection sweeper when UnauthTTL is set.
func (r *SessionRegistry) Start() {
	if r.conf.UnauthTTL <= 0 {
		return
	}
	r.startOnce.Do(func() {
		safe.SafeGo("registry-sweeper", r.sweeper)
	})
}

func (r *SessionRegistry) sweeper() {
	t := time.NewTicker(r.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-t.C:
			r.SweepOnce(r.conf.Clock())
		}
	}
}

// SweepOnce closes anonymous connections opened more than UnauthTTL before
// now and returns how many were closed.
func (r *SessionRegistry) SweepOnce(now time.Time) int {
	if r.conf.UnauthTTL <= 0 {
		return 0
	}
	var expired []*Conn
	r.mu.RLock()
	for _, c := range r.byID {
		if !c.Authenticated() && now.Sub(c.CreatedAt()) > r.conf.UnauthTTL {
			expired = append(expired, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range expired {
		r.log.Debug("sweep anonymous connection", zap.String("conn", c.ID()))
		r.Unregister(c)
	}
	return len(expired)
}

// Close stops the sweeper and closes every connection.
func (r *SessionRegistry) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })

	r.mu.RLock()
	all := make([]*Conn, 0, len(r.byID))
	for _, c := range r.byID {
		all = append(all, c)
	}
	r.mu.RUnlock()
	for _, c := range all {
		r.Unregister(c)
	}
}
