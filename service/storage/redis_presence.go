package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"UniRide/logger"
	"UniRide/tools/errs"
	"UniRide/tools/safe"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// presence key: rt:presence:<user>
// Value: node id. The TTL bounds how long a crashed node keeps users online.
func presenceKey(user string) string { return "rt:presence:" + user }

// Only the node that owns the key may delete it; another node may have
// taken the user over in the meantime.
// KEYS[1] = presence key, ARGV[1] = node id
var offlineScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

type presenceKind int

const (
	presenceOnline presenceKind = iota
	presenceOffline
	presenceRefresh
)

type presenceOp struct {
	kind presenceKind
	user string
}

// PresenceMirror copies this node's online users into Redis so other
// services can see who is reachable. Updates are queued and applied by one
// worker, so the connection path never waits on Redis.
type PresenceMirror struct {
	rdb    *redis.Client
	nodeID string
	ttl    time.Duration
	ops    chan presenceOp
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	log    *zap.Logger
}

func NewPresenceMirror(rdb *redis.Client, nodeID string, ttl time.Duration, log *zap.Logger) *PresenceMirror {
	safe.MustNotNil(rdb, "redis client")
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	m := &PresenceMirror{
		rdb:    rdb,
		nodeID: nodeID,
		ttl:    ttl,
		ops:    make(chan presenceOp, 4096),
		stop:   make(chan struct{}),
		log:    logger.Or(log).Named("presence"),
	}
	m.wg.Add(1)
	safe.SafeGo("presence-mirror", func() {
		defer m.wg.Done()
		m.loop()
	})
	return m
}

func (m *PresenceMirror) UserOnline(user string)  { m.enqueue(presenceOp{presenceOnline, user}) }
func (m *PresenceMirror) UserOffline(user string) { m.enqueue(presenceOp{presenceOffline, user}) }
func (m *PresenceMirror) Heartbeat(user string)   { m.enqueue(presenceOp{presenceRefresh, user}) }

func (m *PresenceMirror) enqueue(op presenceOp) {
	select {
	case m.ops <- op:
	default:
		m.log.Warn("presence queue full, update dropped", zap.String("user", op.user))
	}
}

func (m *PresenceMirror) loop() {
	for {
		select {
		case op := <-m.ops:
			m.apply(op)
		case <-m.stop:
			// flush what is queued so offline marks are not lost on shutdown
			for {
				select {
				case op := <-m.ops:
					m.apply(op)
				default:
					return
				}
			}
		}
	}
}

func (m *PresenceMirror) apply(op presenceOp) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var err error
	switch op.kind {
	case presenceOnline, presenceRefresh:
		err = m.rdb.Set(ctx, presenceKey(op.user), m.nodeID, m.ttl).Err()
	case presenceOffline:
		err = offlineScript.Run(ctx, m.rdb, []string{presenceKey(op.user)}, m.nodeID).Err()
	}
	if err != nil {
		m.log.Warn("presence update failed", zap.String("user", op.user), zap.Int("op", int(op.kind)), zap.Error(err))
	}
}

// Lookup reports which node holds user, if any.
func (m *PresenceMirror) Lookup(ctx context.Context, user string) (nodeID string, online bool, err error) {
	val, err := m.rdb.Get(ctx, presenceKey(user)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.WrapMsg(err, "presence lookup", "user", user)
	}
	return val, true, nil
}

// Close applies the queued updates and stops the worker.
func (m *PresenceMirror) Close() {
	m.once.Do(func() { close(m.stop) })
	m.wg.Wait()
}
