package mgo

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	mgo "UniRide/data/database/mgo/mongoutil"
	"UniRide/logger"
	"UniRide/tools/errs"
	"UniRide/tools/safe"

	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

// Manager connects to MongoDB in the background with backoff and then
// keeps pinging it. The driver reconnects by itself, so a failing ping only
// flips Healthy; the database handle stays valid for the process lifetime.
type Manager struct {
	cfg *mgo.Config
	log *zap.Logger

	mu        sync.RWMutex
	client    *mgo.Client
	readyCh   chan struct{}
	readyOnce sync.Once
	onHealth  []func(bool)

	healthy atomic.Bool
	lastErr atomic.Pointer[error]

	healthEvery time.Duration
	failThresh  int
	done        chan struct{}
}

func NewManager(cfg *mgo.Config, log *zap.Logger) *Manager {
	return &Manager{
		cfg:         cfg,
		log:         logger.Or(log).Named("mongo"),
		readyCh:     make(chan struct{}),
		healthEvery: 10 * time.Second,
		failThresh:  3,
		done:        make(chan struct{}),
	}
}

// OnHealth calls fn with the current health, then again on every change.
func (m *Manager) OnHealth(fn func(healthy bool)) {
	m.mu.Lock()
	m.onHealth = append(m.onHealth, fn)
	m.mu.Unlock()
	fn(m.healthy.Load())
}

// StartAsync runs until ctx is done, then disconnects.
func (m *Manager) StartAsync(ctx context.Context) {
	safe.SafeGo("mongo-manager", func() {
		defer close(m.done)
		cli := m.connect(ctx)
		if cli == nil {
			return
		}
		m.watch(ctx, cli)
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cli.Close(dctx); err != nil {
			m.log.Warn("mongo disconnect", zap.Error(err))
		}
	})
}

func (m *Manager) connect(ctx context.Context) *mgo.Client {
	const (
		baseBackoff = 200 * time.Millisecond
		maxBackoff  = 5 * time.Second
	)
	attempt := 0
	for {
		cli, err := mgo.NewMongoDB(ctx, m.cfg)
		if err == nil {
			m.mu.Lock()
			m.client = cli
			m.mu.Unlock()
			m.readyOnce.Do(func() { close(m.readyCh) })
			m.setHealthy(true)
			m.log.Info("mongo connected", zap.String("database", m.cfg.Database))
			return cli
		}
		m.lastErr.Store(&err)
		m.log.Warn("mongo connect failed", zap.Int("attempt", attempt), zap.Error(err))

		backoff := baseBackoff << attempt
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		jitter := time.Duration(rand.Int63n(int64(backoff/5) + 1))
		timer := time.NewTimer(backoff - jitter/2)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if attempt < 6 {
			attempt++
		}
	}
}

func (m *Manager) watch(ctx context.Context, cli *mgo.Client) {
	t := time.NewTicker(m.healthEvery)
	defer t.Stop()
	fail := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := cli.Ping(pctx)
			cancel()
			if err != nil {
				m.lastErr.Store(&err)
				fail++
				if fail >= m.failThresh {
					m.setHealthy(false)
				}
				continue
			}
			fail = 0
			m.setHealthy(true)
		}
	}
}

func (m *Manager) setHealthy(v bool) {
	if m.healthy.Swap(v) == v {
		return
	}
	if !v {
		m.log.Warn("mongo unhealthy", zap.Error(m.Err()))
	}
	m.mu.RLock()
	fns := append([]func(bool){}, m.onHealth...)
	m.mu.RUnlock()
	for _, fn := range fns {
		fn(v)
	}
}

// Ready closes on the first successful connect.
func (m *Manager) Ready() <-chan struct{} {
	return m.readyCh
}

// Done closes after StartAsync has disconnected.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

func (m *Manager) Healthy() bool {
	return m.healthy.Load()
}

// Err returns the most recent connect or ping error.
func (m *Manager) Err() error {
	if p := m.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (m *Manager) TryGetDB() (*mongo.Database, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.client == nil {
		return nil, false
	}
	return m.client.GetDB(), true
}

// WaitReady blocks until the first connect or ctx ends.
func (m *Manager) WaitReady(ctx context.Context) (*mongo.Database, error) {
	select {
	case <-m.readyCh:
		db, _ := m.TryGetDB()
		return db, nil
	case <-ctx.Done():
		if err := m.Err(); err != nil {
			return nil, errs.WrapMsg(err, "mongo not ready")
		}
		return nil, ctx.Err()
	}
}
