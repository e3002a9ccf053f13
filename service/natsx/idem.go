package natsx

import (
	"context"
	"strings"
	"sync"
	"time"
)

const HeaderMsgID = "Nats-Msg-Id"

type IdemStore interface {
	SeenOnce(key string, ttl time.Duration) (seen bool, err error)
}

// MemIdem is a single-process IdemStore. Expired keys are swept once a
// minute until Close.
type MemIdem struct {
	mu   sync.Mutex
	m    map[string]time.Time // key -> expiry
	ttl  time.Duration
	now  func() time.Time
	stop chan struct{}
	once sync.Once
}

func NewMemIdem(defaultTTL time.Duration) *MemIdem {
	if defaultTTL <= 0 {
		defaultTTL = 10 * time.Minute
	}
	mi := &MemIdem{m: make(map[string]time.Time), ttl: defaultTTL, now: time.Now, stop: make(chan struct{})}
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				mi.sweep()
			case <-mi.stop:
				return
			}
		}
	}()
	return mi
}

func (mi *MemIdem) SeenOnce(key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = mi.ttl
	}
	now := mi.now()
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if exp, ok := mi.m[key]; ok && exp.After(now) {
		return true, nil
	}
	mi.m[key] = now.Add(ttl)
	return false, nil
}

func (mi *MemIdem) sweep() int {
	now := mi.now()
	mi.mu.Lock()
	defer mi.mu.Unlock()
	n := 0
	for k, exp := range mi.m {
		if !exp.After(now) {
			delete(mi.m, k)
			n++
		}
	}
	return n
}

func (mi *MemIdem) Close() {
	mi.once.Do(func() { close(mi.stop) })
}

func msgIDFromHeader(h map[string]string) string {
	for _, k := range []string{HeaderMsgID, "nats-msg-id", "X-Msg-Id", "x-msg-id"} {
		if v, ok := h[k]; ok && v != "" {
			return v
		}
	}
	return ""
}

// NatsxIdemMiddleware skips messages whose id was already handled within
// ttl. Without a header id the subject plus body stands in for one.
func NatsxIdemMiddleware(store IdemStore, ttl time.Duration) NatsxMiddleware {
	return func(next NatsxHandler) NatsxHandler {
		return func(ctx context.Context, msg NatsxMessage) error {
			id := msgIDFromHeader(msg.Header)
			if id == "" {
				id = msg.Subject + "|" + strings.TrimSpace(string(msg.Data))
			}
			seen, err := store.SeenOnce(id, ttl)
			if err != nil {
				return err
			}
			if seen {
				return nil
			}
			return next(ctx, msg)
		}
	}
}
