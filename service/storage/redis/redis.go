package redis

import (
	"context"
	"time"

	"UniRide/tools/errs"

	"github.com/redis/go-redis/v9"
)

// Config is used to open a Redis client.
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// New opens a client and pings it once. The caller owns the client and
// closes it on shutdown.
func New(ctx context.Context, c Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
		PoolSize: c.PoolSize,
	})

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errs.WrapMsg(err, "redis ping", "addr", c.Addr)
	}
	return rdb, nil
}
