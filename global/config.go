// Package global connects the process to its backends. Every backend is
// optional: an empty address leaves it unwired and the gateway runs on the
// in-process equivalents.
package global

import (
	"context"
	"time"

	"UniRide/data/database/mgo/mongoutil"
	"UniRide/global/config"
	"UniRide/logger"
	"UniRide/module/chat/store"
	ka "UniRide/service/kafka"
	mgoSrv "UniRide/service/mgo"
	"UniRide/service/natsx"
	rds "UniRide/service/storage/redis"
	"UniRide/tools/ids"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

const mongoBootWait = 15 * time.Second

// Backends is what ConfigAll connected. Nil fields were not configured or
// could not be reached.
type Backends struct {
	Store   store.Store
	Mongo   *mgoSrv.Manager
	MongoDB *mongo.Database
	Redis   *redis.Client
	Nats    *natsx.NatsxClient
	Kafka   *ka.MessagePublisher

	stopMongo context.CancelFunc
}

func ConfigIds(cfg *config.AppConfig) error {
	return ids.SetNodeID(cfg.NodeID)
}

// ConfigMgo starts the mongo manager and waits for the first connect. A
// configured but unreachable database is fatal: messages must be durable.
func ConfigMgo(ctx context.Context, cfg *config.AppConfig) (*mgoSrv.Manager, *mongo.Database, context.CancelFunc, error) {
	m := mgoSrv.NewManager(&mongoutil.Config{
		Uri:         cfg.Mongo.Uri,
		Database:    cfg.Mongo.Database,
		Username:    cfg.Mongo.Username,
		Password:    cfg.Mongo.Password,
		AuthSource:  cfg.Mongo.AuthSource,
		MaxPoolSize: cfg.Mongo.MaxPoolSize,
		MaxRetry:    cfg.Mongo.MaxRetry,
	}, logger.Named("mongo"))
	runCtx, stop := context.WithCancel(context.Background())
	m.StartAsync(runCtx)

	wctx, cancel := context.WithTimeout(ctx, mongoBootWait)
	defer cancel()
	db, err := m.WaitReady(wctx)
	if err != nil {
		stop()
		return nil, nil, nil, err
	}
	return m, db, stop, nil
}

func ConfigRedis(ctx context.Context, cfg *config.AppConfig) (*redis.Client, error) {
	return rds.New(ctx, rds.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
}

func ConfigNats(cfg *config.AppConfig) (*natsx.NatsxClient, error) {
	return natsx.NewNatsxClient(natsx.NatsxConfig{
		Servers:  cfg.NATS.Servers,
		Name:     cfg.NATS.Name,
		User:     cfg.NATS.User,
		Password: cfg.NATS.Password,
	})
}

func ConfigKafka(cfg *config.AppConfig) (*ka.MessagePublisher, error) {
	return ka.Dial(ka.Config{
		Brokers:           cfg.Kafka.Brokers,
		Topic:             cfg.Kafka.MessageTopic,
		Version:           cfg.Kafka.Version,
		Compression:       cfg.Kafka.Compression,
		Retries:           cfg.Kafka.Retries,
		Partitions:        cfg.Kafka.Partitions,
		ReplicationFactor: cfg.Kafka.ReplicationFactor,
		EnsureTopic:       cfg.Kafka.EnsureTopic,
	}, logger.Named("kafka"))
}

// ConfigAll wires every configured backend. Only Mongo failures are
// returned; the other backends are side channels and are skipped with a
// warning when unreachable.
func ConfigAll(ctx context.Context, cfg *config.AppConfig) (*Backends, error) {
	log := logger.Log
	if err := ConfigIds(cfg); err != nil {
		return nil, err
	}

	b := &Backends{}
	if cfg.Mongo.Uri != "" {
		m, db, stop, err := ConfigMgo(ctx, cfg)
		if err != nil {
			return nil, err
		}
		st := store.NewMongo(db)
		if err := st.EnsureIndexes(ctx); err != nil {
			log.Warn("mongo indexes", zap.Error(err))
		}
		b.Mongo, b.MongoDB, b.stopMongo, b.Store = m, db, stop, st
	} else {
		log.Warn("mongo not configured, using the in-memory store")
		b.Store = store.NewMemory()
	}

	if cfg.Redis.Addr != "" {
		rdb, err := ConfigRedis(ctx, cfg)
		if err != nil {
			log.Warn("redis unavailable, presence mirror and name cache disabled", zap.Error(err))
		} else {
			b.Redis = rdb
		}
	}

	if len(cfg.NATS.Servers) > 0 {
		nc, err := ConfigNats(cfg)
		if err != nil {
			log.Warn("nats unavailable, notification ingress disabled", zap.Error(err))
		} else {
			b.Nats = nc
		}
	}

	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := ConfigKafka(cfg)
		if err != nil {
			log.Warn("kafka unavailable, message stream disabled", zap.Error(err))
		} else {
			b.Kafka = kp
		}
	}
	return b, nil
}

// Close releases the backends in reverse order of ConfigAll.
func (b *Backends) Close(ctx context.Context) error {
	log := logger.Log
	if b.Kafka != nil {
		if err := b.Kafka.Close(); err != nil {
			log.Warn("kafka close", zap.Error(err))
		}
	}
	if b.Nats != nil {
		if err := b.Nats.Close(); err != nil {
			log.Warn("nats close", zap.Error(err))
		}
	}
	if b.Redis != nil {
		if err := b.Redis.Close(); err != nil {
			log.Warn("redis close", zap.Error(err))
		}
	}
	if b.stopMongo != nil {
		b.stopMongo()
		select {
		case <-b.Mongo.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
