package user

import (
	"context"
	"errors"
	"time"

	usermodel "UniRide/module/user/model"
	"UniRide/tools/errs"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/singleflight"
)

// NameSource resolves a user id to a display name.
type NameSource interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// MongoProfiles reads display names from the users collection.
type MongoProfiles struct {
	coll *mongo.Collection
}

func NewMongoProfiles(db *mongo.Database) *MongoProfiles {
	return &MongoProfiles{coll: db.Collection((&usermodel.Profile{}).GetTableName())}
}

func (p *MongoProfiles) DisplayName(ctx context.Context, userID string) (string, error) {
	var u usermodel.Profile
	err := p.coll.FindOne(ctx, bson.M{"_id": userID},
		options.FindOne().SetProjection(bson.M{"nickname": 1})).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", errs.ErrRecordNotFound.WrapMsg("user", "id", userID)
	}
	if err != nil {
		return "", errs.WrapMsg(err, "load profile", "user", userID)
	}
	return u.Nickname, nil
}

// Directory puts a Redis read-through cache in front of a NameSource and
// collapses concurrent lookups for the same user into one.
type Directory struct {
	rdb *redis.Client // nil disables the cache
	src NameSource
	ttl time.Duration
	sf  singleflight.Group
}

func NewDirectory(rdb *redis.Client, src NameSource, ttl time.Duration) *Directory {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Directory{rdb: rdb, src: src, ttl: ttl}
}

func nameKey(userID string) string { return "rt:user:name:" + userID }

// DisplayName returns the cached name, falling back to the source. Unknown
// users resolve to an empty string without error so callers can substitute
// the id.
func (d *Directory) DisplayName(ctx context.Context, userID string) (string, error) {
	if d.rdb != nil {
		name, err := d.rdb.Get(ctx, nameKey(userID)).Result()
		if err == nil {
			return name, nil
		}
		if !errors.Is(err, redis.Nil) {
			return "", errs.WrapMsg(err, "redis get name", "user", userID)
		}
	}
	if d.src == nil {
		return "", nil
	}

	v, err, _ := d.sf.Do(userID, func() (any, error) {
		name, err := d.src.DisplayName(ctx, userID)
		if errors.Is(err, errs.ErrRecordNotFound) {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		if d.rdb != nil && name != "" {
			_ = d.rdb.Set(ctx, nameKey(userID), name, d.ttl).Err()
		}
		return name, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Forget drops a cached name, e.g. after a profile update event.
func (d *Directory) Forget(ctx context.Context, userID string) error {
	if d.rdb == nil {
		return nil
	}
	return d.rdb.Del(ctx, nameKey(userID)).Err()
}
