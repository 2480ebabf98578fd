package digestcache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "khqr:digest:"

// RedisIndex implements domain.DigestIndex over Redis. It is a fast path
// only; the store column stays authoritative when an entry has expired.
type RedisIndex struct {
	client *redis.Client
}

func NewRedisIndex(client *redis.Client) *RedisIndex {
	return &RedisIndex{client: client}
}

func (i *RedisIndex) Set(ctx context.Context, digest string, txID int64, ttl time.Duration) error {
	return i.client.Set(ctx, keyPrefix+digest, txID, ttl).Err()
}

func (i *RedisIndex) Lookup(ctx context.Context, digest string) (int64, bool, error) {
	val, err := i.client.Get(ctx, keyPrefix+digest).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}
