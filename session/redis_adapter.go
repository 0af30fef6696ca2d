package session

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// goRedisAdapter narrows *redis.Client down to the redisClient surface
// RedisStore needs, so the rest of the package never imports
// go-redis directly outside this one adapter.
type goRedisAdapter struct {
	rdb *redis.Client
}

// NewGoRedisClient wraps rdb as a redisClient for RedisStore.
func NewGoRedisClient(rdb *redis.Client) redisClient {
	return &goRedisAdapter{rdb: rdb}
}

func (a *goRedisAdapter) Get(ctx context.Context, key string) (string, error) {
	return a.rdb.Get(ctx, key).Result()
}

func (a *goRedisAdapter) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return a.rdb.Set(ctx, key, value, ttl).Err()
}

func (a *goRedisAdapter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return a.rdb.Expire(ctx, key, ttl).Err()
}
