package mediaq

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// RedisKV is the durable KeyValue backed by Redis.
type RedisKV struct {
	rdb redis.UniversalClient
}

// NewRedisKV wraps a Redis client (single node, sentinel or cluster).
func NewRedisKV(rdb redis.UniversalClient) *RedisKV {
	return &RedisKV{rdb: rdb}
}

func (kv *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := kv.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (kv *RedisKV) Set(ctx context.Context, key, value string) error {
	return kv.rdb.Set(ctx, key, value, 0).Err()
}

func (kv *RedisKV) Remove(ctx context.Context, key string) error {
	return kv.rdb.Del(ctx, key).Err()
}
