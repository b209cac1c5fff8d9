package store

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// RedisKV backs the ride store with Redis so a relaunched process finds the
// session a previous process wrote. Keys are namespaced by prefix so several
// rider identities can share one instance.
type RedisKV struct {
	client *redis.Client
	prefix string
}

func NewRedisKV(addr, password, prefix string) *RedisKV {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisKV{client: c, prefix: prefix}
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *RedisKV) Set(ctx context.Context, key, value string) error {
	return r.client.Set(ctx, r.prefix+key, value, 0).Err()
}

func (r *RedisKV) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.prefix + k
	}
	return r.client.Del(ctx, full...).Err()
}

func (r *RedisKV) Close() error { return r.client.Close() }
