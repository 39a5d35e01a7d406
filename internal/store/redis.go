package store

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Redis is a Store backed by a go-redis client, selected at wiring time when
// a REDIS_ADDR-style endpoint is configured (mirrors the teacher's
// data/cache/cache.go NewAuto split between the in-memory and redis-backed
// Cache implementations).
type Redis struct {
	client *redis.Client
}

// NewRedis wraps an existing go-redis client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// NewRedisAddr dials a go-redis client for addr (e.g. "localhost:6379").
func NewRedisAddr(addr string) *Redis {
	return &Redis{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func (r *Redis) Get(ctx context.Context, k string) ([]byte, error) {
	v, err := r.client.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return v, err
}

func (r *Redis) GetBytes(ctx context.Context, k string) ([]byte, bool, error) {
	v, err := r.Get(ctx, k)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, k string, v []byte, ttl time.Duration) error {
	return r.client.Set(ctx, k, v, ttl).Err()
}

func (r *Redis) Del(ctx context.Context, k string) error {
	return r.client.Del(ctx, k).Err()
}

func (r *Redis) MGet(ctx context.Context, ks []string) ([][]byte, error) {
	if len(ks) == 0 {
		return nil, nil
	}
	res, err := r.client.MGet(ctx, ks...).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(res))
	for i, v := range res {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			out[i] = []byte(s)
		}
	}
	return out, nil
}

func (r *Redis) MSet(ctx context.Context, kv map[string][]byte, ttl time.Duration) error {
	pipe := r.client.Pipeline()
	for k, v := range kv {
		pipe.Set(ctx, k, v, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) Exists(ctx context.Context, k string) (bool, error) {
	n, err := r.client.Exists(ctx, k).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Redis) Scan(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
