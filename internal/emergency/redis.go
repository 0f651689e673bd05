package emergency

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const redisPrefix = "dgmonitor:"

// RedisTTL is the TTLStore shared by all replicas. Expiry is Redis key TTL.
type RedisTTL struct {
	rdb *redis.Client
}

func NewRedisTTL(rdb *redis.Client) *RedisTTL { return &RedisTTL{rdb: rdb} }

func (r *RedisTTL) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, redisPrefix+key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

func (r *RedisTTL) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return r.Del(ctx, key)
	}
	if err := r.rdb.Set(ctx, redisPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisTTL) Get(ctx context.Context, key string) ([]byte, time.Duration, error) {
	pipe := r.rdb.Pipeline()
	get := pipe.Get(ctx, redisPrefix+key)
	pttl := pipe.PTTL(ctx, redisPrefix+key)
	_, err := pipe.Exec(ctx)
	if errors.Is(err, redis.Nil) {
		return nil, 0, ErrMissing
	}
	if err != nil {
		return nil, 0, fmt.Errorf("redis get %s: %w", key, err)
	}
	b, err := get.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, 0, ErrMissing
	}
	if err != nil {
		return nil, 0, err
	}
	d := pttl.Val()
	if d < 0 {
		// -1 no expiry, -2 gone between commands
		if d == -2 {
			return nil, 0, ErrMissing
		}
		d = 0
	}
	return b, d, nil
}

func (r *RedisTTL) Del(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, redisPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}
