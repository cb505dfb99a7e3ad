//go:build !no_redis

package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yeisme/indexsync/pkg/configs"
)

// 仅当 value 中的 token 与调用方一致时删除.
var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then return 0 end
if string.find(v, ARGV[1], 1, true) then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker 基于 Redis SET NX PX 的建议锁.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLocker 创建 Redis 建议锁.
func NewRedisLocker(ctx context.Context, cfg configs.KVConfig) (Locker, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeout,
	})

	// 测试连接
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisLockerFromClient(rdb, cfg.KeyPrefix), nil
}

// NewRedisLockerFromClient 使用已有连接创建建议锁.
func NewRedisLockerFromClient(client redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

func (r *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	v := newLockValue(time.Now().UTC(), ttl)

	b, err := encodeLockValue(v)
	if err != nil {
		return nil, err
	}

	ok, err := r.client.SetNX(ctx, r.prefix+key, b, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	if !ok {
		return nil, ErrLocked
	}

	return &Lease{Key: key, Token: v.Token}, nil
}

func (r *RedisLocker) Release(ctx context.Context, lease *Lease) error {
	n, err := releaseScript.Run(ctx, r.client, []string{r.prefix + lease.Key}, lease.Token).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	if n == 0 {
		return ErrNotHeld
	}

	return nil
}

func (r *RedisLocker) Holders(ctx context.Context) ([]Holder, error) {
	var out []Holder

	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()

		b, err := r.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}

		if err != nil {
			return nil, fmt.Errorf("failed to get key: %w", err)
		}

		v, err := decodeLockValue(b)
		if err != nil {
			return nil, err
		}

		out = append(out, Holder{Key: key, lockValue: v})
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })

	return out, nil
}

// Close 关闭 Redis 连接.
func (r *RedisLocker) Close() error {
	return r.client.Close()
}

func init() {
	RegisterFactory(configs.KVTypeRedis, NewRedisLocker)
}
