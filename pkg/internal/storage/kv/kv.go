// Package kv 提供按路径加锁的建议锁实现.
//
// 建议锁只用于减少并发 worker 之间无谓的 OCC 重试，正确性始终由版本号保证.
package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/yeisme/indexsync/pkg/configs"
)

var (
	// ErrLocked 锁已被其他持有者占用.
	ErrLocked = errors.New("kv: lock held by another owner")
	// ErrNotHeld 释放时锁已过期或已被他人持有.
	ErrNotHeld = errors.New("kv: lock not held")
)

// Locker 定义建议锁接口.
type Locker interface {
	// TryLock 尝试在 ttl 内独占 key，已被占用时返回 ErrLocked.
	TryLock(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
	// Release 释放租约，仅当 token 仍匹配时生效.
	Release(ctx context.Context, lease *Lease) error
	// Holders 返回当前持有的锁（用于调试）.
	Holders(ctx context.Context) ([]Holder, error)
	// Close 关闭存储连接.
	Close() error
}

// Lease 一次成功加锁得到的租约.
type Lease struct {
	Key   string
	Token string
}

// Holder 锁持有者信息.
type Holder struct {
	Key string
	lockValue
}

// Factory 定义创建 Locker 的工厂函数类型.
type Factory func(ctx context.Context, cfg configs.KVConfig) (Locker, error)

// factories 存储 KV 类型到工厂的映射.
var factories = make(map[configs.KVType]Factory)

// RegisterFactory 注册 KV 工厂函数.
func RegisterFactory(kvType configs.KVType, factory Factory) {
	factories[kvType] = factory
}

// GetRegisteredKVTypes 返回已注册的 KV 类型列表.
func GetRegisteredKVTypes() []configs.KVType {
	types := make([]configs.KVType, 0, len(factories))
	for kvType := range factories {
		types = append(types, kvType)
	}

	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	return types
}

// New 根据配置创建 Locker 实例.
func New(ctx context.Context, cfg configs.KVConfig) (Locker, error) {
	factory, exists := factories[cfg.GetKVType()]
	if !exists {
		return nil, fmt.Errorf("unsupported KV type: %s", cfg.Type)
	}

	return factory(ctx, cfg)
}

// WithLock 在持有 key 的锁期间执行 fn. 释放失败只会被忽略，锁最终会随 ttl 过期.
func WithLock(ctx context.Context, l Locker, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	lease, err := l.TryLock(ctx, key, ttl)
	if err != nil {
		return err
	}

	defer func() {
		// 使用独立的 context，调用方取消后仍要尽量释放
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		_ = l.Release(rctx, lease)
	}()

	return fn(ctx)
}
