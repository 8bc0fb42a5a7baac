// Package lock 分布式互斥锁
//
// 语义：TryLock 非阻塞，key 已被其他 token 持有时返回 false；
// Release 只删除由同一 token 持有的锁，token 不匹配或锁已过期时为空操作。
// 持有者崩溃后，锁在 TTL 到期时自动失效。
package lock

import (
	"context"
	"time"
)

// Locker 分布式锁接口
type Locker interface {
	TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) error
}

// 后端类型
const (
	BackendRedis  = "redis"
	BackendEtcd   = "etcd"
	BackendMemory = "memory"
)
