package lock

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// RedisLocker 基于 redsync 的 Redis 分布式锁
//
// 锁的值即调用方传入的 token，因此任何进程都可以凭 token 释放锁。
// 已创建的 Mutex 按 key+token 缓存，释放后移除。
type RedisLocker struct {
	rs      *redsync.Redsync
	prefix  string
	mutexes sync.Map // key|token -> *redsync.Mutex
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker 从已有 go-redis 客户端创建
func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{
		rs:     redsync.New(goredis.NewPool(client)),
		prefix: prefix,
	}
}

func (l *RedisLocker) name(key string) string {
	return l.prefix + key
}

// TryLock 实现 Locker
func (l *RedisLocker) TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	mutex := l.rs.NewMutex(l.name(key),
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
		redsync.WithGenValueFunc(func() (string, error) { return token, nil }),
	)
	if err := mutex.TryLockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.As(err, &taken) || errors.Is(err, redsync.ErrFailed) {
			return false, nil
		}
		return false, err
	}
	l.mutexes.Store(key+"|"+token, mutex)
	return true, nil
}

// Release 实现 Locker
func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	var mutex *redsync.Mutex
	if cached, ok := l.mutexes.LoadAndDelete(key + "|" + token); ok {
		mutex = cached.(*redsync.Mutex)
	} else {
		mutex = l.rs.NewMutex(l.name(key), redsync.WithValue(token))
	}

	ok, err := mutex.UnlockContext(ctx)
	if ok {
		return nil
	}
	var taken *redsync.ErrTaken
	if errors.As(err, &taken) || errors.Is(err, redsync.ErrLockAlreadyExpired) {
		log.Printf("[lock.release] key=%s not held by token, skipped", key)
		return nil
	}
	return err
}
