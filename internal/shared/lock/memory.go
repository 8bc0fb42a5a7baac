package lock

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker 进程内实现，仅适用于单实例部署与测试
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

var _ Locker = (*MemoryLocker)(nil)

// NewMemoryLocker 创建进程内锁
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{entries: make(map[string]memEntry), now: time.Now}
}

// TryLock 实现 Locker
func (l *MemoryLocker) TryLock(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.entries[key]; ok && now.Before(e.expiresAt) {
		return false, nil
	}
	l.entries[key] = memEntry{token: token, expiresAt: now.Add(ttl)}
	return true, nil
}

// Release 实现 Locker
func (l *MemoryLocker) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.entries[key]; ok && e.token == token {
		delete(l.entries, key)
	}
	return nil
}
