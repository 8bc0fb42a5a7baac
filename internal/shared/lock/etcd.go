package lock

import (
	"context"
	"fmt"
	"log"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdLocker 基于 etcd 租约 + 事务的分布式锁
//
// key 不存在时以 token 为值写入并挂在 TTL 租约上；
// 释放时仅在值等于 token 的情况下删除，并撤销租约。
type EtcdLocker struct {
	client *clientv3.Client
	prefix string
}

var _ Locker = (*EtcdLocker)(nil)

// NewEtcdLocker 从已有 etcd 客户端创建
func NewEtcdLocker(client *clientv3.Client, prefix string) *EtcdLocker {
	if prefix == "" {
		prefix = "/nodefleet/locks/"
	}
	return &EtcdLocker{client: client, prefix: prefix}
}

func (l *EtcdLocker) name(key string) string {
	return l.prefix + key
}

// TryLock 实现 Locker
func (l *EtcdLocker) TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	lease, err := l.client.Grant(ctx, seconds)
	if err != nil {
		return false, fmt.Errorf("grant lease: %w", err)
	}

	name := l.name(key)
	resp, err := l.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(name), "=", 0)).
		Then(clientv3.OpPut(name, token, clientv3.WithLease(lease.ID))).
		Commit()
	if err != nil {
		l.revoke(lease.ID)
		return false, fmt.Errorf("lock txn: %w", err)
	}
	if !resp.Succeeded {
		l.revoke(lease.ID)
		return false, nil
	}
	return true, nil
}

// Release 实现 Locker
func (l *EtcdLocker) Release(ctx context.Context, key, token string) error {
	name := l.name(key)
	get, err := l.client.Get(ctx, name)
	if err != nil {
		return fmt.Errorf("get lock: %w", err)
	}
	if len(get.Kvs) == 0 || string(get.Kvs[0].Value) != token {
		log.Printf("[lock.release] key=%s not held by token, skipped", key)
		return nil
	}
	leaseID := clientv3.LeaseID(get.Kvs[0].Lease)

	resp, err := l.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(name), "=", token)).
		Then(clientv3.OpDelete(name)).
		Commit()
	if err != nil {
		return fmt.Errorf("unlock txn: %w", err)
	}
	if resp.Succeeded && leaseID != clientv3.NoLease {
		l.revoke(leaseID)
	}
	return nil
}

func (l *EtcdLocker) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := l.client.Revoke(ctx, id); err != nil {
		log.Printf("[lock.etcd] revoke lease=%x err=%v", int64(id), err)
	}
}
