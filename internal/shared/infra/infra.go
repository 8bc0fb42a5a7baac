// Package infra 基础设施聚合层
//
// 提供统一的基础设施初始化和依赖注入，包括：
//   - Store：节点库（PostgreSQL / SQLite）
//   - Redis：分布式锁与购买异常事件（Redis Streams）
//   - Etcd：可选的分布式锁后端
//   - Mongo：可选的节点信息影子库
//   - Archive：Agent 安装诊断日志归档（MinIO）
package infra

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"

	"nodefleet/internal/config"
	"nodefleet/internal/shared/eventbus"
	"nodefleet/internal/shared/lock"
	"nodefleet/internal/shared/objstore"
	"nodefleet/internal/shared/storage/driver/postgres"
	"nodefleet/internal/shared/storage/driver/sqlite"
	"nodefleet/internal/shared/storage/mongostore"
	"nodefleet/internal/shared/storage/repository"
)

// Infrastructure 基础设施聚合结构
type Infrastructure struct {
	Store *repository.Store

	// Redis 为 nil 表示未连接（仅 memory 锁后端允许）
	Redis *redis.Client
	Etcd  *clientv3.Client
	Mongo *mongostore.Store

	// Archive 为 nil 表示未配置 MinIO
	Archive *objstore.Archive

	Locker lock.Locker
	Events eventbus.PurchaseEventSender
}

// New 按配置初始化全部基础设施；失败时关闭已建立的连接
func New(ctx context.Context, cfg *config.Config) (_ *Infrastructure, err error) {
	i := &Infrastructure{}
	defer func() {
		if err != nil {
			_ = i.Close()
		}
	}()

	if i.Store, err = OpenStore(cfg.DatabaseDriver, cfg.DatabaseURL); err != nil {
		return nil, err
	}

	if err = i.initRedis(cfg); err != nil {
		return nil, err
	}

	if cfg.Lock.Backend == lock.BackendEtcd {
		if i.Etcd, err = clientv3.New(clientv3.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: cfg.Etcd.DialTimeout,
		}); err != nil {
			return nil, fmt.Errorf("failed to connect to etcd: %w", err)
		}
		log.Printf("[etcd/infra] endpoints=%v", cfg.Etcd.Endpoints)
	}

	if i.Locker, err = newLocker(cfg.Lock, i.Redis, i.Etcd); err != nil {
		return nil, err
	}

	if cfg.NodeInfo.Backend == "mongodb" {
		if i.Mongo, err = mongostore.NewStore(cfg.MongoDB.URI, cfg.MongoDB.Database); err != nil {
			return nil, err
		}
	}

	if cfg.MinIO.Endpoint != "" {
		if i.Archive, err = objstore.NewArchive(ctx, cfg.MinIO); err != nil {
			return nil, err
		}
	}

	return i, nil
}

// OpenStore 打开节点库并执行建表
func OpenStore(driver, url string) (*repository.Store, error) {
	switch driver {
	case "sqlite":
		db, err := sqlite.Open(url)
		if err != nil {
			return nil, err
		}
		d := sqlite.NewDialect()
		if err := d.AutoMigrate(db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate sqlite: %w", err)
		}
		log.Printf("[db/infra] driver=sqlite")
		return repository.NewStore(db, d), nil
	case "postgres", "":
		db, err := postgres.Open(url)
		if err != nil {
			return nil, err
		}
		d := postgres.NewDialect()
		if err := d.AutoMigrate(db); err != nil {
			_ = db.Close()
			return nil, err
		}
		log.Printf("[db/infra] driver=postgres")
		return repository.NewStore(db, d), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}

func newLocker(cfg config.LockConfig, rdb *redis.Client, etcd *clientv3.Client) (lock.Locker, error) {
	switch cfg.Backend {
	case lock.BackendRedis:
		if rdb == nil {
			return nil, fmt.Errorf("lock backend redis requires a redis connection")
		}
		return lock.NewRedisLocker(rdb, cfg.Prefix), nil
	case lock.BackendEtcd:
		if etcd == nil {
			return nil, fmt.Errorf("lock backend etcd requires an etcd connection")
		}
		return lock.NewEtcdLocker(etcd, cfg.Prefix), nil
	case lock.BackendMemory:
		log.Printf("[lock/infra] using in-process lock, not safe for multiple replicas")
		return lock.NewMemoryLocker(), nil
	default:
		return nil, fmt.Errorf("unsupported lock backend: %s", cfg.Backend)
	}
}

// Close 关闭所有基础设施连接
func (i *Infrastructure) Close() error {
	var lastErr error

	if i.Store != nil {
		if err := i.Store.Close(); err != nil {
			lastErr = err
		}
	}

	if i.Redis != nil {
		if err := i.Redis.Close(); err != nil {
			lastErr = err
		}
	}

	if i.Etcd != nil {
		if err := i.Etcd.Close(); err != nil {
			lastErr = err
		}
	}

	if i.Mongo != nil {
		if err := i.Mongo.Close(); err != nil {
			lastErr = err
		}
	}

	return lastErr
}

// Healthy 检查核心依赖是否可用
func (i *Infrastructure) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := i.Store.DB().PingContext(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if i.Redis != nil {
		if err := i.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// NewNoOpInfrastructure 创建不依赖外部服务的基础设施（用于测试）
func NewNoOpInfrastructure(store *repository.Store) *Infrastructure {
	return &Infrastructure{
		Store:  store,
		Locker: lock.NewMemoryLocker(),
		Events: eventbus.NewNoOpEventBus(),
	}
}
