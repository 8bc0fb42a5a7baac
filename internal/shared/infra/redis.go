// Package infra Redis 基础设施初始化
package infra

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"nodefleet/internal/config"
	"nodefleet/internal/shared/eventbus"
	eventbusredis "nodefleet/internal/shared/eventbus/redis"
	"nodefleet/internal/shared/lock"
)

// NewRedisClient 从 URL 创建 Redis 客户端并验证连接
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[Redis/Infra] Connected to %s", opts.Addr)
	return client, nil
}

// initRedis 连接 Redis 并装配购买异常事件流
//
// redis 锁后端要求 Redis 可用；其余后端下 Redis 连接失败只降级为 NoOp 事件总线。
func (i *Infrastructure) initRedis(cfg *config.Config) error {
	required := cfg.Lock.Backend == lock.BackendRedis

	if cfg.RedisURL == "" {
		if required {
			return fmt.Errorf("redis url is required for lock backend redis")
		}
		i.Events = eventbus.NewNoOpEventBus()
		return nil
	}

	client, err := NewRedisClient(context.Background(), cfg.RedisURL)
	if err != nil {
		if required {
			return err
		}
		log.Printf("[Redis/Infra] unavailable, purchase events will only be logged: %v", err)
		i.Events = eventbus.NewNoOpEventBus()
		return nil
	}

	i.Redis = client
	i.Events = eventbusredis.NewStoreFromClient(client)
	return nil
}
