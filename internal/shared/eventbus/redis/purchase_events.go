// Package redis 基于 Redis Streams 的事件总线
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"nodefleet/internal/shared/eventbus"
	"nodefleet/internal/shared/model"
)

// Store Redis Streams 事件存储
type Store struct {
	client redis.UniversalClient
	stream string
}

var (
	_ eventbus.PurchaseEventSender = (*Store)(nil)
	_ eventbus.PurchaseEventReader = (*Store)(nil)
)

// NewStoreFromClient 从已有客户端创建
func NewStoreFromClient(client redis.UniversalClient) *Store {
	return &Store{client: client, stream: eventbus.KeyPurchaseExceptions}
}

// SendPurchaseException 发布购买异常事件
func (s *Store) SendPurchaseException(ctx context.Context, event *model.PurchaseExceptionEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	dataJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: eventbus.MaxStreamLength,
		Approx: true,
		Values: map[string]interface{}{
			"type":      eventbus.EventTypePurchaseException,
			"order_id":  event.OrderID,
			"tenant_id": event.TenantID,
			"timestamp": event.Timestamp.Format(time.RFC3339Nano),
			"data":      string(dataJSON),
		},
	}

	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	log.Printf("[Redis/EventBus] Published purchase exception: order=%s seq=%s", event.OrderID, id)
	return nil
}

// ListPurchaseExceptions 读取最近的购买异常事件（新事件在前）
func (s *Store) ListPurchaseExceptions(ctx context.Context, count int64) ([]*model.PurchaseExceptionEvent, error) {
	msgs, err := s.client.XRevRangeN(ctx, s.stream, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}

	events := make([]*model.PurchaseExceptionEvent, 0, len(msgs))
	for _, msg := range msgs {
		dataStr, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var ev model.PurchaseExceptionEvent
		if err := json.Unmarshal([]byte(dataStr), &ev); err != nil {
			log.Printf("[Redis/EventBus] skip malformed event %s: %v", msg.ID, err)
			continue
		}
		events = append(events, &ev)
	}
	return events, nil
}
