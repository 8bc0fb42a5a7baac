package eventbus

import (
	"context"
	"log"

	"nodefleet/internal/shared/model"
)

// NoOpEventBus 不依赖 Redis 的实现：只记录日志
type NoOpEventBus struct{}

var _ PurchaseEventSender = (*NoOpEventBus)(nil)

// NewNoOpEventBus 创建 NoOpEventBus 实例
func NewNoOpEventBus() *NoOpEventBus {
	return &NoOpEventBus{}
}

// SendPurchaseException 实现 PurchaseEventSender
func (e *NoOpEventBus) SendPurchaseException(_ context.Context, event *model.PurchaseExceptionEvent) error {
	log.Printf("[eventbus.noop] purchase exception order=%s tenant=%s cause=%s", event.OrderID, event.TenantID, event.Cause)
	return nil
}
