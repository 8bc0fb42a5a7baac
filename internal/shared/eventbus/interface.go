// Package eventbus 事件总线抽象接口
//
// 节点生命周期只产生一类事件：订单驱动购买失败的异常事件，
// 由 Redis Streams 承载，供人工跟进。发送是 fire-and-forget 的。
package eventbus

import (
	"context"

	"nodefleet/internal/shared/model"
)

// ============================================================================
// 事件总线接口定义
// ============================================================================

// PurchaseEventSender 购买异常事件发送方
type PurchaseEventSender interface {
	SendPurchaseException(ctx context.Context, event *model.PurchaseExceptionEvent) error
}

// PurchaseEventReader 购买异常事件读取方（运维排查用）
type PurchaseEventReader interface {
	ListPurchaseExceptions(ctx context.Context, count int64) ([]*model.PurchaseExceptionEvent, error)
}
