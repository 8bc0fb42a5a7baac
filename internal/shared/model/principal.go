package model

import (
	"context"

	"nodefleet/pkg/logging"
)

// SystemUserID 定时任务使用的系统用户
const SystemUserID = "system"

// Principal 调用方身份
//
// 显式传入每个租户范围的操作；Operator 表示内部运营/系统身份，
// 可以修改云上购买节点的规格字段，也可以绕过"已购买保护"删除节点。
type Principal struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	Operator bool   `json:"operator"`
}

// SystemPrincipal 为定时任务构造指定租户的系统身份
func SystemPrincipal(tenantID string) Principal {
	return Principal{TenantID: tenantID, UserID: SystemUserID, Operator: true}
}

// IsSystem 是否为系统身份
func (p Principal) IsSystem() bool {
	return p.UserID == SystemUserID
}

type principalKey struct{}

// WithPrincipal 将身份挂到上下文（仅用于日志关联）
//
// 派生出的 ctx 随作用域结束失效，不存在需要手动清理的全局状态。
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	ctx = context.WithValue(ctx, principalKey{}, p)
	return context.WithValue(ctx, logging.TenantIDKey, p.TenantID)
}

// PrincipalFrom 从上下文读取身份
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
