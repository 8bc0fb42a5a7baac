// Package cloud 云资源供给契约
//
// 所有操作都以地域为作用域，调用方负责先按地域分组再调用。
package cloud

import (
	"context"
	"errors"
	"time"

	"nodefleet/internal/shared/model"
)

// MaxPurchaseBatch 单次购买实例数上限，超出需由调用方分批
const MaxPurchaseBatch = 100

// MaxDescribeBatch 单次查询实例数上限
const MaxDescribeBatch = 100

// ErrBatchTooLarge 单次请求超过批量上限
var ErrBatchTooLarge = errors.New("cloud: batch exceeds provider ceiling")

// PurchaseRequest 购买并启动实例
type PurchaseRequest struct {
	OrderID     string
	TenantID    string
	ExpiredDate *time.Time
	Spec        model.InstanceSpec
	Region      string
	Amount      int
	// Password 实例 root 明文密码，仅用于下发给云厂商
	Password string
	// ClientToken 幂等令牌，同一订单重放时避免重复开通
	ClientToken string
}

// Provider 云资源供给客户端
type Provider interface {
	// QueryMeetResourceSpecRegion 在限定时间内查找满足规格的地域；找不到返回空串
	QueryMeetResourceSpecRegion(ctx context.Context, chargeType string, spec model.InstanceSpec) (string, error)
	HasAvailableResource(ctx context.Context, region, chargeType string, spec model.InstanceSpec) (bool, error)
	// PurchaseAndRunInstances 返回的节点已填好地域、实例 ID、规格与订单信息（未持久化）
	PurchaseAndRunInstances(ctx context.Context, req PurchaseRequest) ([]*model.Node, error)
	// GetInstancesDescribe 返回 instanceID → 云侧观测到的节点字段
	GetInstancesDescribe(ctx context.Context, region string, instanceIDs []string) (map[string]*model.Node, error)
	StopInstances(ctx context.Context, region string, instanceIDs []string) error
	RestartInstances(ctx context.Context, region string, instanceIDs []string) error
	DeleteInstances(ctx context.Context, region string, instanceIDs []string) error
}

// GroupByRegion 将节点按地域分组，保持输入顺序
func GroupByRegion(nodes []*model.Node) (regions []string, groups map[string][]*model.Node) {
	groups = make(map[string][]*model.Node)
	for _, n := range nodes {
		if _, ok := groups[n.RegionID]; !ok {
			regions = append(regions, n.RegionID)
		}
		groups[n.RegionID] = append(groups[n.RegionID], n)
	}
	return regions, groups
}

// InstanceIDs 提取实例 ID
func InstanceIDs(nodes []*model.Node) []string {
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.InstanceID)
	}
	return ids
}

// Chunk 将 total 拆成不超过 size 的批次
func Chunk(total, size int) []int {
	var out []int
	for total > 0 {
		n := total
		if n > size {
			n = size
		}
		out = append(out, n)
		total -= n
	}
	return out
}
