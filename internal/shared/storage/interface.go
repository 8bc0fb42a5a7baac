package storage

import (
	"context"
	"time"

	"nodefleet/internal/shared/model"
)

// ============================================================================
// NodeRepository - 节点仓储
// ============================================================================

// NodeRepository 节点 / 节点角色持久化接口
//
// 约定：
//   - Get 类方法在记录不存在时返回 (nil, nil)
//   - 租户范围的方法只看 deleted_flag = false 的行
//   - 跨租户的方法（List*Candidates / List*Instances）只供定时任务使用
type NodeRepository interface {
	// InsertNodes 批量插入节点，回填 ID / CreatedAt / UpdatedAt
	InsertNodes(ctx context.Context, nodes []*model.Node) error
	GetNode(ctx context.Context, tenantID string, id int64) (*model.Node, error)
	GetNodesByIDs(ctx context.Context, tenantID string, ids []int64) ([]*model.Node, error)
	ListNodes(ctx context.Context, filter NodeFilter) ([]*model.Node, error)
	CountNodes(ctx context.Context, tenantID string) (int, error)

	// FindIPConflicts 返回 ips 中已被租户内其他未删除节点占用的 IP
	FindIPConflicts(ctx context.Context, tenantID string, ips []string, excludeIDs []int64) ([]string, error)

	// UpdateNode 全量覆盖可变列（不含 ID / 租户 / 创建时间）
	UpdateNode(ctx context.Context, node *model.Node) error
	RenameNode(ctx context.Context, tenantID string, id int64, name string) error
	SetNodesEnabled(ctx context.Context, tenantID string, ids []int64, enabled bool) (int64, error)

	// DeleteNodes 物理删除节点及其角色
	DeleteNodes(ctx context.Context, ids []int64) error

	// SetInstallAgentFlag flag 为 nil 时写 NULL
	SetInstallAgentFlag(ctx context.Context, id int64, flag *bool) error
	// SetInstallAgentFlagIfUnset 仅当标记仍为 NULL 时写入，返回是否写入
	SetInstallAgentFlagIfUnset(ctx context.Context, id int64, flag bool) (bool, error)

	// ReplaceNodeRoles 整体替换节点角色（先删后插）
	ReplaceNodeRoles(ctx context.Context, nodeID int64, roles []string) error
	ListNodeRoles(ctx context.Context, nodeIDs []int64) (map[int64][]string, error)

	// ============ 定时任务 ============

	// ListAutoInstallCandidates install_agent_flag IS NULL 且已启用的节点
	ListAutoInstallCandidates(ctx context.Context, limit int) ([]*model.Node, error)
	// ListUnsyncedInstances 尚未同步的 ONLINE_BUY 节点
	ListUnsyncedInstances(ctx context.Context, limit int) ([]*model.Node, error)
	UpdateInstanceInfo(ctx context.Context, id int64, info InstanceInfo) error
	// MarkExpiredInstances 将到期时间严格早于 before 的 ONLINE_BUY 节点标记为过期
	MarkExpiredInstances(ctx context.Context, before time.Time) (int64, error)
	ListExpiredInstances(ctx context.Context, limit int) ([]*model.Node, error)
	// RenewInstances 延长原订单下尚未过期节点的到期时间，并切换到新订单
	RenewInstances(ctx context.Context, tenantID, originalOrderID, newOrderID string, expiredDate time.Time) (int64, error)

	// WithinTx 在事务中执行 fn；fn 返回 NoRollback 包装的错误时仍提交
	WithinTx(ctx context.Context, fn func(repo NodeRepository) error) error
}

// NodeFilter 节点列表过滤条件
type NodeFilter struct {
	TenantID string
	Source   model.NodeSource
	Enabled  *bool
	Limit    int
	Offset   int
}

// InstanceInfo 云侧观测到的实例字段
type InstanceInfo struct {
	InstanceStatus string
	IP             string
	PublicIP       string
	ExpiredDate    *time.Time
	CPU            int
	MemoryMB       int
	Synced         bool
}
