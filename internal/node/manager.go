// Package node 节点生命周期管理
//
// 目录结构：
//   - manager.go:  Manager 主体、依赖与读操作
//   - crud.go:     新增 / 修改 / 重命名 / 启停 / 删除
//   - purchase.go: 云上购买、续费、实例启停
//   - agent.go:    Agent 安装与重启
//   - reconcile.go: 定时任务调用的批量对账操作
//   - merge.go:    更新合并规则
//   - errors.go:   业务错误码
package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nodefleet/internal/agent"
	"nodefleet/internal/cloud"
	"nodefleet/internal/shared/credential"
	"nodefleet/internal/shared/eventbus"
	"nodefleet/internal/shared/model"
	"nodefleet/internal/shared/nodeinfo"
	"nodefleet/internal/shared/sshexec"
	"nodefleet/internal/shared/storage"
)

// DefaultExpireGrace 实例到期后进入回收前的宽限期
const DefaultExpireGrace = 60 * time.Minute

// Installer Agent 安装器
type Installer interface {
	Install(ctx context.Context, target sshexec.Target, cmd *model.AgentInstallCmd) (agent.Result, error)
	InstallLinux(ctx context.Context, target sshexec.Target, cmd *model.AgentInstallCmd) (agent.Result, error)
	Restart(ctx context.Context, target sshexec.Target) (agent.Result, error)
}

// OrderService 订单查询（外部计费系统）；订单不存在返回 (nil, nil)
type OrderService interface {
	OrderDetail(ctx context.Context, tenantID, orderID string) (*model.OrderDetail, error)
}

// QuotaService 租户节点配额；0 表示不限制
type QuotaService interface {
	NodeQuota(ctx context.Context, tenantID string) (int, error)
}

// LogArchiver 安装诊断日志归档
type LogArchiver interface {
	ArchiveInstallLog(ctx context.Context, nodeID int64, at time.Time, output string) (string, error)
	InstallLogs(ctx context.Context, nodeID int64) ([]string, error)
}

// Deps Manager 依赖
//
// Quota、Archive 可为空；其余必填。
type Deps struct {
	Repo      storage.NodeRepository
	Cloud     cloud.Provider
	Prober    sshexec.Prober
	Installer Installer
	NodeInfo  nodeinfo.Service
	Orders    OrderService
	Quota     QuotaService
	Events    eventbus.PurchaseEventSender
	Codec     credential.Codec
	Archive   LogArchiver

	ExpireGrace time.Duration
	Now         func() time.Time
}

// Manager 节点生命周期管理器
type Manager struct {
	repo      storage.NodeRepository
	cloud     cloud.Provider
	prober    sshexec.Prober
	installer Installer
	nodeInfo  nodeinfo.Service
	orders    OrderService
	quota     QuotaService
	events    eventbus.PurchaseEventSender
	codec     credential.Codec
	archive   LogArchiver

	grace time.Duration
	now   func() time.Time
}

// NewManager 创建节点管理器
func NewManager(d Deps) (*Manager, error) {
	switch {
	case d.Repo == nil:
		return nil, errors.New("node: repository is required")
	case d.Cloud == nil:
		return nil, errors.New("node: cloud provider is required")
	case d.Prober == nil || d.Installer == nil:
		return nil, errors.New("node: prober and installer are required")
	case d.NodeInfo == nil:
		return nil, errors.New("node: node-info service is required")
	case d.Orders == nil:
		return nil, errors.New("node: order service is required")
	case d.Events == nil:
		return nil, errors.New("node: event sender is required")
	case d.Codec == nil:
		return nil, errors.New("node: credential codec is required")
	}
	m := &Manager{
		repo:      d.Repo,
		cloud:     d.Cloud,
		prober:    d.Prober,
		installer: d.Installer,
		nodeInfo:  d.NodeInfo,
		orders:    d.Orders,
		quota:     d.Quota,
		events:    d.Events,
		codec:     d.Codec,
		archive:   d.Archive,
		grace:     d.ExpireGrace,
		now:       d.Now,
	}
	if m.grace <= 0 {
		m.grace = DefaultExpireGrace
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// ============================================================================
// 读操作
// ============================================================================

// Get 查询单个节点（含角色）
func (m *Manager) Get(ctx context.Context, p model.Principal, id int64) (*model.Node, error) {
	n, err := m.mustGet(ctx, p.TenantID, id)
	if err != nil {
		return nil, err
	}
	if err := m.loadRoles(ctx, []*model.Node{n}); err != nil {
		return nil, err
	}
	return n, nil
}

// List 列出租户节点（含角色）
func (m *Manager) List(ctx context.Context, p model.Principal, filter storage.NodeFilter) ([]*model.Node, error) {
	filter.TenantID = p.TenantID
	nodes, err := m.repo.ListNodes(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	if err := m.loadRoles(ctx, nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// AgentInstallCmd 节点的手动安装命令
func (m *Manager) AgentInstallCmd(ctx context.Context, p model.Principal, id int64) (*model.AgentInstallCmd, error) {
	if _, err := m.mustGet(ctx, p.TenantID, id); err != nil {
		return nil, err
	}
	cmd, err := m.nodeInfo.AgentInstallCmd(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("agent install cmd: %w", err)
	}
	return cmd, nil
}

// AgentInstallLogs 节点自动安装失败时归档的诊断日志 key；未配置归档时为空
func (m *Manager) AgentInstallLogs(ctx context.Context, p model.Principal, id int64) ([]string, error) {
	if _, err := m.mustGet(ctx, p.TenantID, id); err != nil {
		return nil, err
	}
	if m.archive == nil {
		return nil, nil
	}
	return m.archive.InstallLogs(ctx, id)
}

// ============================================================================
// 内部辅助
// ============================================================================

func (m *Manager) mustGet(ctx context.Context, tenantID string, id int64) (*model.Node, error) {
	n, err := m.repo.GetNode(ctx, tenantID, id)
	if err != nil {
		return nil, fmt.Errorf("get node %d: %w", id, err)
	}
	if n == nil {
		return nil, newError(CodeNodeNotFound, "node %d not found", id)
	}
	return n, nil
}

// mustGetAll 批量加载，任一不存在即失败
func (m *Manager) mustGetAll(ctx context.Context, tenantID string, ids []int64) ([]*model.Node, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return nil, newError(CodeInvalidArgument, "node ids are empty")
	}
	nodes, err := m.repo.GetNodesByIDs(ctx, tenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("get nodes: %w", err)
	}
	if len(nodes) != len(ids) {
		found := make(map[int64]struct{}, len(nodes))
		for _, n := range nodes {
			found[n.ID] = struct{}{}
		}
		for _, id := range ids {
			if _, ok := found[id]; !ok {
				return nil, newError(CodeNodeNotFound, "node %d not found", id)
			}
		}
	}
	return nodes, nil
}

func (m *Manager) loadRoles(ctx context.Context, nodes []*model.Node) error {
	if len(nodes) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	roles, err := m.repo.ListNodeRoles(ctx, ids)
	if err != nil {
		return fmt.Errorf("list node roles: %w", err)
	}
	for _, n := range nodes {
		n.Roles = roles[n.ID]
	}
	return nil
}

// target 解密凭据，组装 SSH 连接参数
func (m *Manager) target(n *model.Node) (sshexec.Target, error) {
	password, err := m.codec.Decrypt(n.PasswordEncrypted)
	if err != nil {
		return sshexec.Target{}, fmt.Errorf("decrypt credential of node %d: %w", n.ID, err)
	}
	return sshexec.Target{
		Host:     n.ConnectHost(),
		Port:     n.SSHPort,
		Username: n.Username,
		Password: password,
	}, nil
}

// sealPassword 加密请求中的明文密码
func (m *Manager) sealPassword(n *model.Node) error {
	if n.Password == "" {
		return nil
	}
	enc, err := m.codec.Encrypt(n.Password)
	if err != nil {
		return fmt.Errorf("encrypt credential: %w", err)
	}
	n.PasswordEncrypted = enc
	n.Password = ""
	return nil
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func nodeIDs(nodes []*model.Node) []int64 {
	ids := make([]int64, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	return ids
}
