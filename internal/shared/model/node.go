// Package model 定义核心数据模型
//
// node.go 包含压测节点相关的数据模型定义：
//   - Node：压测/Agent 宿主节点
//   - NodeRole：节点能力标签
//   - NodeSource：节点来源（自有 / 在线购买）
package model

import (
	"time"
)

// ============================================================================
// NodeSource - 节点来源
// ============================================================================

// NodeSource 表示节点的来源
//
//   - OWN_NODE：用户自行注册的主机
//   - ONLINE_BUY：系统从云厂商购买并计费的实例
type NodeSource string

const (
	NodeSourceOwn       NodeSource = "OWN_NODE"
	NodeSourceOnlineBuy NodeSource = "ONLINE_BUY"
)

// 常用节点角色
const (
	RoleExecutor = "EXECUTOR"
	RoleMonitor  = "MONITOR"
)

// 云实例状态（与云厂商返回值一致）
const (
	InstanceStatusPending  = "Pending"
	InstanceStatusStarting = "Starting"
	InstanceStatusRunning  = "Running"
	InstanceStatusStopping = "Stopping"
	InstanceStatusStopped  = "Stopped"
)

// ============================================================================
// Node - 压测节点
// ============================================================================

// Node 表示一台可运行平台 Agent 的主机
//
// 不变量：
//   - ONLINE_BUY 节点的 RegionID、InstanceID 永远非空
//   - 同一租户内未删除节点的 IP 唯一
//   - InstallAgentFlag 只会从 nil/false 变为 true；
//     只有显式修改配置（Update）会把 false 重置为 nil
type Node struct {
	ID       int64  `json:"id" bson:"_id" db:"id"`
	TenantID string `json:"tenant_id" bson:"tenant_id" db:"tenant_id"`
	Name     string `json:"name" bson:"name" db:"name"`

	// 连接信息
	IP                string `json:"ip" bson:"ip" db:"ip"`
	PublicIP          string `json:"public_ip,omitempty" bson:"public_ip,omitempty" db:"public_ip"`
	SSHPort           int    `json:"ssh_port" bson:"ssh_port" db:"ssh_port"`
	Username          string `json:"username" bson:"username" db:"username"`
	PasswordEncrypted string `json:"-" bson:"passd_encrypted" db:"passd_encrypted"`
	// Password 请求携带的明文密码，入库前加密到 PasswordEncrypted 并清空
	Password          string `json:"password,omitempty" bson:"-" db:"-"`

	Source  NodeSource `json:"source" bson:"source" db:"source"`
	Enabled bool       `json:"enabled" bson:"enabled" db:"enabled"`

	// 云实例关联（仅 ONLINE_BUY 有意义）
	RegionID            string     `json:"region_id,omitempty" bson:"region_id,omitempty" db:"region_id"`
	InstanceID          string     `json:"instance_id,omitempty" bson:"instance_id,omitempty" db:"instance_id"`
	InstanceStatus      string     `json:"instance_status,omitempty" bson:"instance_status,omitempty" db:"instance_status"`
	InstanceSynced      bool       `json:"instance_synced" bson:"instance_synced" db:"instance_synced"`
	ChargeType          string     `json:"charge_type,omitempty" bson:"charge_type,omitempty" db:"charge_type"`
	Spec                string     `json:"spec,omitempty" bson:"spec,omitempty" db:"spec"`
	CPU                 int        `json:"cpu,omitempty" bson:"cpu,omitempty" db:"cpu"`
	MemoryMB            int        `json:"memory_mb,omitempty" bson:"memory_mb,omitempty" db:"memory_mb"`
	OrderID             string     `json:"order_id,omitempty" bson:"order_id,omitempty" db:"order_id"`
	InstanceExpiredDate *time.Time `json:"instance_expired_date,omitempty" bson:"instance_expired_date,omitempty" db:"instance_expired_date"`
	ExpiredFlag         bool       `json:"expired_flag" bson:"expired_flag" db:"expired_flag"`

	// Agent 状态：nil/false 表示可（重新）安装，true 表示已确认安装
	InstallAgentFlag *bool `json:"install_agent_flag,omitempty" bson:"install_agent_flag,omitempty" db:"install_agent_flag"`

	DeletedFlag bool      `json:"deleted_flag" bson:"deleted_flag" db:"deleted_flag"`
	Roles       []string  `json:"roles,omitempty" bson:"roles,omitempty" db:"-"`
	CreatedAt   time.Time `json:"created_at" bson:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" bson:"updated_at" db:"updated_at"`
}

// NodeRole 节点角色映射（nodeId → role），随 Node 整体替换
type NodeRole struct {
	NodeID int64  `json:"node_id" db:"node_id"`
	Role   string `json:"role" db:"role"`
}

// ============================================================================
// 辅助方法
// ============================================================================

// IsOnlineBuy 是否为云上购买的实例
func (n *Node) IsOnlineBuy() bool {
	return n.Source == NodeSourceOnlineBuy
}

// ConnectHost 连接主机地址，优先公网 IP
func (n *Node) ConnectHost() string {
	if n.PublicIP != "" {
		return n.PublicIP
	}
	return n.IP
}

// AgentInstalled Agent 是否已确认安装
func (n *Node) AgentInstalled() bool {
	return n.InstallAgentFlag != nil && *n.InstallAgentFlag
}

// IsEntitled 购买的实例是否仍在有效期内
func (n *Node) IsEntitled(now time.Time) bool {
	if !n.IsOnlineBuy() || n.ExpiredFlag {
		return false
	}
	return n.InstanceExpiredDate == nil || n.InstanceExpiredDate.After(now)
}

// RoleRows 展开为 NodeRole 行
func (n *Node) RoleRows() []NodeRole {
	rows := make([]NodeRole, 0, len(n.Roles))
	seen := make(map[string]struct{}, len(n.Roles))
	for _, r := range n.Roles {
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		rows = append(rows, NodeRole{NodeID: n.ID, Role: r})
	}
	return rows
}

// Bool 返回布尔指针
func Bool(b bool) *bool {
	return &b
}
