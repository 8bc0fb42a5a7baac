package model

import "time"

// 计费方式
const (
	ChargeTypePrePaid  = "PrePaid"
	ChargeTypePostPaid = "PostPaid"
)

// InstanceSpec 云实例规格
type InstanceSpec struct {
	InstanceType   string   `json:"instance_type"`
	ChargeType     string   `json:"charge_type"`
	Period         int      `json:"period,omitempty"`      // 包年包月时长
	PeriodUnit     string   `json:"period_unit,omitempty"` // Month / Week
	BandwidthOut   int      `json:"bandwidth_out,omitempty"`
	SystemDiskSize int      `json:"system_disk_size,omitempty"`
	SSHPort        int      `json:"ssh_port,omitempty"`
	Username       string   `json:"username,omitempty"`
	Roles          []string `json:"roles,omitempty"`
}

// OrderDetail 订单详情（外部计费系统，只读）
type OrderDetail struct {
	OrderID         string       `json:"order_id"`
	OriginalOrderID string       `json:"original_order_id,omitempty"`
	TenantID        string       `json:"tenant_id"`
	NodeNum         int          `json:"node_num"`
	Spec            InstanceSpec `json:"spec"`
	ExpiredDate     *time.Time   `json:"expired_date,omitempty"`
}

// PurchaseExceptionEvent 订单驱动购买失败事件，供人工跟进
type PurchaseExceptionEvent struct {
	ID          string       `json:"id"`
	OrderID     string       `json:"order_id"`
	TenantID    string       `json:"tenant_id"`
	Cause       string       `json:"cause"`
	Spec        InstanceSpec `json:"spec"`
	NodeNum     int          `json:"node_num"`
	Purchased   int          `json:"purchased"`              // 异常发生前已购买并落库的实例数
	Region      string       `json:"region,omitempty"`       // 未落库实例所在地域
	InstanceIDs []string     `json:"instance_ids,omitempty"` // 云上已创建但未落库的实例，需人工认领或释放
	Timestamp   time.Time    `json:"timestamp"`
}
