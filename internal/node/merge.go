package node

import "nodefleet/internal/shared/model"

// MergeNode 把更新请求合并到已有节点，返回新对象，不修改入参
//
// 规则：
//   - 云上购买节点 + 非特权调用方：只允许修改 Name 与 Roles
//   - 其他情况：incoming 中非零值字段覆盖 existing
//   - ID、租户、来源、启用状态、删除/过期标记不经由合并修改
//   - InstallAgentFlag 为 false 时重置为 nil，重新开放安装
func MergeNode(existing, incoming *model.Node, privileged bool) *model.Node {
	merged := *existing
	merged.Roles = append([]string(nil), existing.Roles...)

	if incoming.Name != "" {
		merged.Name = incoming.Name
	}
	if incoming.Roles != nil {
		merged.Roles = append([]string(nil), incoming.Roles...)
	}

	if !existing.IsOnlineBuy() || privileged {
		mergeConnection(&merged, incoming)
		if incoming.CPU != 0 {
			merged.CPU = incoming.CPU
		}
		if incoming.MemoryMB != 0 {
			merged.MemoryMB = incoming.MemoryMB
		}
		if existing.IsOnlineBuy() {
			mergeCloud(&merged, incoming)
		}
	}

	if merged.InstallAgentFlag != nil && !*merged.InstallAgentFlag {
		merged.InstallAgentFlag = nil
	}
	return &merged
}

func mergeConnection(dst, src *model.Node) {
	if src.IP != "" {
		dst.IP = src.IP
	}
	if src.PublicIP != "" {
		dst.PublicIP = src.PublicIP
	}
	if src.SSHPort != 0 {
		dst.SSHPort = src.SSHPort
	}
	if src.Username != "" {
		dst.Username = src.Username
	}
	if src.PasswordEncrypted != "" {
		dst.PasswordEncrypted = src.PasswordEncrypted
	}
}

func mergeCloud(dst, src *model.Node) {
	if src.RegionID != "" {
		dst.RegionID = src.RegionID
	}
	if src.InstanceID != "" {
		dst.InstanceID = src.InstanceID
	}
	if src.ChargeType != "" {
		dst.ChargeType = src.ChargeType
	}
	if src.Spec != "" {
		dst.Spec = src.Spec
	}
	if src.OrderID != "" {
		dst.OrderID = src.OrderID
	}
	if src.InstanceExpiredDate != nil {
		t := *src.InstanceExpiredDate
		dst.InstanceExpiredDate = &t
	}
}
