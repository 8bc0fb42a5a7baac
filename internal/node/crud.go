package node

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"nodefleet/internal/cloud"
	"nodefleet/internal/shared/model"
	"nodefleet/internal/shared/storage"
)

// ============================================================================
// Add
// ============================================================================

// Add 注册节点：校验租户内 IP 唯一与配额后批量写入
func (m *Manager) Add(ctx context.Context, p model.Principal, nodes []*model.Node) error {
	if len(nodes) == 0 {
		return newError(CodeInvalidArgument, "nodes are empty")
	}
	ips := make([]string, 0, len(nodes))
	for _, n := range nodes {
		n.TenantID = p.TenantID
		n.Enabled = true
		if n.Source == "" {
			n.Source = model.NodeSourceOwn
		}
		if err := validateNew(n, p); err != nil {
			return err
		}
		if err := m.sealPassword(n); err != nil {
			return err
		}
		if n.IP != "" {
			ips = append(ips, n.IP)
		}
	}
	if dup := firstDuplicate(ips); dup != "" {
		return newError(CodeNodeIPDuplicate, "ip %s appears more than once", dup)
	}

	conflicts, err := m.repo.FindIPConflicts(ctx, p.TenantID, ips, nil)
	if err != nil {
		return fmt.Errorf("check ip conflicts: %w", err)
	}
	if len(conflicts) > 0 {
		return newError(CodeNodeIPDuplicate, "ip already registered: %s", strings.Join(conflicts, ","))
	}
	if err := m.checkQuota(ctx, p.TenantID, len(nodes)); err != nil {
		return err
	}
	return m.add0(ctx, nodes)
}

// add0 直接写入节点与角色，不做前置校验（购买流程使用）
func (m *Manager) add0(ctx context.Context, nodes []*model.Node) error {
	if len(nodes) == 0 {
		return nil
	}
	err := m.repo.WithinTx(ctx, func(repo storage.NodeRepository) error {
		if err := repo.InsertNodes(ctx, nodes); err != nil {
			return err
		}
		for _, n := range nodes {
			if len(n.Roles) == 0 {
				continue
			}
			if err := repo.ReplaceNodeRoles(ctx, n.ID, n.Roles); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("insert nodes: %w", err)
	}
	return nil
}

func validateNew(n *model.Node, p model.Principal) error {
	if strings.TrimSpace(n.IP) == "" && !n.IsOnlineBuy() {
		return newError(CodeInvalidArgument, "ip is required")
	}
	if n.IsOnlineBuy() {
		if !p.Operator {
			return newError(CodeInvalidArgument, "purchased nodes cannot be registered manually")
		}
		if n.RegionID == "" || n.InstanceID == "" {
			return newError(CodeInvalidArgument, "purchased node requires region and instance id")
		}
	}
	return nil
}

func (m *Manager) checkQuota(ctx context.Context, tenantID string, adding int) error {
	if m.quota == nil {
		return nil
	}
	limit, err := m.quota.NodeQuota(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("node quota: %w", err)
	}
	if limit <= 0 {
		return nil
	}
	count, err := m.repo.CountNodes(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("count nodes: %w", err)
	}
	if count+adding > limit {
		return newError(CodeNodeQuotaExceeded, "tenant %s has %d nodes, adding %d exceeds quota %d", tenantID, count, adding, limit)
	}
	return nil
}

// ============================================================================
// Update / Rename / Enabled
// ============================================================================

// Update 修改节点配置并整体替换角色
func (m *Manager) Update(ctx context.Context, p model.Principal, nodes []*model.Node) error {
	if len(nodes) == 0 {
		return newError(CodeInvalidArgument, "nodes are empty")
	}
	ids := make([]int64, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	if len(uniqueIDs(ids)) != len(ids) {
		return newError(CodeInvalidArgument, "node ids must be unique")
	}
	existing, err := m.mustGetAll(ctx, p.TenantID, ids)
	if err != nil {
		return err
	}
	if err := m.loadRoles(ctx, existing); err != nil {
		return err
	}
	byID := make(map[int64]*model.Node, len(existing))
	for _, n := range existing {
		byID[n.ID] = n
	}

	merged := make([]*model.Node, 0, len(nodes))
	for _, in := range nodes {
		if err := m.sealPassword(in); err != nil {
			return err
		}
		merged = append(merged, MergeNode(byID[in.ID], in, p.Operator))
	}

	// IP 唯一性：更新集合内部 + 集合外的其他节点
	ips := make([]string, 0, len(merged))
	for _, n := range merged {
		if n.IP != "" {
			ips = append(ips, n.IP)
		}
	}
	if dup := firstDuplicate(ips); dup != "" {
		return newError(CodeNodeIPDuplicate, "ip %s appears more than once", dup)
	}
	conflicts, err := m.repo.FindIPConflicts(ctx, p.TenantID, ips, ids)
	if err != nil {
		return fmt.Errorf("check ip conflicts: %w", err)
	}
	if len(conflicts) > 0 {
		return newError(CodeNodeIPDuplicate, "ip already registered: %s", strings.Join(conflicts, ","))
	}

	err = m.repo.WithinTx(ctx, func(repo storage.NodeRepository) error {
		for _, n := range merged {
			if err := repo.UpdateNode(ctx, n); err != nil {
				return fmt.Errorf("update node %d: %w", n.ID, err)
			}
			if err := repo.ReplaceNodeRoles(ctx, n.ID, n.Roles); err != nil {
				return fmt.Errorf("replace roles of node %d: %w", n.ID, err)
			}
		}
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return wrapError(CodeNodeNotFound, err, "node disappeared during update")
	}
	return err
}

// Rename 修改节点名称；名称未变化时不写库
func (m *Manager) Rename(ctx context.Context, p model.Principal, id int64, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return newError(CodeInvalidArgument, "name is required")
	}
	n, err := m.mustGet(ctx, p.TenantID, id)
	if err != nil {
		return err
	}
	if n.Name == name {
		return nil
	}
	if err := m.repo.RenameNode(ctx, p.TenantID, id, name); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return wrapError(CodeNodeNotFound, err, "node %d not found", id)
		}
		return fmt.Errorf("rename node %d: %w", id, err)
	}
	return nil
}

// Enabled 批量启用/停用；不涉及云上字段，购买节点同样可操作
func (m *Manager) Enabled(ctx context.Context, p model.Principal, ids []int64, enabled bool) error {
	nodes, err := m.mustGetAll(ctx, p.TenantID, ids)
	if err != nil {
		return err
	}
	if _, err := m.repo.SetNodesEnabled(ctx, p.TenantID, nodeIDs(nodes), enabled); err != nil {
		return fmt.Errorf("set nodes enabled: %w", err)
	}
	return nil
}

// ============================================================================
// Delete
// ============================================================================

// DeleteResult 删除结果：云上释放失败的节点保留在库中
type DeleteResult struct {
	Deleted  []int64
	Retained []int64
}

// Delete 删除节点
//
// 购买节点先在云上释放，释放成功才删除记录；自有节点直接删除。
// 非特权调用方不能删除仍在有效期内的购买节点。
func (m *Manager) Delete(ctx context.Context, p model.Principal, ids []int64) (*DeleteResult, error) {
	nodes, err := m.mustGetAll(ctx, p.TenantID, ids)
	if err != nil {
		return nil, err
	}
	if !p.Operator {
		now := m.now()
		for _, n := range nodes {
			if n.IsEntitled(now) {
				return nil, newError(CodePurchasedNodeProtected, "node %d is a purchased instance still in service", n.ID)
			}
		}
	}
	return m.deleteNodes(ctx, nodes, true)
}

// deleteNodes 释放云实例并删除记录，按地域隔离失败
func (m *Manager) deleteNodes(ctx context.Context, nodes []*model.Node, dropShadow bool) (*DeleteResult, error) {
	result := &DeleteResult{}
	var bought []*model.Node
	for _, n := range nodes {
		if n.IsOnlineBuy() {
			bought = append(bought, n)
			continue
		}
		result.Deleted = append(result.Deleted, n.ID)
	}

	regions, groups := cloud.GroupByRegion(bought)
	for _, region := range regions {
		group := groups[region]
		if err := m.cloud.DeleteInstances(ctx, region, cloud.InstanceIDs(group)); err != nil {
			log.Printf("[node.delete] region=%s instances=%d err=%v", region, len(group), err)
			result.Retained = append(result.Retained, nodeIDs(group)...)
			continue
		}
		result.Deleted = append(result.Deleted, nodeIDs(group)...)
	}

	if len(result.Deleted) == 0 {
		return result, nil
	}
	err := m.repo.WithinTx(ctx, func(repo storage.NodeRepository) error {
		return repo.DeleteNodes(ctx, result.Deleted)
	})
	if err != nil {
		return result, fmt.Errorf("delete nodes: %w", err)
	}

	if dropShadow {
		if err := m.nodeInfo.Delete(ctx, result.Deleted); err != nil {
			log.Printf("[node.delete] drop node info ids=%v err=%v", result.Deleted, err)
		}
	}
	log.Printf("[node.delete] deleted=%d retained=%d", len(result.Deleted), len(result.Retained))
	return result, nil
}

func firstDuplicate(values []string) string {
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			return v
		}
		seen[v] = struct{}{}
	}
	return ""
}
