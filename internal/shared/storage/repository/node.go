// Package repository Node 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"nodefleet/internal/shared/model"
	"nodefleet/internal/shared/storage"
	"nodefleet/internal/shared/storage/dbutil"
)

const nodeColumns = `id, tenant_id, name, ip, public_ip, ssh_port, username, passd_encrypted,
	source, enabled, region_id, instance_id, instance_status, instance_synced, charge_type, spec,
	cpu, memory_mb, order_id, instance_expired_date, expired_flag, install_agent_flag, deleted_flag,
	created_at, updated_at`

// InsertNodes 批量插入节点
func (s *Store) InsertNodes(ctx context.Context, nodes []*model.Node) error {
	query := s.rebind(`
		INSERT INTO node (tenant_id, name, ip, public_ip, ssh_port, username, passd_encrypted,
			source, enabled, region_id, instance_id, instance_status, instance_synced, charge_type, spec,
			cpu, memory_mb, order_id, instance_expired_date, expired_flag, install_agent_flag, deleted_flag,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
		RETURNING id
	`)
	for _, n := range nodes {
		if n.CreatedAt.IsZero() {
			n.CreatedAt = time.Now()
		}
		n.CreatedAt = ts(n.CreatedAt)
		n.UpdatedAt = n.CreatedAt
		if n.SSHPort == 0 {
			n.SSHPort = 22
		}
		err := s.q.QueryRowContext(ctx, query,
			n.TenantID, n.Name, n.IP, n.PublicIP, n.SSHPort, n.Username, n.PasswordEncrypted,
			string(n.Source), n.Enabled, n.RegionID, n.InstanceID, n.InstanceStatus, n.InstanceSynced, n.ChargeType, n.Spec,
			n.CPU, n.MemoryMB, n.OrderID, nullTime(n.InstanceExpiredDate), n.ExpiredFlag, nullBool(n.InstallAgentFlag), n.DeletedFlag,
			n.CreatedAt, n.UpdatedAt,
		).Scan(&n.ID)
		if err != nil {
			return fmt.Errorf("insert node %s: %w", n.IP, err)
		}
	}
	return nil
}

// GetNode 获取租户内的节点
func (s *Store) GetNode(ctx context.Context, tenantID string, id int64) (*model.Node, error) {
	query := s.rebind(`SELECT ` + nodeColumns + ` FROM node WHERE id = $1 AND tenant_id = $2 AND deleted_flag = $3`)
	node, err := scanNode(s.q.QueryRowContext(ctx, query, id, tenantID, false))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return node, err
}

// GetNodesByIDs 批量获取节点（缺失的 ID 不报错，由调用方比对数量）
func (s *Store) GetNodesByIDs(ctx context.Context, tenantID string, ids []int64) ([]*model.Node, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := s.rebind(fmt.Sprintf(
		`SELECT %s FROM node WHERE tenant_id = $1 AND deleted_flag = $2 AND id IN (%s) ORDER BY id`,
		nodeColumns, dbutil.Placeholders(3, len(ids))))
	args := append([]interface{}{tenantID, false}, dbutil.Args(ids)...)
	return s.queryNodes(ctx, query, args...)
}

// ListNodes 按条件列出节点
func (s *Store) ListNodes(ctx context.Context, filter storage.NodeFilter) ([]*model.Node, error) {
	conditions := []string{"tenant_id = $1", "deleted_flag = $2"}
	args := []interface{}{filter.TenantID, false}
	if filter.Source != "" {
		args = append(args, string(filter.Source))
		conditions = append(conditions, fmt.Sprintf("source = $%d", len(args)))
	}
	if filter.Enabled != nil {
		args = append(args, *filter.Enabled)
		conditions = append(conditions, fmt.Sprintf("enabled = $%d", len(args)))
	}
	query := fmt.Sprintf(`SELECT %s FROM node WHERE %s ORDER BY id`, nodeColumns, strings.Join(conditions, " AND "))
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", filter.Limit, filter.Offset)
	}
	return s.queryNodes(ctx, s.rebind(query), args...)
}

// CountNodes 统计租户内未删除的节点数
func (s *Store) CountNodes(ctx context.Context, tenantID string) (int, error) {
	var n int
	query := s.rebind(`SELECT COUNT(*) FROM node WHERE tenant_id = $1 AND deleted_flag = $2`)
	err := s.q.QueryRowContext(ctx, query, tenantID, false).Scan(&n)
	return n, err
}

// FindIPConflicts 查找已被占用的 IP
func (s *Store) FindIPConflicts(ctx context.Context, tenantID string, ips []string, excludeIDs []int64) ([]string, error) {
	if len(ips) == 0 {
		return nil, nil
	}
	args := append([]interface{}{tenantID, false}, dbutil.Args(ips)...)
	query := fmt.Sprintf(`SELECT DISTINCT ip FROM node WHERE tenant_id = $1 AND deleted_flag = $2 AND ip IN (%s)`,
		dbutil.Placeholders(3, len(ips)))
	if len(excludeIDs) > 0 {
		query += fmt.Sprintf(" AND id NOT IN (%s)", dbutil.Placeholders(len(args)+1, len(excludeIDs)))
		args = append(args, dbutil.Args(excludeIDs)...)
	}
	query += " ORDER BY ip"

	rows, err := s.q.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, err
		}
		out = append(out, ip)
	}
	return out, rows.Err()
}

// UpdateNode 覆盖节点可变列
func (s *Store) UpdateNode(ctx context.Context, n *model.Node) error {
	n.UpdatedAt = ts(time.Now())
	query := s.rebind(`
		UPDATE node SET name = $1, ip = $2, public_ip = $3, ssh_port = $4, username = $5, passd_encrypted = $6,
			source = $7, enabled = $8, region_id = $9, instance_id = $10, instance_status = $11, charge_type = $12,
			spec = $13, cpu = $14, memory_mb = $15, order_id = $16, instance_expired_date = $17,
			install_agent_flag = $18, updated_at = $19
		WHERE id = $20 AND tenant_id = $21
	`)
	res, err := s.q.ExecContext(ctx, query,
		n.Name, n.IP, n.PublicIP, n.SSHPort, n.Username, n.PasswordEncrypted,
		string(n.Source), n.Enabled, n.RegionID, n.InstanceID, n.InstanceStatus, n.ChargeType,
		n.Spec, n.CPU, n.MemoryMB, n.OrderID, nullTime(n.InstanceExpiredDate),
		nullBool(n.InstallAgentFlag), n.UpdatedAt,
		n.ID, n.TenantID)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// RenameNode 只更新 name 列
func (s *Store) RenameNode(ctx context.Context, tenantID string, id int64, name string) error {
	query := s.rebind(`UPDATE node SET name = $1, updated_at = $2 WHERE id = $3 AND tenant_id = $4 AND deleted_flag = $5`)
	res, err := s.q.ExecContext(ctx, query, name, ts(time.Now()), id, tenantID, false)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// SetNodesEnabled 批量启用/禁用
func (s *Store) SetNodesEnabled(ctx context.Context, tenantID string, ids []int64, enabled bool) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := s.rebind(fmt.Sprintf(`UPDATE node SET enabled = $1, updated_at = $2 WHERE tenant_id = $3 AND id IN (%s)`,
		dbutil.Placeholders(4, len(ids))))
	args := append([]interface{}{enabled, ts(time.Now()), tenantID}, dbutil.Args(ids)...)
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteNodes 物理删除节点（角色随之删除）
func (s *Store) DeleteNodes(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	in := dbutil.Placeholders(1, len(ids))
	args := dbutil.Args(ids)
	if _, err := s.q.ExecContext(ctx, s.rebind(`DELETE FROM node_role WHERE node_id IN (`+in+`)`), args...); err != nil {
		return fmt.Errorf("delete node roles: %w", err)
	}
	if _, err := s.q.ExecContext(ctx, s.rebind(`DELETE FROM node WHERE id IN (`+in+`)`), args...); err != nil {
		return fmt.Errorf("delete nodes: %w", err)
	}
	return nil
}

// SetInstallAgentFlag 写入 Agent 安装标记
func (s *Store) SetInstallAgentFlag(ctx context.Context, id int64, flag *bool) error {
	query := s.rebind(`UPDATE node SET install_agent_flag = $1, updated_at = $2 WHERE id = $3`)
	res, err := s.q.ExecContext(ctx, query, nullBool(flag), ts(time.Now()), id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// SetInstallAgentFlagIfUnset 仅在 install_agent_flag IS NULL 时写入，已有结论的节点保持不变
func (s *Store) SetInstallAgentFlagIfUnset(ctx context.Context, id int64, flag bool) (bool, error) {
	query := s.rebind(`UPDATE node SET install_agent_flag = $1, updated_at = $2 WHERE id = $3 AND install_agent_flag IS NULL`)
	res, err := s.q.ExecContext(ctx, query, flag, ts(time.Now()), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ============================================================================
// 定时任务查询
// ============================================================================

// ListAutoInstallCandidates 列出待自动安装 Agent 的节点
func (s *Store) ListAutoInstallCandidates(ctx context.Context, limit int) ([]*model.Node, error) {
	query := s.rebind(fmt.Sprintf(`SELECT %s FROM node
		WHERE install_agent_flag IS NULL AND ip <> '' AND enabled = %s AND deleted_flag = %s AND expired_flag = %s
		ORDER BY id LIMIT $1`,
		nodeColumns, s.dialect.BooleanLiteral(true), s.dialect.BooleanLiteral(false), s.dialect.BooleanLiteral(false)))
	return s.queryNodes(ctx, query, limit)
}

// ListUnsyncedInstances 列出待同步实例信息的 ONLINE_BUY 节点
func (s *Store) ListUnsyncedInstances(ctx context.Context, limit int) ([]*model.Node, error) {
	query := s.rebind(`SELECT ` + nodeColumns + ` FROM node
		WHERE source = $1 AND instance_synced = $2 AND deleted_flag = $3
		ORDER BY region_id, id LIMIT $4`)
	return s.queryNodes(ctx, query, string(model.NodeSourceOnlineBuy), false, false, limit)
}

// UpdateInstanceInfo 覆盖云侧观测字段
func (s *Store) UpdateInstanceInfo(ctx context.Context, id int64, info storage.InstanceInfo) error {
	query := s.rebind(`
		UPDATE node SET instance_status = $1, ip = $2, public_ip = $3, instance_expired_date = $4,
			cpu = $5, memory_mb = $6, instance_synced = $7, updated_at = $8
		WHERE id = $9
	`)
	res, err := s.q.ExecContext(ctx, query,
		info.InstanceStatus, info.IP, info.PublicIP, nullTime(info.ExpiredDate),
		info.CPU, info.MemoryMB, info.Synced, ts(time.Now()), id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// MarkExpiredInstances 标记到期时间严格早于 before 的实例
func (s *Store) MarkExpiredInstances(ctx context.Context, before time.Time) (int64, error) {
	query := s.rebind(`
		UPDATE node SET expired_flag = $1, updated_at = $2
		WHERE source = $3 AND expired_flag = $4 AND deleted_flag = $5
			AND instance_expired_date IS NOT NULL AND instance_expired_date < $6
	`)
	res, err := s.q.ExecContext(ctx, query, true, ts(time.Now()),
		string(model.NodeSourceOnlineBuy), false, false, ts(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListExpiredInstances 列出已过期、尚未删除的节点
func (s *Store) ListExpiredInstances(ctx context.Context, limit int) ([]*model.Node, error) {
	query := s.rebind(`SELECT ` + nodeColumns + ` FROM node
		WHERE source = $1 AND expired_flag = $2 AND deleted_flag = $3
		ORDER BY region_id, id LIMIT $4`)
	return s.queryNodes(ctx, query, string(model.NodeSourceOnlineBuy), true, false, limit)
}

// RenewInstances 续费：只处理尚未标记过期的节点
func (s *Store) RenewInstances(ctx context.Context, tenantID, originalOrderID, newOrderID string, expiredDate time.Time) (int64, error) {
	query := s.rebind(`
		UPDATE node SET instance_expired_date = $1, order_id = $2, updated_at = $3
		WHERE tenant_id = $4 AND order_id = $5 AND source = $6 AND expired_flag = $7 AND deleted_flag = $8
	`)
	res, err := s.q.ExecContext(ctx, query, ts(expiredDate), newOrderID, ts(time.Now()),
		tenantID, originalOrderID, string(model.NodeSourceOnlineBuy), false, false)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ============================================================================
// 扫描辅助
// ============================================================================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(row rowScanner) (*model.Node, error) {
	n := &model.Node{}
	var source string
	var expired sql.NullTime
	var installFlag sql.NullBool
	err := row.Scan(&n.ID, &n.TenantID, &n.Name, &n.IP, &n.PublicIP, &n.SSHPort, &n.Username, &n.PasswordEncrypted,
		&source, &n.Enabled, &n.RegionID, &n.InstanceID, &n.InstanceStatus, &n.InstanceSynced, &n.ChargeType, &n.Spec,
		&n.CPU, &n.MemoryMB, &n.OrderID, &expired, &n.ExpiredFlag, &installFlag, &n.DeletedFlag,
		&n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	n.Source = model.NodeSource(source)
	if expired.Valid {
		t := expired.Time.UTC()
		n.InstanceExpiredDate = &t
	}
	if installFlag.Valid {
		n.InstallAgentFlag = model.Bool(installFlag.Bool)
	}
	n.CreatedAt = n.CreatedAt.UTC()
	n.UpdatedAt = n.UpdatedAt.UTC()
	return n, nil
}

func (s *Store) queryNodes(ctx context.Context, query string, args ...interface{}) ([]*model.Node, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var nodes []*model.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func expectAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
