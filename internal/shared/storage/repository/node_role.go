package repository

import (
	"context"
	"fmt"

	"nodefleet/internal/shared/model"
	"nodefleet/internal/shared/storage/dbutil"
)

// ReplaceNodeRoles 整体替换节点角色
func (s *Store) ReplaceNodeRoles(ctx context.Context, nodeID int64, roles []string) error {
	if _, err := s.q.ExecContext(ctx, s.rebind(`DELETE FROM node_role WHERE node_id = $1`), nodeID); err != nil {
		return fmt.Errorf("delete node roles: %w", err)
	}
	rows := (&model.Node{ID: nodeID, Roles: roles}).RoleRows()
	insert := s.rebind(`INSERT INTO node_role (node_id, role) VALUES ($1, $2)`)
	for _, r := range rows {
		if _, err := s.q.ExecContext(ctx, insert, r.NodeID, r.Role); err != nil {
			return fmt.Errorf("insert node role %s: %w", r.Role, err)
		}
	}
	return nil
}

// ListNodeRoles 批量加载节点角色
func (s *Store) ListNodeRoles(ctx context.Context, nodeIDs []int64) (map[int64][]string, error) {
	out := make(map[int64][]string, len(nodeIDs))
	if len(nodeIDs) == 0 {
		return out, nil
	}
	query := s.rebind(fmt.Sprintf(`SELECT node_id, role FROM node_role WHERE node_id IN (%s) ORDER BY node_id, role`,
		dbutil.Placeholders(1, len(nodeIDs))))
	rows, err := s.q.QueryContext(ctx, query, dbutil.Args(nodeIDs)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var r model.NodeRole
		if err := rows.Scan(&r.NodeID, &r.Role); err != nil {
			return nil, err
		}
		out[r.NodeID] = append(out[r.NodeID], r.Role)
	}
	return out, rows.Err()
}
