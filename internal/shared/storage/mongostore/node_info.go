package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"nodefleet/internal/shared/model"
	"nodefleet/internal/shared/nodeinfo"
	"nodefleet/internal/shared/storage"
)

// NodeInfoDoc 节点影子文档
type NodeInfoDoc struct {
	NodeID             int64                  `bson:"_id"`
	TenantID           string                 `bson:"tenant_id"`
	FreeNode           bool                   `bson:"free_node"`
	AgentInstalledFlag bool                   `bson:"agent_installed_flag"`
	InstallCmd         *model.AgentInstallCmd `bson:"install_cmd,omitempty"`
	UpdatedAt          time.Time              `bson:"updated_at"`
}

var _ nodeinfo.Service = (*Store)(nil)

// SaveNodeInfo 写入或覆盖影子文档
func (s *Store) SaveNodeInfo(ctx context.Context, doc *NodeInfoDoc) error {
	doc.UpdatedAt = time.Now().UTC()
	_, err := s.col(ColNodeInfo).ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: doc.NodeID}}, doc,
		options.Replace().SetUpsert(true))
	return wrapError(err)
}

// Detail 实现 nodeinfo.Service
func (s *Store) Detail(ctx context.Context, nodeID int64, freeNode bool) (nodeinfo.DetailResult, error) {
	doc, err := findOne[NodeInfoDoc](ctx, s.col(ColNodeInfo), bson.D{
		{Key: "_id", Value: nodeID},
		{Key: "free_node", Value: freeNode},
	})
	if err != nil {
		return nodeinfo.DetailResult{}, err
	}
	if doc == nil {
		return nodeinfo.NotFound(), nil
	}
	return nodeinfo.Found(doc.AgentInstalledFlag), nil
}

// Delete 实现 nodeinfo.Service
func (s *Store) Delete(ctx context.Context, nodeIDs []int64) error {
	if len(nodeIDs) == 0 {
		return nil
	}
	_, err := s.col(ColNodeInfo).DeleteMany(ctx, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: nodeIDs}}}})
	return wrapError(err)
}

// AgentInstallCmd 实现 nodeinfo.Service
func (s *Store) AgentInstallCmd(ctx context.Context, nodeID int64) (*model.AgentInstallCmd, error) {
	doc, err := findOne[NodeInfoDoc](ctx, s.col(ColNodeInfo), bson.D{{Key: "_id", Value: nodeID}})
	if err != nil {
		return nil, err
	}
	if doc == nil || doc.InstallCmd.Empty() {
		return nil, fmt.Errorf("install cmd for node %d: %w", nodeID, storage.ErrNotFound)
	}
	return doc.InstallCmd, nil
}
