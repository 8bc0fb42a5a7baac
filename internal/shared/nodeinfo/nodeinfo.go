// Package nodeinfo 节点信息影子服务契约
//
// 影子服务保存节点的扩展信息（Agent 是否已安装、安装命令等），
// 节点删除后需要同步删除影子记录。实现有两种：
//   - door：平台内部 HTTP 接口
//   - mongostore：直接读写 MongoDB 影子文档
package nodeinfo

import (
	"context"

	"nodefleet/internal/shared/model"
)

// DetailResult 查询结果
//
// 记录不存在是正常结果（NotFound），不是错误；
// Detail 返回的 error 一律视为暂时性故障，由调用方决定是否中止。
type DetailResult struct {
	Found          bool
	AgentInstalled bool
}

// Found 构造"记录存在"结果
func Found(agentInstalled bool) DetailResult {
	return DetailResult{Found: true, AgentInstalled: agentInstalled}
}

// NotFound 构造"记录不存在"结果
func NotFound() DetailResult {
	return DetailResult{}
}

// InstalledOutOfBand 影子记录是否表明 Agent 已在带外安装
func (r DetailResult) InstalledOutOfBand() bool {
	return r.Found && r.AgentInstalled
}

// Service 节点信息影子服务
type Service interface {
	// Detail freeNode 为 true 时查询平台节点池命名空间
	Detail(ctx context.Context, nodeID int64, freeNode bool) (DetailResult, error)
	Delete(ctx context.Context, nodeIDs []int64) error
	AgentInstallCmd(ctx context.Context, nodeID int64) (*model.AgentInstallCmd, error)
}
