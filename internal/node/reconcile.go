package node

import (
	"context"
	"fmt"
	"log"
	"time"

	"nodefleet/internal/cloud"
	"nodefleet/internal/shared/model"
	"nodefleet/internal/shared/storage"
)

// 以下操作由定时任务调用，跨租户执行；单个节点/地域的失败只记录日志，不中断批次。

// ============================================================================
// Agent 自动安装
// ============================================================================

// AutoInstallStats 自动安装统计
type AutoInstallStats struct {
	Candidates  int
	Unreachable int
	Installed   int
	Failed      int
}

// AgentAutoInstall 对 install_agent_flag 为空的节点尝试 Linux 安装
//
// 不可达的节点本轮跳过、不写库；尝试过的节点无论成败都回写标记，
// 失败写 false 后不再进入候选集，原始输出归档到对象存储。
func (m *Manager) AgentAutoInstall(ctx context.Context, limit int) (AutoInstallStats, error) {
	var stats AutoInstallStats
	nodes, err := m.repo.ListAutoInstallCandidates(ctx, limit)
	if err != nil {
		return stats, fmt.Errorf("list auto install candidates: %w", err)
	}
	stats.Candidates = len(nodes)

	for _, n := range nodes {
		nctx := model.WithPrincipal(ctx, model.SystemPrincipal(n.TenantID))
		installed, attempted := m.autoInstallOne(nctx, n)
		switch {
		case !attempted:
			stats.Unreachable++
		case installed:
			stats.Installed++
		default:
			stats.Failed++
		}
	}
	return stats, nil
}

func (m *Manager) autoInstallOne(ctx context.Context, n *model.Node) (installed, attempted bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[node.auto_install] node=%d panic: %v", n.ID, r)
			installed, attempted = false, false
		}
	}()

	target, err := m.target(n)
	if err != nil {
		log.Printf("[node.auto_install] node=%d err=%v", n.ID, err)
		return false, false
	}
	if !m.prober.IsAvailable(ctx, target) {
		return false, false
	}

	var output string
	cmd, err := m.nodeInfo.AgentInstallCmd(ctx, n.ID)
	if err == nil {
		res, ierr := m.installer.InstallLinux(ctx, target, cmd)
		installed = ierr == nil && res.Success
		output = res.Output
		err = ierr
	}
	if err != nil {
		output = fmt.Sprintf("%s\nerror: %v", output, err)
	}

	// 交互式安装可能已在本轮期间写入结论，只填补仍为 NULL 的标记
	written, werr := m.repo.SetInstallAgentFlagIfUnset(ctx, n.ID, installed)
	switch {
	case werr != nil:
		log.Printf("[node.auto_install] node=%d write flag err=%v", n.ID, werr)
	case !written:
		log.Printf("[node.auto_install] node=%d flag already set, keep", n.ID)
	}
	log.Printf("[node.auto_install] node=%d tenant=%s installed=%v", n.ID, n.TenantID, installed)

	if !installed && m.archive != nil {
		if key, aerr := m.archive.ArchiveInstallLog(ctx, n.ID, m.now(), output); aerr != nil {
			log.Printf("[node.auto_install] node=%d archive err=%v", n.ID, aerr)
		} else {
			log.Printf("[node.auto_install] node=%d diagnostics=%s", n.ID, key)
		}
	}
	return installed, true
}

// ============================================================================
// 实例信息同步
// ============================================================================

// SyncStats 同步统计
type SyncStats struct {
	Candidates    int
	Updated       int
	FailedRegions int
}

// SyncInstanceInfo 按地域查询未同步节点的实例信息，字段有变化才写库
func (m *Manager) SyncInstanceInfo(ctx context.Context, limit int) (SyncStats, error) {
	var stats SyncStats
	nodes, err := m.repo.ListUnsyncedInstances(ctx, limit)
	if err != nil {
		return stats, fmt.Errorf("list unsynced instances: %w", err)
	}
	stats.Candidates = len(nodes)

	regions, groups := cloud.GroupByRegion(nodes)
	for _, region := range regions {
		group := groups[region]
		observed, err := m.cloud.GetInstancesDescribe(ctx, region, cloud.InstanceIDs(group))
		if err != nil {
			log.Printf("[node.sync] region=%s instances=%d err=%v", region, len(group), err)
			stats.FailedRegions++
			continue
		}
		for _, n := range group {
			o, ok := observed[n.InstanceID]
			if !ok {
				continue
			}
			info := observedInfo(n, o)
			if !instanceChanged(n, info) {
				continue
			}
			if err := m.repo.UpdateInstanceInfo(ctx, n.ID, info); err != nil {
				log.Printf("[node.sync] node=%d err=%v", n.ID, err)
				continue
			}
			stats.Updated++
		}
	}
	return stats, nil
}

// observedInfo 以云侧观测值覆盖本地字段；云侧为空的字段保留本地值
func observedInfo(local, observed *model.Node) storage.InstanceInfo {
	info := storage.InstanceInfo{
		InstanceStatus: observed.InstanceStatus,
		IP:             observed.IP,
		PublicIP:       observed.PublicIP,
		ExpiredDate:    observed.InstanceExpiredDate,
		CPU:            observed.CPU,
		MemoryMB:       observed.MemoryMB,
	}
	if info.InstanceStatus == "" {
		info.InstanceStatus = local.InstanceStatus
	}
	if info.IP == "" {
		info.IP = local.IP
	}
	if info.PublicIP == "" {
		info.PublicIP = local.PublicIP
	}
	if info.ExpiredDate == nil {
		info.ExpiredDate = local.InstanceExpiredDate
	}
	if info.CPU == 0 {
		info.CPU = local.CPU
	}
	if info.MemoryMB == 0 {
		info.MemoryMB = local.MemoryMB
	}
	info.Synced = info.InstanceStatus == model.InstanceStatusRunning && info.IP != ""
	return info
}

func instanceChanged(n *model.Node, info storage.InstanceInfo) bool {
	return n.InstanceStatus != info.InstanceStatus ||
		n.IP != info.IP ||
		n.PublicIP != info.PublicIP ||
		n.CPU != info.CPU ||
		n.MemoryMB != info.MemoryMB ||
		n.InstanceSynced != info.Synced ||
		!sameTime(n.InstanceExpiredDate, info.ExpiredDate)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// ============================================================================
// 到期回收
// ============================================================================

// ExpireStats 到期回收统计
type ExpireStats struct {
	Marked   int64
	Deleted  int
	Retained int
}

// ExpireAndDeleteAliYunInstances 标记超过宽限期的到期实例，并释放一批已过期节点
//
// 宽限期避免与续费竞争：续费只更新未过期的行，两者之间没有共享锁。
func (m *Manager) ExpireAndDeleteAliYunInstances(ctx context.Context, limit int) (ExpireStats, error) {
	var stats ExpireStats
	marked, err := m.repo.MarkExpiredInstances(ctx, m.now().Add(-m.grace))
	if err != nil {
		return stats, fmt.Errorf("mark expired instances: %w", err)
	}
	stats.Marked = marked

	nodes, err := m.repo.ListExpiredInstances(ctx, limit)
	if err != nil {
		return stats, fmt.Errorf("list expired instances: %w", err)
	}
	if len(nodes) == 0 {
		return stats, nil
	}

	ids := nodeIDs(nodes)
	if err := m.nodeInfo.Delete(ctx, ids); err != nil {
		log.Printf("[node.expire] drop node info ids=%v err=%v", ids, err)
	}
	result, err := m.deleteNodes(ctx, nodes, false)
	if result != nil {
		stats.Deleted = len(result.Deleted)
		stats.Retained = len(result.Retained)
	}
	if err != nil {
		return stats, err
	}
	log.Printf("[node.expire] marked=%d deleted=%d retained=%d", stats.Marked, stats.Deleted, stats.Retained)
	return stats, nil
}
