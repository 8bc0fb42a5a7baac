package reconcile

import (
	"context"
	"log"

	"nodefleet/internal/config"
	"nodefleet/internal/node"
)

// 任务名
const (
	JobSyncInstanceInfo = "sync_instance_info"
	JobAgentAutoInstall = "agent_auto_install"
	JobExpireInstances  = "expire_instances"
)

// NodeReconciler 节点对账操作（由 node.Manager 实现）
type NodeReconciler interface {
	SyncInstanceInfo(ctx context.Context, limit int) (node.SyncStats, error)
	AgentAutoInstall(ctx context.Context, limit int) (node.AutoInstallStats, error)
	ExpireAndDeleteAliYunInstances(ctx context.Context, limit int) (node.ExpireStats, error)
}

// NodeJobs 根据配置构造节点对账任务，未启用的任务不返回
func NodeJobs(r NodeReconciler, cfg config.ReconcileConfig, m *Metrics) []Job {
	var jobs []Job

	if c := cfg.SyncInstanceInfo; c.IsEnabled() {
		jobs = append(jobs, Job{
			Name:     JobSyncInstanceInfo,
			Interval: c.Interval,
			LockTTL:  c.LockTTL,
			Run: func(ctx context.Context) error {
				stats, err := r.SyncInstanceInfo(ctx, c.Batch)
				m.RecordSynced(stats.Updated)
				log.Printf("[reconcile.sync] candidates=%d updated=%d failed_regions=%d",
					stats.Candidates, stats.Updated, stats.FailedRegions)
				return err
			},
		})
	}

	if c := cfg.AgentAutoInstall; c.IsEnabled() {
		jobs = append(jobs, Job{
			Name:     JobAgentAutoInstall,
			Interval: c.Interval,
			LockTTL:  c.LockTTL,
			Run: func(ctx context.Context) error {
				stats, err := r.AgentAutoInstall(ctx, c.Batch)
				m.RecordAgentInstalls(stats.Installed, stats.Failed, stats.Unreachable)
				log.Printf("[reconcile.auto_install] candidates=%d installed=%d failed=%d unreachable=%d",
					stats.Candidates, stats.Installed, stats.Failed, stats.Unreachable)
				return err
			},
		})
	}

	if c := cfg.ExpireInstances; c.IsEnabled() {
		jobs = append(jobs, Job{
			Name:     JobExpireInstances,
			Interval: c.Interval,
			LockTTL:  c.LockTTL,
			Run: func(ctx context.Context) error {
				stats, err := r.ExpireAndDeleteAliYunInstances(ctx, c.Batch)
				m.RecordExpired(stats.Deleted, stats.Retained)
				log.Printf("[reconcile.expire] marked=%d deleted=%d retained=%d",
					stats.Marked, stats.Deleted, stats.Retained)
				return err
			},
		})
	}

	return jobs
}

// RegisterAll 注册全部任务
func (s *Scheduler) RegisterAll(jobs []Job) error {
	for _, j := range jobs {
		if err := s.Register(j); err != nil {
			return err
		}
	}
	return nil
}
