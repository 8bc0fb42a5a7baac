// Package reconcile 周期性对账任务调度
//
// 每次运行先以随机 token 抢占分布式锁，抢不到则跳过本轮；
// 锁只由持有者释放，持有者崩溃时依赖 TTL 自动过期。
// 单轮内的逐项失败由任务自身隔离，任务返回的错误只影响本轮。
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"nodefleet/internal/shared/lock"
	"nodefleet/pkg/logging"
)

// releaseTimeout 释放锁的超时，与任务上下文无关
const releaseTimeout = 5 * time.Second

// ErrInvalidJob 任务定义不完整
var ErrInvalidJob = errors.New("reconcile: invalid job")

// Job 一个对账任务
type Job struct {
	Name     string
	Interval time.Duration
	LockTTL  time.Duration
	Run      func(ctx context.Context) error
}

func (j Job) lockKey() string {
	return "reconcile:" + j.Name
}

// Scheduler 对账调度器
type Scheduler struct {
	cron     *cron.Cron
	locker   lock.Locker
	metrics  *Metrics
	logger   *logging.Logger
	newToken func() string

	mu      sync.Mutex
	running bool
	jobs    []Job
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler 创建调度器
func NewScheduler(locker lock.Locker, metrics *Metrics, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default("reconcile")
	}
	cronLog := cron.PrintfLogger(log.New(os.Stdout, "[reconcile.cron] ", log.LstdFlags))
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		locker:   locker,
		metrics:  metrics,
		logger:   logger,
		newToken: uuid.NewString,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Register 注册任务，按固定间隔触发；上一轮未结束时跳过
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil || job.Interval <= 0 || job.LockTTL <= 0 {
		return fmt.Errorf("%w: %q", ErrInvalidJob, job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.cron.AddFunc("@every "+job.Interval.String(), func() {
		_, _ = s.RunOnce(s.ctx, job)
	}); err != nil {
		return fmt.Errorf("register %s: %w", job.Name, err)
	}
	s.jobs = append(s.jobs, job)
	s.logger.WithJob(job.Name).Info("job registered", "interval", job.Interval.String(), "lock_ttl", job.LockTTL.String())
	return nil
}

// Jobs 已注册的任务
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, len(s.jobs))
	copy(out, s.jobs)
	return out
}

// Start 启动调度
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	log.Printf("[reconcile.start] jobs=%d", len(s.jobs))
}

// Stop 停止调度，取消进行中的任务并等待其退出或 ctx 到期
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		log.Printf("[reconcile.stop] all jobs finished")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce 在锁保护下执行一轮任务
//
// 返回值 ran 表示本轮是否真正执行；锁被占用时 ran=false 且 err=nil。
func (s *Scheduler) RunOnce(ctx context.Context, job Job) (ran bool, err error) {
	ctx = context.WithValue(ctx, logging.JobKey, job.Name)
	logger := s.logger.WithContext(ctx)
	key := job.lockKey()
	token := s.newToken()

	acquired, err := s.locker.TryLock(ctx, key, token, job.LockTTL)
	if err != nil {
		s.metrics.RecordRun(job.Name, ResultLockError, 0)
		logger.WithError(err).Warn("acquire lock failed")
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !acquired {
		s.metrics.RecordRun(job.Name, ResultSkipped, 0)
		logger.Debug("lock held elsewhere, skip")
		return false, nil
	}

	start := time.Now()
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if rerr := s.locker.Release(rctx, key, token); rerr != nil {
			logger.WithError(rerr).Warn("release lock failed")
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			ran = true
			err = fmt.Errorf("job %s panic: %v", job.Name, r)
			log.Printf("[reconcile.panic] job=%s err=%v\n%s", job.Name, r, debug.Stack())
		}
		elapsed := time.Since(start)
		result := ResultOK
		if err != nil {
			result = ResultError
		}
		s.metrics.RecordRun(job.Name, result, elapsed)
		logger.WithDuration(elapsed).WithError(err).JobLog(job.Name, "finish", "result", result)
	}()

	logger.JobLog(job.Name, "start")
	return true, job.Run(ctx)
}
