// Package maintenance 用 gocron 运行后台清理：过期任务与孤立序列。
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dealscan/internal/logger"

	"github.com/go-co-op/gocron"
)

const (
	DefaultExpireEvery = 10 * time.Minute
	DefaultPruneEvery  = time.Hour
)

type TaskExpirer interface {
	Expire(ctx context.Context, retention time.Duration) (int64, error)
}

type OrphanPruner interface {
	PruneOrphans(ctx context.Context) (int, error)
}

type Config struct {
	Tasks       TaskExpirer
	Pruner      OrphanPruner
	Retention   time.Duration
	ExpireEvery time.Duration
	PruneEvery  time.Duration
}

// Jobs 管理定时清理任务。
type Jobs struct {
	cfg  Config
	cron *gocron.Scheduler
	log  logger.Entry

	mu  sync.Mutex
	ctx context.Context
}

func New(cfg Config) *Jobs {
	if cfg.ExpireEvery <= 0 {
		cfg.ExpireEvery = DefaultExpireEvery
	}
	if cfg.PruneEvery <= 0 {
		cfg.PruneEvery = DefaultPruneEvery
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 6 * time.Hour
	}
	return &Jobs{
		cfg:  cfg,
		cron: gocron.NewScheduler(time.UTC),
		log:  logger.Named("maintenance"),
		ctx:  context.Background(),
	}
}

// Start 注册任务并异步启动，ctx 结束时自动停止。
func (j *Jobs) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	j.mu.Lock()
	j.ctx = ctx
	j.mu.Unlock()

	if j.cfg.Tasks != nil {
		if _, err := j.cron.Every(j.cfg.ExpireEvery).Do(j.expireTasks); err != nil {
			return fmt.Errorf("注册任务过期清理失败: %w", err)
		}
	}
	if j.cfg.Pruner != nil {
		if _, err := j.cron.Every(j.cfg.PruneEvery).Do(j.pruneOrphans); err != nil {
			return fmt.Errorf("注册孤立序列清理失败: %w", err)
		}
	}
	j.cron.StartAsync()
	j.log.Infof("started expire_every=%s prune_every=%s retention=%s", j.cfg.ExpireEvery, j.cfg.PruneEvery, j.cfg.Retention)
	go func() {
		<-ctx.Done()
		j.Stop()
	}()
	return nil
}

func (j *Jobs) Stop() {
	if j.cron.IsRunning() {
		j.cron.Stop()
		j.log.Infof("stopped")
	}
}

// RunOnce 同步执行一轮全部清理。
func (j *Jobs) RunOnce() {
	if j.cfg.Tasks != nil {
		j.expireTasks()
	}
	if j.cfg.Pruner != nil {
		j.pruneOrphans()
	}
}

func (j *Jobs) context() context.Context {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.ctx
}

func (j *Jobs) expireTasks() {
	n, err := j.cfg.Tasks.Expire(j.context(), j.cfg.Retention)
	if err != nil {
		j.log.Warnf("清理过期任务失败: %v", err)
		return
	}
	if n > 0 {
		j.log.Infof("清理过期任务 %d 个", n)
	}
}

func (j *Jobs) pruneOrphans() {
	n, err := j.cfg.Pruner.PruneOrphans(j.context())
	if err != nil {
		j.log.Warnf("清理孤立序列失败: %v", err)
		return
	}
	if n > 0 {
		j.log.Infof("清理孤立序列 %d 条", n)
	}
}
