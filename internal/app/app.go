package app

import (
	"context"
	"fmt"
	"strings"

	"dealscan/internal/config"
	"dealscan/internal/ingest"
	"dealscan/internal/logger"
	"dealscan/internal/maintenance"
	"dealscan/internal/market"
	"dealscan/internal/returns"
	"dealscan/internal/scheduler"
	"dealscan/internal/store"
	"dealscan/internal/store/gormstore"
	"dealscan/internal/tasks"
	"dealscan/internal/tracking"
	apihttp "dealscan/internal/transport/http/api"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：加载配置→初始化存储与数据源→启动 HTTP、后台刷新与清理任务。
type App struct {
	cfg      *config.Config
	candles  *store.SQLiteStore
	repo     *gormstore.GormStore
	ingest   *ingest.Scheduler
	tracking *tracking.Service
	runner   *tasks.Runner
	http     *apihttp.Server
	jobs     *maintenance.Jobs
	Summary  *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 启动 HTTP 服务、后台刷新与定时清理，直到 ctx 结束。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}

	group, ctx := errgroup.WithContext(ctx)
	a.runner.SetContext(ctx)
	if n, err := a.runner.RecoverInterrupted(ctx); err != nil {
		logger.Warnf("恢复中断任务失败: %v", err)
	} else if n > 0 {
		logger.Infof("已将 %d 个中断任务标记为失败", n)
	}

	if a.http != nil {
		group.Go(func() error {
			if err := a.http.Start(ctx); err != nil {
				return fmt.Errorf("http server error: %w", err)
			}
			return nil
		})
	}

	if a.jobs != nil {
		group.Go(func() error {
			if err := a.jobs.Start(ctx); err != nil {
				return fmt.Errorf("maintenance jobs error: %w", err)
			}
			<-ctx.Done()
			return nil
		})
	}

	if every := a.cfg.Ingest.RefreshEvery(); every > 0 {
		offset := secondsToDuration(a.cfg.Ingest.RefreshOffsetSeconds)
		group.Go(func() error {
			sched := scheduler.NewAlignedScheduler(ctx, every, offset)
			sched.Name = "refresh"
			sched.RunImmediately = true
			sched.Start(func(ctx context.Context) {
				a.refreshAll(ctx)
			})
			return nil
		})
	}

	return group.Wait()
}

// ApplyConfig 应用热更新后的配置，仅日志级别与拉取并发可在运行时生效。
func (a *App) ApplyConfig(next *config.Config) {
	if a == nil || next == nil {
		return
	}
	levelChanged, concurrencyChanged := config.RuntimeDiff(a.cfg, next)
	if levelChanged {
		logger.SetLevel(next.App.LogLevel)
		logger.Infof("日志级别已更新为 %s", next.App.LogLevel)
	}
	if concurrencyChanged {
		a.ingest.SetConcurrency(next.Ingest.Concurrency)
		logger.Infof("拉取并发已更新为 %d", next.Ingest.Concurrency)
	}
	a.cfg.App.LogLevel = next.App.LogLevel
	a.cfg.Ingest.Concurrency = next.Ingest.Concurrency
}

// RefreshUser 刷新某个用户的全部配置，返回刷新后的配置与本轮结果。
func (a *App) RefreshUser(ctx context.Context, userID string) ([]market.TrackingConfig, ingest.Report, error) {
	configs, err := a.tracking.List(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	report := a.ingest.Refresh(ctx, configs)
	configs, err = a.tracking.List(ctx, userID)
	if err != nil {
		return nil, report, err
	}
	return configs, report, nil
}

// ComputeReturns 提交收益任务并等待其结束。
func (a *App) ComputeReturns(ctx context.Context, params returns.Params) (tasks.Task, error) {
	task, err := a.runner.Submit(ctx, params)
	if err != nil {
		return tasks.Task{}, err
	}
	return a.runner.Wait(ctx, task.ID)
}

// Seed 从 YAML 文件批量导入跟踪配置；path 为空时使用配置中的 seed.file。
func (a *App) Seed(ctx context.Context, path string) (tracking.SeedReport, error) {
	if strings.TrimSpace(path) == "" {
		path = a.cfg.Seed.File
	}
	return a.tracking.Seed(ctx, path)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.jobs != nil {
		a.jobs.Stop()
	}
	if a.repo != nil {
		if err := a.repo.Close(); err != nil {
			logger.Warnf("关闭关系库失败: %v", err)
		}
	}
	if a.candles != nil {
		if err := a.candles.Close(); err != nil {
			logger.Warnf("关闭K线库失败: %v", err)
		}
	}
}

func (a *App) refreshAll(ctx context.Context) {
	configs, err := a.repo.AllConfigs(ctx)
	if err != nil {
		logger.Errorf("后台刷新读取配置失败: %v", err)
		return
	}
	if len(configs) == 0 {
		return
	}
	report := a.ingest.Refresh(ctx, configs)
	logger.Infof("后台刷新完成: 成功=%d 失败=%d 跳过=%d",
		report.Count(market.OutcomeSuccess), report.Count(market.OutcomeFailure), report.Count(market.OutcomeSkipped))
}
