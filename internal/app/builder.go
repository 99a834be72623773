package app

import (
	"context"
	"fmt"
	"time"

	"dealscan/internal/config"
	"dealscan/internal/ingest"
	"dealscan/internal/logger"
	"dealscan/internal/maintenance"
	"dealscan/internal/market"
	"dealscan/internal/store"
	"dealscan/internal/store/gormstore"
	"dealscan/internal/tasks"
	"dealscan/internal/tracking"
	apihttp "dealscan/internal/transport/http/api"
)

// AppBuilder 按配置组装依赖；各 *Fn 字段可在测试中替换。
type AppBuilder struct {
	cfg *config.Config

	candleStoreFn func(string) (*store.SQLiteStore, error)
	repoFn        func(config.DatabaseConfig) (*gormstore.GormStore, error)
	sourcesFn     func(config.MarketConfig, config.IngestConfig) (ingest.Sources, error)
	httpFn        func(config.AppConfig, apihttp.Config) (*apihttp.Server, error)
}

type AppBuilderOption func(*AppBuilder)

// WithSources 替换数据源构建逻辑。
func WithSources(fn func(config.MarketConfig, config.IngestConfig) (ingest.Sources, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.sourcesFn = fn
		}
	}
}

// WithoutHTTP 构建不带 HTTP 服务的应用（CLI 子命令使用）。
func WithoutHTTP() AppBuilderOption {
	return func(b *AppBuilder) {
		b.httpFn = func(config.AppConfig, apihttp.Config) (*apihttp.Server, error) { return nil, nil }
	}
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:           cfg,
		candleStoreFn: store.OpenSQLite,
		repoFn:        openRepository,
		sourcesFn:     buildSources,
		httpFn:        buildHTTPServer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func openRepository(cfg config.DatabaseConfig) (*gormstore.GormStore, error) {
	return gormstore.Open(cfg.Driver, cfg.DSN)
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	candles, err := b.candleStoreFn(cfg.Database.CandlesPath)
	if err != nil {
		return nil, fmt.Errorf("打开K线库失败: %w", err)
	}
	success := false
	defer func() {
		if !success {
			_ = candles.Close()
		}
	}()
	logger.Infof("✓ K线库: %s", cfg.Database.CandlesPath)

	repo, err := b.repoFn(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("打开关系库失败: %w", err)
	}
	defer func() {
		if !success {
			_ = repo.Close()
		}
	}()
	logger.Infof("✓ 关系库: %s", cfg.Database.Driver)

	sources, err := b.sourcesFn(cfg.Market, cfg.Ingest)
	if err != nil {
		return nil, err
	}

	ingestSvc, err := ingest.NewScheduler(ingest.Config{
		Sources:      sources,
		Candles:      candles,
		Recorder:     repo,
		Failures:     repo,
		Concurrency:  cfg.Ingest.Concurrency,
		FetchTimeout: cfg.Ingest.FetchTimeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("初始化拉取调度失败: %w", err)
	}

	taskCfg := tasks.Config{
		Repo:          repo,
		Candles:       candles,
		MaxConcurrent: cfg.Returns.MaxConcurrent,
	}
	var trackingOpts []tracking.Option
	if engine, mkt, code, ok := cfg.Returns.BenchmarkParts(); ok {
		bench, err := ingest.NewBenchmark(ingest.BenchmarkConfig{
			Ref:          market.NewInstrumentRef(engine, mkt, code),
			Sources:      sources,
			Candles:      candles,
			MaxAge:       cfg.Returns.BenchmarkMaxAge(),
			FetchTimeout: cfg.Ingest.FetchTimeout(),
		})
		if err != nil {
			return nil, fmt.Errorf("初始化基准指数失败: %w", err)
		}
		taskCfg.Benchmark = bench
		trackingOpts = append(trackingOpts, tracking.WithKeptInstruments(bench.Ref()))
		logger.Infof("✓ 基准指数: %s", bench.Ref())
	}
	if caps, ok := capitalizationSource(sources); ok {
		trackingOpts = append(trackingOpts, tracking.WithCapitalization(caps))
	}

	runner, err := tasks.NewRunner(taskCfg)
	if err != nil {
		return nil, fmt.Errorf("初始化收益任务失败: %w", err)
	}

	trackingSvc := tracking.NewService(repo, candles, trackingOpts...)

	server, err := b.httpFn(cfg.App, apihttp.Config{
		Tracking:  trackingSvc,
		Refresher: ingestSvc,
		Candles:   candles,
		Tasks:     runner,
		Failures:  repo,
	})
	if err != nil {
		return nil, err
	}

	jobs := maintenance.New(maintenance.Config{
		Tasks:     runner,
		Pruner:    trackingSvc,
		Retention: cfg.Returns.Retention(),
	})

	app := &App{
		cfg:      cfg,
		candles:  candles,
		repo:     repo,
		ingest:   ingestSvc,
		tracking: trackingSvc,
		runner:   runner,
		http:     server,
		jobs:     jobs,
		Summary:  buildSummary(ctx, cfg, sources, repo),
	}
	success = true
	return app, nil
}

func secondsToDuration(sec int) time.Duration {
	if sec <= 0 {
		return 0
	}
	return time.Duration(sec) * time.Second
}
