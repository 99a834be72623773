package app

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"dealscan/internal/binance"
	"dealscan/internal/config"
	"dealscan/internal/ingest"
	"dealscan/internal/logger"
	"dealscan/internal/moex"
	"dealscan/internal/tracking"
)

// buildSources 创建 MOEX 默认源，并按 engine_sources 把其他引擎路由到对应数据源。
func buildSources(cfg config.MarketConfig, ingestCfg config.IngestConfig) (ingest.Sources, error) {
	moexClient, err := moex.NewClient(moex.Config{
		BaseURL:          cfg.MOEX.BaseURL,
		PageSize:         cfg.MOEX.PageSize,
		Timeout:          secondsToDuration(cfg.MOEX.TimeoutSeconds),
		RateLimitPerMin:  cfg.MOEX.RateLimitPerMin,
		RetryBackoff:     time.Duration(cfg.MOEX.RetryBackoffMS) * time.Millisecond,
		BreakerThreshold: ingestCfg.BreakerThreshold,
		BreakerCooldown:  secondsToDuration(cfg.MOEX.BreakerCooldownSeconds),
	})
	if err != nil {
		return ingest.Sources{}, fmt.Errorf("初始化 MOEX 数据源失败: %w", err)
	}
	named := map[string]ingest.Source{moexClient.Name(): moexClient}
	logger.Infof("✓ MOEX 数据源: %s", cfg.MOEX.BaseURL)

	if cfg.Binance.Enabled {
		src := binance.NewSource(binance.Config{
			BaseURL:          cfg.Binance.BaseURL,
			PageSize:         cfg.Binance.PageSize,
			Timeout:          secondsToDuration(cfg.Binance.TimeoutSeconds),
			RateLimitPerMin:  cfg.Binance.RateLimitPerMin,
			RetryBackoff:     time.Duration(cfg.Binance.RetryBackoffMS) * time.Millisecond,
			BreakerThreshold: ingestCfg.BreakerThreshold,
			BreakerCooldown:  secondsToDuration(cfg.Binance.BreakerCooldownSeconds),
		})
		named[src.Name()] = src
		logger.Infof("✓ Binance 数据源: %s", cfg.Binance.BaseURL)
	}

	sources := ingest.Sources{Default: moexClient, ByEngine: map[string]ingest.Source{}}
	for engine, name := range cfg.EngineSources {
		src, ok := named[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return ingest.Sources{}, fmt.Errorf("engine %s 指向未启用的数据源 %s", engine, name)
		}
		sources.ByEngine[strings.ToLower(strings.TrimSpace(engine))] = src
	}
	return sources, nil
}

// routeSummary 按引擎名排序列出路由，供启动摘要使用。
func routeSummary(sources ingest.Sources) []string {
	engines := make([]string, 0, len(sources.ByEngine))
	for engine := range sources.ByEngine {
		engines = append(engines, engine)
	}
	sort.Strings(engines)
	out := make([]string, 0, len(engines)+1)
	for _, engine := range engines {
		out = append(out, fmt.Sprintf("%s → %s", engine, sources.ByEngine[engine].Name()))
	}
	if sources.Default != nil {
		out = append(out, fmt.Sprintf("* → %s", sources.Default.Name()))
	}
	return out
}

// capitalizationSource 取 stock 引擎（或默认源）上支持市值排名的数据源。
func capitalizationSource(sources ingest.Sources) (tracking.CapitalizationSource, bool) {
	for _, src := range []ingest.Source{sources.ByEngine["stock"], sources.Default} {
		if caps, ok := src.(tracking.CapitalizationSource); ok {
			return caps, true
		}
	}
	return nil, false
}
