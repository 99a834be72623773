package config

import (
	"strings"
)

// 默认值常量
const (
	defaultAppEnv            = "dev"
	defaultAppLogLevel       = "info"
	defaultAppHTTPAddr       = ":9991"
	defaultCandlesPath       = "data/candles.db"
	defaultDBDriver          = "sqlite"
	defaultDBDSN             = "data/dealscan.db"
	defaultMOEXBaseURL       = "https://iss.moex.com"
	defaultMOEXPageSize      = 500
	defaultBinanceBaseURL    = "https://api.binance.com"
	defaultBinancePageSize   = 500
	defaultHTTPTimeout       = 15
	defaultRateLimitPerMin   = 120
	defaultRetryBackoffMS    = 500
	defaultBreakerCooldown   = 30
	defaultIngestConcurrency = 4
	defaultFetchTimeout      = 30
	defaultBreakerThreshold  = 5
	defaultRefreshInterval   = "0"
	defaultMaxConcurrent     = 2
	defaultTaskRetention     = 6
	defaultBenchmark         = "stock/index/IMOEX"
	defaultBenchmarkMaxAge   = 60
	defaultSeedFile          = "configs/instruments.yaml"
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Database.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.Ingest.applyDefaults(keys)
	c.Returns.applyDefaults(keys)
	applyFieldDefaults(keys, stringFieldDefault("seed.file", &c.Seed.File, defaultSeedFile))
}

func (a *AppConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
	)
}

func (d *DatabaseConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("database.candles_path", &d.CandlesPath, defaultCandlesPath),
		stringFieldDefault("database.driver", &d.Driver, defaultDBDriver),
		stringFieldDefault("database.dsn", &d.DSN, defaultDBDSN),
	)
	d.Driver = strings.ToLower(strings.TrimSpace(d.Driver))
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	mx := &m.MOEX
	applyFieldDefaults(keys,
		stringFieldDefault("market.moex.base_url", &mx.BaseURL, defaultMOEXBaseURL),
		intFieldDefault("market.moex.page_size", &mx.PageSize, defaultMOEXPageSize),
		intFieldDefault("market.moex.timeout_seconds", &mx.TimeoutSeconds, defaultHTTPTimeout),
		intFieldDefault("market.moex.rate_limit_per_min", &mx.RateLimitPerMin, defaultRateLimitPerMin),
		intFieldDefault("market.moex.retry_backoff_ms", &mx.RetryBackoffMS, defaultRetryBackoffMS),
		intFieldDefault("market.moex.breaker_cooldown_seconds", &mx.BreakerCooldownSeconds, defaultBreakerCooldown),
	)
	bn := &m.Binance
	applyFieldDefaults(keys,
		stringFieldDefault("market.binance.base_url", &bn.BaseURL, defaultBinanceBaseURL),
		intFieldDefault("market.binance.page_size", &bn.PageSize, defaultBinancePageSize),
		intFieldDefault("market.binance.timeout_seconds", &bn.TimeoutSeconds, defaultHTTPTimeout),
		intFieldDefault("market.binance.rate_limit_per_min", &bn.RateLimitPerMin, defaultRateLimitPerMin),
		intFieldDefault("market.binance.retry_backoff_ms", &bn.RetryBackoffMS, defaultRetryBackoffMS),
		intFieldDefault("market.binance.breaker_cooldown_seconds", &bn.BreakerCooldownSeconds, defaultBreakerCooldown),
	)
	if len(m.EngineSources) > 0 {
		normalized := make(map[string]string, len(m.EngineSources))
		for engine, source := range m.EngineSources {
			engine = strings.ToLower(strings.TrimSpace(engine))
			if engine == "" {
				continue
			}
			normalized[engine] = strings.ToLower(strings.TrimSpace(source))
		}
		m.EngineSources = normalized
	}
	if bn.Enabled {
		if m.EngineSources == nil {
			m.EngineSources = map[string]string{}
		}
		if _, ok := m.EngineSources["binance"]; !ok {
			m.EngineSources["binance"] = "binance"
		}
	}
}

func (i *IngestConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("ingest.concurrency", &i.Concurrency, defaultIngestConcurrency),
		intFieldDefault("ingest.fetch_timeout_seconds", &i.FetchTimeoutSeconds, defaultFetchTimeout),
		fieldDefault{
			key:   "ingest.breaker_threshold",
			apply: func() { i.BreakerThreshold = defaultBreakerThreshold },
		},
		stringFieldDefault("ingest.refresh_interval", &i.RefreshInterval, defaultRefreshInterval),
	)
}

func (r *ReturnsConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("returns.max_concurrent", &r.MaxConcurrent, defaultMaxConcurrent),
		intFieldDefault("returns.task_retention_hours", &r.TaskRetentionHours, defaultTaskRetention),
		stringFieldDefault("returns.benchmark", &r.Benchmark, defaultBenchmark),
		intFieldDefault("returns.benchmark_max_age_minutes", &r.BenchmarkMaxAgeMinutes, defaultBenchmarkMaxAge),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return strings.TrimSpace(*target) == "" },
		apply: func() { *target = def },
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}
