package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/xhit/go-str2duration/v2"
)

var knownSources = map[string]bool{"moex": true, "binance": true}

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.Database.validate(); err != nil {
		return err
	}
	if err := c.Market.validate(); err != nil {
		return err
	}
	if err := c.Ingest.validate(); err != nil {
		return err
	}
	return c.Returns.validate()
}

func (d DatabaseConfig) validate() error {
	switch d.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("database.driver must be sqlite, postgres or mysql: %q", d.Driver)
	}
	if strings.TrimSpace(d.DSN) == "" {
		return fmt.Errorf("database.dsn cannot be empty")
	}
	if strings.TrimSpace(d.CandlesPath) == "" {
		return fmt.Errorf("database.candles_path cannot be empty")
	}
	return nil
}

func (m MarketConfig) validate() error {
	if err := validateBaseURL("market.moex.base_url", m.MOEX.BaseURL); err != nil {
		return err
	}
	if m.MOEX.PageSize <= 0 || m.MOEX.PageSize > 500 {
		return fmt.Errorf("market.moex.page_size must be in 1..500")
	}
	if m.Binance.Enabled {
		if err := validateBaseURL("market.binance.base_url", m.Binance.BaseURL); err != nil {
			return err
		}
		if m.Binance.PageSize <= 0 || m.Binance.PageSize > 1000 {
			return fmt.Errorf("market.binance.page_size must be in 1..1000")
		}
	}
	for engine, source := range m.EngineSources {
		if !knownSources[source] {
			return fmt.Errorf("market.engine_sources.%s: unknown source %q", engine, source)
		}
		if source == "binance" && !m.Binance.Enabled {
			return fmt.Errorf("market.engine_sources.%s routes to binance but market.binance.enabled is false", engine)
		}
	}
	return nil
}

func validateBaseURL(key, raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL: %q", key, raw)
	}
	return nil
}

func (i IngestConfig) validate() error {
	if i.Concurrency <= 0 {
		return fmt.Errorf("ingest.concurrency must be > 0")
	}
	if i.FetchTimeoutSeconds <= 0 {
		return fmt.Errorf("ingest.fetch_timeout_seconds must be > 0")
	}
	if i.BreakerThreshold < 0 {
		return fmt.Errorf("ingest.breaker_threshold must be >= 0")
	}
	if raw := strings.TrimSpace(i.RefreshInterval); raw != "" && raw != "0" {
		d, err := str2duration.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("ingest.refresh_interval invalid (%s): %w", raw, err)
		}
		if d < 0 {
			return fmt.Errorf("ingest.refresh_interval must be >= 0")
		}
	}
	if i.RefreshOffsetSeconds < 0 {
		return fmt.Errorf("ingest.refresh_offset_seconds must be >= 0")
	}
	return nil
}

func (r ReturnsConfig) validate() error {
	if r.MaxConcurrent <= 0 {
		return fmt.Errorf("returns.max_concurrent must be > 0")
	}
	if r.TaskRetentionHours <= 0 {
		return fmt.Errorf("returns.task_retention_hours must be > 0")
	}
	if strings.TrimSpace(r.Benchmark) != "" {
		if _, _, _, ok := r.BenchmarkParts(); !ok {
			return fmt.Errorf("returns.benchmark must look like engine/market/code: %q", r.Benchmark)
		}
	}
	if r.BenchmarkMaxAgeMinutes <= 0 {
		return fmt.Errorf("returns.benchmark_max_age_minutes must be > 0")
	}
	return nil
}
