package config

import (
	"strings"
	"time"

	"github.com/xhit/go-str2duration/v2"
)

// Config 是 dealscan 的主配置。
type Config struct {
	App      AppConfig      `toml:"app"`
	Database DatabaseConfig `toml:"database"`
	Market   MarketConfig   `toml:"market"`
	Ingest   IngestConfig   `toml:"ingest"`
	Returns  ReturnsConfig  `toml:"returns"`
	Seed     SeedConfig     `toml:"seed"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
}

// DatabaseConfig 中K线库固定为 SQLite 文件，关系库可选 sqlite/postgres/mysql。
type DatabaseConfig struct {
	CandlesPath string `toml:"candles_path"`
	Driver      string `toml:"driver"`
	DSN         string `toml:"dsn"`
}

type MarketConfig struct {
	MOEX    MOEXConfig    `toml:"moex"`
	Binance BinanceConfig `toml:"binance"`
	// EngineSources 把交易引擎映射到数据源名称（moex / binance），未列出的走 moex。
	EngineSources map[string]string `toml:"engine_sources"`
}

type MOEXConfig struct {
	BaseURL                string `toml:"base_url"`
	PageSize               int    `toml:"page_size"`
	TimeoutSeconds         int    `toml:"timeout_seconds"`
	RateLimitPerMin        int    `toml:"rate_limit_per_min"`
	RetryBackoffMS         int    `toml:"retry_backoff_ms"`
	BreakerCooldownSeconds int    `toml:"breaker_cooldown_seconds"`
}

type BinanceConfig struct {
	Enabled                bool   `toml:"enabled"`
	BaseURL                string `toml:"base_url"`
	PageSize               int    `toml:"page_size"`
	TimeoutSeconds         int    `toml:"timeout_seconds"`
	RateLimitPerMin        int    `toml:"rate_limit_per_min"`
	RetryBackoffMS         int    `toml:"retry_backoff_ms"`
	BreakerCooldownSeconds int    `toml:"breaker_cooldown_seconds"`
}

type IngestConfig struct {
	Concurrency         int `toml:"concurrency"`
	FetchTimeoutSeconds int `toml:"fetch_timeout_seconds"`
	// BreakerThreshold 为连续失败次数，0 表示关闭熔断。
	BreakerThreshold int `toml:"breaker_threshold"`
	// RefreshInterval 形如 "15m"、"1d"；"0" 关闭后台刷新。
	RefreshInterval      string `toml:"refresh_interval"`
	RefreshOffsetSeconds int    `toml:"refresh_offset_seconds"`
}

// RefreshEvery 返回后台刷新周期，0 表示关闭。
func (c IngestConfig) RefreshEvery() time.Duration {
	raw := strings.TrimSpace(c.RefreshInterval)
	if raw == "" || raw == "0" {
		return 0
	}
	d, err := str2duration.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

func (c IngestConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

type ReturnsConfig struct {
	MaxConcurrent      int `toml:"max_concurrent"`
	TaskRetentionHours int `toml:"task_retention_hours"`
	// Benchmark 形如 "stock/index/IMOEX"；显式置空关闭基准比率。
	Benchmark              string `toml:"benchmark"`
	BenchmarkMaxAgeMinutes int    `toml:"benchmark_max_age_minutes"`
}

// BenchmarkParts 拆分 engine/market/code，未配置时返回 false。
func (c ReturnsConfig) BenchmarkParts() (engine, market, code string, ok bool) {
	parts := strings.Split(strings.TrimSpace(c.Benchmark), "/")
	if len(parts) != 3 {
		return "", "", "", false
	}
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return "", "", "", false
		}
	}
	return parts[0], parts[1], parts[2], true
}

func (c ReturnsConfig) BenchmarkMaxAge() time.Duration {
	return time.Duration(c.BenchmarkMaxAgeMinutes) * time.Minute
}

func (c ReturnsConfig) Retention() time.Duration {
	return time.Duration(c.TaskRetentionHours) * time.Hour
}

type SeedConfig struct {
	File string `toml:"file"`
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	_, ok := k[strings.ToLower(strings.TrimSpace(path))]
	return ok
}

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
