package app

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"dealscan/internal/config"
	"dealscan/internal/ingest"
	"dealscan/internal/market"
)

type StartupSummary struct {
	Storage  StorageSummary
	Sources  []string
	Ingest   IngestSummary
	Returns  ReturnsSummary
	Tracking TrackingSummary
}

type StorageSummary struct {
	CandlesPath string
	Driver      string
}

type IngestSummary struct {
	Concurrency      int
	FetchTimeout     string
	BreakerThreshold int
	RefreshInterval  string
}

type ReturnsSummary struct {
	MaxConcurrent int
	Retention     string
}

type TrackingSummary struct {
	Users   []string
	Configs int
}

// configLister 仅用于统计已跟踪配置。
type configLister interface {
	AllConfigs(ctx context.Context) ([]market.TrackingConfig, error)
}

func buildSummary(ctx context.Context, cfg *config.Config, sources ingest.Sources, repo configLister) *StartupSummary {
	s := &StartupSummary{
		Storage: StorageSummary{CandlesPath: cfg.Database.CandlesPath, Driver: cfg.Database.Driver},
		Sources: routeSummary(sources),
		Ingest: IngestSummary{
			Concurrency:      cfg.Ingest.Concurrency,
			FetchTimeout:     cfg.Ingest.FetchTimeout().String(),
			BreakerThreshold: cfg.Ingest.BreakerThreshold,
			RefreshInterval:  cfg.Ingest.RefreshInterval,
		},
		Returns: ReturnsSummary{
			MaxConcurrent: cfg.Returns.MaxConcurrent,
			Retention:     cfg.Returns.Retention().String(),
		},
	}
	if repo == nil {
		return s
	}
	configs, err := repo.AllConfigs(ctx)
	if err != nil {
		return s
	}
	users := map[string]struct{}{}
	for _, c := range configs {
		users[c.UserID] = struct{}{}
	}
	for u := range users {
		s.Tracking.Users = append(s.Tracking.Users, u)
	}
	sort.Strings(s.Tracking.Users)
	s.Tracking.Configs = len(configs)
	return s
}

func (s *StartupSummary) Print() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%*s\n", 40+len("启动配置摘要 (STARTUP SUMMARY)")/2, "启动配置摘要 (STARTUP SUMMARY)")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Println("[存储 (STORAGE)]")
	fmt.Printf("  K线库: %s\n", s.Storage.CandlesPath)
	fmt.Printf("  关系库: %s\n", s.Storage.Driver)
	fmt.Println()

	fmt.Println("[数据源路由 (SOURCES)]")
	if len(s.Sources) == 0 {
		fmt.Println("  (无配置)")
	}
	for _, route := range s.Sources {
		fmt.Printf("  - %s\n", route)
	}
	fmt.Println()

	fmt.Println("[拉取 (INGEST)]")
	fmt.Printf("  并发: %d\n", s.Ingest.Concurrency)
	fmt.Printf("  单次超时: %s\n", s.Ingest.FetchTimeout)
	fmt.Printf("  熔断阈值: %d\n", s.Ingest.BreakerThreshold)
	fmt.Printf("  后台刷新: %s\n", formatInterval(s.Ingest.RefreshInterval))
	fmt.Println()

	fmt.Println("[收益任务 (RETURNS)]")
	fmt.Printf("  最大并发: %d\n", s.Returns.MaxConcurrent)
	fmt.Printf("  结果保留: %s\n", s.Returns.Retention)
	fmt.Println()

	fmt.Println("[跟踪配置 (TRACKING)]")
	fmt.Printf("  用户: %s\n", formatList(s.Tracking.Users))
	fmt.Printf("  配置数: %d\n", s.Tracking.Configs)
	fmt.Println(strings.Repeat("=", 80))
}

func formatInterval(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "0" {
		return "关闭"
	}
	return raw
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
