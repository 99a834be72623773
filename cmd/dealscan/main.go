package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"dealscan/internal/app"
	"dealscan/internal/config"
	"dealscan/internal/logger"
	"dealscan/internal/returns"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
	"github.com/xhit/go-str2duration/v2"
)

func main() {
	_ = godotenv.Load()

	cmd := &cli.Command{
		Name:  "dealscan",
		Usage: "MOEX K线采集与最佳收益扫描",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "配置文件路径",
				Value:   "configs/config.yaml",
				Sources: cli.EnvVars("DEALSCAN_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "启动 HTTP 服务、后台刷新与定时清理",
				Action: serveAction,
			},
			{
				Name:  "refresh",
				Usage: "刷新某个用户的全部跟踪配置",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Usage: "用户 ID", Required: true},
				},
				Action: refreshAction,
			},
			{
				Name:  "returns",
				Usage: "计算最佳多空交易并输出 JSON",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "duration", Aliases: []string{"d"}, Usage: "回看窗口，如 `30d`", Value: "30d"},
					&cli.StringFlag{Name: "mode", Usage: "取价模式 open-close / high-low", Value: string(returns.ModeOpenClose)},
					&cli.StringFlag{Name: "sort", Usage: "排序指标 per-deal / annualized", Value: string(returns.SortPerDeal)},
					&cli.FloatFlag{Name: "entry-fee", Usage: "开仓费率（小数）"},
					&cli.FloatFlag{Name: "exit-fee", Usage: "平仓费率（小数）"},
					&cli.FloatFlag{Name: "loan-fee", Usage: "做空年化借券费率（小数）"},
					&cli.FloatFlag{Name: "risk-free", Usage: "年化无风险利率（小数）"},
					&cli.IntFlag{Name: "limit", Usage: "每侧最多输出条数，0 不限", Value: 20},
					&cli.BoolFlag{Name: "include-negative", Usage: "保留净收益为负的交易"},
				},
				Action: returnsAction,
			},
			{
				Name:  "seed",
				Usage: "从 YAML 导入跟踪配置",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "种子文件，缺省使用 seed.file"},
				},
				Action: seedAction,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatalf("运行失败: %v", err)
	}
}

func loadConfig(cmd *cli.Command) (*config.Config, string, error) {
	path := cmd.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("读取配置失败: %w", err)
	}
	return cfg, path, nil
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logFile, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		return fmt.Errorf("初始化日志文件失败: %w", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("✓ 配置加载成功（环境=%s，配置=%s）", cfg.App.Env, path)

	application, err := app.NewApp(cfg)
	if err != nil {
		return fmt.Errorf("初始化应用失败: %w", err)
	}
	defer application.Close()

	if err := config.Watch(path, application.ApplyConfig); err != nil {
		logger.Warnf("配置热更新未启用: %v", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return application.Run(ctx)
}

func buildCLIApp(ctx context.Context, cmd *cli.Command) (*app.App, error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(cfg.App.LogLevel)
	application, err := app.NewAppBuilder(cfg, app.WithoutHTTP()).Build(ctx)
	if err != nil {
		return nil, fmt.Errorf("初始化应用失败: %w", err)
	}
	return application, nil
}

func refreshAction(ctx context.Context, cmd *cli.Command) error {
	application, err := buildCLIApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer application.Close()

	configs, report, err := application.RefreshUser(ctx, cmd.String("user"))
	if err != nil {
		return err
	}
	type row struct {
		ID      int64  `json:"id"`
		Code    string `json:"code"`
		Outcome string `json:"outcome"`
		Candles int    `json:"candles"`
		Error   string `json:"error,omitempty"`
	}
	rows := make([]row, 0, len(configs))
	for _, c := range configs {
		r := row{ID: c.ID, Code: c.Instrument.Code, Outcome: string(c.LastOutcome)}
		if res, ok := report[c.ID]; ok {
			r.Outcome = string(res.Outcome)
			r.Candles = res.Candles
			if res.Err != nil {
				r.Error = res.Err.Error()
			}
		}
		rows = append(rows, r)
	}
	return printJSON(rows)
}

func returnsAction(ctx context.Context, cmd *cli.Command) error {
	window, err := str2duration.ParseDuration(cmd.String("duration"))
	if err != nil {
		return fmt.Errorf("解析 duration 失败: %w", err)
	}
	application, err := buildCLIApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer application.Close()

	params := returns.Params{
		Duration:        window,
		EntryFee:        cmd.Float("entry-fee"),
		ExitFee:         cmd.Float("exit-fee"),
		LoanFee:         cmd.Float("loan-fee"),
		RiskFreeRate:    cmd.Float("risk-free"),
		PriceMode:       returns.PriceMode(cmd.String("mode")),
		SortMetric:      returns.SortMetric(cmd.String("sort")),
		IncludeNegative: cmd.Bool("include-negative"),
		Limit:           int(cmd.Int("limit")),
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()
	task, err := application.ComputeReturns(ctx, params)
	if err != nil {
		return err
	}
	return printJSON(task)
}

func seedAction(ctx context.Context, cmd *cli.Command) error {
	application, err := buildCLIApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer application.Close()

	report, err := application.Seed(ctx, cmd.String("file"))
	if err != nil {
		return err
	}
	logger.Infof("✓ 导入完成: 新建=%d 跳过=%d", report.Created, report.Skipped)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setupLogOutput(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}
