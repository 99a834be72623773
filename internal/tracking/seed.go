package tracking

import (
	"context"
	"fmt"
	"os"
	"sort"

	"dealscan/internal/market"
	"dealscan/internal/pkg/errkind"

	"gopkg.in/yaml.v3"
)

// SeedFile 是 instruments.yaml 的结构：按用户列出跟踪的品种。
type SeedFile struct {
	Users map[string][]SeedEntry `yaml:"users"`
}

type SeedEntry struct {
	Engine        string `yaml:"engine"`
	Market        string `yaml:"market"`
	Code          string `yaml:"code"`
	Interval      string `yaml:"interval"`
	Depth         int    `yaml:"depth"`
	MaxUpdateRate string `yaml:"max_update_rate"`
}

type SeedReport struct {
	Created int `json:"created"`
	Skipped int `json:"skipped"`
}

func LoadSeedFile(path string) (SeedFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return SeedFile{}, fmt.Errorf("读取种子文件失败: %w", err)
	}
	var file SeedFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return SeedFile{}, fmt.Errorf("解析种子文件失败 (%s): %w", path, err)
	}
	return file, nil
}

func (e SeedEntry) setting() (market.FetchSetting, error) {
	iv, err := market.ParseInterval(e.Interval)
	if err != nil {
		return market.FetchSetting{}, err
	}
	rate, err := market.ParseUpdateRate(e.MaxUpdateRate)
	if err != nil {
		return market.FetchSetting{}, err
	}
	return market.FetchSetting{Interval: iv, Depth: e.Depth, MaxUpdateRate: rate}, nil
}

// Seed 读取 YAML 并创建缺失的配置，已存在的配置计入 Skipped。
func (s *Service) Seed(ctx context.Context, path string) (SeedReport, error) {
	file, err := LoadSeedFile(path)
	if err != nil {
		return SeedReport{}, err
	}
	return s.SeedFrom(ctx, file)
}

func (s *Service) SeedFrom(ctx context.Context, file SeedFile) (SeedReport, error) {
	users := make([]string, 0, len(file.Users))
	for u := range file.Users {
		users = append(users, u)
	}
	sort.Strings(users)

	var report SeedReport
	for _, user := range users {
		for i, entry := range file.Users[user] {
			setting, err := entry.setting()
			if err != nil {
				return report, errkind.New(errkind.InvalidArgument, "tracking.seed", "%s 第 %d 项: %v", user, i+1, err)
			}
			ref := market.NewInstrumentRef(entry.Engine, entry.Market, entry.Code)
			_, err = s.Create(ctx, user, ref, setting)
			switch {
			case err == nil:
				report.Created++
			case errkind.Is(err, errkind.Conflict):
				report.Skipped++
			default:
				return report, err
			}
		}
	}
	s.log.Infof("种子导入完成 created=%d skipped=%d", report.Created, report.Skipped)
	return report, nil
}
