package tracking

import (
	"context"
	"strings"

	"dealscan/internal/market"
	"dealscan/internal/pkg/errkind"
)

const (
	// DefaultTopByCap 是一次导入的股票数。
	DefaultTopByCap = 150
	maxTopByCap     = 500
)

// AddTopByCap 为用户创建市值前 n 的股票配置；已存在的配置计入 Skipped。
func (s *Service) AddTopByCap(ctx context.Context, userID string, n int, setting market.FetchSetting) (SeedReport, error) {
	const op = "tracking.top_by_cap"
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return SeedReport{}, errkind.New(errkind.InvalidArgument, op, "user id 必填")
	}
	if n == 0 {
		n = DefaultTopByCap
	}
	if n < 0 || n > maxTopByCap {
		return SeedReport{}, errkind.New(errkind.InvalidArgument, op, "n 需要在 1..%d 之间: %d", maxTopByCap, n)
	}
	if err := setting.Validate(); err != nil {
		return SeedReport{}, errkind.Wrap(errkind.InvalidArgument, op, err)
	}
	if s.caps == nil {
		return SeedReport{}, errkind.New(errkind.UpstreamUnavailable, op, "未配置市值数据源")
	}
	refs, err := s.caps.TopByCapitalization(ctx, n)
	if err != nil {
		return SeedReport{}, err
	}

	var report SeedReport
	for _, ref := range refs {
		_, err := s.Create(ctx, userID, ref, setting)
		switch {
		case err == nil:
			report.Created++
		case errkind.Is(err, errkind.Conflict):
			report.Skipped++
		default:
			return report, err
		}
	}
	s.log.Infof("%s 按市值导入 top%d created=%d skipped=%d", userID, n, report.Created, report.Skipped)
	return report, nil
}
