package ingest

import (
	"context"
	"strings"
	"time"

	"dealscan/internal/market"
	"dealscan/internal/pkg/errkind"
)

// Source 拉取单个配置的K线；成功时返回按时间升序、不超过 500 根的完整序列。
type Source interface {
	Name() string
	Fetch(ctx context.Context, ref market.InstrumentRef, setting market.FetchSetting) ([]market.Candle, error)
}

// Sources 按交易引擎路由数据源，未匹配时使用 Default。
type Sources struct {
	Default  Source
	ByEngine map[string]Source
}

func (s Sources) For(ref market.InstrumentRef) (Source, error) {
	if src, ok := s.ByEngine[strings.ToLower(ref.Engine)]; ok && src != nil {
		return src, nil
	}
	if s.Default == nil {
		return nil, errkind.New(errkind.InvalidArgument, "ingest.source", "no source for engine %q", ref.Engine)
	}
	return s.Default, nil
}

// FetchRecorder 在合并完成后更新配置的拉取结果；at 为空表示只更新结果标记。
type FetchRecorder interface {
	RecordFetch(ctx context.Context, configID int64, outcome market.Outcome, at *time.Time) error
}

// FetchFailure 是一次失败拉取的审计记录。
type FetchFailure struct {
	Instrument market.InstrumentRef `json:"instrument"`
	Interval   market.Interval      `json:"interval"`
	Source     string               `json:"source"`
	Kind       errkind.Kind         `json:"kind"`
	Status     int                  `json:"status,omitempty"`
	Message    string               `json:"message"`
	At         time.Time            `json:"at"`
}

type FailureLog interface {
	LogFetchFailure(ctx context.Context, f FetchFailure) error
}
