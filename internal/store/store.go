package store

import (
	"context"
	"time"

	"dealscan/internal/market"
)

// SeriesInfo 描述一条已存储序列的元数据。
type SeriesInfo struct {
	Key          market.SeriesKey `json:"key"`
	FirstBegin   time.Time        `json:"first_begin"`
	LastBegin    time.Time        `json:"last_begin"`
	Rows         int64            `json:"rows"`
	LastMergedAt time.Time        `json:"last_merged_at"`
}

// CandleStore 按 (品种, 周期, 起始时间) 存储 K 线，支持幂等合并与区间查询。
type CandleStore interface {
	// Merge 以单个事务写入整批K线，重复时间戳覆盖旧值；同一序列的合并串行执行。
	Merge(ctx context.Context, key market.SeriesKey, candles []market.Candle, mergedAt time.Time) (int, error)
	// Range 返回 [from, to] 内按时间升序的K线；零值表示不设边界。
	Range(ctx context.Context, key market.SeriesKey, from, to time.Time) ([]market.Candle, error)
	ListSeries(ctx context.Context) ([]SeriesInfo, error)
	Series(ctx context.Context, key market.SeriesKey) (SeriesInfo, bool, error)
	DeleteSeries(ctx context.Context, key market.SeriesKey) error
	Close() error
}
