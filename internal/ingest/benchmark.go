package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dealscan/internal/logger"
	"dealscan/internal/market"
	"dealscan/internal/store"
)

const defaultBenchmarkMaxAge = time.Hour

// BenchmarkStore 是基准加载器对 CandleStore 的依赖。
type BenchmarkStore interface {
	Merger
	Series(ctx context.Context, key market.SeriesKey) (store.SeriesInfo, bool, error)
	Range(ctx context.Context, key market.SeriesKey, from, to time.Time) ([]market.Candle, error)
}

type BenchmarkConfig struct {
	Ref          market.InstrumentRef
	Sources      Sources
	Candles      BenchmarkStore
	MaxAge       time.Duration
	FetchTimeout time.Duration
}

// Benchmark 按需刷新并读取基准指数（默认 IMOEX）的K线，供收益任务计算相对比率。
type Benchmark struct {
	ref          market.InstrumentRef
	sources      Sources
	candles      BenchmarkStore
	maxAge       time.Duration
	fetchTimeout time.Duration
	nowFn        func() time.Time
	log          logger.Entry

	mu sync.Mutex
}

func NewBenchmark(cfg BenchmarkConfig) (*Benchmark, error) {
	if err := cfg.Ref.Validate(); err != nil {
		return nil, err
	}
	if cfg.Candles == nil {
		return nil, fmt.Errorf("candle store 不能为空")
	}
	if cfg.Sources.Default == nil && len(cfg.Sources.ByEngine) == 0 {
		return nil, fmt.Errorf("至少需要一个数据源")
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = defaultBenchmarkMaxAge
	}
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &Benchmark{
		ref:          cfg.Ref,
		sources:      cfg.Sources,
		candles:      cfg.Candles,
		maxAge:       maxAge,
		fetchTimeout: timeout,
		nowFn:        time.Now,
		log:          logger.Named("benchmark"),
	}, nil
}

func (b *Benchmark) Ref() market.InstrumentRef { return b.ref }

// Candles 返回基准在 iv 周期上 from 之后的K线。本地序列超过 MaxAge 未合并时先拉取；
// 拉取失败只记录日志，继续使用本地已有数据。
func (b *Benchmark) Candles(ctx context.Context, iv market.Interval, from time.Time) ([]market.Candle, error) {
	key := market.SeriesKey{Instrument: b.ref, Interval: iv}
	if err := b.refresh(ctx, key, from); err != nil {
		b.log.Warnf("%s 刷新失败，使用本地数据: %v", key, err)
	}
	return b.candles.Range(ctx, key, from, time.Time{})
}

func (b *Benchmark) refresh(ctx context.Context, key market.SeriesKey, from time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFn().UTC()
	info, ok, err := b.candles.Series(ctx, key)
	if err != nil {
		return err
	}
	if ok && now.Sub(info.LastMergedAt) < b.maxAge {
		return nil
	}
	setting := market.FetchSetting{
		Interval:      key.Interval,
		Depth:         depthSince(from, now, key.Interval),
		MaxUpdateRate: b.maxAge,
	}
	candles, _, err := fetchWithin(ctx, b.sources, b.fetchTimeout, b.ref, setting)
	if err != nil {
		return err
	}
	if n := len(candles); n > market.MaxCandlesPerFetch {
		candles = candles[n-market.MaxCandlesPerFetch:]
	}
	merged, err := b.candles.Merge(ctx, key, candles, now)
	if err != nil {
		return err
	}
	b.log.Debugf("%s 合并 %d 根K线", key, merged)
	return nil
}

// depthSince 估算覆盖 [from, now] 所需的K线根数，截断到单次拉取上限。
func depthSince(from, now time.Time, iv market.Interval) int {
	step := iv.Duration()
	if step <= 0 || from.IsZero() || !from.Before(now) {
		return market.MaxCandlesPerFetch
	}
	n := int(now.Sub(from)/step) + 1
	if n > market.MaxCandlesPerFetch {
		return market.MaxCandlesPerFetch
	}
	return n
}
