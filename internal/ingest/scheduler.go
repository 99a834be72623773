package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"dealscan/internal/logger"
	"dealscan/internal/market"
	"dealscan/internal/pkg/errkind"

	"golang.org/x/sync/errgroup"
)

const (
	defaultConcurrency  = 4
	defaultFetchTimeout = 30 * time.Second
)

// Merger 是调度器对 CandleStore 的写入依赖。
type Merger interface {
	Merge(ctx context.Context, key market.SeriesKey, candles []market.Candle, mergedAt time.Time) (int, error)
}

type Config struct {
	Sources      Sources
	Candles      Merger
	Recorder     FetchRecorder
	Failures     FailureLog
	Concurrency  int
	FetchTimeout time.Duration
}

type Result struct {
	Outcome market.Outcome `json:"outcome"`
	Candles int            `json:"candles"`
	Err     error          `json:"-"`
}

// Report 以配置 ID 为键记录本轮刷新结果。
type Report map[int64]Result

func (r Report) Count(outcome market.Outcome) int {
	n := 0
	for _, res := range r {
		if res.Outcome == outcome {
			n++
		}
	}
	return n
}

// Scheduler 判断配置是否过期，并以有界并发拉取、合并过期配置的数据。
type Scheduler struct {
	sources      Sources
	candles      Merger
	recorder     FetchRecorder
	failures     FailureLog
	concurrency  atomic.Int64
	fetchTimeout time.Duration
	nowFn        func() time.Time
	log          logger.Entry
}

func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Candles == nil {
		return nil, fmt.Errorf("candle store 不能为空")
	}
	if cfg.Recorder == nil {
		return nil, fmt.Errorf("fetch recorder 不能为空")
	}
	if cfg.Sources.Default == nil && len(cfg.Sources.ByEngine) == 0 {
		return nil, fmt.Errorf("至少需要一个数据源")
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	s := &Scheduler{
		sources:      cfg.Sources,
		candles:      cfg.Candles,
		recorder:     cfg.Recorder,
		failures:     cfg.Failures,
		fetchTimeout: timeout,
		nowFn:        time.Now,
		log:          logger.Named("ingest"),
	}
	s.concurrency.Store(int64(concurrency))
	return s, nil
}

// SetConcurrency 调整后续刷新的并发上限（配置热更新使用）。
func (s *Scheduler) SetConcurrency(n int) {
	if n > 0 {
		s.concurrency.Store(int64(n))
	}
}

type dispatch struct {
	key     market.FetchKey
	setting market.FetchSetting
	configs []market.TrackingConfig
}

// Refresh 刷新给定配置：未过期的跳过，过期的并发拉取；单个配置失败不影响其他配置。
func (s *Scheduler) Refresh(ctx context.Context, configs []market.TrackingConfig) Report {
	now := s.nowFn()
	report := make(Report, len(configs))
	groups := make(map[market.FetchKey]*dispatch)
	var order []*dispatch
	for _, cfg := range configs {
		if !cfg.IsStale(now) {
			report[cfg.ID] = Result{Outcome: market.OutcomeSkipped}
			continue
		}
		key := cfg.FetchKey()
		d, ok := groups[key]
		if !ok {
			d = &dispatch{key: key, setting: cfg.Setting}
			groups[key] = d
			order = append(order, d)
		}
		d.configs = append(d.configs, cfg)
	}
	if len(order) == 0 {
		return report
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(int(s.concurrency.Load()))
	for _, d := range order {
		g.Go(func() error {
			results := s.run(ctx, d)
			mu.Lock()
			for id, res := range results {
				report[id] = res
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	s.log.Infof("刷新完成: total=%d skipped=%d success=%d failure=%d",
		len(configs), report.Count(market.OutcomeSkipped), report.Count(market.OutcomeSuccess), report.Count(market.OutcomeFailure))
	return report
}

func (s *Scheduler) run(ctx context.Context, d *dispatch) map[int64]Result {
	ref := d.key.Instrument
	series := market.SeriesKey{Instrument: ref, Interval: d.key.Interval}

	candles, src, err := s.fetch(ctx, ref, d.setting)
	if err == nil {
		if n := len(candles); n > market.MaxCandlesPerFetch {
			candles = candles[n-market.MaxCandlesPerFetch:]
		}
		fetchedAt := s.nowFn().UTC()
		if _, mergeErr := s.candles.Merge(ctx, series, candles, fetchedAt); mergeErr != nil {
			err = mergeErr
		} else {
			s.log.Debugf("%s 合并 %d 根K线 (configs=%d)", series, len(candles), len(d.configs))
			return s.record(ctx, d.configs, market.OutcomeSuccess, &fetchedAt, len(candles), nil)
		}
	}

	s.log.Warnf("%s 拉取失败 (%s): %v", series, errkind.KindOf(err), err)
	if s.failures != nil {
		entry := FetchFailure{
			Instrument: ref,
			Interval:   d.key.Interval,
			Source:     src,
			Kind:       errkind.KindOf(err),
			Status:     errkind.StatusOf(err),
			Message:    err.Error(),
			At:         s.nowFn().UTC(),
		}
		if logErr := s.failures.LogFetchFailure(ctx, entry); logErr != nil {
			s.log.Warnf("写入失败记录出错: %v", logErr)
		}
	}
	return s.record(ctx, d.configs, market.OutcomeFailure, nil, 0, err)
}

func (s *Scheduler) fetch(ctx context.Context, ref market.InstrumentRef, setting market.FetchSetting) ([]market.Candle, string, error) {
	return fetchWithin(ctx, s.sources, s.fetchTimeout, ref, setting)
}

// fetchWithin 在单次超时内完成整个分页拉取；超时或出错时丢弃已取得的部分数据。
func fetchWithin(ctx context.Context, sources Sources, timeout time.Duration, ref market.InstrumentRef, setting market.FetchSetting) ([]market.Candle, string, error) {
	src, err := sources.For(ref)
	if err != nil {
		return nil, "", err
	}
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	candles, err := src.Fetch(fctx, ref, setting)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && errkind.KindOf(err) == errkind.Unknown {
			err = errkind.Wrap(errkind.NetworkFailure, src.Name()+".fetch", err)
		}
		return nil, src.Name(), err
	}
	if fctx.Err() != nil {
		return nil, src.Name(), errkind.Wrap(errkind.NetworkFailure, src.Name()+".fetch", fctx.Err())
	}
	return candles, src.Name(), nil
}

// record 在合并结束后写回每个配置的结果；失败时不推进 LastFetchAt，配置保持过期。
func (s *Scheduler) record(ctx context.Context, configs []market.TrackingConfig, outcome market.Outcome, at *time.Time, n int, cause error) map[int64]Result {
	out := make(map[int64]Result, len(configs))
	for _, cfg := range configs {
		res := Result{Outcome: outcome, Candles: n, Err: cause}
		if err := s.recorder.RecordFetch(ctx, cfg.ID, outcome, at); err != nil {
			s.log.Errorf("config %d 写回拉取结果失败: %v", cfg.ID, err)
			res = Result{Outcome: market.OutcomeFailure, Err: errkind.Wrap(errkind.StorageUnavailable, "ingest.record", err)}
		}
		out[cfg.ID] = res
	}
	return out
}
