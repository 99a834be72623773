package tasks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"dealscan/internal/logger"
	"dealscan/internal/market"
	"dealscan/internal/pkg/errkind"
	"dealscan/internal/returns"
	"dealscan/internal/store"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ReasonInterrupted 标记进程重启前未完成的任务。
const ReasonInterrupted = "interrupted"

// Repository 持久化任务及其终态结果。
type Repository interface {
	SaveTask(ctx context.Context, t Task) error
	LoadTask(ctx context.Context, id string) (Task, error)
	ListTasksByState(ctx context.Context, states ...State) ([]Task, error)
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error)
}

// SeriesReader 是任务所需的只读K线访问。
type SeriesReader interface {
	ListSeries(ctx context.Context) ([]store.SeriesInfo, error)
	Range(ctx context.Context, key market.SeriesKey, from, to time.Time) ([]market.Candle, error)
}

// BenchmarkSource 提供基准指数K线；为空或读取失败时基准相关比率记为 returns.RatioNone。
type BenchmarkSource interface {
	Ref() market.InstrumentRef
	Candles(ctx context.Context, iv market.Interval, from time.Time) ([]market.Candle, error)
}

type Config struct {
	Repo          Repository
	Candles       SeriesReader
	Benchmark     BenchmarkSource
	MaxConcurrent int
}

// Runner 异步执行收益排名任务：提交即返回 ID，结果通过 Get/Wait 读取。
type Runner struct {
	repo      Repository
	candles   SeriesReader
	benchmark BenchmarkSource
	validate  *validator.Validate
	sem       chan struct{}
	nowFn     func() time.Time
	log       logger.Entry

	mu      sync.Mutex
	pending map[string]chan struct{}
	baseCtx context.Context
}

func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Repo == nil {
		return nil, fmt.Errorf("task repository 不能为空")
	}
	if cfg.Candles == nil {
		return nil, fmt.Errorf("candle store 不能为空")
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &Runner{
		repo:      cfg.Repo,
		candles:   cfg.Candles,
		benchmark: cfg.Benchmark,
		validate:  validator.New(),
		sem:       make(chan struct{}, maxConcurrent),
		nowFn:     time.Now,
		log:       logger.Named("tasks"),
		pending:   make(map[string]chan struct{}),
		baseCtx:   context.Background(),
	}, nil
}

// SetContext 注入宿主 ctx；关闭后排队中的任务直接失败。
func (r *Runner) SetContext(ctx context.Context) {
	if ctx != nil {
		r.baseCtx = ctx
	}
}

// Submit 校验参数并持久化 pending 任务，立即返回，计算在后台进行。
func (r *Runner) Submit(ctx context.Context, params returns.Params) (Task, error) {
	params = params.Normalize()
	if err := r.validate.Struct(params); err != nil {
		return Task{}, errkind.Wrap(errkind.InvalidArgument, "tasks.submit", err)
	}
	task := Task{
		ID:        uuid.NewString(),
		Params:    params,
		State:     StatePending,
		CreatedAt: r.nowFn().UTC(),
	}
	if err := r.repo.SaveTask(ctx, task); err != nil {
		return Task{}, errkind.Wrap(errkind.StorageUnavailable, "tasks.submit", err)
	}
	done := make(chan struct{})
	r.mu.Lock()
	r.pending[task.ID] = done
	r.mu.Unlock()

	r.log.Infof("任务 %s 已提交: duration=%s mode=%s sort=%s", task.ID, params.Duration, params.PriceMode, params.SortMetric)
	go r.run(task.clone(), done)
	return task, nil
}

// Get 读取已持久化的任务；终态任务直接返回存储的结果，不会重新计算。
func (r *Runner) Get(ctx context.Context, id string) (Task, error) {
	return r.repo.LoadTask(ctx, id)
}

// Wait 阻塞直到任务进入终态或 ctx 结束。
func (r *Runner) Wait(ctx context.Context, id string) (Task, error) {
	r.mu.Lock()
	done, ok := r.pending[id]
	r.mu.Unlock()
	if ok {
		select {
		case <-done:
		case <-ctx.Done():
			return Task{}, ctx.Err()
		}
	}
	return r.Get(ctx, id)
}

// RecoverInterrupted 将上次进程遗留的 pending/running 任务标记为失败。
func (r *Runner) RecoverInterrupted(ctx context.Context) (int, error) {
	stale, err := r.repo.ListTasksByState(ctx, StatePending, StateRunning)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, t := range stale {
		r.mu.Lock()
		_, live := r.pending[t.ID]
		r.mu.Unlock()
		if live {
			continue
		}
		if err := t.transition(StateFailed, r.nowFn().UTC()); err != nil {
			continue
		}
		t.Reason = ReasonInterrupted
		if err := r.repo.SaveTask(ctx, t); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// Expire 删除完成时间早于 retention 的终态任务。
func (r *Runner) Expire(ctx context.Context, retention time.Duration) (int64, error) {
	return r.repo.DeleteFinishedBefore(ctx, r.nowFn().Add(-retention))
}

func (r *Runner) run(task Task, done chan struct{}) {
	defer func() {
		r.mu.Lock()
		delete(r.pending, task.ID)
		r.mu.Unlock()
		close(done)
	}()

	select {
	case r.sem <- struct{}{}:
	case <-r.baseCtx.Done():
		r.finish(&task, nil, nil, errkind.New(errkind.StorageUnavailable, "tasks.run", "服务已关闭"))
		return
	}
	defer func() { <-r.sem }()

	ctx := context.WithoutCancel(r.baseCtx)
	if err := task.transition(StateRunning, r.nowFn().UTC()); err != nil {
		r.log.Errorf("任务 %s 状态异常: %v", task.ID, err)
		return
	}
	if err := r.repo.SaveTask(ctx, task); err != nil {
		r.finish(&task, nil, nil, errkind.Wrap(errkind.StorageUnavailable, "tasks.run", err))
		return
	}
	longs, shorts, err := r.compute(ctx, task.Params)
	r.finish(&task, longs, shorts, err)
}

func (r *Runner) finish(task *Task, longs, shorts []returns.Deal, runErr error) {
	ctx := context.WithoutCancel(r.baseCtx)
	now := r.nowFn().UTC()
	if runErr != nil {
		kind := errkind.KindOf(runErr)
		if kind == errkind.Unknown {
			kind = errkind.StorageUnavailable
		}
		if err := task.transition(StateFailed, now); err != nil {
			r.log.Errorf("任务 %s 状态异常: %v", task.ID, err)
			return
		}
		task.Reason = string(kind)
		r.log.Warnf("任务 %s 失败 (%s): %v", task.ID, kind, runErr)
	} else {
		if err := task.transition(StateSucceeded, now); err != nil {
			r.log.Errorf("任务 %s 状态异常: %v", task.ID, err)
			return
		}
		task.Longs = longs
		task.Shorts = shorts
		r.log.Infof("任务 %s 完成: longs=%d shorts=%d", task.ID, len(longs), len(shorts))
	}
	if err := r.repo.SaveTask(ctx, *task); err != nil {
		r.log.Errorf("任务 %s 终态写入失败: %v", task.ID, err)
	}
}

func (r *Runner) compute(ctx context.Context, p returns.Params) (longs, shorts []returns.Deal, err error) {
	all, err := r.candles.ListSeries(ctx)
	if err != nil {
		return nil, nil, err
	}
	minTime := r.nowFn().UTC().Add(-p.Duration)
	bench := make(map[market.Interval][]market.Candle)
	for _, info := range SelectLatest(all, minTime) {
		if r.benchmark != nil && info.Key.Instrument == r.benchmark.Ref() {
			continue
		}
		candles, err := r.candles.Range(ctx, info.Key, minTime, time.Time{})
		if err != nil {
			return nil, nil, err
		}
		long, short := returns.BestDeals(returns.Series{
			Instrument: info.Key.Instrument,
			Interval:   info.Key.Interval,
			Candles:    candles,
			Benchmark:  r.benchmarkFor(ctx, bench, info.Key.Interval, minTime),
		}, p)
		if d, err := long.Take(); err == nil {
			longs = append(longs, d)
		}
		if d, err := short.Take(); err == nil {
			shorts = append(shorts, d)
		}
	}
	return Rank(longs, p.SortMetric, p.Limit), Rank(shorts, p.SortMetric, p.Limit), nil
}

// benchmarkFor 每个周期在一次任务内只读取一次基准。
func (r *Runner) benchmarkFor(ctx context.Context, cache map[market.Interval][]market.Candle, iv market.Interval, from time.Time) []market.Candle {
	if r.benchmark == nil {
		return nil
	}
	if candles, ok := cache[iv]; ok {
		return candles
	}
	candles, err := r.benchmark.Candles(ctx, iv, from)
	if err != nil {
		r.log.Warnf("基准 %s 读取失败 (%s): %v", r.benchmark.Ref(), iv, err)
		candles = nil
	}
	cache[iv] = candles
	return candles
}

// SelectLatest 过滤出最后一根K线晚于 minTime 的序列，并对每个品种只保留最近更新的一条。
// 最后时间相同时取更细的周期。结果按品种排序。
func SelectLatest(series []store.SeriesInfo, minTime time.Time) []store.SeriesInfo {
	best := make(map[market.InstrumentRef]store.SeriesInfo, len(series))
	for _, info := range series {
		if !info.LastBegin.After(minTime) {
			continue
		}
		cur, ok := best[info.Key.Instrument]
		if !ok || info.LastBegin.After(cur.LastBegin) ||
			(info.LastBegin.Equal(cur.LastBegin) && info.Key.Interval.Less(cur.Key.Interval)) {
			best[info.Key.Instrument] = info
		}
	}
	out := make([]store.SeriesInfo, 0, len(best))
	for _, info := range best {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		return instrumentLess(out[i].Key.Instrument, out[j].Key.Instrument)
	})
	return out
}

// Rank 按指标降序排序，指标相同按品种代码排序，并截取前 limit 行（0 表示不限）。
func Rank(deals []returns.Deal, metric returns.SortMetric, limit int) []returns.Deal {
	out := append([]returns.Deal{}, deals...)
	sort.SliceStable(out, func(i, j int) bool {
		mi, mj := out[i].Metric(metric), out[j].Metric(metric)
		if mi != mj {
			return mi > mj
		}
		return instrumentLess(out[i].Instrument, out[j].Instrument)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func instrumentLess(a, b market.InstrumentRef) bool {
	if a.Code != b.Code {
		return a.Code < b.Code
	}
	if a.Engine != b.Engine {
		return a.Engine < b.Engine
	}
	return a.Market < b.Market
}
