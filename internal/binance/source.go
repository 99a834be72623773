// Package binance 通过现货 klines 接口为 engine=binance 的品种提供K线。
package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"dealscan/internal/logger"
	"dealscan/internal/market"
	"dealscan/internal/pkg/circuit"
	"dealscan/internal/pkg/errkind"
	"dealscan/internal/pkg/symbol"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	Engine          = "binance"
	defaultPageSize = 500
	maxPageSize     = 1000
)

var intervalNames = map[market.Interval]string{
	market.Interval1m: "1m",
	market.Interval1h: "1h",
	market.Interval1d: "1d",
	market.Interval1w: "1w",
	market.Interval1M: "1M",
}

// 这些错误码代表服务端繁忙或内部错误，允许重试一次。
var transientCodes = map[int64]bool{-1000: true, -1001: true, -1003: true, -1007: true, -1008: true}

type Config struct {
	BaseURL          string
	PageSize         int
	Timeout          time.Duration
	RateLimitPerMin  int
	RetryBackoff     time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// klinesFunc 抽象 KlinesService 调用，测试中可替换。
type klinesFunc func(ctx context.Context, symbol, interval string, limit int, end int64) ([]*gobinance.Kline, error)

type Source struct {
	klines   klinesFunc
	pageSize int
	backoff  time.Duration
	limiter  *rate.Limiter
	breaker  *circuit.Breaker
	nowFn    func() time.Time
	log      logger.Entry
}

func NewSource(cfg Config) *Source {
	client := gobinance.NewClient("", "")
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		client.BaseURL = base
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client.HTTPClient = &http.Client{Timeout: timeout}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	limit := rate.Limit(float64(cfg.RateLimitPerMin) / 60.0)
	if cfg.RateLimitPerMin <= 0 {
		limit = 10
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	return &Source{
		klines:   sdkKlines(client),
		pageSize: pageSize,
		backoff:  backoff,
		limiter:  rate.NewLimiter(limit, 5),
		breaker:  circuit.New(Engine, cfg.BreakerThreshold, cfg.BreakerCooldown),
		nowFn:    time.Now,
		log:      logger.Named(Engine),
	}
}

func (s *Source) Name() string { return Engine }

// Fetch 以 EndTime 为游标向前翻页，返回最近 min(depth, 500) 根K线。
func (s *Source) Fetch(ctx context.Context, ref market.InstrumentRef, setting market.FetchSetting) ([]market.Candle, error) {
	want := setting.EffectiveDepth()
	if want == 0 {
		return nil, errkind.New(errkind.InvalidArgument, "binance.fetch", "depth must be positive")
	}
	iv, ok := intervalNames[setting.Interval]
	if !ok {
		return nil, errkind.New(errkind.UpstreamRejected, "binance.fetch", "interval %s not supported", setting.Interval)
	}
	pair := symbol.Binance(ref.Code)

	var collected []market.Candle
	end := s.nowFn().UnixMilli()
	for len(collected) < want {
		limit := want - len(collected)
		if limit > s.pageSize {
			limit = s.pageSize
		}
		page, err := s.page(ctx, pair, iv, limit, end)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		collected = append(collected, page...)
		end = page[0].Begin.UnixMilli() - 1
		if len(page) < limit {
			break
		}
	}
	out := market.SortCandles(collected)
	if len(out) > want {
		out = out[len(out)-want:]
	}
	return out, nil
}

func (s *Source) page(ctx context.Context, symbol, iv string, limit int, end int64) ([]market.Candle, error) {
	if !s.breaker.Allow() {
		return nil, errkind.New(errkind.UpstreamUnavailable, "binance.fetch", "circuit open")
	}
	out, err := s.request(ctx, symbol, iv, limit, end)
	if errkind.Is(err, errkind.UpstreamUnavailable) {
		s.log.Warnf("%s 上游暂不可用，%s 后重试: %v", symbol, s.backoff, err)
		timer := time.NewTimer(s.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.breaker.RecordFailure()
			return nil, errkind.Wrap(errkind.NetworkFailure, "binance.fetch", ctx.Err())
		case <-timer.C:
		}
		out, err = s.request(ctx, symbol, iv, limit, end)
	}
	switch errkind.KindOf(err) {
	case "":
		s.breaker.RecordSuccess()
	case errkind.NetworkFailure, errkind.UpstreamUnavailable:
		s.breaker.RecordFailure()
	default:
		s.breaker.RecordNeutral()
	}
	return out, err
}

func (s *Source) request(ctx context.Context, symbol, iv string, limit int, end int64) ([]market.Candle, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, errkind.Wrap(errkind.NetworkFailure, "binance.fetch", err)
	}
	klines, err := s.klines(ctx, symbol, iv, limit, end)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]market.Candle, 0, len(klines))
	for _, k := range klines {
		c, err := toCandle(k)
		if err != nil {
			return nil, errkind.Wrap(errkind.MalformedResponse, "binance.parse", err)
		}
		out = append(out, c)
	}
	return out, nil
}

func sdkKlines(client *gobinance.Client) klinesFunc {
	return func(ctx context.Context, symbol, interval string, limit int, end int64) ([]*gobinance.Kline, error) {
		return client.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			Limit(limit).
			EndTime(end).
			Do(ctx)
	}
}

func classify(err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		kind := errkind.UpstreamRejected
		if transientCodes[apiErr.Code] {
			kind = errkind.UpstreamUnavailable
		}
		return errkind.New(kind, "binance.fetch", "code=%d msg=%s", apiErr.Code, apiErr.Message)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errkind.Wrap(errkind.NetworkFailure, "binance.fetch", err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return errkind.Wrap(errkind.NetworkFailure, "binance.fetch", err)
	}
	msg := err.Error()
	if strings.Contains(msg, "<APIError>") {
		return errkind.Wrap(errkind.UpstreamRejected, "binance.fetch", err)
	}
	if strings.Contains(msg, "invalid character") || strings.Contains(msg, "unexpected end of JSON") {
		return errkind.Wrap(errkind.MalformedResponse, "binance.fetch", err)
	}
	return errkind.Wrap(errkind.NetworkFailure, "binance.fetch", err)
}

func toCandle(k *gobinance.Kline) (market.Candle, error) {
	if k == nil {
		return market.Candle{}, fmt.Errorf("nil kline")
	}
	fields := []string{k.Open, k.High, k.Low, k.Close, k.Volume}
	vals := make([]decimal.Decimal, len(fields))
	for i, f := range fields {
		d, err := decimal.NewFromString(f)
		if err != nil {
			return market.Candle{}, fmt.Errorf("kline %d: %w", k.OpenTime, err)
		}
		vals[i] = d
	}
	return market.Candle{
		Begin:  time.UnixMilli(k.OpenTime).UTC(),
		End:    time.UnixMilli(k.CloseTime).UTC(),
		Open:   vals[0],
		High:   vals[1],
		Low:    vals[2],
		Close:  vals[3],
		Volume: vals[4],
	}, nil
}
