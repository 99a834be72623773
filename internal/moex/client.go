// Package moex 实现基于 MOEX ISS 接口的行情拉取与股票市值查询。
package moex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"dealscan/internal/logger"
	"dealscan/internal/market"
	"dealscan/internal/pkg/circuit"
	"dealscan/internal/pkg/errkind"
	"dealscan/internal/pkg/text"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL  = "https://iss.moex.com"
	DefaultPageSize = 500
	sourceName      = "moex"
)

type Config struct {
	BaseURL          string
	PageSize         int
	Timeout          time.Duration
	RateLimitPerMin  int
	RetryBackoff     time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	HTTPClient       *http.Client
}

// Client 以 iss.reverse=true 从最新一根开始向前翻页，直到满足请求深度（最多 500 根）。
type Client struct {
	baseURL   string
	pageSize  int
	backoff   time.Duration
	client    *http.Client
	limiter   *rate.Limiter
	breaker   *circuit.Breaker
	schema    *jsonschema.Schema
	secSchema *jsonschema.Schema
	loc       *time.Location
	log       logger.Entry
}

func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("moex base_url 无效: %w", err)
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 || pageSize > DefaultPageSize {
		pageSize = DefaultPageSize
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	limit := rate.Limit(float64(cfg.RateLimitPerMin) / 60.0)
	if cfg.RateLimitPerMin <= 0 {
		limit = 5
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	schema, err := compileSchema("candles.json", candlesSchema)
	if err != nil {
		return nil, fmt.Errorf("编译 ISS schema 失败: %w", err)
	}
	secSchema, err := compileSchema("securities.json", securitiesSchema)
	if err != nil {
		return nil, fmt.Errorf("编译 ISS schema 失败: %w", err)
	}
	return &Client{
		baseURL:   base,
		pageSize:  pageSize,
		backoff:   backoff,
		client:    httpClient,
		limiter:   rate.NewLimiter(limit, 5),
		breaker:   circuit.New(sourceName, cfg.BreakerThreshold, cfg.BreakerCooldown),
		schema:    schema,
		secSchema: secSchema,
		loc:       moscow(),
		log:       logger.Named(sourceName),
	}, nil
}

func (c *Client) Name() string { return sourceName }

// Fetch 拉取最近 min(depth, 500) 根K线并按时间升序返回；任何一页失败则整体失败。
func (c *Client) Fetch(ctx context.Context, ref market.InstrumentRef, setting market.FetchSetting) ([]market.Candle, error) {
	if err := ref.Validate(); err != nil {
		return nil, errkind.Wrap(errkind.InvalidArgument, "moex.fetch", err)
	}
	want := setting.EffectiveDepth()
	if want == 0 || !setting.Interval.Valid() {
		return nil, errkind.New(errkind.InvalidArgument, "moex.fetch", "invalid setting depth=%d interval=%d", setting.Depth, setting.Interval)
	}

	collected := make([]market.Candle, 0, want)
	for start := 0; len(collected) < want; {
		page, err := c.page(ctx, ref, setting.Interval, start)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		collected = append(collected, page...)
		start += len(page)
		if len(page) < c.pageSize {
			break
		}
	}
	// reverse 顺序下最新的在前，截断即丢弃更早的K线。
	if len(collected) > want {
		collected = collected[:want]
	}
	return market.SortCandles(collected), nil
}

func (c *Client) candlesURL(ref market.InstrumentRef, iv market.Interval, start int) string {
	q := url.Values{}
	q.Set("iss.meta", "off")
	q.Set("iss.reverse", "true")
	q.Set("interval", strconv.Itoa(iv.Code()))
	q.Set("start", strconv.Itoa(start))
	return fmt.Sprintf("%s/iss/engines/%s/markets/%s/securities/%s/candles.json?%s",
		c.baseURL, url.PathEscape(ref.Engine), url.PathEscape(ref.Market), url.PathEscape(ref.Code), q.Encode())
}

func (c *Client) page(ctx context.Context, ref market.InstrumentRef, iv market.Interval, start int) ([]market.Candle, error) {
	var candles []market.Candle
	err := c.call(ctx, ref.String(), c.candlesURL(ref, iv, start), func(body []byte) (err error) {
		candles, err = c.parse(body)
		return err
	})
	return candles, err
}

// call 请求一次并解码；5xx 在退避后重试一次，4xx 与解析错误不重试。
func (c *Client) call(ctx context.Context, label, endpoint string, decode func([]byte) error) error {
	if !c.breaker.Allow() {
		return errkind.New(errkind.UpstreamUnavailable, "moex.fetch", "circuit open")
	}
	err := c.request(ctx, endpoint, decode)
	if errkind.Is(err, errkind.UpstreamUnavailable) {
		c.log.Warnf("%s 上游暂不可用，%s 后重试: %v", label, c.backoff, err)
		timer := time.NewTimer(c.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.breaker.RecordFailure()
			return errkind.Wrap(errkind.NetworkFailure, "moex.fetch", ctx.Err())
		case <-timer.C:
		}
		err = c.request(ctx, endpoint, decode)
	}
	switch errkind.KindOf(err) {
	case "":
		c.breaker.RecordSuccess()
	case errkind.NetworkFailure, errkind.UpstreamUnavailable:
		c.breaker.RecordFailure()
	default:
		c.breaker.RecordNeutral()
	}
	return err
}

func (c *Client) request(ctx context.Context, endpoint string, decode func([]byte) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errkind.Wrap(errkind.NetworkFailure, "moex.fetch", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return errkind.Wrap(errkind.InvalidArgument, "moex.fetch", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return errkind.Wrap(errkind.NetworkFailure, "moex.fetch", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return errkind.Wrap(errkind.NetworkFailure, "moex.fetch", err)
	}
	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return errkind.WithStatus(errkind.UpstreamUnavailable, "moex.fetch", resp.StatusCode, snippet(body))
	case resp.StatusCode >= http.StatusBadRequest:
		return errkind.WithStatus(errkind.UpstreamRejected, "moex.fetch", resp.StatusCode, snippet(body))
	case resp.StatusCode != http.StatusOK:
		return errkind.WithStatus(errkind.MalformedResponse, "moex.fetch", resp.StatusCode, "unexpected status")
	}
	if err := decode(body); err != nil {
		var ek *errkind.Error
		if errors.As(err, &ek) {
			return err
		}
		return errkind.Wrap(errkind.MalformedResponse, "moex.parse", err)
	}
	return nil
}

func snippet(body []byte) string {
	return text.Snippet(body, 200)
}

func moscow() *time.Location {
	loc, err := time.LoadLocation("Europe/Moscow")
	if err != nil {
		return time.FixedZone("MSK", 3*60*60)
	}
	return loc
}
