package market

import (
	"fmt"
	"strings"
	"time"

	"github.com/xhit/go-str2duration/v2"
)

// MaxCandlesPerFetch 是单次拉取允许请求和存储的K线上限。
const MaxCandlesPerFetch = 500

// MinUpdateRate 是配置允许的最短刷新间隔。
const MinUpdateRate = time.Minute

type FetchSetting struct {
	Interval      Interval      `json:"interval"`
	Depth         int           `json:"depth"`
	MaxUpdateRate time.Duration `json:"max_update_rate"`
}

// EffectiveDepth 返回截断到 500 后的请求根数。
func (s FetchSetting) EffectiveDepth() int {
	if s.Depth <= 0 {
		return 0
	}
	if s.Depth > MaxCandlesPerFetch {
		return MaxCandlesPerFetch
	}
	return s.Depth
}

// Span 返回请求深度覆盖的近似时间跨度。
func (s FetchSetting) Span() time.Duration {
	return time.Duration(s.EffectiveDepth()) * s.Interval.Duration()
}

func (s FetchSetting) Validate() error {
	if !s.Interval.Valid() {
		return fmt.Errorf("不支持的 interval: %d", s.Interval)
	}
	if s.Depth <= 0 || s.Depth > 10000 {
		return fmt.Errorf("depth 需要在 1..10000 之间: %d", s.Depth)
	}
	if s.MaxUpdateRate < MinUpdateRate {
		return fmt.Errorf("max_update_rate 不能小于 %s: %s", MinUpdateRate, s.MaxUpdateRate)
	}
	return nil
}

// ParseUpdateRate 支持 "90m"、"1d"、"1w" 等写法。
func ParseUpdateRate(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("max_update_rate 不能为空")
	}
	d, err := str2duration.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("解析 max_update_rate 失败 (%s): %w", raw, err)
	}
	return d, nil
}

type Outcome string

const (
	OutcomeUnknown Outcome = "unknown"
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeSkipped Outcome = "skipped"
)

// TrackingConfig 是用户对单个品种的跟踪配置。
type TrackingConfig struct {
	ID          int64         `json:"id"`
	UserID      string        `json:"user_id"`
	Instrument  InstrumentRef `json:"instrument"`
	Setting     FetchSetting  `json:"setting"`
	Sequence    int           `json:"sequence"`
	LastFetchAt *time.Time    `json:"last_fetch_at,omitempty"`
	LastOutcome Outcome       `json:"last_outcome"`
}

// IsStale 判断配置是否需要重新拉取：从未拉取过，或距上次拉取已达到 MaxUpdateRate。
func (c TrackingConfig) IsStale(now time.Time) bool {
	if c.LastFetchAt == nil || c.LastFetchAt.IsZero() {
		return true
	}
	return now.Sub(*c.LastFetchAt) >= c.Setting.MaxUpdateRate
}

func (c TrackingConfig) SeriesKey() SeriesKey {
	return SeriesKey{Instrument: c.Instrument, Interval: c.Setting.Interval}
}

// FetchKey 相同的配置共享一次网络请求。
type FetchKey struct {
	Instrument InstrumentRef
	Interval   Interval
	Depth      int
}

func (c TrackingConfig) FetchKey() FetchKey {
	return FetchKey{Instrument: c.Instrument, Interval: c.Setting.Interval, Depth: c.Setting.EffectiveDepth()}
}
