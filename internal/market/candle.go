package market

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Candle 表示单个周期的 OHLCV，Begin 为周期起点。
type Candle struct {
	Begin  time.Time       `json:"begin"`
	End    time.Time       `json:"end"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// EndOr 返回周期终点；缺失时按周期时长推算。
func (c Candle) EndOr(iv Interval) time.Time {
	if !c.End.IsZero() {
		return c.End
	}
	return c.Begin.Add(iv.Duration())
}

// SortCandles 按 Begin 升序排序并按时间戳去重（后出现者覆盖）。
func SortCandles(in []Candle) []Candle {
	if len(in) == 0 {
		return in
	}
	byTime := make(map[int64]int, len(in))
	out := make([]Candle, 0, len(in))
	for _, c := range in {
		key := c.Begin.UnixMilli()
		if idx, ok := byTime[key]; ok {
			out[idx] = c
			continue
		}
		byTime[key] = len(out)
		out = append(out, c)
	}
	sortByBegin(out)
	return out
}

func sortByBegin(cs []Candle) {
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].Begin.Before(cs[j].Begin) })
}
