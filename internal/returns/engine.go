// Package returns 在单条K线序列上寻找最佳的单次多头与空头交易，并计算费后收益、年化收益与风险调整得分。
package returns

import (
	"math"
	"time"

	"dealscan/internal/market"

	"github.com/moznion/go-optional"
)

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

const (
	daysPerYear = 365.0
	// AnnualizedCap 限制极短持有期导致的年化溢出。
	AnnualizedCap = 1e9
	// ScoreSentinel 在波动率为零时代替除法结果，符号与超额收益一致。
	ScoreSentinel = 1e6
	volEpsilon    = 1e-12
	minHolding    = time.Minute
)

// Deal 是某品种在某方向上的最佳交易。
type Deal struct {
	Instrument       market.InstrumentRef `json:"instrument"`
	Interval         market.Interval      `json:"interval"`
	Side             Side                 `json:"side"`
	EntryTime        time.Time            `json:"entry_time"`
	EntryPrice       float64              `json:"entry_price"`
	ExitTime         time.Time            `json:"exit_time"`
	ExitPrice        float64              `json:"exit_price"`
	RawReturn        float64              `json:"raw_return"`
	NetReturn        float64              `json:"net_return"`
	AnnualizedReturn float64              `json:"annualized_return"`
	SimpleAnnualized float64              `json:"simple_annualized"`
	HoldingDays      float64              `json:"holding_days"`
	Volatility       float64              `json:"volatility"`
	Score            float64              `json:"score"`
	ScoreDefined     bool                 `json:"score_defined"`
	Ratios           Ratios               `json:"ratios"`
	AsOf             time.Time            `json:"as_of"`
}

// Metric 返回用于排序的指标值。
func (d Deal) Metric(m SortMetric) float64 {
	if m == SortAnnualized {
		return d.AnnualizedReturn
	}
	return d.NetReturn
}

// Series 是引擎的输入：按 Begin 升序排列的K线。Benchmark 为同周期的基准指数K线，可为空。
type Series struct {
	Instrument market.InstrumentRef
	Interval   market.Interval
	Candles    []market.Candle
	Benchmark  []market.Candle
}

// BestDeals 返回多头与空头方向各自的最佳交易；不足两根K线或没有正收益机会时返回 None。
// 候选交易按 p.SortMetric 比较，比较值已扣除手续费与空头借券成本。
func BestDeals(s Series, p Params) (long, short optional.Option[Deal]) {
	p = p.Normalize()
	if len(s.Candles) < 2 {
		return optional.None[Deal](), optional.None[Deal]()
	}
	px := extractPrices(s.Candles)
	longLegs, shortLegs := px.legs(p.PriceMode)
	window := newWindowStats(s, px.close, p.RiskFreeRate)

	long = best(s, p, px, window, SideLong, longLegs)
	short = best(s, p, px, window, SideShort, shortLegs)
	return long, short
}

func best(s Series, p Params, px prices, w windowStats, side Side, l legs) optional.Option[Deal] {
	objective := func(i, j int) float64 {
		return evaluate(s, p, side, l, i, j).metric(p.SortMetric)
	}
	// 按单笔收益排序且没有随持有期增长的成本时，最优入场价即最优候选。
	timeInvariant := p.SortMetric == SortPerDeal && (side == SideLong || p.LoanFee <= 0)
	i, j, ok := bestPair(l, side, timeInvariant, objective)
	if !ok {
		return optional.None[Deal]()
	}
	return finalize(s, p, px, w, side, l, evaluate(s, p, side, l, i, j))
}

// bestPair 单次遍历离场周期 j，维护此前入场候选的单调栈：被更晚且价格不差的入场支配的候选出栈。
// 入场周期必须早于离场周期；目标值相同时保留最早的一对。
func bestPair(l legs, side Side, timeInvariant bool, objective func(i, j int) float64) (entryIdx, exitIdx int, ok bool) {
	worse := func(a, b float64) bool {
		if side == SideShort {
			return a < b
		}
		return a > b
	}
	var frontier []int
	best := math.Inf(-1)
	for j := 1; j < len(l.exit); j++ {
		if e := l.entry[j-1]; e > 0 {
			for len(frontier) > 0 && worse(l.entry[frontier[len(frontier)-1]], e) {
				frontier = frontier[:len(frontier)-1]
			}
			frontier = append(frontier, j-1)
		}
		candidates := frontier
		if timeInvariant && len(candidates) > 1 {
			candidates = candidates[:1]
		}
		for _, i := range candidates {
			if v := objective(i, j); v > best {
				best, entryIdx, exitIdx, ok = v, i, j, true
			}
		}
	}
	return entryIdx, exitIdx, ok
}

// outcome 是一对 (入场, 离场) 的收益计算结果。
type outcome struct {
	i, j       int
	entryTime  time.Time
	exitTime   time.Time
	raw        float64
	net        float64
	days       float64
	annualized float64
}

func (o outcome) metric(m SortMetric) float64 {
	if m == SortAnnualized {
		return o.annualized
	}
	return o.net
}

func evaluate(s Series, p Params, side Side, l legs, i, j int) outcome {
	entry, exit := l.entry[i], l.exit[j]
	raw := (exit - entry) / entry
	if side == SideShort {
		raw = (entry - exit) / entry
	}
	o := outcome{
		i:         i,
		j:         j,
		entryTime: s.Candles[i].Begin,
		exitTime:  s.Candles[j].EndOr(s.Interval),
		raw:       raw,
	}
	holding := o.exitTime.Sub(o.entryTime)
	if holding < minHolding {
		holding = minHolding
	}
	o.days = holding.Hours() / 24
	o.net = ApplyFees(raw, p.EntryFee, p.ExitFee)
	if side == SideShort {
		o.net -= LoanCost(p.LoanFee, o.days)
	}
	o.annualized = Annualize(o.net, o.days)
	return o
}

func finalize(s Series, p Params, px prices, w windowStats, side Side, l legs, o outcome) optional.Option[Deal] {
	if o.net <= 0 && !p.IncludeNegative {
		return optional.None[Deal]()
	}
	i, j := o.i, o.j
	vol, volOK := windowVolatility(l.entry[i], px.close[i:j], l.exit[j])
	score, defined := RiskScore(o.annualized, p.RiskFreeRate, vol, volOK)

	return optional.Some(Deal{
		Instrument:       s.Instrument,
		Interval:         s.Interval,
		Side:             side,
		EntryTime:        o.entryTime,
		EntryPrice:       l.entry[i],
		ExitTime:         o.exitTime,
		ExitPrice:        l.exit[j],
		RawReturn:        o.raw,
		NetReturn:        o.net,
		AnnualizedReturn: o.annualized,
		SimpleAnnualized: o.net * daysPerYear / math.Max(o.days, 1),
		HoldingDays:      o.days,
		Volatility:       vol,
		Score:            score,
		ScoreDefined:     defined,
		Ratios:           w.forDeal(s, side, o),
		AsOf:             s.Candles[len(s.Candles)-1].Begin,
	})
}
