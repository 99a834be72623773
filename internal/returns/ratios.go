package returns

import (
	"math"
	"time"

	"dealscan/internal/market"

	"github.com/markcheno/go-talib"
)

// RatioNone 标记样本不足或分母退化而无法计算的比率。
const RatioNone = -1e3

const (
	ratioEpsilon = 1e-12
	// minRatioCloses 是计算比率所需的最少收盘价个数。
	minRatioCloses = 6
)

// Ratios 是交易所在窗口的风险指标，收益按相邻周期收盘价计算；基准相关项需要 Series.Benchmark。
type Ratios struct {
	Sharpe           float64 `json:"sharpe"`
	Sortino          float64 `json:"sortino"`
	MaxDrawdown      float64 `json:"max_drawdown"`
	Calmar           float64 `json:"calmar"`
	StdDev           float64 `json:"std_dev"`
	Beta             float64 `json:"beta"`
	Alpha            float64 `json:"alpha"`
	Treynor          float64 `json:"treynor"`
	RSquared         float64 `json:"r_squared"`
	RSquaredCorr     float64 `json:"r_squared_corr"`
	InformationRatio float64 `json:"information_ratio"`
}

func undefinedRatios() Ratios {
	return Ratios{
		Sharpe:           RatioNone,
		Sortino:          RatioNone,
		MaxDrawdown:      RatioNone,
		Calmar:           RatioNone,
		StdDev:           RatioNone,
		Beta:             RatioNone,
		Alpha:            RatioNone,
		Treynor:          RatioNone,
		RSquared:         RatioNone,
		RSquaredCorr:     RatioNone,
		InformationRatio: RatioNone,
	}
}

// windowStats 保存与交易方向无关的窗口比率；Alpha 与 Treynor 依赖具体交易，在 forDeal 中补齐。
type windowStats struct {
	ratios   Ratios
	beta     float64
	betaOK   bool
	riskFree float64
	bench    map[int64]market.Candle
}

func newWindowStats(s Series, closes []float64, riskFree float64) windowStats {
	w := windowStats{ratios: undefinedRatios(), riskFree: riskFree}
	if len(closes) < minRatioCloses {
		return w
	}
	r := &w.ratios
	rf := periodRate(riskFree, s.Interval.Duration())

	rets := simpleReturns(closes)
	meanExcess := mean(rets) - rf
	if sd, ok := SampleStdDev(rets); ok {
		r.StdDev = sd
		r.Sharpe = meanExcess / math.Max(sd, ratioEpsilon)
	}
	var downside []float64
	for _, x := range rets {
		if x < rf {
			downside = append(downside, x)
		}
	}
	if dsd, ok := SampleStdDev(downside); ok {
		r.Sortino = meanExcess / math.Max(dsd, ratioEpsilon)
	}
	if mdd, ok := maxDrawdown(closes); ok {
		r.MaxDrawdown = mdd
		r.Calmar = meanExcess / math.Max(math.Abs(mdd), ratioEpsilon)
	}

	if len(s.Benchmark) == 0 {
		return w
	}
	w.bench = make(map[int64]market.Candle, len(s.Benchmark))
	for _, c := range s.Benchmark {
		w.bench[c.Begin.UnixMilli()] = c
	}
	var assetPx, benchPx []float64
	for k, c := range s.Candles {
		b, ok := w.bench[c.Begin.UnixMilli()]
		if !ok || closes[k] <= 0 || !b.Close.IsPositive() {
			continue
		}
		assetPx = append(assetPx, closes[k])
		benchPx = append(benchPx, b.Close.InexactFloat64())
	}
	if len(assetPx) < minRatioCloses {
		return w
	}
	ra, rm := simpleReturns(assetPx), simpleReturns(benchPx)
	n := len(ra)

	msd, mok := SampleStdDev(rm)
	asd, aok := SampleStdDev(ra)
	if mok && msd > ratioEpsilon {
		// talib.Beta 在价格序列上自行计算收益，第一个参数是基准。
		out := talib.Beta(benchPx, assetPx, n)
		w.beta, w.betaOK = out[len(out)-1], true
		r.Beta = w.beta
	}
	if mok && aok && msd > ratioEpsilon && asd > ratioEpsilon {
		corr := talib.Correl(ra, rm, n)[n-1]
		r.RSquaredCorr = corr * corr
	}

	raMean := mean(ra)
	var ssRes, ssTot float64
	active := make([]float64, n)
	for k := range ra {
		d := ra[k] - rm[k]
		active[k] = d
		ssRes += d * d
		ssTot += (ra[k] - raMean) * (ra[k] - raMean)
	}
	if ssTot > ratioEpsilon {
		r.RSquared = 1 - ssRes/ssTot
	}
	if sd, ok := SampleStdDev(active); ok {
		r.InformationRatio = mean(active) / math.Max(sd, ratioEpsilon)
	}
	return w
}

// forDeal 补齐依赖交易收益的 Alpha 与 Treynor；空头的市场敞口为 -Beta。
func (w windowStats) forDeal(s Series, side Side, o outcome) Ratios {
	r := w.ratios
	if !w.betaOK {
		return r
	}
	exposure := w.beta
	if side == SideShort {
		exposure = -w.beta
	}
	rf := periodRate(w.riskFree, o.exitTime.Sub(o.entryTime))
	excess := o.net - rf
	if math.Abs(exposure) > ratioEpsilon {
		r.Treynor = excess / exposure
	}
	entry, eok := w.bench[s.Candles[o.i].Begin.UnixMilli()]
	exit, xok := w.bench[s.Candles[o.j].Begin.UnixMilli()]
	if eok && xok && entry.Open.IsPositive() {
		move := exit.Close.InexactFloat64()/entry.Open.InexactFloat64() - 1
		r.Alpha = excess - exposure*(move-rf)
	}
	return r
}

// periodRate 把年化利率折算到长度为 d 的区间。
func periodRate(annual float64, d time.Duration) float64 {
	days := d.Hours() / 24
	if days <= 0 || annual <= -1 {
		return 0
	}
	return math.Pow(1+annual, days/daysPerYear) - 1
}

func simpleReturns(px []float64) []float64 {
	out := make([]float64, 0, len(px))
	for k := 1; k < len(px); k++ {
		if px[k-1] <= 0 {
			continue
		}
		out = append(out, px[k]/px[k-1]-1)
	}
	return out
}

// maxDrawdown 返回从历史高点到其后低点的最大回撤（非正数）。
func maxDrawdown(px []float64) (float64, bool) {
	peak, worst, ok := 0.0, 0.0, false
	for _, p := range px {
		if p <= 0 {
			continue
		}
		if p > peak {
			peak = p
		}
		ok = true
		if dd := p/peak - 1; dd < worst {
			worst = dd
		}
	}
	return worst, ok
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
