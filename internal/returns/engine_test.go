package returns

import (
	"math"
	"testing"
	"time"

	"dealscan/internal/market"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type bar struct {
	open, high, low, close float64
}

func series(bars ...bar) Series {
	candles := make([]market.Candle, len(bars))
	for i, b := range bars {
		high, low := b.high, b.low
		if high == 0 {
			high = math.Max(b.open, b.close)
		}
		if low == 0 {
			low = math.Min(b.open, b.close)
		}
		candles[i] = market.Candle{
			Begin:  t0.Add(time.Duration(i) * 24 * time.Hour),
			Open:   decimal.NewFromFloat(b.open),
			High:   decimal.NewFromFloat(high),
			Low:    decimal.NewFromFloat(low),
			Close:  decimal.NewFromFloat(b.close),
			Volume: decimal.NewFromInt(1),
		}
	}
	return Series{
		Instrument: market.NewInstrumentRef("stock", "shares", "SBER"),
		Interval:   market.Interval1d,
		Candles:    candles,
	}
}

func TestBestLongEntryPrecedesExit(t *testing.T) {
	s := series(bar{open: 10, close: 12}, bar{open: 11, close: 9}, bar{open: 9, close: 15})
	long, _ := BestDeals(s, Params{})
	require.True(t, long.IsSome())
	d := long.Unwrap()
	assert.Equal(t, 10.0, d.EntryPrice)
	assert.Equal(t, 15.0, d.ExitPrice)
	assert.InDelta(t, 0.5, d.RawReturn, 1e-12)
	assert.InDelta(t, 0.5, d.NetReturn, 1e-12)
	assert.True(t, d.EntryTime.Equal(t0))
	assert.True(t, d.ExitTime.Equal(t0.Add(72*time.Hour)))
	assert.True(t, d.AsOf.Equal(t0.Add(48*time.Hour)))
	assert.Equal(t, SideLong, d.Side)
}

func TestMonotonicSeries(t *testing.T) {
	s := series(bar{open: 10, close: 11}, bar{open: 12, close: 13}, bar{open: 14, close: 15})
	long, short := BestDeals(s, Params{EntryFee: 0.01, ExitFee: 0.01})

	require.True(t, long.IsSome())
	raw := (15.0 - 10.0) / 10.0
	assert.InDelta(t, raw, long.Unwrap().RawReturn, 1e-12)
	assert.InDelta(t, 0.99*(1+raw)*0.99-1, long.Unwrap().NetReturn, 1e-12)
	assert.True(t, short.IsNone())
}

func TestIncludeNegativeExposesBestLoss(t *testing.T) {
	s := series(bar{open: 10, close: 11}, bar{open: 12, close: 13}, bar{open: 14, close: 15})
	_, short := BestDeals(s, Params{IncludeNegative: true})
	require.True(t, short.IsSome())
	d := short.Unwrap()
	assert.Less(t, d.NetReturn, 0.0)
	assert.InDelta(t, (12.0-15.0)/12.0, d.RawReturn, 1e-12)
}

func TestHighLowModeUsesWorstCaseRoles(t *testing.T) {
	s := series(
		bar{open: 10, high: 11, low: 9, close: 10},
		bar{open: 10, high: 12, low: 8, close: 10},
		bar{open: 12, high: 14, low: 10, close: 12},
	)
	long, short := BestDeals(s, Params{PriceMode: ModeHighLow})

	require.True(t, long.IsSome())
	assert.Equal(t, 8.0, long.Unwrap().EntryPrice)
	assert.Equal(t, 14.0, long.Unwrap().ExitPrice)
	assert.InDelta(t, 0.75, long.Unwrap().RawReturn, 1e-12)

	require.True(t, short.IsSome())
	assert.Equal(t, 11.0, short.Unwrap().EntryPrice)
	assert.Equal(t, 8.0, short.Unwrap().ExitPrice)
	assert.InDelta(t, 3.0/11.0, short.Unwrap().RawReturn, 1e-12)
}

func TestTooShortSeries(t *testing.T) {
	long, short := BestDeals(series(bar{open: 10, close: 20}), Params{IncludeNegative: true})
	assert.True(t, long.IsNone())
	assert.True(t, short.IsNone())

	long, short = BestDeals(Series{}, Params{})
	assert.True(t, long.IsNone())
	assert.True(t, short.IsNone())
}

func TestTiesKeepEarliestPair(t *testing.T) {
	s := series(bar{open: 10, close: 15}, bar{open: 10, close: 15}, bar{open: 10, close: 15})
	long, _ := BestDeals(s, Params{})
	require.True(t, long.IsSome())
	assert.True(t, long.Unwrap().EntryTime.Equal(t0))
	assert.True(t, long.Unwrap().ExitTime.Equal(t0.Add(48*time.Hour)))
}

func TestAnnualizationCompounds(t *testing.T) {
	assert.InDelta(t, math.Pow(1.01, 365)-1, Annualize(0.01, 1), 1e-9)
	assert.InDelta(t, math.Pow(1.01, 365.0/30)-1, Annualize(0.01, 30), 1e-12)
	assert.Equal(t, -1.0, Annualize(-1.5, 10))
	assert.Equal(t, AnnualizedCap, Annualize(5, 1.0/1440))

	s := series(bar{open: 10, close: 10}, bar{open: 10, close: 11})
	long, _ := BestDeals(s, Params{})
	require.True(t, long.IsSome())
	d := long.Unwrap()
	assert.InDelta(t, 2.0, d.HoldingDays, 1e-12)
	assert.InDelta(t, math.Pow(1.1, 365.0/2)-1, d.AnnualizedReturn, 1e-6)
	assert.InDelta(t, 0.1*365/2, d.SimpleAnnualized, 1e-9)
}

func TestShortLoanFeeReducesNet(t *testing.T) {
	s := series(bar{open: 20, close: 18}, bar{open: 17, close: 15})
	_, free := BestDeals(s, Params{})
	_, charged := BestDeals(s, Params{LoanFee: 0.2})
	require.True(t, free.IsSome())
	require.True(t, charged.IsSome())
	assert.InDelta(t, free.Unwrap().NetReturn-LoanCost(0.2, 2), charged.Unwrap().NetReturn, 1e-12)
}

func TestZeroVolatilityProducesSentinel(t *testing.T) {
	s := series(bar{open: 10, close: 20}, bar{open: 15, close: 40})
	long, _ := BestDeals(s, Params{RiskFreeRate: 0.05})
	require.True(t, long.IsSome())
	d := long.Unwrap()
	assert.Equal(t, 10.0, d.EntryPrice)
	assert.Equal(t, 40.0, d.ExitPrice)
	assert.False(t, d.ScoreDefined)
	assert.Equal(t, ScoreSentinel, d.Score)

	score, ok := RiskScore(-0.2, 0.05, 0, true)
	assert.False(t, ok)
	assert.Equal(t, -ScoreSentinel, score)
	score, ok = RiskScore(0.05, 0.05, 0, false)
	assert.False(t, ok)
	assert.Equal(t, 0.0, score)
}

func TestRiskScoreDefined(t *testing.T) {
	s := series(bar{open: 10, close: 12}, bar{open: 11, close: 9}, bar{open: 9, close: 15})
	long, _ := BestDeals(s, Params{RiskFreeRate: 0.1})
	require.True(t, long.IsSome())
	d := long.Unwrap()
	assert.True(t, d.ScoreDefined)
	assert.Greater(t, d.Volatility, 0.0)
	assert.InDelta(t, (d.AnnualizedReturn-0.1)/d.Volatility, d.Score, 1e-9)
}

func TestSampleStdDev(t *testing.T) {
	sd, ok := SampleStdDev([]float64{1, 2, 3, 4})
	require.True(t, ok)
	assert.InDelta(t, math.Sqrt(5.0/3.0), sd, 1e-9)

	_, ok = SampleStdDev([]float64{1})
	assert.False(t, ok)
}

func TestInputIsNotMutated(t *testing.T) {
	s := series(bar{open: 10, close: 12}, bar{open: 11, close: 9}, bar{open: 9, close: 15})
	before := make([]market.Candle, len(s.Candles))
	copy(before, s.Candles)
	BestDeals(s, Params{PriceMode: ModeHighLow})
	assert.Equal(t, before, s.Candles)
}

func TestMetricSelection(t *testing.T) {
	d := Deal{NetReturn: 0.1, AnnualizedReturn: 2}
	assert.Equal(t, 0.1, d.Metric(SortPerDeal))
	assert.Equal(t, 2.0, d.Metric(SortAnnualized))
}

func TestNormalizeDefaults(t *testing.T) {
	p := Params{PriceMode: " High-Low "}.Normalize()
	assert.Equal(t, ModeHighLow, p.PriceMode)
	assert.Equal(t, SortPerDeal, p.SortMetric)
}

func TestShortChosenAfterLoanCost(t *testing.T) {
	s := series(bar{open: 100, close: 99}, bar{open: 99, close: 92}, bar{open: 95, close: 90})
	s.Candles[2].Begin = t0.Add(400 * 24 * time.Hour)

	_, short := BestDeals(s, Params{LoanFee: 0.5})
	require.True(t, short.IsSome())
	d := short.Unwrap()
	assert.Equal(t, 100.0, d.EntryPrice)
	assert.Equal(t, 92.0, d.ExitPrice)
	assert.InDelta(t, 2.0, d.HoldingDays, 1e-12)
	assert.InDelta(t, 0.08-LoanCost(0.5, 2), d.NetReturn, 1e-12)
	assert.InDelta(t, 0.0778, d.NetReturn, 1e-4)
}

func TestAnnualizedMetricPrefersShorterDeal(t *testing.T) {
	bars := []bar{{open: 100, close: 110}, {open: 108, close: 111}}
	for k := 0; k < 7; k++ {
		bars = append(bars, bar{open: 110, close: 110})
	}
	bars = append(bars, bar{open: 110, close: 120})
	s := series(bars...)

	perDeal, _ := BestDeals(s, Params{})
	require.True(t, perDeal.IsSome())
	assert.Equal(t, 100.0, perDeal.Unwrap().EntryPrice)
	assert.Equal(t, 120.0, perDeal.Unwrap().ExitPrice)

	annual, _ := BestDeals(s, Params{SortMetric: SortAnnualized})
	require.True(t, annual.IsSome())
	d := annual.Unwrap()
	assert.Equal(t, 100.0, d.EntryPrice)
	assert.Equal(t, 111.0, d.ExitPrice)
	assert.Greater(t, d.AnnualizedReturn, perDeal.Unwrap().AnnualizedReturn)
}

func TestVolatilityPathIncludesEntryBarClose(t *testing.T) {
	s := series(bar{open: 10, close: 12}, bar{open: 11, close: 9}, bar{open: 9, close: 15})
	long, _ := BestDeals(s, Params{})
	require.True(t, long.IsSome())
	want, ok := windowVolatility(10, []float64{12, 9}, 15)
	require.True(t, ok)
	assert.InDelta(t, want, long.Unwrap().Volatility, 1e-12)
}

func sixBars() Series {
	return series(
		bar{open: 10, close: 10},
		bar{open: 10, close: 12},
		bar{open: 12, close: 9},
		bar{open: 9, close: 11},
		bar{open: 11, close: 13},
		bar{open: 13, close: 12},
	)
}

func TestRatiosWithoutBenchmark(t *testing.T) {
	long, _ := BestDeals(sixBars(), Params{})
	require.True(t, long.IsSome())
	r := long.Unwrap().Ratios

	assert.InDelta(t, -0.25, r.MaxDrawdown, 1e-12)
	rets := []float64{0.2, -0.25, 2.0 / 9, 2.0 / 11, -1.0 / 13}
	sd, ok := SampleStdDev(rets)
	require.True(t, ok)
	assert.InDelta(t, sd, r.StdDev, 1e-9)
	assert.InDelta(t, mean(rets)/sd, r.Sharpe, 1e-9)
	assert.InDelta(t, mean(rets)/0.25, r.Calmar, 1e-9)
	dsd, ok := SampleStdDev([]float64{-0.25, -1.0 / 13})
	require.True(t, ok)
	assert.InDelta(t, mean(rets)/dsd, r.Sortino, 1e-9)

	assert.Equal(t, RatioNone, r.Beta)
	assert.Equal(t, RatioNone, r.Alpha)
	assert.Equal(t, RatioNone, r.Treynor)
	assert.Equal(t, RatioNone, r.RSquared)
	assert.Equal(t, RatioNone, r.RSquaredCorr)
	assert.Equal(t, RatioNone, r.InformationRatio)
}

func TestRatiosAgainstProportionalBenchmark(t *testing.T) {
	s := sixBars()
	for _, c := range s.Candles {
		b := c
		b.Open = c.Open.Mul(decimal.NewFromInt(2))
		b.High = c.High.Mul(decimal.NewFromInt(2))
		b.Low = c.Low.Mul(decimal.NewFromInt(2))
		b.Close = c.Close.Mul(decimal.NewFromInt(2))
		s.Benchmark = append(s.Benchmark, b)
	}

	long, short := BestDeals(s, Params{IncludeNegative: true})
	require.True(t, long.IsSome())
	r := long.Unwrap().Ratios
	assert.InDelta(t, 1.0, r.Beta, 1e-9)
	assert.InDelta(t, 1.0, r.RSquared, 1e-9)
	assert.InDelta(t, 1.0, r.RSquaredCorr, 1e-9)
	assert.InDelta(t, 0.0, r.InformationRatio, 1e-9)
	assert.InDelta(t, 0.0, r.Alpha, 1e-9)
	assert.InDelta(t, long.Unwrap().NetReturn, r.Treynor, 1e-9)

	require.True(t, short.IsSome())
	assert.InDelta(t, -short.Unwrap().NetReturn, short.Unwrap().Ratios.Treynor, 1e-9)
}

func TestRatiosNeedEnoughCloses(t *testing.T) {
	s := series(bar{open: 10, close: 12}, bar{open: 11, close: 9}, bar{open: 9, close: 15})
	long, _ := BestDeals(s, Params{})
	require.True(t, long.IsSome())
	assert.Equal(t, undefinedRatios(), long.Unwrap().Ratios)
}

func TestBenchmarkWithoutVarianceLeavesBetaUndefined(t *testing.T) {
	s := sixBars()
	for _, c := range s.Candles {
		b := c
		b.Open, b.High, b.Low, b.Close = decimal.NewFromInt(100), decimal.NewFromInt(100), decimal.NewFromInt(100), decimal.NewFromInt(100)
		s.Benchmark = append(s.Benchmark, b)
	}
	long, _ := BestDeals(s, Params{})
	require.True(t, long.IsSome())
	r := long.Unwrap().Ratios
	assert.Equal(t, RatioNone, r.Beta)
	assert.Equal(t, RatioNone, r.Alpha)
	assert.Equal(t, RatioNone, r.RSquaredCorr)
	assert.NotEqual(t, RatioNone, r.InformationRatio)
}
