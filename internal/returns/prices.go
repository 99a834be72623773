package returns

import "dealscan/internal/market"

type prices struct {
	open, high, low, close []float64
}

// legs 是某方向上每根K线可用的入场价与离场价。
type legs struct {
	entry, exit []float64
}

func extractPrices(candles []market.Candle) prices {
	n := len(candles)
	px := prices{
		open:  make([]float64, n),
		high:  make([]float64, n),
		low:   make([]float64, n),
		close: make([]float64, n),
	}
	for i, c := range candles {
		px.open[i] = c.Open.InexactFloat64()
		px.high[i] = c.High.InexactFloat64()
		px.low[i] = c.Low.InexactFloat64()
		px.close[i] = c.Close.InexactFloat64()
	}
	return px
}

func (px prices) legs(mode PriceMode) (long, short legs) {
	if mode == ModeHighLow {
		return legs{entry: px.low, exit: px.high}, legs{entry: px.high, exit: px.low}
	}
	oc := legs{entry: px.open, exit: px.close}
	return oc, oc
}
