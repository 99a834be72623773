package returns

import (
	"math"

	"github.com/markcheno/go-talib"
)

// ApplyFees 按名义本金连乘计算双边手续费后的净收益。
func ApplyFees(rawMove, entryFee, exitFee float64) float64 {
	return (1-entryFee)*(1+rawMove)*(1-exitFee) - 1
}

// LoanCost 是持有空头 days 天的借券成本，loanFee 为年化费率。
func LoanCost(loanFee, days float64) float64 {
	if loanFee <= 0 || days <= 0 {
		return 0
	}
	return math.Pow(1+loanFee, days/daysPerYear) - 1
}

// Annualize 按复利折算到 365 天；本金亏光时返回 -1，溢出时截断到 AnnualizedCap。
func Annualize(net, days float64) float64 {
	if days <= 0 {
		return 0
	}
	base := 1 + net
	if base <= 0 {
		return -1
	}
	v := math.Pow(base, daysPerYear/days) - 1
	if math.IsNaN(v) {
		return 0
	}
	if math.IsInf(v, 1) || v > AnnualizedCap {
		return AnnualizedCap
	}
	return v
}

// windowVolatility 计算 [entry, close_i … close_{j-1}, exit] 相邻价格对数收益的样本标准差；
// 包含入场K线的收盘价，不含出场K线的收盘价。
func windowVolatility(entry float64, closes []float64, exit float64) (float64, bool) {
	path := make([]float64, 0, len(closes)+2)
	path = append(path, entry)
	path = append(path, closes...)
	path = append(path, exit)

	rets := make([]float64, 0, len(path)-1)
	for k := 1; k < len(path); k++ {
		if path[k-1] <= 0 || path[k] <= 0 {
			continue
		}
		rets = append(rets, math.Log(path[k]/path[k-1]))
	}
	return SampleStdDev(rets)
}

// SampleStdDev 基于 talib 的总体标准差换算为样本标准差；少于两个样本时不可定义。
func SampleStdDev(xs []float64) (float64, bool) {
	n := len(xs)
	if n < 2 {
		return 0, false
	}
	out := talib.StdDev(xs, n, 1)
	pop := out[n-1]
	if math.IsNaN(pop) {
		return 0, false
	}
	return pop * math.Sqrt(float64(n)/float64(n-1)), true
}

// RiskScore = (年化收益 - 无风险利率) / 波动率；波动率为零时返回带符号的哨兵值并标记未定义。
func RiskScore(annualized, riskFree, vol float64, volOK bool) (float64, bool) {
	excess := annualized - riskFree
	if !volOK || vol < volEpsilon {
		switch {
		case excess > 0:
			return ScoreSentinel, false
		case excess < 0:
			return -ScoreSentinel, false
		default:
			return 0, false
		}
	}
	return excess / vol, true
}
