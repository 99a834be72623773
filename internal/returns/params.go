package returns

import (
	"strings"
	"time"
)

type PriceMode string

const (
	// ModeOpenClose 以周期开盘价入场、之后某周期收盘价离场。
	ModeOpenClose PriceMode = "open-close"
	// ModeHighLow 按最坏情况取价：多头低买高卖、空头高卖低买，且入场与离场不在同一根K线。
	ModeHighLow PriceMode = "high-low"
)

type SortMetric string

const (
	SortPerDeal    SortMetric = "per-deal"
	SortAnnualized SortMetric = "annualized"
)

// MinDuration 是任务时间窗口的下限。
const MinDuration = time.Hour

// MaxLimit 是结果表行数上限。
const MaxLimit = 1000

// Params 是一次收益计算的参数；费率与利率均为小数（0.001 = 0.1%）。
type Params struct {
	Duration        time.Duration `json:"duration" validate:"gte=1h"`
	EntryFee        float64       `json:"entry_fee" validate:"gte=0,lt=1"`
	ExitFee         float64       `json:"exit_fee" validate:"gte=0,lt=1"`
	LoanFee         float64       `json:"loan_fee" validate:"gte=0,lt=10"`
	RiskFreeRate    float64       `json:"risk_free_rate" validate:"gte=-1,lte=10"`
	PriceMode       PriceMode     `json:"price_mode" validate:"oneof=open-close high-low"`
	SortMetric      SortMetric    `json:"sort_metric" validate:"oneof=per-deal annualized"`
	IncludeNegative bool          `json:"include_negative"`
	Limit           int           `json:"limit" validate:"gte=0,lte=1000"`
}

// Normalize 填充缺省的取价模式与排序指标。
func (p Params) Normalize() Params {
	p.PriceMode = PriceMode(strings.ToLower(strings.TrimSpace(string(p.PriceMode))))
	if p.PriceMode == "" {
		p.PriceMode = ModeOpenClose
	}
	p.SortMetric = SortMetric(strings.ToLower(strings.TrimSpace(string(p.SortMetric))))
	if p.SortMetric == "" {
		p.SortMetric = SortPerDeal
	}
	return p
}
