package market

import (
	"fmt"
	"strings"
)

// InstrumentRef 唯一标识一个交易品种：交易引擎 / 市场 / 代码。
type InstrumentRef struct {
	Engine string `json:"engine" yaml:"engine"`
	Market string `json:"market" yaml:"market"`
	Code   string `json:"code" yaml:"code"`
}

func NewInstrumentRef(engine, market, code string) InstrumentRef {
	return InstrumentRef{
		Engine: strings.ToLower(strings.TrimSpace(engine)),
		Market: strings.ToLower(strings.TrimSpace(market)),
		Code:   strings.ToUpper(strings.TrimSpace(code)),
	}
}

func (r InstrumentRef) Validate() error {
	if r.Engine == "" || r.Market == "" || r.Code == "" {
		return fmt.Errorf("instrument 需要 engine/market/code: %q", r.String())
	}
	return nil
}

func (r InstrumentRef) String() string {
	return r.Engine + "/" + r.Market + "/" + r.Code
}

// SeriesKey 标识一条存储的K线序列。
type SeriesKey struct {
	Instrument InstrumentRef
	Interval   Interval
}

func (k SeriesKey) String() string {
	return k.Instrument.String() + "@" + k.Interval.String()
}
