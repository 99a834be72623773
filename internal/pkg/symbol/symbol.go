// Package symbol 规范化加密货币交易对写法。
package symbol

import "strings"

var quoteCurrencies = []string{"USDT", "FDUSD", "USDC", "BUSD", "TUSD", "BTC", "ETH", "BNB", "EUR", "TRY"}

type Pair struct {
	Base  string
	Quote string
}

// Parse 识别 "BTC/USDT"、"btc-usdt"、"BTCUSDT" 等写法；无法拆分时返回空 Pair。
func Parse(s string) Pair {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return Pair{}
	}
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	for _, sep := range []string{"/", "-", "_"} {
		if parts := strings.SplitN(s, sep, 2); len(parts) == 2 {
			return Pair{Base: strings.TrimSpace(parts[0]), Quote: strings.TrimSpace(parts[1])}
		}
	}
	for _, quote := range quoteCurrencies {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return Pair{Base: s[:len(s)-len(quote)], Quote: quote}
		}
	}
	return Pair{}
}

func (p Pair) Valid() bool { return p.Base != "" && p.Quote != "" }

// Binance 返回交易所使用的无分隔符写法。
func Binance(code string) string {
	if p := Parse(code); p.Valid() {
		return p.Base + p.Quote
	}
	return strings.ToUpper(strings.TrimSpace(code))
}
