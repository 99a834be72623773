package moex

import (
	"context"
	"fmt"
	"net/url"
	"sort"

	"dealscan/internal/market"
	"dealscan/internal/pkg/errkind"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// SharesBoard 是市值排名使用的主板。
const SharesBoard = "TQBR"

const securitiesSchema = `{
  "type": "object",
  "required": ["securities", "marketdata"],
  "properties": {
    "securities": {"$ref": "#/definitions/table"},
    "marketdata": {"$ref": "#/definitions/table"}
  },
  "definitions": {
    "table": {
      "type": "object",
      "required": ["columns", "data"],
      "properties": {
        "columns": {"type": "array", "items": {"type": "string"}},
        "data": {"type": "array", "items": {"type": "array"}}
      }
    }
  }
}`

// Capitalization 是一只股票的发行市值（ISSUECAPITALIZATION，卢布）。
type Capitalization struct {
	Code  string          `json:"code"`
	Value decimal.Decimal `json:"value"`
}

// TopByCapitalization 返回主板按市值降序的前 n 只股票；市值缺失的股票不参与排名。
func (c *Client) TopByCapitalization(ctx context.Context, n int) ([]market.InstrumentRef, error) {
	if n <= 0 {
		return nil, errkind.New(errkind.InvalidArgument, "moex.securities", "n 需要为正数: %d", n)
	}
	caps, err := c.Capitalizations(ctx)
	if err != nil {
		return nil, err
	}
	if len(caps) > n {
		caps = caps[:n]
	}
	out := make([]market.InstrumentRef, len(caps))
	for i, cp := range caps {
		out[i] = market.NewInstrumentRef("stock", "shares", cp.Code)
	}
	return out, nil
}

// Capitalizations 拉取主板全部股票的市值，按市值降序、代码升序排列。
func (c *Client) Capitalizations(ctx context.Context) ([]Capitalization, error) {
	var caps []Capitalization
	err := c.call(ctx, "securities", c.securitiesURL(), func(body []byte) (err error) {
		caps, err = c.parseCapitalizations(body)
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(caps, func(i, j int) bool {
		if cmp := caps[i].Value.Cmp(caps[j].Value); cmp != 0 {
			return cmp > 0
		}
		return caps[i].Code < caps[j].Code
	})
	c.log.Debugf("市值列表 %d 只股票", len(caps))
	return caps, nil
}

func (c *Client) securitiesURL() string {
	q := url.Values{}
	q.Set("iss.meta", "off")
	q.Set("iss.only", "securities,marketdata")
	q.Set("securities.columns", "SECID")
	q.Set("marketdata.columns", "SECID,ISSUECAPITALIZATION")
	return fmt.Sprintf("%s/iss/engines/stock/markets/shares/boards/%s/securities.json?%s",
		c.baseURL, SharesBoard, q.Encode())
}

// parseCapitalizations 以 SECID 关联 securities 与 marketdata 两张表。
func (c *Client) parseCapitalizations(body []byte) ([]Capitalization, error) {
	if err := validateDoc(body, c.secSchema); err != nil {
		return nil, err
	}
	secIdx := columnIndex(body, "securities.columns")
	mdIdx := columnIndex(body, "marketdata.columns")
	secCol, ok := secIdx["secid"]
	if !ok {
		return nil, errkind.New(errkind.MalformedResponse, "moex.parse", "securities: missing column %q", "SECID")
	}
	mdSec, ok1 := mdIdx["secid"]
	mdCap, ok2 := mdIdx["issuecapitalization"]
	if !ok1 || !ok2 {
		return nil, errkind.New(errkind.MalformedResponse, "moex.parse", "marketdata: missing SECID or ISSUECAPITALIZATION")
	}

	listed := make(map[string]struct{})
	for _, row := range gjson.GetBytes(body, "securities.data").Array() {
		cells := row.Array()
		if secCol < len(cells) && cells[secCol].Type == gjson.String {
			listed[cells[secCol].String()] = struct{}{}
		}
	}

	var out []Capitalization
	for n, row := range gjson.GetBytes(body, "marketdata.data").Array() {
		cells := row.Array()
		if mdSec >= len(cells) || mdCap >= len(cells) {
			return nil, errkind.New(errkind.MalformedResponse, "moex.parse", "marketdata row %d: too few cells", n)
		}
		code := cells[mdSec].String()
		if _, ok := listed[code]; !ok {
			continue
		}
		switch cells[mdCap].Type {
		case gjson.Null:
			continue
		case gjson.Number:
		default:
			return nil, errkind.New(errkind.MalformedResponse, "moex.parse", "marketdata row %d: capitalization is %s", n, cells[mdCap].Type)
		}
		value, err := decimal.NewFromString(cells[mdCap].Raw)
		if err != nil {
			return nil, errkind.Wrap(errkind.MalformedResponse, "moex.parse", err)
		}
		if !value.IsPositive() {
			continue
		}
		out = append(out, Capitalization{Code: code, Value: value})
	}
	return out, nil
}
