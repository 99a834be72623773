package moex

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"dealscan/internal/market"
	"dealscan/internal/pkg/errkind"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

const issTimeLayout = "2006-01-02 15:04:05"

const candlesSchema = `{
  "type": "object",
  "required": ["candles"],
  "properties": {
    "candles": {
      "type": "object",
      "required": ["columns", "data"],
      "properties": {
        "columns": {"type": "array", "items": {"type": "string"}},
        "data": {"type": "array", "items": {"type": "array"}}
      }
    }
  }
}`

var requiredColumns = []string{"open", "close", "high", "low", "volume", "begin"}

func compileSchema(name, src string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(src)); err != nil {
		return nil, err
	}
	return compiler.Compile(name)
}

// parse 按列名而不是位置读取 ISS 返回的行，列顺序可以任意。
func (c *Client) parse(body []byte) ([]market.Candle, error) {
	if err := validateDoc(body, c.schema); err != nil {
		return nil, err
	}

	index := columnIndex(body, "candles.columns")
	for _, name := range requiredColumns {
		if _, ok := index[name]; !ok {
			return nil, errkind.New(errkind.MalformedResponse, "moex.parse", "missing column %q", name)
		}
	}
	endIdx, hasEnd := index["end"]

	rows := gjson.GetBytes(body, "candles.data").Array()
	out := make([]market.Candle, 0, len(rows))
	for n, row := range rows {
		cells := row.Array()
		cell := func(name string) (gjson.Result, error) {
			i := index[name]
			if i >= len(cells) {
				return gjson.Result{}, fmt.Errorf("row %d: column %s out of range", n, name)
			}
			return cells[i], nil
		}
		var (
			candle market.Candle
			err    error
		)
		if candle.Open, err = decimalCell(cell, "open"); err != nil {
			return nil, errkind.Wrap(errkind.MalformedResponse, "moex.parse", err)
		}
		if candle.Close, err = decimalCell(cell, "close"); err != nil {
			return nil, errkind.Wrap(errkind.MalformedResponse, "moex.parse", err)
		}
		if candle.High, err = decimalCell(cell, "high"); err != nil {
			return nil, errkind.Wrap(errkind.MalformedResponse, "moex.parse", err)
		}
		if candle.Low, err = decimalCell(cell, "low"); err != nil {
			return nil, errkind.Wrap(errkind.MalformedResponse, "moex.parse", err)
		}
		if candle.Volume, err = decimalCell(cell, "volume"); err != nil {
			return nil, errkind.Wrap(errkind.MalformedResponse, "moex.parse", err)
		}
		if candle.Volume.IsNegative() {
			return nil, errkind.New(errkind.MalformedResponse, "moex.parse", "row %d: negative volume", n)
		}
		begin, err := cell("begin")
		if err != nil {
			return nil, errkind.Wrap(errkind.MalformedResponse, "moex.parse", err)
		}
		if candle.Begin, err = c.parseTime(begin.String()); err != nil {
			return nil, errkind.Wrap(errkind.MalformedResponse, "moex.parse", err)
		}
		if hasEnd && endIdx < len(cells) && cells[endIdx].Type == gjson.String {
			if end, err := c.parseTime(cells[endIdx].String()); err == nil {
				candle.End = end
			}
		}
		out = append(out, candle)
	}
	return out, nil
}

// validateDoc 校验 JSON 合法性、ISS 错误体与 schema。
func validateDoc(body []byte, schema *jsonschema.Schema) error {
	if !gjson.ValidBytes(body) {
		return errkind.New(errkind.MalformedResponse, "moex.parse", "invalid json")
	}
	if msg := gjson.GetBytes(body, "error"); msg.Exists() {
		return errkind.New(errkind.UpstreamRejected, "moex.parse", "iss error: %s", msg.String())
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return errkind.Wrap(errkind.MalformedResponse, "moex.parse", err)
	}
	if err := schema.Validate(doc); err != nil {
		return errkind.Wrap(errkind.MalformedResponse, "moex.parse", err)
	}
	return nil
}

// columnIndex 把列名（小写）映射到位置。
func columnIndex(body []byte, path string) map[string]int {
	index := make(map[string]int)
	for i, col := range gjson.GetBytes(body, path).Array() {
		index[strings.ToLower(col.String())] = i
	}
	return index
}

func decimalCell(cell func(string) (gjson.Result, error), name string) (decimal.Decimal, error) {
	v, err := cell(name)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if v.Type != gjson.Number {
		return decimal.Decimal{}, fmt.Errorf("column %s: expected number, got %s", name, v.Type)
	}
	return decimal.NewFromString(v.Raw)
}

func (c *Client) parseTime(raw string) (time.Time, error) {
	t, err := time.ParseInLocation(issTimeLayout, strings.TrimSpace(raw), c.loc)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
