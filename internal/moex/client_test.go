package moex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"dealscan/internal/market"
	"dealscan/internal/pkg/errkind"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	sber   = market.NewInstrumentRef("stock", "shares", "SBER")
	origin = time.Date(2024, 1, 1, 10, 0, 0, 0, time.FixedZone("MSK", 3*60*60))
)

// issServer 模拟 ISS：total 根小时K线，按 start 偏移从最新一根倒序分页。
type issServer struct {
	total    int
	pageSize int
	columns  []string
	requests atomic.Int32
	status   func(n int32) int
}

func (s *issServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := s.requests.Add(1)
		assert.Equal(t, "/iss/engines/stock/markets/shares/securities/SBER/candles.json", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("iss.reverse"))
		assert.Equal(t, "off", r.URL.Query().Get("iss.meta"))
		assert.Equal(t, "60", r.URL.Query().Get("interval"))
		if s.status != nil {
			if code := s.status(n); code != http.StatusOK {
				w.WriteHeader(code)
				_, _ = w.Write([]byte("upstream says no"))
				return
			}
		}
		start, _ := strconv.Atoi(r.URL.Query().Get("start"))
		var data [][]any
		for i := start; i < s.total && len(data) < s.pageSize; i++ {
			idx := s.total - 1 - i
			data = append(data, s.row(idx))
		}
		if data == nil {
			data = [][]any{}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candles": map[string]any{"columns": s.columns, "data": data},
		})
	}
}

func (s *issServer) row(idx int) []any {
	begin := origin.Add(time.Duration(idx) * time.Hour)
	values := map[string]any{
		"open":   100 + idx,
		"close":  101 + idx,
		"high":   102 + idx,
		"low":    99 + idx,
		"value":  1e6,
		"volume": 10 * (idx + 1),
		"begin":  begin.Format(issTimeLayout),
		"end":    begin.Add(time.Hour - time.Second).Format(issTimeLayout),
	}
	row := make([]any, len(s.columns))
	for i, col := range s.columns {
		row[i] = values[col]
	}
	return row
}

var canonicalColumns = []string{"open", "close", "high", "low", "value", "volume", "begin", "end"}

func newTestClient(t *testing.T, srv *httptest.Server, pageSize int) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL:         srv.URL + "/",
		PageSize:        pageSize,
		RateLimitPerMin: 600000,
		RetryBackoff:    time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func hourly(depth int) market.FetchSetting {
	return market.FetchSetting{Interval: market.Interval1h, Depth: depth, MaxUpdateRate: time.Hour}
}

func TestFetchCapsAtMostRecent500(t *testing.T) {
	iss := &issServer{total: 1200, pageSize: 500, columns: canonicalColumns}
	srv := httptest.NewServer(iss.handler(t))
	defer srv.Close()

	candles, err := newTestClient(t, srv, 500).Fetch(context.Background(), sber, hourly(1200))
	require.NoError(t, err)
	require.Len(t, candles, market.MaxCandlesPerFetch)
	assert.EqualValues(t, 1, iss.requests.Load())

	newest := origin.Add(1199 * time.Hour).UTC()
	assert.True(t, candles[len(candles)-1].Begin.Equal(newest))
	assert.True(t, candles[0].Begin.Equal(origin.Add(700*time.Hour).UTC()))
	for i := 1; i < len(candles); i++ {
		assert.True(t, candles[i-1].Begin.Before(candles[i].Begin))
	}
}

func TestFetchPaginatesBackward(t *testing.T) {
	iss := &issServer{total: 1000, pageSize: 200, columns: canonicalColumns}
	srv := httptest.NewServer(iss.handler(t))
	defer srv.Close()

	candles, err := newTestClient(t, srv, 200).Fetch(context.Background(), sber, hourly(450))
	require.NoError(t, err)
	require.Len(t, candles, 450)
	assert.EqualValues(t, 3, iss.requests.Load())
	assert.True(t, candles[0].Begin.Equal(origin.Add(550*time.Hour).UTC()))
}

func TestFetchStopsOnShortOrEmptyPage(t *testing.T) {
	iss := &issServer{total: 30, pageSize: 500, columns: canonicalColumns}
	srv := httptest.NewServer(iss.handler(t))
	defer srv.Close()

	candles, err := newTestClient(t, srv, 500).Fetch(context.Background(), sber, hourly(100))
	require.NoError(t, err)
	assert.Len(t, candles, 30)
	assert.EqualValues(t, 1, iss.requests.Load())

	empty := &issServer{total: 0, pageSize: 500, columns: canonicalColumns}
	srv2 := httptest.NewServer(empty.handler(t))
	defer srv2.Close()
	candles, err = newTestClient(t, srv2, 500).Fetch(context.Background(), sber, hourly(100))
	require.NoError(t, err)
	assert.Empty(t, candles)
}

func TestFetchAddressesColumnsByName(t *testing.T) {
	iss := &issServer{total: 2, pageSize: 500, columns: []string{"begin", "volume", "low", "high", "value", "close", "open"}}
	srv := httptest.NewServer(iss.handler(t))
	defer srv.Close()

	candles, err := newTestClient(t, srv, 500).Fetch(context.Background(), sber, hourly(2))
	require.NoError(t, err)
	require.Len(t, candles, 2)
	c := candles[1]
	assert.True(t, c.Open.Equal(decimal.NewFromInt(101)))
	assert.True(t, c.Close.Equal(decimal.NewFromInt(102)))
	assert.True(t, c.High.Equal(decimal.NewFromInt(103)))
	assert.True(t, c.Low.Equal(decimal.NewFromInt(100)))
	assert.True(t, c.Volume.Equal(decimal.NewFromInt(20)))
	assert.True(t, c.Begin.Equal(origin.Add(time.Hour).UTC()))
	assert.True(t, c.End.IsZero(), "no end column")
}

func TestFetchRetries5xxOnce(t *testing.T) {
	iss := &issServer{total: 5, pageSize: 500, columns: canonicalColumns, status: func(n int32) int {
		if n == 1 {
			return http.StatusBadGateway
		}
		return http.StatusOK
	}}
	srv := httptest.NewServer(iss.handler(t))
	defer srv.Close()

	candles, err := newTestClient(t, srv, 500).Fetch(context.Background(), sber, hourly(5))
	require.NoError(t, err)
	assert.Len(t, candles, 5)
	assert.EqualValues(t, 2, iss.requests.Load())
}

func TestFetchGivesUpAfterSecond5xx(t *testing.T) {
	iss := &issServer{total: 5, pageSize: 500, columns: canonicalColumns, status: func(int32) int { return http.StatusServiceUnavailable }}
	srv := httptest.NewServer(iss.handler(t))
	defer srv.Close()

	_, err := newTestClient(t, srv, 500).Fetch(context.Background(), sber, hourly(5))
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.UpstreamUnavailable))
	assert.Equal(t, http.StatusServiceUnavailable, errkind.StatusOf(err))
	assert.EqualValues(t, 2, iss.requests.Load())
}

func TestFetchDoesNotRetry4xx(t *testing.T) {
	iss := &issServer{total: 5, pageSize: 500, columns: canonicalColumns, status: func(int32) int { return http.StatusNotFound }}
	srv := httptest.NewServer(iss.handler(t))
	defer srv.Close()

	_, err := newTestClient(t, srv, 500).Fetch(context.Background(), sber, hourly(5))
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.UpstreamRejected))
	assert.EqualValues(t, 1, iss.requests.Load())
}

func TestFetchMalformedPayloads(t *testing.T) {
	cases := map[string]string{
		"not json":       `{"candles":`,
		"schema":         `{"candles": {"columns": ["open"], "data": "nope"}}`,
		"missing column": `{"candles": {"columns": ["open","high","low","volume","begin"], "data": [[1,2,0.5,10,"2024-01-01 10:00:00"]]}}`,
		"bad timestamp":  `{"candles": {"columns": ["open","close","high","low","volume","begin"], "data": [[1,2,3,0.5,10,"yesterday"]]}}`,
		"null price":     `{"candles": {"columns": ["open","close","high","low","volume","begin"], "data": [[null,2,3,0.5,10,"2024-01-01 10:00:00"]]}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = fmt.Fprint(w, body)
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv, 500).Fetch(context.Background(), sber, hourly(5))
			require.Error(t, err)
			assert.True(t, errkind.Is(err, errkind.MalformedResponse), err.Error())
		})
	}
}

func TestFetchISSErrorBodyIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, `{"error": "Unknown engine"}`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, 500).Fetch(context.Background(), sber, hourly(5))
	assert.True(t, errkind.Is(err, errkind.UpstreamRejected))
}

func TestFetchNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	c := newTestClient(t, srv, 500)
	srv.Close()

	_, err := c.Fetch(context.Background(), sber, hourly(5))
	assert.True(t, errkind.Is(err, errkind.NetworkFailure))
}

func TestBreakerFailsFast(t *testing.T) {
	iss := &issServer{total: 5, pageSize: 500, columns: canonicalColumns, status: func(int32) int { return http.StatusInternalServerError }}
	srv := httptest.NewServer(iss.handler(t))
	defer srv.Close()

	c, err := NewClient(Config{
		BaseURL:          srv.URL,
		RateLimitPerMin:  600000,
		RetryBackoff:     time.Millisecond,
		BreakerThreshold: 1,
		BreakerCooldown:  time.Hour,
	})
	require.NoError(t, err)

	_, err = c.Fetch(context.Background(), sber, hourly(5))
	require.Error(t, err)
	before := iss.requests.Load()

	_, err = c.Fetch(context.Background(), sber, hourly(5))
	assert.True(t, errkind.Is(err, errkind.UpstreamUnavailable))
	assert.Equal(t, before, iss.requests.Load(), "open breaker must not hit upstream")
}

func TestFetchRejectsInvalidSetting(t *testing.T) {
	c, err := NewClient(Config{})
	require.NoError(t, err)
	_, err = c.Fetch(context.Background(), sber, market.FetchSetting{Interval: market.Interval1h})
	assert.True(t, errkind.Is(err, errkind.InvalidArgument))
	assert.Equal(t, "moex", c.Name())
}
