package moex

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"dealscan/internal/market"
	"dealscan/internal/pkg/errkind"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const securitiesBody = `{
  "securities": {"columns": ["SECID"], "data": [["SBER"], ["GAZP"], ["LKOH"], ["NOCAP"], ["ROSN"]]},
  "marketdata": {"columns": ["SECID", "ISSUECAPITALIZATION"], "data": [
    ["SBER", 6.5e12], ["GAZP", 3.9e12], ["LKOH", 5.1e12], ["NOCAP", null], ["ROSN", 5.1e12], ["DELISTED", 9e13]
  ]}
}`

func securitiesServer(t *testing.T, body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/iss/engines/stock/markets/shares/boards/TQBR/securities.json", r.URL.Path)
		assert.Equal(t, "securities,marketdata", r.URL.Query().Get("iss.only"))
		assert.Equal(t, "SECID,ISSUECAPITALIZATION", r.URL.Query().Get("marketdata.columns"))
		_, _ = fmt.Fprint(w, body)
	}))
}

func TestCapitalizationsSortedDescending(t *testing.T) {
	srv := securitiesServer(t, securitiesBody)
	defer srv.Close()

	caps, err := newTestClient(t, srv, 500).Capitalizations(context.Background())
	require.NoError(t, err)
	codes := make([]string, len(caps))
	for i, cp := range caps {
		codes[i] = cp.Code
	}
	assert.Equal(t, []string{"SBER", "LKOH", "ROSN", "GAZP"}, codes, "null caps and unlisted rows dropped, ties by code")
	assert.Equal(t, "6500000000000", caps[0].Value.String())
}

func TestTopByCapitalizationTruncates(t *testing.T) {
	srv := securitiesServer(t, securitiesBody)
	defer srv.Close()

	refs, err := newTestClient(t, srv, 500).TopByCapitalization(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []market.InstrumentRef{
		market.NewInstrumentRef("stock", "shares", "SBER"),
		market.NewInstrumentRef("stock", "shares", "LKOH"),
	}, refs)

	_, err = newTestClient(t, srv, 500).TopByCapitalization(context.Background(), 0)
	assert.True(t, errkind.Is(err, errkind.InvalidArgument))
}

func TestCapitalizationsMalformed(t *testing.T) {
	cases := map[string]string{
		"missing table":  `{"securities": {"columns": ["SECID"], "data": []}}`,
		"missing column": `{"securities": {"columns": ["SECID"], "data": []}, "marketdata": {"columns": ["SECID"], "data": []}}`,
		"string cap":     `{"securities": {"columns": ["SECID"], "data": [["SBER"]]}, "marketdata": {"columns": ["SECID","ISSUECAPITALIZATION"], "data": [["SBER","big"]]}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			srv := securitiesServer(t, body)
			defer srv.Close()
			_, err := newTestClient(t, srv, 500).Capitalizations(context.Background())
			require.Error(t, err)
			assert.True(t, errkind.Is(err, errkind.MalformedResponse), err.Error())
		})
	}
}

func TestCapitalizationsRetries5xxOnce(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = fmt.Fprint(w, securitiesBody)
	}))
	defer srv.Close()

	caps, err := newTestClient(t, srv, 500).Capitalizations(context.Background())
	require.NoError(t, err)
	assert.Len(t, caps, 4)
	assert.Equal(t, 2, calls)
}
