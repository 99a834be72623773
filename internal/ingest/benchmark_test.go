package ingest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"dealscan/internal/market"
	"dealscan/internal/pkg/errkind"
	"dealscan/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var imoex = market.NewInstrumentRef("stock", "index", "IMOEX")

func newBenchmark(t *testing.T, maxAge time.Duration) (*Benchmark, *MockSource, *store.SQLiteStore) {
	t.Helper()
	candles, err := store.OpenSQLite(filepath.Join(t.TempDir(), "candles.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = candles.Close() })
	src := new(MockSource)
	b, err := NewBenchmark(BenchmarkConfig{
		Ref:          imoex,
		Sources:      Sources{Default: src},
		Candles:      candles,
		MaxAge:       maxAge,
		FetchTimeout: time.Second,
	})
	require.NoError(t, err)
	b.nowFn = func() time.Time { return now }
	return b, src, candles
}

func TestBenchmarkFetchesMissingSeries(t *testing.T) {
	b, src, _ := newBenchmark(t, time.Hour)
	from := now.Add(-5 * time.Hour)
	src.On("Fetch", mock.Anything, imoex, market.FetchSetting{Interval: market.Interval1h, Depth: 6, MaxUpdateRate: time.Hour}).
		Return(hourlyCandles(10), nil).Once()

	got, err := b.Candles(context.Background(), market.Interval1h, from)
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.True(t, got[0].Begin.Equal(from))
	src.AssertExpectations(t)
}

func TestBenchmarkReusesFreshSeries(t *testing.T) {
	b, src, _ := newBenchmark(t, time.Hour)
	src.On("Fetch", mock.Anything, imoex, mock.Anything).Return(hourlyCandles(3), nil).Once()

	_, err := b.Candles(context.Background(), market.Interval1h, time.Time{})
	require.NoError(t, err)
	got, err := b.Candles(context.Background(), market.Interval1h, time.Time{})
	require.NoError(t, err)
	assert.Len(t, got, 3)
	src.AssertNumberOfCalls(t, "Fetch", 1)
}

func TestBenchmarkFallsBackToStoredData(t *testing.T) {
	b, src, candles := newBenchmark(t, time.Hour)
	key := market.SeriesKey{Instrument: imoex, Interval: market.Interval1h}
	_, err := candles.Merge(context.Background(), key, hourlyCandles(4), now.Add(-2*time.Hour))
	require.NoError(t, err)
	src.On("Fetch", mock.Anything, imoex, mock.Anything).
		Return(nil, errkind.WithStatus(errkind.UpstreamUnavailable, "moex.fetch", 503, "maintenance")).Once()

	got, err := b.Candles(context.Background(), market.Interval1h, time.Time{})
	require.NoError(t, err)
	assert.Len(t, got, 4)
	src.AssertExpectations(t)
}

func TestNewBenchmarkRequiresRef(t *testing.T) {
	_, err := NewBenchmark(BenchmarkConfig{Sources: Sources{Default: new(MockSource)}})
	require.Error(t, err)
}

func TestDepthSince(t *testing.T) {
	assert.Equal(t, 25, depthSince(now.Add(-24*time.Hour), now, market.Interval1h))
	assert.Equal(t, market.MaxCandlesPerFetch, depthSince(now.AddDate(-1, 0, 0), now, market.Interval1h))
	assert.Equal(t, market.MaxCandlesPerFetch, depthSince(time.Time{}, now, market.Interval1h))
}
