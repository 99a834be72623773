package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"dealscan/internal/market"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sberDaily = market.SeriesKey{
	Instrument: market.NewInstrumentRef("stock", "shares", "SBER"),
	Interval:   market.Interval1d,
}

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "candles.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func dailyCandles(start time.Time, closes ...int64) []market.Candle {
	out := make([]market.Candle, 0, len(closes))
	for i, c := range closes {
		begin := start.Add(time.Duration(i) * 24 * time.Hour)
		px := decimal.NewFromInt(c)
		out = append(out, market.Candle{
			Begin:  begin,
			Open:   px,
			High:   px.Add(decimal.NewFromInt(1)),
			Low:    px.Sub(decimal.NewFromInt(1)),
			Close:  px,
			Volume: decimal.NewFromInt(100),
		})
	}
	return out
}

func TestMergeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	page := dailyCandles(t0, 10, 11, 12)

	n, err := s.Merge(ctx, sberDaily, page, t0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	first, err := s.Range(ctx, sberDaily, time.Time{}, time.Time{})
	require.NoError(t, err)

	_, err = s.Merge(ctx, sberDaily, page, t0)
	require.NoError(t, err)
	second, err := s.Range(ctx, sberDaily, time.Time{}, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	info, ok, err := s.Series(ctx, sberDaily)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 3, info.Rows)
}

func TestMergeOverwritesOverlap(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := s.Merge(ctx, sberDaily, dailyCandles(t0, 10, 11, 12), t0)
	require.NoError(t, err)
	_, err = s.Merge(ctx, sberDaily, dailyCandles(t0.Add(48*time.Hour), 20, 21), t0.Add(time.Hour))
	require.NoError(t, err)

	got, err := s.Range(ctx, sberDaily, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.True(t, got[2].Close.Equal(decimal.NewFromInt(20)), "latest fetch wins")
	assert.True(t, got[3].Begin.Equal(t0.Add(72*time.Hour)))
	assert.True(t, got[0].End.Equal(t0.Add(24*time.Hour)), "end derived from interval")

	info, _, err := s.Series(ctx, sberDaily)
	require.NoError(t, err)
	assert.True(t, info.FirstBegin.Equal(t0))
	assert.True(t, info.LastBegin.Equal(t0.Add(72*time.Hour)))
	assert.True(t, info.LastMergedAt.Equal(t0.Add(time.Hour)))
}

func TestRangeBoundsAndOrdering(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	in := dailyCandles(t0, 1, 2, 3, 4, 5)
	in[0], in[4] = in[4], in[0]
	_, err := s.Merge(ctx, sberDaily, in, t0)
	require.NoError(t, err)

	got, err := s.Range(ctx, sberDaily, t0.Add(24*time.Hour), t0.Add(72*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i-1].Begin.Before(got[i].Begin))
	}
	assert.True(t, got[0].Close.Equal(decimal.NewFromInt(2)))
}

func TestListAndDeleteSeries(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	gazp := market.SeriesKey{Instrument: market.NewInstrumentRef("stock", "shares", "GAZP"), Interval: market.Interval1h}

	_, err := s.Merge(ctx, sberDaily, dailyCandles(t0, 1, 2), t0)
	require.NoError(t, err)
	_, err = s.Merge(ctx, gazp, dailyCandles(t0, 5), t0)
	require.NoError(t, err)

	list, err := s.ListSeries(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "GAZP", list[0].Key.Instrument.Code)
	assert.Equal(t, market.Interval1h, list[0].Key.Interval)

	require.NoError(t, s.DeleteSeries(ctx, gazp))
	list, err = s.ListSeries(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	left, err := s.Range(ctx, sberDaily, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, left, 2)

	_, ok, err := s.Series(ctx, gazp)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConcurrentMergesSameSeries(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(offset int) {
			defer wg.Done()
			start := t0.Add(time.Duration(offset) * 24 * time.Hour)
			_, err := s.Merge(ctx, sberDaily, dailyCandles(start, 1, 2, 3), t0)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := s.Range(ctx, sberDaily, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, got, 10)
	info, _, err := s.Series(ctx, sberDaily)
	require.NoError(t, err)
	assert.EqualValues(t, 10, info.Rows)
}

func TestMergeRejectsIncompleteInstrument(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Merge(context.Background(), market.SeriesKey{Interval: market.Interval1d}, dailyCandles(time.Now(), 1), time.Now())
	assert.Error(t, err)
}

func TestKeyLocksShardStable(t *testing.T) {
	assert.Equal(t, hashKey("stock/shares/SBER@1d"), hashKey("stock/shares/SBER@1d"))
	l := newKeyLocks(0)
	assert.Len(t, l.shards, defaultShardCount)
	unlock := l.lock("a")
	unlock()
}
