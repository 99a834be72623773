package market

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInterval(t *testing.T) {
	iv, err := ParseInterval("1d")
	require.NoError(t, err)
	assert.Equal(t, Interval1d, iv)
	assert.Equal(t, 24, iv.Code())

	iv, err = ParseInterval("60")
	require.NoError(t, err)
	assert.Equal(t, Interval1h, iv)

	_, err = ParseInterval("5")
	assert.Error(t, err)
	_, err = ParseInterval("")
	assert.Error(t, err)

	assert.True(t, Interval1m.Less(Interval1d))
	assert.Equal(t, "1Q", Interval1Q.String())
}

func TestIntervalTextRoundTrip(t *testing.T) {
	var iv Interval
	require.NoError(t, iv.UnmarshalText([]byte("10m")))
	assert.Equal(t, Interval10m, iv)
	b, err := iv.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "10m", string(b))
}

func TestEffectiveDepthCap(t *testing.T) {
	assert.Equal(t, 500, FetchSetting{Depth: 1200}.EffectiveDepth())
	assert.Equal(t, 20, FetchSetting{Depth: 20}.EffectiveDepth())
	assert.Equal(t, 0, FetchSetting{}.EffectiveDepth())
}

func TestFetchSettingValidate(t *testing.T) {
	ok := FetchSetting{Interval: Interval1h, Depth: 100, MaxUpdateRate: time.Hour}
	assert.NoError(t, ok.Validate())

	bad := ok
	bad.Interval = 5
	assert.Error(t, bad.Validate())

	bad = ok
	bad.MaxUpdateRate = time.Second
	assert.Error(t, bad.Validate())
}

func TestParseUpdateRate(t *testing.T) {
	d, err := ParseUpdateRate("1d")
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, d)

	d, err = ParseUpdateRate("90m")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, d)

	_, err = ParseUpdateRate("soon")
	assert.Error(t, err)
}

func TestIsStaleBoundary(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg := TrackingConfig{Setting: FetchSetting{MaxUpdateRate: time.Hour}}
	assert.True(t, cfg.IsStale(now), "never fetched")

	last := now.Add(-59 * time.Minute)
	cfg.LastFetchAt = &last
	assert.False(t, cfg.IsStale(now))

	last = now.Add(-time.Hour)
	cfg.LastFetchAt = &last
	assert.True(t, cfg.IsStale(now), "exactly at the rate boundary")
}

func TestSortCandlesDedupsByBegin(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	in := []Candle{
		{Begin: t0.Add(2 * time.Hour), Close: decimal.NewFromInt(3)},
		{Begin: t0, Close: decimal.NewFromInt(1)},
		{Begin: t0.Add(2 * time.Hour), Close: decimal.NewFromInt(4)},
	}
	out := SortCandles(in)
	require.Len(t, out, 2)
	assert.True(t, out[0].Begin.Equal(t0))
	assert.True(t, out[1].Close.Equal(decimal.NewFromInt(4)))
}

func TestInstrumentRefNormalization(t *testing.T) {
	ref := NewInstrumentRef(" Stock", "SHARES ", "sber")
	assert.Equal(t, "stock/shares/SBER", ref.String())
	assert.NoError(t, ref.Validate())
	assert.Error(t, InstrumentRef{Engine: "stock"}.Validate())
}
