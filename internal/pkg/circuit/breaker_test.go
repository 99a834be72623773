package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := New("moex", 2, time.Minute)
	b.nowFn = func() time.Time { return now }

	assert.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())

	now = now.Add(time.Minute)
	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := New("binance", 1, time.Second)
	b.nowFn = func() time.Time { return now }

	b.RecordFailure()
	now = now.Add(2 * time.Second)
	assert.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}

func TestNilBreakerAlwaysAllows(t *testing.T) {
	b := New("off", 0, 0)
	assert.Nil(t, b)
	assert.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenAdmitsSingleTrial(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := New("moex", 1, time.Minute)
	b.nowFn = func() time.Time { return now }

	b.RecordFailure()
	now = now.Add(time.Minute)
	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
	assert.False(t, b.Allow(), "second caller waits for the trial outcome")

	b.RecordNeutral()
	assert.True(t, b.Allow(), "neutral outcome frees the trial slot")
	assert.False(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
	assert.True(t, b.Allow())
}

func TestUnrecordedTrialExpires(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := New("moex", 1, time.Minute)
	b.nowFn = func() time.Time { return now }

	b.RecordFailure()
	now = now.Add(time.Minute)
	assert.True(t, b.Allow())
	now = now.Add(30 * time.Second)
	assert.False(t, b.Allow())
	now = now.Add(30 * time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
}
