package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClockedBreaker() (*CircuitBreaker, *time.Time) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewCircuitBreaker(0.1, 100, time.Minute)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerNeedsMinimumSamples(t *testing.T) {
	b, _ := newClockedBreaker()
	for i := 0; i < 9; i++ {
		b.Record(false)
	}
	assert.Equal(t, CircuitClosed, b.State())
	b.Record(false)
	assert.Equal(t, CircuitOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerOpensAboveThreshold(t *testing.T) {
	b, _ := newClockedBreaker()
	for i := 0; i < 90; i++ {
		b.Record(true)
	}
	for i := 0; i < 9; i++ {
		b.Record(false)
	}
	// 9/99 is under 10%
	assert.Equal(t, CircuitClosed, b.State())
	b.Record(false)
	// 10/100 is not above 10%, and the window rolls over
	assert.Equal(t, CircuitClosed, b.State())
	assert.Zero(t, b.Stats().Total)
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b, now := newClockedBreaker()
	var changes []CircuitState
	b.onChange = func(s CircuitState) { changes = append(changes, s) }

	for i := 0; i < 10; i++ {
		b.Record(false)
	}
	require.Equal(t, CircuitOpen, b.State())

	*now = now.Add(time.Minute)
	assert.Equal(t, CircuitHalfOpen, b.State())
	require.True(t, b.Allow())
	assert.False(t, b.Allow(), "only one probe at a time")

	b.Abandon()
	require.True(t, b.Allow())
	b.Record(false)
	assert.Equal(t, CircuitOpen, b.State())

	*now = now.Add(time.Minute)
	require.True(t, b.Allow())
	b.Record(true)
	assert.Equal(t, CircuitClosed, b.State())
	assert.True(t, b.Allow())

	assert.Equal(t, []CircuitState{CircuitOpen, CircuitHalfOpen, CircuitOpen, CircuitHalfOpen, CircuitClosed}, changes)
}
