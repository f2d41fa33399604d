package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances only when the limiter sleeps.
type fakeClock struct {
	now   time.Time
	slept []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.slept = append(c.slept, d)
	c.now = c.now.Add(d)
	return ctx.Err()
}

func newClockedLimiter(limit int, window time.Duration) (*SlidingWindowLimiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewSlidingWindowLimiter(limit, window)
	l.now = clock.Now
	l.sleep = clock.Sleep
	return l, clock
}

func TestLimiterAllowsBudgetWithoutWaiting(t *testing.T) {
	l, clock := newClockedLimiter(3, time.Minute)
	for i := 0; i < 3; i++ {
		waited, err := l.Acquire(context.Background())
		require.NoError(t, err)
		assert.False(t, waited)
	}
	assert.Empty(t, clock.slept)
	assert.Equal(t, 0, l.Stats().Available)
}

func TestLimiterWaitsForOldestToLeave(t *testing.T) {
	l, clock := newClockedLimiter(2, time.Minute)
	ctx := context.Background()

	_, _ = l.Acquire(ctx)
	clock.now = clock.now.Add(10 * time.Second)
	_, _ = l.Acquire(ctx)

	waited, err := l.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, waited)
	require.Len(t, clock.slept, 1)
	assert.Equal(t, 50*time.Second, clock.slept[0])

	stats := l.Stats()
	assert.Equal(t, 2, stats.InWindow)
}

func TestLimiterCancelledWait(t *testing.T) {
	l, _ := newClockedLimiter(1, time.Minute)
	_, _ = l.Acquire(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	waited, err := l.Acquire(ctx)
	assert.True(t, waited)
	assert.ErrorIs(t, err, context.Canceled)
}
