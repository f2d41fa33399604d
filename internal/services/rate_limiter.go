// internal/services/rate_limiter.go
package services

import (
	"context"
	"sync"
	"time"
)

// SlidingWindowLimiter allows at most limit acquisitions in any window.
// Waiters sleep until the oldest timestamp leaves the window.
type SlidingWindowLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	stamps []time.Time
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewSlidingWindowLimiter 创建滑动窗口限流器
func NewSlidingWindowLimiter(limit int, window time.Duration) *SlidingWindowLimiter {
	if limit <= 0 {
		limit = 1
	}
	return &SlidingWindowLimiter{
		limit:  limit,
		window: window,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// Acquire blocks until budget is available or ctx ends. waited reports
// whether the caller had to wait at least once.
func (l *SlidingWindowLimiter) Acquire(ctx context.Context) (waited bool, err error) {
	for {
		wait := l.reserve()
		if wait <= 0 {
			return waited, nil
		}
		waited = true
		if err := l.sleep(ctx, wait); err != nil {
			return waited, err
		}
	}
}

// reserve records an acquisition and returns 0, or returns how long to wait.
func (l *SlidingWindowLimiter) reserve() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
		i++
	}
	l.stamps = l.stamps[i:]

	if len(l.stamps) < l.limit {
		l.stamps = append(l.stamps, now)
		return 0
	}
	wait := l.stamps[0].Add(l.window).Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait
}

// LimiterStats 限流器状态
type LimiterStats struct {
	Limit     int           `json:"limit"`
	Window    time.Duration `json:"window"`
	InWindow  int           `json:"in_window"`
	Available int           `json:"available"`
}

// Stats reports current usage of the window.
func (l *SlidingWindowLimiter) Stats() LimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	in := 0
	for _, ts := range l.stamps {
		if ts.After(cutoff) {
			in++
		}
	}
	return LimiterStats{Limit: l.limit, Window: l.window, InWindow: in, Available: l.limit - in}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
