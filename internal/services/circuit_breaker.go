// internal/services/circuit_breaker.go
package services

import (
	"sync"
	"time"
)

// CircuitState 熔断器状态
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// minBreakerSamples keeps a handful of early failures from opening the circuit.
const minBreakerSamples = 10

// CircuitBreaker opens when the failure ratio over a tumbling window of
// outcomes exceeds the threshold, stays open for a cool-down, then lets one
// probe through.
type CircuitBreaker struct {
	mu           sync.Mutex
	threshold    float64
	window       int
	openDuration time.Duration
	minSamples   int

	state         CircuitState
	total         int
	failures      int
	openedAt      time.Time
	probeInFlight bool

	now      func() time.Time
	onChange func(CircuitState)
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(threshold float64, window int, openDuration time.Duration) *CircuitBreaker {
	if window <= 0 {
		window = 100
	}
	minSamples := minBreakerSamples
	if minSamples > window {
		minSamples = window
	}
	return &CircuitBreaker{
		threshold:    threshold,
		window:       window,
		openDuration: openDuration,
		minSamples:   minSamples,
		now:          time.Now,
	}
}

// Allow reports whether a vendor call may proceed.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		if b.now().Sub(b.openedAt) < b.openDuration {
			return false
		}
		b.setState(CircuitHalfOpen)
		b.probeInFlight = true
		return true
	case CircuitHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default:
		return true
	}
}

// Record feeds the outcome of an allowed call.
func (b *CircuitBreaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitHalfOpen {
		b.probeInFlight = false
		if success {
			b.reset()
			b.setState(CircuitClosed)
		} else {
			b.trip()
		}
		return
	}
	if b.state == CircuitOpen {
		return
	}

	b.total++
	if !success {
		b.failures++
	}
	if b.total >= b.minSamples && float64(b.failures)/float64(b.total) > b.threshold {
		b.trip()
		return
	}
	if b.total >= b.window {
		b.reset()
	}
}

// Abandon releases a half-open probe whose call never reached the vendor.
func (b *CircuitBreaker) Abandon() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitHalfOpen {
		b.probeInFlight = false
	}
}

func (b *CircuitBreaker) trip() {
	b.reset()
	b.openedAt = b.now()
	b.setState(CircuitOpen)
}

func (b *CircuitBreaker) reset() {
	b.total = 0
	b.failures = 0
}

func (b *CircuitBreaker) setState(s CircuitState) {
	if b.state == s {
		return
	}
	b.state = s
	if b.onChange != nil {
		b.onChange(s)
	}
}

// BreakerStats 熔断器状态快照
type BreakerStats struct {
	State    string  `json:"state"`
	Total    int     `json:"window_total"`
	Failures int     `json:"window_failures"`
	Ratio    float64 `json:"failure_ratio"`
}

// State returns the current state, promoting open to half-open once the
// cool-down has elapsed.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && b.now().Sub(b.openedAt) >= b.openDuration {
		return CircuitHalfOpen
	}
	return b.state
}

// Stats returns a snapshot for health reporting.
func (b *CircuitBreaker) Stats() BreakerStats {
	state := b.State()
	b.mu.Lock()
	defer b.mu.Unlock()
	stats := BreakerStats{State: state.String(), Total: b.total, Failures: b.failures}
	if b.total > 0 {
		stats.Ratio = float64(b.failures) / float64(b.total)
	}
	return stats
}
