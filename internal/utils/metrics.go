// internal/utils/metrics.go
package utils

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	GenerationAttempts *prometheus.CounterVec
	GenerationOutcomes *prometheus.CounterVec
	GenerationDuration prometheus.Histogram
	Fallbacks          *prometheus.CounterVec
	CacheLookups       *prometheus.CounterVec
	RateLimitWaits     prometheus.Counter
	CircuitState       prometheus.Gauge
	Compactions        *prometheus.CounterVec
	TurnsProcessed     prometheus.Counter
	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
}

// NewMetrics registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		GenerationAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "novel_generation_attempts_total",
			Help: "Vendor calls issued by the dispatcher, by provider and result.",
		}, []string{"provider", "result"}),
		GenerationOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "novel_generation_outcomes_total",
			Help: "Final outcome of generate calls.",
		}, []string{"outcome"}),
		GenerationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "novel_generation_duration_seconds",
			Help:    "Wall time of a generate call including retries.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		Fallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "novel_generation_fallbacks_total",
			Help: "Fallback scripts returned, by reason.",
		}, []string{"reason"}),
		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "novel_dedup_cache_lookups_total",
			Help: "Dedup cache lookups by result.",
		}, []string{"result"}),
		RateLimitWaits: factory.NewCounter(prometheus.CounterOpts{
			Name: "novel_rate_limit_waits_total",
			Help: "Times a caller had to wait for rate limit budget.",
		}),
		CircuitState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "novel_circuit_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
		}),
		Compactions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "novel_snapshot_compactions_total",
			Help: "Snapshot compactions by mode.",
		}, []string{"mode"}),
		TurnsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "novel_turns_processed_total",
			Help: "Turn transactions committed.",
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "novel_http_requests_total",
			Help: "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "novel_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

func (m *Metrics) RecordAttempt(provider, result string) {
	if m == nil {
		return
	}
	m.GenerationAttempts.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) RecordOutcome(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.GenerationOutcomes.WithLabelValues(outcome).Inc()
	m.GenerationDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordFallback(reason string) {
	if m == nil {
		return
	}
	m.Fallbacks.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordRateLimitWait() {
	if m == nil {
		return
	}
	m.RateLimitWaits.Inc()
}

func (m *Metrics) SetCircuitState(state int) {
	if m == nil {
		return
	}
	m.CircuitState.Set(float64(state))
}

func (m *Metrics) RecordCompaction(mode string) {
	if m == nil {
		return
	}
	m.Compactions.WithLabelValues(mode).Inc()
}

func (m *Metrics) RecordTurn() {
	if m == nil {
		return
	}
	m.TurnsProcessed.Inc()
}

// RecordAPIRequest records one HTTP request.
func (m *Metrics) RecordAPIRequest(route, method string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(statusCode)).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(duration.Seconds())
}
