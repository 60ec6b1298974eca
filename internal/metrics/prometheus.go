package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PromMetrics holds the Prometheus instruments mirrored from the observatory
// and the pipeline counters the dashboards consume.
type PromMetrics struct {
	Latency *prometheus.HistogramVec
	HeapMB  prometheus.Gauge

	VerdictsTotal      *prometheus.CounterVec
	CacheHits          prometheus.Counter
	CacheMisses        prometheus.Counter
	GovernorRejections *prometheus.CounterVec
	BreakerTransitions *prometheus.CounterVec
	BusDegraded        prometheus.Gauge
	ActiveRequests     prometheus.Gauge
}

// NewPromMetrics registers all instruments with the default registry.
func NewPromMetrics() *PromMetrics {
	return &PromMetrics{
		Latency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "veriscan_operation_latency_ms",
				Help:    "Latency of pipeline operations in milliseconds",
				Buckets: []float64{5, 10, 25, 50, 100, 200, 500, 1000, 2000, 5000, 10000},
			},
			[]string{"operation"},
		),
		HeapMB: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "veriscan_heap_used_mb",
			Help: "Sampled heap allocation in MB",
		}),
		VerdictsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "veriscan_verdicts_total",
				Help: "Verdicts produced, by outcome and confidence",
			},
			[]string{"authentic", "confidence"},
		),
		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veriscan_cache_hits_total",
			Help: "Dedup cache hits",
		}),
		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veriscan_cache_misses_total",
			Help: "Dedup cache misses",
		}),
		GovernorRejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "veriscan_governor_rejections_total",
				Help: "Governor rejections, by reason",
			},
			[]string{"reason"}, // rate_limited, queue_full, queue_timeout
		),
		BreakerTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "veriscan_breaker_transitions_total",
				Help: "Circuit breaker state transitions",
			},
			[]string{"name", "to"},
		),
		BusDegraded: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "veriscan_bus_degraded",
			Help: "Whether the bus client is in degraded mode (1) or connected (0)",
		}),
		ActiveRequests: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "veriscan_active_requests",
			Help: "Requests currently holding a governor slot",
		}),
	}
}

// ObserveLatency records an operation latency sample.
func (m *PromMetrics) ObserveLatency(operation string, ms float64) {
	m.Latency.WithLabelValues(operation).Observe(ms)
}

// SetHeapMB updates the heap gauge.
func (m *PromMetrics) SetHeapMB(mb float64) {
	m.HeapMB.Set(mb)
}

// RecordVerdict counts a produced verdict.
func (m *PromMetrics) RecordVerdict(authentic bool, confidence string) {
	a := "false"
	if authentic {
		a = "true"
	}
	m.VerdictsTotal.WithLabelValues(a, confidence).Inc()
}
