package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's collectors. A nil *Metrics is valid and
// records nothing, so components can run without instrumentation.
type Metrics struct {
	aggregateDuration *prometheus.HistogramVec
	aggregateRecords  *prometheus.CounterVec
	dataQuality       *prometheus.CounterVec
	cacheHits         *prometheus.CounterVec
	cacheMisses       *prometheus.CounterVec
	forecasts         *prometheus.CounterVec
	modelErrors       prometheus.Counter
	breakerState      prometheus.Gauge
	invalidations     prometheus.Counter
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		aggregateDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "footprint",
			Name:      "aggregate_duration_seconds",
			Help:      "Time spent computing aggregates, including store paging.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"domain"}),
		aggregateRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "footprint",
			Name:      "aggregate_records_total",
			Help:      "Metric records folded into aggregates.",
		}, []string{"domain"}),
		dataQuality: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "footprint",
			Name:      "data_quality_warnings_total",
			Help:      "Records that were uncategorized or skipped during aggregation.",
		}, []string{"domain", "kind"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "footprint",
			Name:      "cache_hits_total",
			Help:      "Cache hits by layer.",
		}, []string{"layer"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "footprint",
			Name:      "cache_misses_total",
			Help:      "Cache misses by layer.",
		}, []string{"layer"}),
		forecasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "footprint",
			Name:      "forecasts_total",
			Help:      "Forecasts served by method.",
		}, []string{"method"}),
		modelErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "footprint",
			Name:      "forecast_model_errors_total",
			Help:      "Failed or timed out calls to the forecasting service.",
		}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "footprint",
			Name:      "forecast_breaker_state",
			Help:      "Forecast model breaker state (0 closed, 1 half-open, 2 open).",
		}),
		invalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "footprint",
			Name:      "cache_invalidated_keys_total",
			Help:      "Cache keys removed by prefix invalidation.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "footprint",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "footprint",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.aggregateDuration,
		m.aggregateRecords,
		m.dataQuality,
		m.cacheHits,
		m.cacheMisses,
		m.forecasts,
		m.modelErrors,
		m.breakerState,
		m.invalidations,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

func (m *Metrics) ObserveAggregate(domain string, d time.Duration, records int) {
	if m == nil {
		return
	}
	m.aggregateDuration.WithLabelValues(domain).Observe(d.Seconds())
	m.aggregateRecords.WithLabelValues(domain).Add(float64(records))
}

func (m *Metrics) DataQuality(domain, kind string) {
	if m == nil {
		return
	}
	m.dataQuality.WithLabelValues(domain, kind).Inc()
}

func (m *Metrics) CacheHit(layer string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(layer).Inc()
}

func (m *Metrics) CacheMiss(layer string) {
	if m == nil {
		return
	}
	m.cacheMisses.WithLabelValues(layer).Inc()
}

func (m *Metrics) Forecast(method string) {
	if m == nil {
		return
	}
	m.forecasts.WithLabelValues(method).Inc()
}

func (m *Metrics) ModelError() {
	if m == nil {
		return
	}
	m.modelErrors.Inc()
}

// BreakerState records 0 closed, 1 half-open, 2 open
func (m *Metrics) BreakerState(state int) {
	if m == nil {
		return
	}
	m.breakerState.Set(float64(state))
}

func (m *Metrics) Invalidated(keys int) {
	if m == nil {
		return
	}
	m.invalidations.Add(float64(keys))
}

func (m *Metrics) ObserveHTTP(route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, status).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}
