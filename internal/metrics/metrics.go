package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	io_prometheus_client "github.com/prometheus/client_model/go"
)

// Registry holds the service's Prometheus collectors. Each instance
// owns its own registerer so tests can build registries freely.
type Registry struct {
	reg *prometheus.Registry

	RequestDuration *prometheus.HistogramVec

	ConsensusDuration prometheus.Histogram
	ConsensusFailures *prometheus.CounterVec

	SourceFetches *prometheus.CounterVec

	CacheHits     *prometheus.CounterVec
	CacheMisses   *prometheus.CounterVec
	CacheHitRatio prometheus.Gauge

	HistoryAppends  prometheus.Counter
	DeviationAlerts prometheus.Counter
}

// cacheTypes enumerates the cache_type label values folded into the
// hit-ratio gauge.
var cacheTypes = []string{"price"}

// NewRegistry creates and registers all service metrics.
func NewRegistry() *Registry {
	m := &Registry{
		reg: prometheus.NewRegistry(),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pricequorum_request_duration_seconds",
				Help:    "HTTP request duration by route and status",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"route", "method", "status"},
		),

		ConsensusDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pricequorum_consensus_duration_seconds",
				Help:    "Time spent producing one consensus reading",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
		),

		ConsensusFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricequorum_consensus_failures_total",
				Help: "Consensus rejections by reason",
			},
			[]string{"reason"},
		),

		SourceFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricequorum_source_fetches_total",
				Help: "Adapter fetches by source and result",
			},
			[]string{"source", "result"},
		),

		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricequorum_cache_hits_total",
				Help: "Cache hits by cache type",
			},
			[]string{"cache_type"},
		),

		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricequorum_cache_misses_total",
				Help: "Cache misses by cache type",
			},
			[]string{"cache_type"},
		),

		CacheHitRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pricequorum_cache_hit_ratio",
				Help: "Current cache hit ratio (0.0 to 1.0)",
			},
		),

		HistoryAppends: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pricequorum_history_appends_total",
				Help: "Consensus readings persisted to history",
			},
		),

		DeviationAlerts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pricequorum_deviation_alerts_total",
				Help: "Deviation alerts persisted",
			},
		),
	}

	m.reg.MustRegister(
		m.RequestDuration,
		m.ConsensusDuration,
		m.ConsensusFailures,
		m.SourceFetches,
		m.CacheHits,
		m.CacheMisses,
		m.CacheHitRatio,
		m.HistoryAppends,
		m.DeviationAlerts,
	)

	return m
}

// RecordCacheHit counts a hit and refreshes the hit-ratio gauge.
func (m *Registry) RecordCacheHit(cacheType string) {
	m.CacheHits.WithLabelValues(cacheType).Inc()
	m.updateCacheHitRatio()
}

// RecordCacheMiss counts a miss and refreshes the hit-ratio gauge.
func (m *Registry) RecordCacheMiss(cacheType string) {
	m.CacheMisses.WithLabelValues(cacheType).Inc()
	m.updateCacheHitRatio()
}

// RecordSourceFetch counts one adapter fetch outcome.
func (m *Registry) RecordSourceFetch(source string, ok bool) {
	result := "success"
	if !ok {
		result = "error"
	}
	m.SourceFetches.WithLabelValues(source, result).Inc()
}

// updateCacheHitRatio recomputes the gauge from the counter values.
func (m *Registry) updateCacheHitRatio() {
	var totalHits, totalMisses float64
	metric := &io_prometheus_client.Metric{}

	for _, cacheType := range cacheTypes {
		if counter, err := m.CacheHits.GetMetricWithLabelValues(cacheType); err == nil {
			if err := counter.Write(metric); err == nil {
				totalHits += metric.GetCounter().GetValue()
			}
		}
		if counter, err := m.CacheMisses.GetMetricWithLabelValues(cacheType); err == nil {
			if err := counter.Write(metric); err == nil {
				totalMisses += metric.GetCounter().GetValue()
			}
		}
	}

	if total := totalHits + totalMisses; total > 0 {
		m.CacheHitRatio.Set(totalHits / total)
	}
}

// Handler exposes the registry in Prometheus text format.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Gather implements prometheus.Gatherer for tests.
func (m *Registry) Gather() ([]*io_prometheus_client.MetricFamily, error) {
	return m.reg.Gather()
}
