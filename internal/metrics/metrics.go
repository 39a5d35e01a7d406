// Package metrics exposes the prometheus metrics named in spec.md §4.4 and
// §4.6, modeled on the teacher's MetricsRegistry
// (internal/interfaces/http/metrics.go): a struct of *prometheus.HistogramVec
// / CounterVec / Gauge fields built with a single constructor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every metric the engine emits.
type Registry struct {
	FetchDuration *prometheus.HistogramVec // engine.fetch.duration{provider}
	Inflight      prometheus.Gauge         // engine.inflight
	CacheHits     prometheus.Counter       // engine.cache.hit
	CacheMisses   prometheus.Counter       // engine.cache.miss
	FetchErrors   *prometheus.CounterVec   // engine.fetch.error{provider}
	ProviderCount prometheus.Gauge         // engine.provider.count
}

// NewRegistry builds a Registry and registers its collectors with reg. Pass
// prometheus.NewRegistry() for an isolated test registry, or
// prometheus.DefaultRegisterer for production.
func NewRegistry(reg prometheus.Registerer) *Registry {
	m := &Registry{
		FetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engine_fetch_duration_seconds",
				Help:    "Duration of provider fetch calls in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		Inflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "engine_inflight",
				Help: "Number of fetches currently in flight.",
			},
		),
		CacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "engine_cache_hit_total",
				Help: "Number of cache reads that found a fresh entry.",
			},
		),
		CacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "engine_cache_miss_total",
				Help: "Number of cache reads that found no fresh entry.",
			},
		),
		FetchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_fetch_error_total",
				Help: "Number of provider fetch failures by provider.",
			},
			[]string{"provider"},
		),
		ProviderCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "engine_provider_count",
				Help: "Number of plugins currently registered in the provider registry.",
			},
		),
	}

	reg.MustRegister(m.FetchDuration, m.Inflight, m.CacheHits, m.CacheMisses, m.FetchErrors, m.ProviderCount)
	return m
}
