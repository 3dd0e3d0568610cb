// Package metrics defines the Prometheus collectors for indexes, searches and
// the HTTP API, and exposes a handler for scraping.
//
// All methods are safe on a nil *Metrics, so components can take one as an
// optional dependency.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kensaku"

// Metrics holds all collectors, registered on their own registry.
type Metrics struct {
	registry *prometheus.Registry

	PendingMutations *prometheus.GaugeVec
	PendingReads     *prometheus.GaugeVec
	ActiveReads      *prometheus.GaugeVec
	MutationsTotal   *prometheus.CounterVec
	SearchLatency    *prometheus.HistogramVec
	SearchResults    *prometheus.HistogramVec
	CacheLookups     *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
}

// New creates and registers all collectors, plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		PendingMutations: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "serializer_pending_mutations",
				Help:      "Mutations waiting in an index's queue.",
			},
			[]string{"index"},
		),
		PendingReads: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "serializer_pending_reads",
				Help:      "Reads queued behind a mutation.",
			},
			[]string{"index"},
		),
		ActiveReads: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "serializer_active_reads",
				Help:      "Reads currently scanning an index.",
			},
			[]string{"index"},
		),
		MutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mutations_total",
				Help:      "Index mutations by operation and outcome.",
			},
			[]string{"index", "op", "status"},
		),
		SearchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "search_latency_seconds",
				Help:      "Find latency in seconds.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"index", "cache_status"},
		),
		SearchResults: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "search_results_count",
				Help:      "Total matches per find.",
				Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 500, 1000},
			},
			[]string{"index"},
		),
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Query cache lookups by result (hit, miss).",
			},
			[]string{"index", "result"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by method, route and status.",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.PendingMutations,
		m.PendingReads,
		m.ActiveReads,
		m.MutationsTotal,
		m.SearchLatency,
		m.SearchResults,
		m.CacheLookups,
		m.HTTPRequests,
		m.HTTPDuration,
	)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns the Prometheus scrape handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveQueue records the queue depths of an index.
func (m *Metrics) ObserveQueue(index string, pendingMutations, pendingReads, activeReads int) {
	if m == nil {
		return
	}
	m.PendingMutations.WithLabelValues(index).Set(float64(pendingMutations))
	m.PendingReads.WithLabelValues(index).Set(float64(pendingReads))
	m.ActiveReads.WithLabelValues(index).Set(float64(activeReads))
}

// ObserveMutation counts one add, update or remove.
func (m *Metrics) ObserveMutation(index, op string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.MutationsTotal.WithLabelValues(index, op, status).Inc()
}

// ObserveSearch records one find.
func (m *Metrics) ObserveSearch(index string, d time.Duration, cached bool, total int) {
	if m == nil {
		return
	}
	status := "miss"
	if cached {
		status = "hit"
	}
	m.SearchLatency.WithLabelValues(index, status).Observe(d.Seconds())
	m.SearchResults.WithLabelValues(index).Observe(float64(total))
	m.CacheLookups.WithLabelValues(index, status).Inc()
}

// ObserveHTTP records one HTTP request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
