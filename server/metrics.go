package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	outcomeOK         = "ok"
	outcomeValidation = "validation"
	outcomeForbidden  = "forbidden"
	outcomeInternal   = "internal"

	cacheHit   = "hit"
	cacheMiss  = "miss"
	cacheStale = "stale"
	cacheError = "error"
)

// metrics are registered on a registry of their own, so that several engines can live in one
// process (which is what the tests do)
type metrics struct {
	registry *prometheus.Registry

	searches     *prometheus.CounterVec
	duration     prometheus.Histogram
	cacheLookups *prometheus.CounterVec
	subqueries   *prometheus.CounterVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
	}
	factory := promauto.With(m.registry)

	m.searches = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordsearch_searches_total",
			Help: "Total number of searches, by outcome",
		},
		[]string{"outcome"},
	)

	m.duration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recordsearch_search_duration_seconds",
			Help:    "Duration of searches in seconds, including cache hits",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	m.cacheLookups = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordsearch_cache_lookups_total",
			Help: "Total number of search cache lookups, by result",
		},
		[]string{"result"},
	)

	m.subqueries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordsearch_subqueries_total",
			Help: "Total number of record queries issued, by how the searched datatype joins to the target",
		},
		[]string{"topology"},
	)

	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func outcomeOf(err *Error) string {
	if err == nil {
		return outcomeOK
	}
	switch err.Kind {
	case KindValidation:
		return outcomeValidation
	case KindForbidden:
		return outcomeForbidden
	}
	return outcomeInternal
}
