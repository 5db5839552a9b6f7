package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// http
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "essql_http_requests_total",
			Help: "Total number of HTTP requests by method, route template and status.",
		},
		[]string{"method", "path", "status"},
	)
	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "essql_http_request_duration_seconds",
			Help:    "HTTP request latency by route template.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// query lifecycle
	queryBuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "essql_query_builds_total",
			Help: "Total number of compiled query requests by mode.",
		},
		[]string{"mode"},
	)
	queryPagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "essql_query_pages_total",
			Help: "Total number of store pages fetched, including scroll continuations.",
		},
	)
	queryRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "essql_query_rows_total",
			Help: "Total number of rows reconstructed by path (hits or aggregations).",
		},
		[]string{"path"},
	)
	queryDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "essql_query_duration_seconds",
			Help:    "Latency of one result window, fetch and reconstruction.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"path"},
	)
	scrollClearsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "essql_scroll_clears_total",
			Help: "Total number of scroll cursors released.",
		},
	)
	queryErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "essql_query_errors_total",
			Help: "Total number of failed query operations by error kind.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		queryBuildsTotal,
		queryPagesTotal,
		queryRowsTotal,
		queryDurationSeconds,
		scrollClearsTotal,
		queryErrorsTotal,
	)
}

func ObserveQueryBuild(mode string) {
	queryBuildsTotal.WithLabelValues(mode).Inc()
}

func IncrementQueryPages() {
	queryPagesTotal.Inc()
}

func ObserveQueryWindow(path string, rows int, elapsed time.Duration) {
	if rows > 0 {
		queryRowsTotal.WithLabelValues(path).Add(float64(rows))
	}
	queryDurationSeconds.WithLabelValues(path).Observe(elapsed.Seconds())
}

func IncrementScrollClears() {
	scrollClearsTotal.Inc()
}

func IncrementQueryErrors(kind string) {
	if kind == "" {
		kind = "internal"
	}
	queryErrorsTotal.WithLabelValues(kind).Inc()
}
