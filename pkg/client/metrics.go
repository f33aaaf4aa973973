package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for query execution.
var (
	lookupHTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lookup_http_requests_total",
		Help: "Total HTTP attempts against the lookup service by kind and status",
	}, []string{"kind", "status"})

	lookupQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lookup_query_duration_seconds",
		Help:    "Query duration in seconds from dispatch to terminal outcome by kind",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"kind"})

	lookupQueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lookup_queries_total",
		Help: "Total queries by kind and outcome",
	}, []string{"kind", "outcome"})

	lookupErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lookup_errors_total",
		Help: "Total failed attempts by error class",
	}, []string{"class"})

	lookupRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lookup_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	lookupRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lookup_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.1, 0.5, 1, 2, 3, 5},
	}, []string{"error_class"})

	lookupRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lookup_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})

	lookupStreamRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lookup_stream_records_total",
		Help: "Total progress records decoded from streamed responses by kind",
	}, []string{"kind"})
)
