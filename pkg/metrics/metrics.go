// Package metrics provides the Prometheus registry and HTTP handler for the
// lookup client. All metrics are defined in their respective packages
// (client, cache, scheduler, batch) to maintain modularity and avoid
// circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the lookup client.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler serves every registered metric in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// Metrics Documentation
//
// Query Metrics (pkg/client):
//   - lookup_http_requests_total{kind, status} (Counter): HTTP attempts by kind and status
//   - lookup_query_duration_seconds{kind} (Histogram): Dispatch to terminal outcome
//   - lookup_queries_total{kind, outcome} (Counter): Queries by outcome (ok, error, cached, rejected)
//   - lookup_errors_total{class} (Counter): Failed attempts by error class
//   - lookup_stream_records_total{kind} (Counter): Decoded server progress records
//
// Retry Metrics (pkg/client):
//   - lookup_retries_total{error_class} (Counter): Retry attempts by error class
//   - lookup_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - lookup_retry_exhausted_total{error_class} (Counter): Queries that exhausted max retries
//
// Scheduler Metrics (pkg/scheduler):
//   - lookup_scheduler_active_queries (Gauge): Executing queries
//   - lookup_scheduler_queued_queries (Gauge): Queries waiting for a slot
//   - lookup_scheduler_admissions_total{path} (Counter): Admissions (immediate, queued)
//   - lookup_scheduler_promotions_total (Counter): Queued queries promoted into a freed slot
//   - lookup_scheduler_cancellations_total{state} (Counter): Cancellations (active, queued)
//   - lookup_scheduler_watchdog_expired_total (Counter): Slots reclaimed by the watchdog
//   - lookup_scheduler_dropped_events_total (Counter): Progress events dropped for slow consumers
//
// Batch Metrics (pkg/batch):
//   - lookup_batches_total{status} (Counter): Finished batches (completed, failed-partial)
//   - lookup_batch_members_total{outcome} (Counter): Finished members (ok, error)
//   - lookup_batch_duration_seconds (Histogram): Batch duration
//
// Cache Metrics (pkg/cache):
//   - lookup_cache_hits_total{layer} (Counter): Cache hits by layer (memory, redis)
//   - lookup_cache_misses_total (Counter): Cache misses
//   - lookup_cache_size_bytes{layer} (Gauge): Bytes written by layer
//   - lookup_cache_errors_total{operation} (Counter): Cache operation errors
//
// Example Prometheus Queries:
//
//   # Slot saturation
//   lookup_scheduler_active_queries / 4
//
//   # Query Error Rate
//   sum(rate(lookup_queries_total{outcome="error"}[5m])) / sum(rate(lookup_queries_total[5m]))
//
//   # P95 Query Latency
//   histogram_quantile(0.95, rate(lookup_query_duration_seconds_bucket[5m]))
//
//   # Timeouts vs connection failures
//   sum by (class) (rate(lookup_errors_total{class=~"timeout|network"}[5m]))
