// Package metrics holds the prometheus collectors of the proxy.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Requests counts handled client connections by outcome,
	// e.g. "hit", "fetched", "forbidden", "bad-request", "bad-gateway".
	Requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filterproxy_requests_total",
			Help: "Total number of client requests by outcome.",
		},
		[]string{"outcome"},
	)

	// CacheLookups counts cache lookups by result ("hit", "miss", "read-failure").
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filterproxy_cache_lookups_total",
			Help: "Number of cache lookups by result.",
		},
		[]string{"result"},
	)

	// CacheWrites counts finished cache writers by status ("published", "aborted", "skipped").
	CacheWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filterproxy_cache_writes_total",
			Help: "Number of cache writes by status.",
		},
		[]string{"status"},
	)

	// RelayedBytes counts bytes sent to clients by source ("cache", "origin").
	RelayedBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filterproxy_relayed_bytes_total",
			Help: "Bytes sent to clients by source.",
		},
		[]string{"source"},
	)

	// OriginFetchDuration measures the time from connecting to the origin until the relay finished.
	OriginFetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "filterproxy_origin_fetch_duration_seconds",
			Help:    "Histogram of origin fetch durations.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

var registerOnce sync.Once

// Register registers all metrics in the default registry.
// It is safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			Requests,
			CacheLookups,
			CacheWrites,
			RelayedBytes,
			OriginFetchDuration,
		)
	})
}

// RecordRequest increments Requests for the outcome.
func RecordRequest(outcome string) {
	Requests.WithLabelValues(outcome).Inc()
}

// RecordLookup increments CacheLookups for the result.
func RecordLookup(result string) {
	CacheLookups.WithLabelValues(result).Inc()
}

// RecordCacheWrite increments CacheWrites for the status.
func RecordCacheWrite(status string) {
	CacheWrites.WithLabelValues(status).Inc()
}

// RecordRelayed adds n bytes sent from source.
func RecordRelayed(source string, n int64) {
	RelayedBytes.WithLabelValues(source).Add(float64(n))
}

// RecordFetch observes the duration of an origin fetch.
func RecordFetch(seconds float64) {
	OriginFetchDuration.Observe(seconds)
}
