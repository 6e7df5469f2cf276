// Package metrics registers the resolver's Prometheus instrumentation:
// package-level CounterVec/HistogramVec values registered with
// prometheus.MustRegister in init(), instrumenting the resolver, dispatcher,
// and cache.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// QueriesTotal counts every request the dispatcher accepts, labeled by
	// transport (udp/tcp) and query type.
	QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dns_queries_total", Help: "Total DNS queries received"},
		[]string{"transport", "qtype"},
	)

	// AnswersTotal counts successfully answered queries, labeled by rcode.
	AnswersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dns_answers_total", Help: "Total DNS answers returned"},
		[]string{"rcode"},
	)

	// ErrorsTotal counts dispatcher-level failures (SERVFAIL/FORMERR), labeled
	// by cause.
	ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dns_errors_total", Help: "Total DNS errors"},
		[]string{"cause"},
	)

	// NXDomainTotal counts negative answers.
	NXDomainTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "dns_nxdomain_total", Help: "Total NXDOMAIN responses"},
	)

	// CacheHits and CacheMisses count TTL cache lookups from the resolver's
	// perspective (mirrors internal/cache.Stats, exported for scraping).
	CacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "dns_cache_hits_total", Help: "Total TTL cache hits"},
	)
	CacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "dns_cache_misses_total", Help: "Total TTL cache misses"},
	)

	// ResolutionDuration tracks end-to-end iterative resolution latency.
	ResolutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dns_resolution_duration_seconds",
			Help:    "Iterative resolution latency",
			Buckets: prometheus.DefBuckets,
		},
	)

	// WorkerJobsRejected counts transport jobs the bounded worker pool
	// could not queue (queue full, or no slot freed within QueueTimeout).
	// Submissions to a closed pool are not counted.
	WorkerJobsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "dns_worker_jobs_rejected_total", Help: "Total transport jobs rejected by the worker pool"},
	)

	// WorkerQueueDepth tracks how many accepted jobs are waiting for a
	// free worker, sampled on every submission.
	WorkerQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "dns_worker_queue_depth", Help: "Current depth of the worker pool's job queue"},
	)
)

func init() {
	prometheus.MustRegister(
		QueriesTotal,
		AnswersTotal,
		ErrorsTotal,
		NXDomainTotal,
		CacheHits,
		CacheMisses,
		ResolutionDuration,
		WorkerJobsRejected,
		WorkerQueueDepth,
	)
}

// SyncCacheStats pushes an internal/cache.Stats-shaped snapshot onto the
// cumulative cache counters. Since the cache's own counters are cumulative
// too, the caller passes deltas, not absolute totals.
func SyncCacheStats(hitsDelta, missesDelta uint64) {
	CacheHits.Add(float64(hitsDelta))
	CacheMisses.Add(float64(missesDelta))
}
