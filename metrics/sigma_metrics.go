package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sigma compiler metrics.
//
// These metrics provide insight into rule compilation: how many rules compile
// cleanly, how long compilation takes, which per-item failures are dropped in
// collect-errors mode and how effective the compiled-rule cache is.
//
// All metrics are registered with the default Prometheus registry. Exposing
// them is left to the embedding program.

const (
	namespace = "sigmac"
	subsystem = "sigma"
)

// Compile results
const (
	ResultSuccess = "success"
	ResultPartial = "partial"
	ResultError   = "error"
)

var (
	// CompilesTotal counts compile calls.
	// Labels:
	//   - result: "success", "partial" (collect-errors dropped items) or "error"
	CompilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "compiles_total",
			Help:      "Total number of Sigma rule compilations",
		},
		[]string{"result"},
	)

	// CompileDuration measures time spent in a single compile call.
	CompileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "compile_duration_seconds",
			Help:      "Time spent compiling a Sigma rule",
			// 10μs to 100ms
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
	)

	// CollectedErrorsTotal counts errors recorded instead of aborting.
	// Labels:
	//   - kind: error type, e.g. "unknown_modifier", "modifier_type", "regex", "value", "operator"
	CollectedErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "collected_errors_total",
			Help:      "Total number of per-item errors collected during compilation",
		},
		[]string{"kind"},
	)

	// ModifierApplicationsTotal counts modifier applications by name.
	ModifierApplicationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "modifier_applications_total",
			Help:      "Total number of value modifier applications",
		},
		[]string{"modifier"},
	)

	// CacheHitsTotal counts compiled-rule cache hits.
	CacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cache_hits_total",
			Help:      "Total number of compiled rule cache hits",
		},
	)

	// CacheMissesTotal counts compiled-rule cache misses.
	CacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cache_misses_total",
			Help:      "Total number of compiled rule cache misses",
		},
	)

	// CacheEvictionsTotal counts LRU evictions from the compiled-rule cache.
	CacheEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cache_evictions_total",
			Help:      "Total number of compiled rule cache evictions",
		},
	)

	// RulesLoadedTotal counts rule documents read by the loader.
	// Labels:
	//   - result: "success" or "error"
	RulesLoadedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rules_loaded_total",
			Help:      "Total number of Sigma rule documents loaded",
		},
		[]string{"result"},
	)
)
