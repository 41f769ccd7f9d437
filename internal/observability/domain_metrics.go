package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	promptOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querymesh_prompt_outcomes_total",
			Help: "Resolved prompts by terminal outcome.",
		},
		[]string{"outcome"},
	)
	cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querymesh_cache_lookups_total",
			Help: "Semantic cache lookups by admission result.",
		},
		[]string{"result"},
	)
	cacheWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querymesh_cache_writes_total",
			Help: "Semantic cache writes by status.",
		},
		[]string{"status"},
	)
	stageDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querymesh_stage_duration_seconds",
			Help:    "Latency of individual pipeline stages.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"stage"},
	)
	indexRelationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querymesh_index_relations_total",
			Help: "Relations processed by the schema indexer by status.",
		},
		[]string{"status"},
	)
	parseFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querymesh_parse_fallbacks_total",
			Help: "Model responses that could not be parsed and fell back to a default.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		promptOutcomesTotal,
		cacheLookupsTotal,
		cacheWritesTotal,
		stageDurationSeconds,
		indexRelationsTotal,
		parseFallbacksTotal,
	)
}

func ObservePromptOutcome(outcome string) {
	promptOutcomesTotal.WithLabelValues(outcome).Inc()
}

func ObserveCacheLookup(result string) {
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

func ObserveCacheWrite(written bool) {
	status := "rejected"
	if written {
		status = "written"
	}
	cacheWritesTotal.WithLabelValues(status).Inc()
}

func ObserveStage(stage string, elapsed time.Duration) {
	stageDurationSeconds.WithLabelValues(stage).Observe(elapsed.Seconds())
}

func ObserveIndexedRelation(status string) {
	indexRelationsTotal.WithLabelValues(status).Inc()
}

func ObserveParseFallback(kind string) {
	parseFallbacksTotal.WithLabelValues(kind).Inc()
}
