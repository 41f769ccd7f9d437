package maintenance

import "github.com/prometheus/client_golang/prometheus"

var (
	maintenanceRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querymesh_maintenance_runs_total",
			Help: "Total number of maintenance runs by task and status.",
		},
		[]string{"task", "status"},
	)
	cacheEntriesPurgedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querymesh_cache_entries_purged_total",
			Help: "Total number of expired cache entries removed by purge runs.",
		},
	)
	resultsPurgedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querymesh_results_purged_total",
			Help: "Total number of archived results deleted by retention runs.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		maintenanceRunsTotal,
		cacheEntriesPurgedTotal,
		resultsPurgedTotal,
	)
}

func observeRun(task string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	maintenanceRunsTotal.WithLabelValues(task, status).Inc()
}
