package pool

import "github.com/prometheus/client_golang/prometheus"

// Recycle reasons.
const (
	reasonDirty  = "dirty"
	reasonJobs   = "jobs"
	reasonExited = "exited"
)

var (
	poolWorkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "anvil_pool_workers",
			Help: "Number of pooled workers by state.",
		},
		[]string{"state"},
	)

	poolWaiters = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anvil_pool_waiters",
			Help: "Number of callers waiting for a worker.",
		},
	)

	recycledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_pool_recycled_total",
			Help: "Total number of workers retired and replaced, by reason.",
		},
		[]string{"reason"},
	)

	spawnFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anvil_pool_spawn_failures_total",
			Help: "Total number of failed worker spawns.",
		},
	)
)

func init() {
	prometheus.MustRegister(poolWorkers)
	prometheus.MustRegister(poolWaiters)
	prometheus.MustRegister(recycledTotal)
	prometheus.MustRegister(spawnFailuresTotal)

	for _, s := range []State{StateIdle, StateBusy, stateSpawning} {
		poolWorkers.WithLabelValues(string(s))
	}
	for _, r := range []string{reasonDirty, reasonJobs, reasonExited} {
		recycledTotal.WithLabelValues(r)
	}
}
