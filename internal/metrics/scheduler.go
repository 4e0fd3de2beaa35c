package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	armedJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cronmaster_armed_jobs",
		Help: "Number of jobs currently armed in the dispatcher",
	})

	inFlightFirings = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cronmaster_inflight_firings",
		Help: "Number of firings currently executing",
	})

	firingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cronmaster_firings_total",
		Help: "Completed firings by outcome and trigger origin",
	}, []string{"status", "triggered_by"})

	firingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cronmaster_firing_duration_seconds",
		Help:    "Wall-clock duration of outbound invocations",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})

	missedFirings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cronmaster_missed_firings_total",
		Help: "Scheduled instants skipped because the dispatcher fell behind",
	})

	uptimeSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cronmaster_uptime_seconds",
		Help: "Scheduler process uptime",
	})

	heapInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cronmaster_heap_in_use_bytes",
		Help: "Heap bytes in use per the last health snapshot",
	})

	reconcileLag = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cronmaster_reconcile_lag_seconds",
		Help: "Time since the live set last converged with the repository",
	})

	lastReconcile = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cronmaster_last_reconcile_timestamp_seconds",
		Help: "Unix time of the last successful reconciliation",
	})
)

func SetArmedJobs(n int)        { armedJobs.Set(float64(n)) }
func IncInFlight()              { inFlightFirings.Inc() }
func DecInFlight()              { inFlightFirings.Dec() }
func SetUptime(d time.Duration) { uptimeSeconds.Set(d.Seconds()) }
func SetHeapInUse(b uint64)     { heapInUse.Set(float64(b)) }

func SetReconcileLag(d time.Duration) { reconcileLag.Set(d.Seconds()) }
func SetLastReconcile(t time.Time)    { lastReconcile.Set(float64(t.Unix())) }

func AddMissedFirings(n int) {
	if n > 0 {
		missedFirings.Add(float64(n))
	}
}

func ObserveFiring(status, triggeredBy string, d time.Duration) {
	firingsTotal.WithLabelValues(status, triggeredBy).Inc()
	firingDuration.WithLabelValues(status).Observe(d.Seconds())
}
