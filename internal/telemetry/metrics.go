package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated      = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_jobs_created_total", Help: "Jobs created from paid packages"})
	JobsFailedEmpty  = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_jobs_failed_empty_total", Help: "Jobs failed at creation with zero eligible directories"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_jobs_completed_total", Help: "Jobs that reached complete"})
	JobsCancelled    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_jobs_cancelled_total", Help: "Jobs cancelled (refunds)"})
	DuplicateIntakes = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_intake_duplicates_total", Help: "Payment events deduplicated at intake"})

	TasksClaimed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_tasks_claimed_total", Help: "Task claims handed to workers"})
	TasksSubmitted = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_tasks_submitted_total", Help: "Tasks reported submitted"})
	TasksRetried   = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_tasks_retried_total", Help: "Failed tasks returned to pending"})
	TasksFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_tasks_failed_total", Help: "Tasks terminally failed"})
	TasksReclaimed = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_tasks_reclaimed_total", Help: "Stale claims reclaimed by the sweeper"})

	ReportsRejected  = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_reports_rejected_total", Help: "Worker result reports rejected as protocol violations"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_rate_limit_rejects_total", Help: "Worker requests rejected by the rate limiter"})

	ClaimedGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_tasks_inflight", Help: "Tasks currently claimed by workers"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			JobsFailedEmpty,
			JobsCompleted,
			JobsCancelled,
			DuplicateIntakes,
			TasksClaimed,
			TasksSubmitted,
			TasksRetried,
			TasksFailed,
			TasksReclaimed,
			ReportsRejected,
			RateLimitRejects,
			ClaimedGauge,
		)
	})
	return promhttp.Handler()
}
