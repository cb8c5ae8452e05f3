// Package metrics owns the process-wide Prometheus collectors.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collectors struct {
	JobTransitions   *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	DispatchPanics   *prometheus.CounterVec
	ProgressClamped  *prometheus.CounterVec
	PersistOutcomes  *prometheus.CounterVec
	AuditFailures    prometheus.Counter
	QueueMessages    *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
}

var collectors = sync.OnceValue(func() *Collectors {
	return &Collectors{
		JobTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apex",
			Subsystem: "jobs",
			Name:      "transitions_total",
			Help:      "Job state transitions by job type and resulting status.",
		}, []string{"job_type", "status"}),
		DispatchDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "apex",
			Subsystem: "jobs",
			Name:      "execution_seconds",
			Help:      "Worker execution time from start to terminal state.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"job_type", "mode", "status"}),
		DispatchPanics: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apex",
			Subsystem: "jobs",
			Name:      "worker_panics_total",
			Help:      "Worker routines that panicked.",
		}, []string{"job_type"}),
		ProgressClamped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apex",
			Subsystem: "jobs",
			Name:      "progress_clamped_total",
			Help:      "Progress updates clamped into the allowed range.",
		}, []string{"job_type"}),
		PersistOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apex",
			Subsystem: "estimates",
			Name:      "persist_total",
			Help:      "Hierarchy persistence attempts by result.",
		}, []string{"result"}),
		AuditFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "apex",
			Subsystem: "audit",
			Name:      "record_failures_total",
			Help:      "Audit entries that could not be written.",
		}),
		QueueMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apex",
			Subsystem: "queue",
			Name:      "messages_total",
			Help:      "Queue messages by outcome.",
		}, []string{"outcome"}),
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apex",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
	}
})

func Get() *Collectors {
	return collectors()
}

func Handler() http.Handler {
	return promhttp.Handler()
}
