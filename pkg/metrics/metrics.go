// Package metrics exposes the worker's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsTotal counts completed jobs by operation and final status.
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_total",
			Help: "Total number of jobs processed, by operation and final status",
		},
		[]string{"operation", "status"},
	)

	// JobsDuration observes end-to-end job duration in seconds, labelled
	// with operation and final status.
	JobsDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobs_duration_seconds",
			Help:    "Job execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"operation", "status"},
	)

	// ActiveJobs reports the number of jobs currently executing.
	ActiveJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_jobs",
			Help: "Number of jobs currently executing",
		},
	)

	// QueueDepth reports the number of jobs waiting to be claimed.
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Number of jobs waiting in the transport queue",
		},
	)

	// HandlerExecutionsTotal counts handler invocations by name and status.
	HandlerExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handler_executions_total",
			Help: "Total number of handler invocations, by handler and status",
		},
		[]string{"handler", "status"},
	)

	// HandlerDuration observes handler execution duration in seconds,
	// labelled with handler name and status.
	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "handler_duration_seconds",
			Help:    "Handler execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"handler", "status"},
	)

	// ChecksumVerificationsTotal counts checksum verification outcomes.
	ChecksumVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checksum_verifications_total",
			Help: "Total number of checksum verifications, by outcome",
		},
		[]string{"outcome"},
	)

	// DiskReadBytesTotal counts bytes read from disk images during checksum/inspection.
	DiskReadBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "disk_read_bytes_total",
			Help: "Total bytes read from disk images",
		},
	)

	// DiskWriteBytesTotal counts bytes written (results, staged files).
	DiskWriteBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "disk_write_bytes_total",
			Help: "Total bytes written by the worker",
		},
	)
)

func init() {
	prometheus.MustRegister(
		JobsTotal,
		JobsDuration,
		ActiveJobs,
		QueueDepth,
		HandlerExecutionsTotal,
		HandlerDuration,
		ChecksumVerificationsTotal,
		DiskReadBytesTotal,
		DiskWriteBytesTotal,
	)
}

// Handler returns the HTTP handler that serves the registry in Prometheus
// exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an elapsed duration for a single observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time on h.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time on a histogram vec member.
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
