package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(jobsSubmittedTotal, jobsFinishedTotal, jobDurationSeconds, jobsInFlight, jobQueueDepth)
}

var (
	jobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robokit_jobs_submitted_total",
			Help: "Total number of analysis jobs accepted, labeled by analysis type.",
		},
		[]string{"analysis_type"},
	)

	jobsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robokit_jobs_finished_total",
			Help: "Total number of analysis jobs that reached a terminal state.",
		},
		[]string{"analysis_type", "status"}, // 'completed', 'failed'
	)

	jobDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "robokit_job_duration_seconds",
			Help:    "Wall time from running to terminal state.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"analysis_type"},
	)

	jobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "robokit_jobs_in_flight",
		Help: "Number of jobs currently executing a handler.",
	})

	jobQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "robokit_job_queue_depth",
		Help: "Number of jobs waiting for a worker.",
	})
)

func IncJobSubmitted(analysisType string) {
	jobsSubmittedTotal.WithLabelValues(analysisType).Inc()
}

// JobStarted marks a job as executing and returns a func that records its
// terminal status and duration.
func JobStarted(analysisType string) func(status string) {
	start := time.Now()
	jobsInFlight.Inc()
	return func(status string) {
		jobsInFlight.Dec()
		jobsFinishedTotal.WithLabelValues(analysisType, status).Inc()
		jobDurationSeconds.WithLabelValues(analysisType).Observe(time.Since(start).Seconds())
	}
}

// IncJobFinished records a terminal state for a job that never executed.
func IncJobFinished(analysisType, status string) {
	jobsFinishedTotal.WithLabelValues(analysisType, status).Inc()
}

func SetJobQueueDepth(n int) {
	jobQueueDepth.Set(float64(n))
}
