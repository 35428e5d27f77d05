package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job metrics
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acore_jobs_total",
			Help: "Total number of jobs by terminal status",
		},
		[]string{"status"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "acore_queue_depth",
			Help: "Number of jobs waiting in the queue",
		},
	)

	WorkersIdle = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "acore_workers_idle",
			Help: "Number of idle workers",
		},
	)

	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "acore_job_duration_seconds",
			Help:    "End-to-end job duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	// Sandbox metrics
	SandboxSetupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "acore_sandbox_setup_duration_seconds",
			Help:    "Time taken to build the chroot and per-job disks in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SandboxTeardownFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "acore_sandbox_teardown_failures_total",
			Help: "Total number of teardown steps that failed",
		},
	)

	// Ingestion metrics
	IngestRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acore_ingest_rejections_total",
			Help: "Total number of rejected submissions by reason",
		},
		[]string{"reason"},
	)

	// Credential metrics
	TokenRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acore_token_refreshes_total",
			Help: "Total number of token refresh attempts by result",
		},
		[]string{"result"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acore_api_requests_total",
			Help: "Total number of API requests by path and status code",
		},
		[]string{"path", "code"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "acore_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(WorkersIdle)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(SandboxSetupDuration)
	prometheus.MustRegister(SandboxTeardownFailures)
	prometheus.MustRegister(IngestRejections)
	prometheus.MustRegister(TokenRefreshes)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
