// Package metrics provides the Prometheus registry and job metrics for maxiofs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all maxiofs metrics.
var Registry = prometheus.NewRegistry()

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// JobMetrics tracks background maintenance jobs.
type JobMetrics struct {
	Runs        *prometheus.CounterVec   // labels: job, result
	Duration    *prometheus.HistogramVec // labels: job
	LastSuccess *prometheus.GaugeVec     // labels: job
}

// NewJobMetrics registers the maintenance job metrics with reg.
func NewJobMetrics(reg prometheus.Registerer) *JobMetrics {
	return &JobMetrics{
		Runs: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "maxiofs_maintenance_runs_total",
			Help: "Maintenance job runs by result (ok, error)",
		}, []string{"job", "result"}),
		Duration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "maxiofs_maintenance_duration_seconds",
			Help:    "Maintenance job run time in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"job"}),
		LastSuccess: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "maxiofs_maintenance_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run per job",
		}, []string{"job"}),
	}
}

// Observe records one run of job.
func (m *JobMetrics) Observe(job string, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.Duration.WithLabelValues(job).Observe(took.Seconds())
	if err != nil {
		m.Runs.WithLabelValues(job, "error").Inc()
		return
	}
	m.Runs.WithLabelValues(job, "ok").Inc()
	m.LastSuccess.WithLabelValues(job).SetToCurrentTime()
}

// InitBuildInfo publishes a constant build info series.
func InitBuildInfo(reg prometheus.Registerer, version string) {
	promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
		Name: "maxiofs_build_info",
		Help: "Build information (value is always 1)",
	}, []string{"version"}).WithLabelValues(version).Set(1)
}

// Handler returns an HTTP handler serving Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
