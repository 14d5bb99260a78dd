// Package metrics defines the Prometheus metrics of the download service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// tasksRequested counts find-or-create calls by whether a task was created.
	tasksRequested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "download_tasks_requested_total",
		Help: "Package requests by result (created or deduplicated)",
	}, []string{"result"})

	// queueReloads counts reload runs by outcome.
	queueReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "download_queue_reloads_total",
		Help: "Queue reload runs by outcome (promoted, busy, idle, error)",
	}, []string{"outcome"})

	tasksEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "download_tasks_enqueued_total",
		Help: "Tasks promoted from NEW to PENDING",
	})

	// packagesRemoved counts housekeeping removals by reason.
	packagesRemoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "download_cache_packages_removed_total",
		Help: "Packages removed from the cache by reason (ghost, invalid, cleanup, flush)",
	}, []string{"reason"})

	cacheUsageBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "download_cache_usage_bytes",
		Help: "Total size of packages recorded in the cache",
	})

	cachePackages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "download_cache_packages",
		Help: "Number of packages recorded in the cache",
	})

	generationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "download_generation_duration_seconds",
		Help:    "Time spent generating packages by outcome",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 14400},
	}, []string{"outcome"})

	packageBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "download_package_size_bytes",
		Help:    "Size of generated packages",
		Buckets: prometheus.ExponentialBuckets(1<<20, 4, 10),
	})

	notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "download_notifications_total",
		Help: "Subscription notifications by outcome",
	}, []string{"outcome"})

	downloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "download_downloads_total",
		Help: "Downloads by kind (package or file) and outcome",
	}, []string{"kind", "outcome"})
)

// Recorder provides methods to record service metrics. A nil *Recorder is
// valid and records to the same collectors.
type Recorder struct{}

// NewRecorder creates a new metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordTaskRequest records a find-or-create result.
func (r *Recorder) RecordTaskRequest(created bool) {
	if created {
		tasksRequested.WithLabelValues("created").Inc()
		return
	}
	tasksRequested.WithLabelValues("deduplicated").Inc()
}

// RecordQueueReload records one reload run and how many tasks it promoted.
func (r *Recorder) RecordQueueReload(outcome string, promoted int) {
	queueReloads.WithLabelValues(outcome).Inc()
	tasksEnqueued.Add(float64(promoted))
}

// RecordPackagesRemoved records housekeeping removals.
func (r *Recorder) RecordPackagesRemoved(reason string, count int) {
	if count > 0 {
		packagesRemoved.WithLabelValues(reason).Add(float64(count))
	}
}

// RecordCacheUsage records the current cache totals.
func (r *Recorder) RecordCacheUsage(packagesCount int, usageBytes int64) {
	cachePackages.Set(float64(packagesCount))
	cacheUsageBytes.Set(float64(usageBytes))
}

// RecordGeneration records a finished generation attempt.
func (r *Recorder) RecordGeneration(outcome string, duration time.Duration, sizeBytes int64) {
	generationDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	if sizeBytes > 0 {
		packageBytes.Observe(float64(sizeBytes))
	}
}

// RecordNotification records a notification attempt.
func (r *Recorder) RecordNotification(success bool) {
	if success {
		notifications.WithLabelValues("sent").Inc()
		return
	}
	notifications.WithLabelValues("failed").Inc()
}

// RecordDownload records a finished download.
func (r *Recorder) RecordDownload(kind string, success bool) {
	outcome := "successful"
	if !success {
		outcome = "failed"
	}
	downloads.WithLabelValues(kind, outcome).Inc()
}
