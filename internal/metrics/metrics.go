// Package metrics exports backup run activity to Prometheus.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/schaermu/ghbackup/internal/backup"
)

const namespace = "ghbackup"

// Collector is a prometheus.Collector that also records backup runs
type Collector struct {
	repositories  *prometheus.CounterVec
	failures      prometheus.Counter
	uploads       prometheus.Counter
	uploadedBytes prometheus.Counter
	runs          *prometheus.CounterVec
	runDuration   prometheus.Histogram
	lastRun       prometheus.Gauge
	lastSuccess   prometheus.Gauge
}

// NewCollector returns a new Collector
func NewCollector() *Collector {
	return &Collector{
		repositories: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "repositories_total",
				Help:      "Repositories processed, by outcome.",
			}, []string{"outcome"},
		),
		failures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unit_failures_total",
				Help:      "Repositories or refs that could not be backed up.",
			},
		),
		uploads: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uploads_total",
				Help:      "Artifacts written to the bucket.",
			},
		),
		uploadedBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uploaded_bytes_total",
				Help:      "Bytes of artifacts written to the bucket.",
			},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Finished backup runs, by result.",
			}, []string{"result"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall-clock duration of backup runs.",
				Buckets:   []float64{10, 30, 60, 120, 300, 600, 900, 1800, 3600},
			},
		),
		lastRun: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time the last run finished.",
			},
		),
		lastSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix time the last run without failures finished.",
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.repositories.Describe(ch)
	c.failures.Describe(ch)
	c.uploads.Describe(ch)
	c.uploadedBytes.Describe(ch)
	c.runs.Describe(ch)
	c.runDuration.Describe(ch)
	c.lastRun.Describe(ch)
	c.lastSuccess.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.repositories.Collect(ch)
	c.failures.Collect(ch)
	c.uploads.Collect(ch)
	c.uploadedBytes.Collect(ch)
	c.runs.Collect(ch)
	c.runDuration.Collect(ch)
	c.lastRun.Collect(ch)
	c.lastSuccess.Collect(ch)
}

// RepositoryFinished implements backup.Recorder
func (c *Collector) RepositoryFinished(outcome backup.Outcome) {
	c.repositories.WithLabelValues(string(outcome)).Inc()
}

// UnitFailed implements backup.Recorder
func (c *Collector) UnitFailed() {
	c.failures.Inc()
}

// ObjectUploaded implements backup.Recorder
func (c *Collector) ObjectUploaded(bytes int64) {
	c.uploads.Inc()
	c.uploadedBytes.Add(float64(bytes))
}

// RunFinished implements backup.Recorder
func (c *Collector) RunFinished(result *backup.RunResult, elapsed time.Duration) {
	c.runs.WithLabelValues(resultLabel(result)).Inc()
	c.runDuration.Observe(elapsed.Seconds())
	c.lastRun.SetToCurrentTime()
	if len(result.Failures) == 0 {
		c.lastSuccess.SetToCurrentTime()
	}
}

func resultLabel(result *backup.RunResult) string {
	switch {
	case len(result.Failures) > 0:
		return "partial"
	case result.StoppedForTimeout:
		return "incomplete"
	default:
		return "complete"
	}
}

// Push sends everything gatherer collects to a Pushgateway, replacing the
// metrics previously pushed for job.
func Push(ctx context.Context, url, job string, gatherer prometheus.Gatherer) error {
	if err := push.New(url, job).Gatherer(gatherer).PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", url, err)
	}
	return nil
}
