// Package metrics holds the prometheus collectors exported at /metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "docfix"

// Registry is the registry served by the HTTP API.
var Registry = prometheus.NewRegistry()

var (
	sessionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Sessions started, by outcome (succeeded, not-started).",
		},
		[]string{"outcome"},
	)
	pagesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_processed_total",
			Help:      "Pages that finished validation, by status (validated, failed).",
		},
		[]string{"status"},
	)
	fixes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fixes_total",
			Help:      "Fixes recorded, by status (applied, reverted, failed).",
		},
		[]string{"status"},
	)
	feedbackOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feedback_total",
			Help:      "Feedback submissions, by outcome.",
		},
		[]string{"outcome"},
	)
	provisionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provision_duration_seconds",
			Help:      "Time to provision session compute, including checkout.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)
	provisionFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provision_failures_total",
			Help:      "Compute provisioning attempts that failed.",
		},
	)
	releases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compute_releases_total",
			Help:      "Compute releases, by trigger (reaper, timer, finish, stale).",
		},
		[]string{"trigger"},
	)
	liveCompute = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_compute",
			Help:      "Sessions currently holding live compute in this process.",
		},
	)
)

var registerMetrics sync.Once

// Register registers every collector plus the Go and process collectors.
func Register() {
	registerMetrics.Do(func() {
		Registry.MustRegister(
			sessionsStarted,
			pagesProcessed,
			fixes,
			feedbackOutcomes,
			provisionDuration,
			provisionFailures,
			releases,
			liveCompute,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

func RecordSessionStarted(outcome string) { sessionsStarted.WithLabelValues(outcome).Inc() }

func RecordPage(status string) { pagesProcessed.WithLabelValues(status).Inc() }

func RecordFix(status string) { fixes.WithLabelValues(status).Inc() }

func RecordFeedback(outcome string) { feedbackOutcomes.WithLabelValues(outcome).Inc() }

// RecordProvision records one provisioning attempt.
func RecordProvision(d time.Duration, err error) {
	if err != nil {
		provisionFailures.Inc()
		return
	}
	provisionDuration.Observe(d.Seconds())
	liveCompute.Inc()
}

// RecordRelease records compute torn down for the given trigger.
func RecordRelease(trigger string) {
	releases.WithLabelValues(trigger).Inc()
	liveCompute.Dec()
}
