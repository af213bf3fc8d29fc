// Package metrics provides Prometheus metrics for the agent.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	globalMetrics     *Metrics
	globalMetricsOnce sync.Once
)

// Metrics holds every collector the agent exports. All Record methods are
// safe on a nil receiver so components can run without metrics in tests.
type Metrics struct {
	// Backend metrics
	BackendRequests    *prometheus.CounterVec
	TokenInvalidations prometheus.Counter
	Submissions        *prometheus.CounterVec
	OperationsCreated  prometheus.Counter

	// Reconciliation metrics
	PollRounds      prometheus.Counter
	PollErrors      prometheus.Counter
	CardTransitions *prometheus.CounterVec
	Downloads       *prometheus.CounterVec
	BytesDownloaded prometheus.Counter

	// Run metrics
	RunsTotal      *prometheus.CounterVec
	RunsInProgress prometheus.Gauge
	RunDuration    *prometheus.HistogramVec
}

// New creates and registers all metrics once per process.
func New() *Metrics {
	globalMetricsOnce.Do(func() {
		globalMetrics = newMetrics(prometheus.DefaultRegisterer)
	})
	return globalMetrics
}

// NewWithRegistry registers a fresh set of collectors on reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BackendRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "storyreel",
				Subsystem: "backend",
				Name:      "requests_total",
				Help:      "Video backend HTTP requests by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		TokenInvalidations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "storyreel",
				Subsystem: "backend",
				Name:      "token_invalidations_total",
				Help:      "Bearer tokens flagged invalid after an authentication failure",
			},
		),
		Submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "storyreel",
				Subsystem: "backend",
				Name:      "submissions_total",
				Help:      "Scene submissions by the path that produced operations",
			},
			[]string{"path"},
		),
		OperationsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "storyreel",
				Subsystem: "backend",
				Name:      "operations_created_total",
				Help:      "Remote generation operations created",
			},
		),
		PollRounds: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "storyreel",
				Subsystem: "reconcile",
				Name:      "poll_rounds_total",
				Help:      "Batch status polling rounds",
			},
		),
		PollErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "storyreel",
				Subsystem: "reconcile",
				Name:      "poll_errors_total",
				Help:      "Failed batch status calls",
			},
		),
		CardTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "storyreel",
				Subsystem: "reconcile",
				Name:      "card_transitions_total",
				Help:      "Card status transitions by target status",
			},
			[]string{"status"},
		),
		Downloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "storyreel",
				Subsystem: "reconcile",
				Name:      "downloads_total",
				Help:      "Video download attempts by result",
			},
			[]string{"result"},
		),
		BytesDownloaded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "storyreel",
				Subsystem: "transfer",
				Name:      "bytes_downloaded_total",
				Help:      "Total bytes of generated video downloaded",
			},
		),
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "storyreel",
				Subsystem: "runs",
				Name:      "total",
				Help:      "Generation runs by final status",
			},
			[]string{"status"},
		),
		RunsInProgress: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "storyreel",
				Subsystem: "runs",
				Name:      "in_progress",
				Help:      "Generation runs currently executing",
			},
		),
		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "storyreel",
				Subsystem: "runs",
				Name:      "duration_seconds",
				Help:      "Duration of generation runs in seconds",
				Buckets:   []float64{30, 60, 120, 300, 600, 900, 1800, 3600},
			},
			[]string{"status"},
		),
	}

	reg.MustRegister(
		m.BackendRequests,
		m.TokenInvalidations,
		m.Submissions,
		m.OperationsCreated,
		m.PollRounds,
		m.PollErrors,
		m.CardTransitions,
		m.Downloads,
		m.BytesDownloaded,
		m.RunsTotal,
		m.RunsInProgress,
		m.RunDuration,
	)

	return m
}

// Handler returns an HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) RecordBackendRequest(endpoint, outcome string) {
	if m == nil {
		return
	}
	m.BackendRequests.WithLabelValues(endpoint, outcome).Inc()
}

func (m *Metrics) RecordTokenInvalidated() {
	if m == nil {
		return
	}
	m.TokenInvalidations.Inc()
}

// RecordSubmission records which submission path produced count operations.
func (m *Metrics) RecordSubmission(path string, count int) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(path).Inc()
	m.OperationsCreated.Add(float64(count))
}

func (m *Metrics) RecordPollRound() {
	if m == nil {
		return
	}
	m.PollRounds.Inc()
}

func (m *Metrics) RecordPollError() {
	if m == nil {
		return
	}
	m.PollErrors.Inc()
}

func (m *Metrics) RecordCardTransition(status string) {
	if m == nil {
		return
	}
	m.CardTransitions.WithLabelValues(status).Inc()
}

// RecordDownload records a download attempt and, on success, its size.
func (m *Metrics) RecordDownload(result string, bytes int64) {
	if m == nil {
		return
	}
	m.Downloads.WithLabelValues(result).Inc()
	if bytes > 0 {
		m.BytesDownloaded.Add(float64(bytes))
	}
}

func (m *Metrics) RecordRunStarted() {
	if m == nil {
		return
	}
	m.RunsInProgress.Inc()
}

// RecordRunFinished decrements the in-progress gauge and records the outcome.
func (m *Metrics) RecordRunFinished(status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RunsInProgress.Dec()
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.WithLabelValues(status).Observe(durationSeconds)
}
