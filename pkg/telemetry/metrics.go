package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the reconciliation loop.
// A nil *Metrics and a disabled one are both no-ops.
type Metrics struct {
	config MetricsConfig

	// Cycle metrics
	cyclesStarted   *prometheus.CounterVec
	cyclesCompleted *prometheus.CounterVec
	cycleDuration   *prometheus.HistogramVec
	coalesced       prometheus.Counter
	cycleState      *prometheus.GaugeVec

	// Drift metrics
	driftIssues *prometheus.CounterVec

	// Remediation metrics
	fixesApplied  *prometheus.CounterVec
	fixesFailed   *prometheus.CounterVec
	fixesDeferred *prometheus.CounterVec
	fixDuration   *prometheus.HistogramVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		cyclesStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_started_total",
				Help:      "Total number of reconciliation cycles started",
			},
			[]string{"trigger"},
		),
		cyclesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_completed_total",
				Help:      "Total number of reconciliation cycles finished, by final status",
			},
			[]string{"status"},
		),
		cycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Duration of reconciliation cycles in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		coalesced: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "coalesced_triggers_total",
				Help:      "Triggers skipped because a cycle was already running",
			},
		),
		cycleState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cycle_state",
				Help:      "Current reconciliation state (1 for the active state)",
			},
			[]string{"state"},
		),

		driftIssues: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drift_issues_detected_total",
				Help:      "Total number of drift issues detected",
			},
			[]string{"resource_type", "severity", "strategy"},
		),

		fixesApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fixes_applied_total",
				Help:      "Total number of fixes confirmed by the mutation agent",
			},
			[]string{"strategy"},
		),
		fixesFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fixes_failed_total",
				Help:      "Total number of attempted fixes that failed",
			},
			[]string{"reason"},
		),
		fixesDeferred: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fixes_deferred_total",
				Help:      "Total number of issues left for manual review without an attempt",
			},
			[]string{"reason"},
		),
		fixDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fix_duration_seconds",
				Help:      "Duration of fix attempts in seconds, retries included",
				Buckets:   buckets,
			},
			[]string{"resource_type"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.cyclesStarted,
		m.cyclesCompleted,
		m.cycleDuration,
		m.coalesced,
		m.cycleState,
		m.driftIssues,
		m.fixesApplied,
		m.fixesFailed,
		m.fixesDeferred,
		m.fixDuration,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Cycle Metrics

// RecordCycleStarted increments the counter for started cycles.
func (m *Metrics) RecordCycleStarted(trigger string) {
	if !m.enabled() {
		return
	}
	m.cyclesStarted.WithLabelValues(trigger).Inc()
}

// RecordCycleCompleted records a finished cycle with its status and duration.
func (m *Metrics) RecordCycleCompleted(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.cyclesCompleted.WithLabelValues(status).Inc()
	m.cycleDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordCoalescedTrigger counts a trigger dropped because a cycle was active.
func (m *Metrics) RecordCoalescedTrigger() {
	if !m.enabled() {
		return
	}
	m.coalesced.Inc()
}

// SetCycleState marks state as the active one.
func (m *Metrics) SetCycleState(state string, all []string) {
	if !m.enabled() {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.cycleState.WithLabelValues(s).Set(v)
	}
}

// Drift Metrics

// RecordDriftIssue records one detected issue.
func (m *Metrics) RecordDriftIssue(resourceType, severity, strategy string) {
	if !m.enabled() {
		return
	}
	m.driftIssues.WithLabelValues(resourceType, severity, strategy).Inc()
}

// Remediation Metrics

// RecordFixApplied records a confirmed fix.
func (m *Metrics) RecordFixApplied(strategy, resourceType string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.fixesApplied.WithLabelValues(strategy).Inc()
	m.fixDuration.WithLabelValues(resourceType).Observe(duration.Seconds())
}

// RecordFixFailed records an attempted fix that failed.
func (m *Metrics) RecordFixFailed(reason, resourceType string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.fixesFailed.WithLabelValues(reason).Inc()
	m.fixDuration.WithLabelValues(resourceType).Observe(duration.Seconds())
}

// RecordFixDeferred records an issue left for review without an attempt.
func (m *Metrics) RecordFixDeferred(reason string) {
	if !m.enabled() {
		return
	}
	m.fixesDeferred.WithLabelValues(reason).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Registry returns the registry the metrics are registered with, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Path returns the configured metrics path.
func (m *Metrics) Path() string {
	if m == nil || m.config.Path == "" {
		return "/metrics"
	}
	return m.config.Path
}
