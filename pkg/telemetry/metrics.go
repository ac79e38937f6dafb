package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openfroyo/converge/pkg/engine"
)

// Metrics provides Prometheus metrics for convergence runs. It implements
// engine.Observer.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsCompleted  *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	lastRunSuccess prometheus.Gauge
	lastRunTime    prometheus.Gauge

	// Resource metrics
	resourcesConverged *prometheus.CounterVec
	actionDuration     *prometheus.HistogramVec
	actionRetries      *prometheus.CounterVec
	resourcesUpdated   prometheus.Gauge

	// Notification metrics
	notificationsFired *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

var _ engine.Observer = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
// A disabled collector accepts observations and drops them.
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

		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of convergence runs by final status",
			},
			[]string{"status", "noop"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of convergence runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		lastRunSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_success",
				Help:      "Whether the last run succeeded (1) or failed (0)",
			},
		),
		lastRunTime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time the last run completed",
			},
		),

		resourcesConverged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_actions_total",
				Help:      "Total number of resource action dispatches by outcome",
			},
			[]string{"type", "action", "provider", "state", "updated"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resource_action_duration_seconds",
				Help:      "Duration of resource action dispatches in seconds",
				Buckets:   buckets,
			},
			[]string{"type", "action"},
		),
		actionRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_action_retries_total",
				Help:      "Total number of retried attempts",
			},
			[]string{"type", "action"},
		),
		resourcesUpdated: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_resources_updated",
				Help:      "Number of resources updated by the last run",
			},
		),

		notificationsFired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_fired_total",
				Help:      "Total number of notifications fired",
			},
			[]string{"timing", "action"},
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
		m.runsCompleted,
		m.runDuration,
		m.lastRunSuccess,
		m.lastRunTime,
		m.resourcesConverged,
		m.actionDuration,
		m.actionRetries,
		m.resourcesUpdated,
		m.notificationsFired,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// ResourceConverged records one action dispatch.
func (m *Metrics) ResourceConverged(res *engine.Resource, action engine.Action, result *engine.ResourceResult) {
	if m.registry == nil || res == nil || result == nil {
		return
	}
	m.resourcesConverged.WithLabelValues(
		string(res.Type),
		string(action),
		result.Provider,
		string(result.State),
		boolLabel(result.Updated),
	).Inc()
	m.actionDuration.WithLabelValues(string(res.Type), string(action)).Observe(result.Duration.Seconds())
	if result.Attempts > 1 {
		m.actionRetries.WithLabelValues(string(res.Type), string(action)).Add(float64(result.Attempts - 1))
	}
	if result.Error != nil {
		m.RecordError(string(result.Error.Class), result.Error.Code)
	}
}

// NotificationFired records a fired notification.
func (m *Metrics) NotificationFired(n *engine.Notification, timing engine.Timing) {
	if m.registry == nil || n == nil {
		return
	}
	m.notificationsFired.WithLabelValues(string(timing), string(n.Action)).Inc()
}

// RunFinished records the outcome of a run.
func (m *Metrics) RunFinished(report *engine.RunReport) {
	if m.registry == nil || report == nil {
		return
	}
	status := string(report.Status)
	m.runsCompleted.WithLabelValues(status, boolLabel(report.Noop)).Inc()
	m.runDuration.WithLabelValues(status).Observe(report.Duration.Seconds())
	if report.Status == engine.RunStatusSucceeded {
		m.lastRunSuccess.Set(1)
	} else {
		m.lastRunSuccess.Set(0)
	}
	completed := report.CompletedAt
	if completed.IsZero() {
		completed = time.Now()
	}
	m.lastRunTime.Set(float64(completed.Unix()))
	m.resourcesUpdated.Set(float64(len(report.UpdatedResources())))
}

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.registry == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Registry returns the Prometheus registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Path returns the HTTP path metrics are served on.
func (m *Metrics) Path() string {
	if m.config.Path == "" {
		return "/metrics"
	}
	return m.config.Path
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
