package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for deployment runs.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Phase metrics
	phasesExecuted *prometheus.CounterVec
	phaseDuration  *prometheus.HistogramVec

	// Task metrics
	tasksExecuted *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec

	// Selection metrics
	selectionFallbacks *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	activeRuns prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
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

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of sequence runs started",
			},
			[]string{"sequence"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of sequence runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of sequence runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		phasesExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "phases_executed_total",
				Help:      "Total number of phases executed",
			},
			[]string{"phase", "status"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Duration of phase execution in seconds",
				Buckets:   buckets,
			},
			[]string{"phase"},
		),

		tasksExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_executed_total",
				Help:      "Total number of tasks executed",
			},
			[]string{"type", "outcome"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Duration of task binding and execution in seconds",
				Buckets:   buckets,
			},
			[]string{"type"},
		),

		selectionFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "selection_fallbacks_total",
				Help:      "Total number of selection steps that kept their input because the result was empty",
			},
			[]string{"action"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),

		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active runs",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.phasesExecuted,
		m.phaseDuration,
		m.tasksExecuted,
		m.taskDuration,
		m.selectionFallbacks,
		m.errorsByClass,
		m.activeRuns,
	)

	return m, nil
}

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(sequence string) {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(sequence).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordPhase records an executed phase.
func (m *Metrics) RecordPhase(phase, status string, duration time.Duration) {
	if m.phasesExecuted == nil {
		return
	}
	m.phasesExecuted.WithLabelValues(phase, status).Inc()
	m.phaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// RecordTask records an executed task.
func (m *Metrics) RecordTask(taskType, outcome string, duration time.Duration) {
	if m.tasksExecuted == nil {
		return
	}
	m.tasksExecuted.WithLabelValues(taskType, outcome).Inc()
	m.taskDuration.WithLabelValues(taskType).Observe(duration.Seconds())
}

// RecordSelectionFallback records a selection step that fell back to its input.
func (m *Metrics) RecordSelectionFallback(action string) {
	if m.selectionFallbacks == nil {
		return
	}
	m.selectionFallbacks.WithLabelValues(action).Inc()
}

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
}

// WriteTextfile writes all metrics in the text exposition format to path,
// for collection by a node exporter textfile collector after the process exits.
func (m *Metrics) WriteTextfile(path string) error {
	if m.registry == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
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
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics while a run is in progress.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("Metrics server stopped")
		}
	}()

	return nil
}
