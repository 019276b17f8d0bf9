package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stackform/stackform/pkg/engine"
)

// Metrics collects Prometheus metrics for reconciliation runs. It
// implements engine.Observer so the executor reports per-action results
// as they complete; plan and run level counters are recorded by the
// caller driving the run.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry

	plansComputed *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	wavesStarted   prometheus.Counter
	actionsTotal   *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec
	actionRetries  *prometheus.CounterVec
}

// NewMetrics creates a metrics collector. With Enabled false every
// recording method is a no-op, so callers never branch.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{config: cfg}
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		plansComputed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plans_computed_total",
				Help:      "Plans computed, labelled by whether they were empty",
			},
			[]string{"empty"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Apply runs completed by terminal status",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Apply run duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),

		wavesStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "waves_started_total",
				Help:      "Execution waves released",
			},
		),
		actionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_total",
				Help:      "Actions executed by verb and outcome",
			},
			[]string{"verb", "outcome"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_seconds",
				Help:      "Per-action execution duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"verb"},
		),
		actionRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "action_retries_total",
				Help:      "Transient-failure retries by verb",
			},
			[]string{"verb"},
		),
	}

	registry.MustRegister(
		m.plansComputed,
		m.runsCompleted,
		m.runDuration,
		m.wavesStarted,
		m.actionsTotal,
		m.actionDuration,
		m.actionRetries,
	)
	return m
}

// WaveStarted implements engine.Observer.
func (m *Metrics) WaveStarted(_, _ int) {
	if m.registry == nil {
		return
	}
	m.wavesStarted.Inc()
}

// ActionCompleted implements engine.Observer.
func (m *Metrics) ActionCompleted(result engine.ActionResult) {
	if m.registry == nil {
		return
	}
	verb := string(result.Verb)
	m.actionsTotal.WithLabelValues(verb, string(result.Outcome)).Inc()
	m.actionDuration.WithLabelValues(verb).Observe(result.Duration.Seconds())
	if result.Retries > 0 {
		m.actionRetries.WithLabelValues(verb).Add(float64(result.Retries))
	}
}

// RecordPlan counts a computed plan.
func (m *Metrics) RecordPlan(plan *engine.Plan) {
	if m.registry == nil {
		return
	}
	empty := "false"
	if plan.IsEmpty() {
		empty = "true"
	}
	m.plansComputed.WithLabelValues(empty).Inc()
}

// RecordRun records the terminal status and duration of a run.
func (m *Metrics) RecordRun(report *engine.RunReport) {
	if m.registry == nil {
		return
	}
	status := string(report.Status)
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(report.Duration.Seconds())
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs the metrics HTTP endpoint until the context is cancelled.
// A disabled collector returns immediately.
func (m *Metrics) Serve(ctx context.Context) error {
	if m.registry == nil || !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
