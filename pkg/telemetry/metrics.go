package telemetry

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the orchestrator's Prometheus collectors on a private
// registry.
type Metrics struct {
	config MetricsConfig

	runsCompleted *prometheus.CounterVec
	runDuration   prometheus.Histogram

	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec

	serviceState *prometheus.GaugeVec

	registry *prometheus.Registry
	server   *http.Server
	addr     string
}

// NewMetrics creates the metric collectors. A disabled config returns a
// no-op instance.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	registry := prometheus.NewRegistry()
	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of orchestration runs by final status",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of orchestration runs in seconds",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "steps_executed_total",
				Help:      "Total number of deployment steps by kind and outcome",
			},
			[]string{"step", "outcome"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of deployment steps in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
			},
			[]string{"step"},
		),
		serviceState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Name:      "service_state",
				Help:      "Terminal state of each service in the last run (1 = in this state)",
			},
			[]string{"service", "state"},
		),
	}

	for _, c := range []prometheus.Collector{
		m.runsCompleted, m.runDuration, m.stepsExecuted, m.stepDuration, m.serviceState,
	} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveRun records a completed run.
func (m *Metrics) ObserveRun(status string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.Observe(duration.Seconds())
}

// ObserveStep records a completed, failed, or skipped step.
func (m *Metrics) ObserveStep(step, outcome string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.stepsExecuted.WithLabelValues(step, outcome).Inc()
	if duration > 0 {
		m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
	}
}

// SetServiceState marks the terminal state of a service.
func (m *Metrics) SetServiceState(service, state string) {
	if m.registry == nil || service == "" {
		return
	}
	m.serviceState.WithLabelValues(service, state).Set(1)
}

// Handler returns the scrape handler for the private registry.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer exposes the scrape endpoint on the configured listen
// address for the duration of the run. Disabled metrics or an empty
// listen address start nothing.
func (m *Metrics) StartServer() error {
	if m.registry == nil || m.config.ListenAddress == "" {
		return nil
	}

	ln, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	m.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	m.addr = ln.Addr().String()

	go func() { _ = m.server.Serve(ln) }()
	return nil
}

// ServerAddr returns the bound scrape address, empty when no endpoint
// is running.
func (m *Metrics) ServerAddr() string { return m.addr }

// StopServer shuts the scrape endpoint down, allowing in-flight scrapes
// to finish within ctx.
func (m *Metrics) StopServer(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
