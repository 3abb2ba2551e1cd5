package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the engine bridge.
// A zero or disabled Metrics is valid and records nothing.
type Metrics struct {
	config MetricsConfig

	// Protocol metrics
	requests *prometheus.CounterVec
	events   *prometheus.CounterVec

	// Session metrics
	sessionsStarted   prometheus.Counter
	sessionsCompleted *prometheus.CounterVec
	sessionDuration   *prometheus.HistogramVec
	activeSessions    prometheus.Gauge

	// Command metrics
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	statusPolls     prometheus.Counter
	transientStatus prometheus.Counter

	// Resource metrics
	precaches     *prometheus.CounterVec
	precacheBytes prometheus.Counter

	// Lifecycle
	lifecycleState prometheus.Gauge

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

		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of protocol requests received",
			},
			[]string{"type"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Total number of protocol events emitted",
			},
			[]string{"type"},
		),

		sessionsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_started_total",
				Help:      "Total number of run sessions started",
			},
		),
		sessionsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_completed_total",
				Help:      "Total number of run sessions finished, by outcome",
			},
			[]string{"outcome"},
		),
		sessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Duration of run sessions in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),
		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of run sessions in progress (0 or 1)",
			},
		),

		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Total number of engine commands executed, by outcome",
			},
			[]string{"outcome"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "Duration of engine commands in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),
		statusPolls: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "status_polls_total",
				Help:      "Total number of thread status queries",
			},
		),
		transientStatus: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transient_status_total",
				Help:      "Total number of invalid thread status values observed",
			},
		),

		precaches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "precache_total",
				Help:      "Total number of precache requests, by outcome",
			},
			[]string{"outcome"},
		),
		precacheBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "precache_bytes_total",
				Help:      "Total bytes installed into the engine file system",
			},
		),

		lifecycleState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "lifecycle_state",
				Help:      "Bridge lifecycle state (0=uninitialized, 1=ready, 2=initialized, 3=destroyed)",
			},
		),
	}

	registry.MustRegister(
		m.requests,
		m.events,
		m.sessionsStarted,
		m.sessionsCompleted,
		m.sessionDuration,
		m.activeSessions,
		m.commands,
		m.commandDuration,
		m.statusPolls,
		m.transientStatus,
		m.precaches,
		m.precacheBytes,
		m.lifecycleState,
	)

	return m, nil
}

// RecordRequest counts an incoming protocol request.
func (m *Metrics) RecordRequest(msgType string) {
	if m == nil || m.requests == nil {
		return
	}
	m.requests.WithLabelValues(msgType).Inc()
}

// RecordEvent counts an emitted protocol event.
func (m *Metrics) RecordEvent(msgType string) {
	if m == nil || m.events == nil {
		return
	}
	m.events.WithLabelValues(msgType).Inc()
}

// RecordSessionStarted counts a new session and marks it active.
func (m *Metrics) RecordSessionStarted() {
	if m == nil || m.sessionsStarted == nil {
		return
	}
	m.sessionsStarted.Inc()
	m.activeSessions.Set(1)
}

// RecordSessionCompleted records a finished session with its outcome and duration.
func (m *Metrics) RecordSessionCompleted(outcome string, duration time.Duration) {
	if m == nil || m.sessionsCompleted == nil {
		return
	}
	m.sessionsCompleted.WithLabelValues(outcome).Inc()
	m.sessionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	m.activeSessions.Set(0)
}

// RecordCommand records one command's outcome and duration.
func (m *Metrics) RecordCommand(outcome string, duration time.Duration) {
	if m == nil || m.commands == nil {
		return
	}
	m.commands.WithLabelValues(outcome).Inc()
	m.commandDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordStatusPoll counts a thread status query; invalid values are counted separately.
func (m *Metrics) RecordStatusPoll(valid bool) {
	if m == nil || m.statusPolls == nil {
		return
	}
	m.statusPolls.Inc()
	if !valid {
		m.transientStatus.Inc()
	}
}

// RecordPrecache records a precache attempt and, on success, its size.
func (m *Metrics) RecordPrecache(outcome string, size int) {
	if m == nil || m.precaches == nil {
		return
	}
	m.precaches.WithLabelValues(outcome).Inc()
	if size > 0 {
		m.precacheBytes.Add(float64(size))
	}
}

// SetLifecycleState publishes the bridge lifecycle ordinal.
func (m *Metrics) SetLifecycleState(ordinal int) {
	if m == nil || m.lifecycleState == nil {
		return
	}
	m.lifecycleState.Set(float64(ordinal))
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
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
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Router returns the metrics HTTP router with the metrics path and a health check.
func (m *Metrics) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	r.Method(http.MethodGet, path, m.Handler())
	return r
}

// Serve runs the metrics HTTP server until ctx is cancelled.
// It returns nil immediately when metrics are disabled.
func (m *Metrics) Serve(ctx context.Context) error {
	if !m.config.Enabled {
		return nil
	}

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           m.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
