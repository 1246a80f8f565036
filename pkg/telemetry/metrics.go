package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
)

// Metrics collects Prometheus metrics for syncs and transactions. It
// implements engine.Observer.
type Metrics struct {
	config MetricsConfig

	events          *prometheus.CounterVec
	syncs           *prometheus.CounterVec
	syncDuration    *prometheus.HistogramVec
	driftDetections *prometheus.CounterVec
	errorsByClass   *prometheus.CounterVec
	transactions    *prometheus.CounterVec
	lastTransaction *prometheus.GaugeVec

	registry *prometheus.Registry
}

var _ engine.Observer = (*Metrics)(nil)

// NewMetrics creates a collector on its own registry.
func NewMetrics(cfg MetricsConfig) *Metrics {
	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Total number of change events by kind",
			},
			[]string{"kind"},
		),
		syncs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_syncs_total",
				Help:      "Total number of resource syncs",
			},
			[]string{"type", "status"},
		),
		syncDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sync_duration_seconds",
				Help:      "Duration of resource syncs in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"type"},
		),
		driftDetections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drift_detections_total",
				Help:      "Total number of content drifts detected against a baseline",
			},
			[]string{"type"},
		),
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of sync errors by error class",
			},
			[]string{"class"},
		),
		transactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_total",
				Help:      "Total number of applied transactions",
			},
			[]string{"group", "status"},
		),
		lastTransaction: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_transaction_members",
				Help:      "Number of members in the last transaction of each group",
			},
			[]string{"group"},
		),
	}

	registry.MustRegister(
		m.events,
		m.syncs,
		m.syncDuration,
		m.driftDetections,
		m.errorsByClass,
		m.transactions,
		m.lastTransaction,
	)

	return m
}

// ObserveSync records the outcome of one resource sync.
func (m *Metrics) ObserveSync(resourceType, name string, events engine.EventSet, elapsed time.Duration, err error) {
	m.syncs.WithLabelValues(resourceType, status(err)).Inc()
	m.syncDuration.WithLabelValues(resourceType).Observe(elapsed.Seconds())

	for kind := range events {
		m.events.WithLabelValues(string(kind)).Inc()
	}
	if events.Has(engine.EventContentModified) {
		m.driftDetections.WithLabelValues(resourceType).Inc()
	}
	if err != nil {
		m.errorsByClass.WithLabelValues(errorClass(err)).Inc()
	}
}

// ObserveTransaction records the outcome of one transaction.
func (m *Metrics) ObserveTransaction(group string, members int, _ engine.EventSet, err error) {
	m.transactions.WithLabelValues(group, status(err)).Inc()
	m.lastTransaction.WithLabelValues(group).Set(float64(members))
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint until ctx is done. It returns
// immediately when no address is configured.
func (m *Metrics) Serve(ctx context.Context, logger zerolog.Logger) error {
	if m.config.Addr == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	ln, err := net.Listen("tcp", m.config.Addr)
	if err != nil {
		return engine.NewConfigurationError("failed to listen for metrics", err).
			WithResource(m.config.Addr)
	}

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server stopped")
		}
	}()

	logger.Info().Str("addr", ln.Addr().String()).Str("path", path).Msg("Serving metrics")
	return nil
}

func status(err error) string {
	if err != nil {
		return "failed"
	}
	return "succeeded"
}

func errorClass(err error) string {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return string(ee.Class)
	}
	return "unknown"
}
