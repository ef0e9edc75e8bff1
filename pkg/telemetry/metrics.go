package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for the governance engine.
type Metrics struct {
	config MetricsConfig

	// Lease metrics
	leaseTransitions *prometheus.CounterVec
	activeLeases     prometheus.Gauge
	staleWrites      *prometheus.CounterVec

	// Halt and bounds metrics
	halts        *prometheus.CounterVec
	breaches     *prometheus.CounterVec
	haltLatency  prometheus.Histogram
	haltsActive  prometheus.Gauge
	signalsTotal *prometheus.CounterVec

	// Insertion metrics
	insertions        *prometheus.CounterVec
	insertionDuration *prometheus.HistogramVec
	calibrationDrift  *prometheus.GaugeVec

	// Ceremony and audit metrics
	ceremonyDecisions *prometheus.CounterVec
	beadsEmitted      *prometheus.CounterVec
	rejections        *prometheus.CounterVec

	registry *prometheus.Registry
}

// haltLatencyBuckets are sized around the 50ms halt commit budget.
var haltLatencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25,
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

		leaseTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lease_transitions_total",
				Help:      "Total number of committed lease state transitions",
			},
			[]string{"from", "to"},
		),
		activeLeases: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_leases",
				Help:      "Current number of ACTIVE leases",
			},
		),
		staleWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stale_writes_total",
				Help:      "Total number of transitions rejected on a state lock hash mismatch",
			},
			[]string{"operation"},
		),

		halts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "halts_total",
				Help:      "Total number of leases forced to HALTED",
			},
			[]string{"source"},
		),
		breaches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bound_breaches_total",
				Help:      "Total number of bound breaches detected",
			},
			[]string{"bound"},
		),
		haltLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "halt_commit_latency_seconds",
				Help:      "Time from breach detection to durable HALTED state",
				Buckets:   haltLatencyBuckets,
			},
		),
		haltsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "halt_assertions_active",
				Help:      "Current number of unreleased halt assertions",
			},
		),
		signalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "signals_total",
				Help:      "Total number of operational signals evaluated",
			},
			[]string{"kind"},
		),

		insertions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "insertions_total",
				Help:      "Total number of insertion attempts by final stage and outcome",
			},
			[]string{"stage", "outcome"},
		),
		insertionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "insertion_duration_seconds",
				Help:      "Duration of the insertion pipeline in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),
		calibrationDrift: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "calibration_drift_percent",
				Help:      "Drift of the latest shadow calibration per cartridge",
			},
			[]string{"cartridge", "status"},
		),

		ceremonyDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ceremony_decisions_total",
				Help:      "Total number of ceremony decisions",
			},
			[]string{"decision"},
		),
		beadsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "beads_emitted_total",
				Help:      "Total number of audit beads appended",
			},
			[]string{"type"},
		),
		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rejections_total",
				Help:      "Total number of governance rejections by kind",
			},
			[]string{"kind"},
		),
	}

	registry.MustRegister(
		m.leaseTransitions,
		m.activeLeases,
		m.staleWrites,
		m.halts,
		m.breaches,
		m.haltLatency,
		m.haltsActive,
		m.signalsTotal,
		m.insertions,
		m.insertionDuration,
		m.calibrationDrift,
		m.ceremonyDecisions,
		m.beadsEmitted,
		m.rejections,
	)

	return m, nil
}

// Lease Metrics

// RecordLeaseTransition counts a committed transition.
func (m *Metrics) RecordLeaseTransition(from, to string) {
	if m == nil || m.leaseTransitions == nil {
		return
	}
	m.leaseTransitions.WithLabelValues(from, to).Inc()
}

// SetActiveLeases sets the current number of ACTIVE leases.
func (m *Metrics) SetActiveLeases(count float64) {
	if m == nil || m.activeLeases == nil {
		return
	}
	m.activeLeases.Set(count)
}

// RecordStaleWrite counts a rejected compare-and-swap.
func (m *Metrics) RecordStaleWrite(operation string) {
	if m == nil || m.staleWrites == nil {
		return
	}
	m.staleWrites.WithLabelValues(operation).Inc()
}

// Halt Metrics

// RecordHalt counts a lease forced to HALTED by source (bounds, gateway, commit_gate).
func (m *Metrics) RecordHalt(source string) {
	if m == nil || m.halts == nil {
		return
	}
	m.halts.WithLabelValues(source).Inc()
}

// RecordBreach counts a detected breach of one bound.
func (m *Metrics) RecordBreach(bound string) {
	if m == nil || m.breaches == nil {
		return
	}
	m.breaches.WithLabelValues(bound).Inc()
}

// ObserveHaltLatency records breach-to-durable-halt latency.
func (m *Metrics) ObserveHaltLatency(d time.Duration) {
	if m == nil || m.haltLatency == nil {
		return
	}
	m.haltLatency.Observe(d.Seconds())
}

// SetActiveHalts sets the number of unreleased halt assertions.
func (m *Metrics) SetActiveHalts(count float64) {
	if m == nil || m.haltsActive == nil {
		return
	}
	m.haltsActive.Set(count)
}

// RecordSignal counts an evaluated operational signal.
func (m *Metrics) RecordSignal(kind string) {
	if m == nil || m.signalsTotal == nil {
		return
	}
	m.signalsTotal.WithLabelValues(kind).Inc()
}

// Insertion Metrics

// RecordInsertion records an insertion attempt. stage is the last stage
// reached; outcome is accepted or rejected.
func (m *Metrics) RecordInsertion(stage, outcome string, duration time.Duration) {
	if m == nil || m.insertions == nil {
		return
	}
	m.insertions.WithLabelValues(stage, outcome).Inc()
	m.insertionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// SetCalibrationDrift records the latest calibration drift of a cartridge.
func (m *Metrics) SetCalibrationDrift(cartridge, status string, driftPct float64) {
	if m == nil || m.calibrationDrift == nil {
		return
	}
	m.calibrationDrift.DeletePartialMatch(prometheus.Labels{"cartridge": cartridge})
	m.calibrationDrift.WithLabelValues(cartridge, status).Set(driftPct)
}

// Ceremony and Audit Metrics

// RecordCeremonyDecision counts a ceremony decision.
func (m *Metrics) RecordCeremonyDecision(decision string) {
	if m == nil || m.ceremonyDecisions == nil {
		return
	}
	m.ceremonyDecisions.WithLabelValues(decision).Inc()
}

// RecordBead counts an appended bead.
func (m *Metrics) RecordBead(beadType string) {
	if m == nil || m.beadsEmitted == nil {
		return
	}
	m.beadsEmitted.WithLabelValues(beadType).Inc()
}

// RecordRejection counts a classified rejection.
func (m *Metrics) RecordRejection(kind string) {
	if m == nil || m.rejections == nil || kind == "" {
		return
	}
	m.rejections.WithLabelValues(kind).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing metrics until ctx is done.
func (m *Metrics) StartMetricsServer(ctx context.Context) error {
	if m == nil || !m.config.Enabled {
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
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// Log error but don't fail the application
			log.Error().Err(err).Str("address", m.config.ListenAddress).Msg("Metrics server error")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return nil
}
