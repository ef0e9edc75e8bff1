// Package telemetry provides observability for the governor: the zerolog
// process logger, OpenTelemetry spans, Prometheus metrics, and an in-process
// publisher that fans committed audit beads out to subscribers.
//
// # Logging
//
//	logger, err := telemetry.NewLogger(cfg.Logging)
//	leases := logger.With().Str("component", "lease-manager").Logger()
//	l := telemetry.ForLease(leases, id, ref)
//	l.Info().Msg("Lease activated")
//
// # Tracing
//
// Each insertion runs under one span with an event per stage:
//
//	ctx, span := tracer.StartInsertionSpan(ctx, "ASIA_SCALP@1.0.0")
//	defer span.End()
//	telemetry.AddStageEvent(span, 5, "drawer_merge", "passed")
//
// Ceremony steps and lease transitions have their own spans. Supported
// exporters: otlp (gRPC), stdout, none.
//
// # Metrics
//
// Recorders are no-ops when metrics are disabled or the collector is nil.
//
//   - leasehold_lease_transitions_total{from,to}
//   - leasehold_halts_total{source}
//   - leasehold_bound_breaches_total{bound}
//   - leasehold_halt_commit_latency_seconds
//   - leasehold_insertions_total{stage,outcome}
//   - leasehold_calibration_drift_percent{cartridge,status}
//   - leasehold_active_leases
//   - leasehold_stale_writes_total{operation}
//
// # Events
//
//	events.Subscribe(func(e telemetry.Event) {
//	    // forward to analytics
//	}, telemetry.FilterByBeadType(engine.BeadHalt, engine.BeadBreach))
//
// Subscribers see events in publish order, from one goroutine in async mode
// and inline otherwise.
package telemetry
