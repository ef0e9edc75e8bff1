package governor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/leasehold/pkg/api"
	"github.com/openfroyo/leasehold/pkg/audit"
	"github.com/openfroyo/leasehold/pkg/bounds"
	"github.com/openfroyo/leasehold/pkg/cartridge"
	"github.com/openfroyo/leasehold/pkg/ceremony"
	"github.com/openfroyo/leasehold/pkg/config"
	"github.com/openfroyo/leasehold/pkg/engine"
	"github.com/openfroyo/leasehold/pkg/halt"
	"github.com/openfroyo/leasehold/pkg/insertion"
	"github.com/openfroyo/leasehold/pkg/lease"
	"github.com/openfroyo/leasehold/pkg/policy"
	"github.com/openfroyo/leasehold/pkg/stores"
	"github.com/openfroyo/leasehold/pkg/telemetry"
)

// Governor owns every governance component of one leasehold data directory.
type Governor struct {
	Config *config.Config

	Store      *stores.SQLiteStore
	Schemas    *config.SchemaRegistry
	Metrics    *telemetry.Metrics
	Tracer     *telemetry.Tracer
	Events     *telemetry.EventPublisher
	Emitter    *audit.Emitter
	Halts      *halt.Gateway
	Leases     *lease.Manager
	Enforcer   *bounds.Enforcer
	Policies   *policy.Engine
	Validator  *cartridge.Validator
	Insertions *insertion.Orchestrator
	Ceremonies *ceremony.Workflow

	logger zerolog.Logger
}

type options struct {
	clock      engine.Clock
	calibrator engine.Calibrator
	regime     engine.RegimeSource
	serviceVer string
}

// Option configures a Governor.
type Option func(*options)

// WithClock sets the clock of every component.
func WithClock(c engine.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithCalibrator replaces the configured shadow runner.
func WithCalibrator(c engine.Calibrator) Option {
	return func(o *options) { o.calibrator = c }
}

// WithRegimeSource replaces the configured current regime.
func WithRegimeSource(r engine.RegimeSource) Option {
	return func(o *options) { o.regime = r }
}

// WithVersion sets the service version reported by telemetry.
func WithVersion(v string) Option {
	return func(o *options) { o.serviceVer = v }
}

// TelemetryConfig maps the file configuration onto the telemetry settings.
func TelemetryConfig(cfg *config.Config, version string) *telemetry.Config {
	t := telemetry.DefaultConfig()
	if version != "" {
		t.ServiceVersion = version
	}
	t.Logging.Level = cfg.Telemetry.LogLevel
	t.Logging.Format = cfg.Telemetry.LogFormat
	t.Metrics.Enabled = cfg.Telemetry.MetricsEnabled
	if cfg.Telemetry.MetricsAddress != "" {
		t.Metrics.ListenAddress = cfg.Telemetry.MetricsAddress
	}
	t.Tracing.Enabled = cfg.Telemetry.TracingEnabled
	if cfg.Telemetry.TraceExporter != "" {
		t.Tracing.Exporter = cfg.Telemetry.TraceExporter
	}
	t.Tracing.Endpoint = cfg.Telemetry.TraceEndpoint
	t.Tracing.SamplingRate = cfg.Telemetry.SamplingRate
	return t
}

// New opens the store and wires the components together.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Governor, error) {
	o := &options{clock: engine.SystemClock{}}
	for _, opt := range opts {
		opt(o)
	}

	if cfg.Database.Path != stores.MemoryPath {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Database.Path})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	g := &Governor{Config: cfg, Store: store, logger: logger}
	if err := g.wire(ctx, o); err != nil {
		_ = g.Close(ctx)
		return nil, err
	}
	return g, nil
}

func (g *Governor) wire(ctx context.Context, o *options) error {
	cfg := g.Config
	tcfg := TelemetryConfig(cfg, o.serviceVer)
	if err := tcfg.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}

	var err error
	if g.Metrics, err = telemetry.NewMetrics(tcfg.Metrics); err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}
	if g.Tracer, err = telemetry.NewTracer(tcfg.Tracing, tcfg.ServiceName, tcfg.ServiceVersion, tcfg.Environment); err != nil {
		return fmt.Errorf("failed to create tracer: %w", err)
	}
	if g.Events, err = telemetry.NewEventPublisher(tcfg.Events); err != nil {
		return fmt.Errorf("failed to create event publisher: %w", err)
	}

	g.Schemas = config.NewSchemaRegistry()
	g.Emitter = audit.NewEmitter(g.Store, g.logger,
		audit.WithClock(o.clock), audit.WithMetrics(g.Metrics), audit.WithPublisher(g.Events))

	g.Halts = halt.NewGateway(g.Store, g.Emitter, g.logger, halt.WithClock(o.clock), halt.WithMetrics(g.Metrics))
	if err := g.Halts.Load(ctx); err != nil {
		return fmt.Errorf("failed to load halt assertions: %w", err)
	}

	g.Leases = lease.NewManager(g.Store, g.Emitter, lease.Config{
		MaxDuration:      cfg.Governance.MaxLeaseDuration,
		CeremonyInterval: cfg.Governance.CeremonyInterval,
	}, g.logger,
		lease.WithClock(o.clock),
		lease.WithMetrics(g.Metrics),
		lease.WithTracer(g.Tracer),
		lease.WithHaltChecker(g.Halts))

	g.Enforcer = bounds.NewEnforcer(g.Leases, g.Emitter, g.logger,
		bounds.WithClock(o.clock),
		bounds.WithMetrics(g.Metrics),
		bounds.WithLeaseSource(g.Leases),
		bounds.WithLatencyBudget(cfg.Governance.HaltLatencyBudget))
	g.Leases.OnTransition(g.Enforcer.HandleTransition)
	if err := g.Enforcer.Sync(ctx, g.Leases.List); err != nil {
		return err
	}

	g.Halts.OnAssert(func(ctx context.Context, a *engine.HaltAssertion) {
		if err := g.Leases.HandleHalt(ctx, a); err != nil {
			g.logger.Error().Err(err).Str("halt_id", a.ID).Msg("Failed to apply halt to leases")
		}
	})
	// Assertions persisted before a restart still bind leases that were
	// ACTIVE when the process stopped.
	for _, a := range g.Halts.Active() {
		if err := g.Leases.HandleHalt(ctx, a); err != nil {
			return fmt.Errorf("failed to apply halt %s: %w", a.ID, err)
		}
	}

	if g.Policies, err = policy.NewEngine(g.logger); err != nil {
		return fmt.Errorf("failed to create guard-dog engine: %w", err)
	}
	if len(cfg.Policies.Paths) > 0 {
		if err := g.Policies.LoadPolicies(ctx, cfg.Policies.Paths); err != nil {
			return err
		}
	}
	if err := g.disablePolicies(); err != nil {
		return err
	}

	g.Validator = cartridge.NewValidator(g.Schemas, cfg.Governance.MinimumInvariants, cartridge.WithClock(o.clock))

	calibrator, regime := o.calibrator, o.regime
	if cfg.Calibration.ShadowReport != "" {
		fc := insertion.NewFileCalibrator(cfg.Calibration.ShadowReport, g.Schemas)
		if calibrator == nil {
			calibrator = fc
		}
		if regime == nil && cfg.Calibration.Regime == "" {
			regime = fc
		}
	}
	if regime == nil && cfg.Calibration.Regime != "" {
		regime = insertion.StaticRegime(cfg.Calibration.Regime)
	}

	insertOpts := []insertion.Option{
		insertion.WithClock(o.clock),
		insertion.WithMetrics(g.Metrics),
		insertion.WithTracer(g.Tracer),
	}
	if calibrator != nil {
		insertOpts = append(insertOpts, insertion.WithCalibrator(calibrator))
	}
	if regime != nil {
		insertOpts = append(insertOpts, insertion.WithRegimeSource(regime))
	}
	g.Insertions = insertion.NewOrchestrator(g.Validator, g.Store, g.Policies, g.Leases, g.Emitter, insertion.Config{
		EngineVersion:     cfg.Governance.EngineVersion,
		DriftThresholdPct: cfg.Governance.DriftThresholdPct,
	}, g.logger, insertOpts...)

	g.Ceremonies = ceremony.NewWorkflow(g.Store, g.Leases, g.Store, g.Emitter, cfg.Governance.Checklist, g.logger,
		ceremony.WithClock(o.clock),
		ceremony.WithMetrics(g.Metrics),
		ceremony.WithTracer(g.Tracer))

	return nil
}

// Serve runs the long-lived parts until ctx is done: the expiry watcher,
// guard-dog policy reload, the metrics endpoint and the HTTP API.
func (g *Governor) Serve(ctx context.Context) error {
	cfg := g.Config

	if cfg.Policies.Watch && len(cfg.Policies.Paths) > 0 {
		loader := policy.NewLoader(g.logger)
		if err := loader.Watch(ctx, cfg.Policies.Paths, g.reloadPolicies); err != nil {
			return fmt.Errorf("failed to watch policies: %w", err)
		}
	}

	if err := g.Metrics.StartMetricsServer(ctx); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	g.Events.Subscribe(func(e telemetry.Event) {
		g.logger.Warn().
			Str("type", e.Type).
			Str("lease_id", e.LeaseID).
			Int64("seq", e.Seq).
			Msg(e.Message)
	}, telemetry.FilterBySeverity(telemetry.SeverityError))

	server := api.NewServer(api.Deps{
		Halts:   g.Halts,
		Signals: g.Enforcer,
		Leases:  g.Leases,
		Beads:   g.Emitter,
		Health:  g.Store,
	}, g.logger)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		g.Leases.RunExpiryWatcher(ctx, cfg.Governance.ExpiryCheckInterval)
		return nil
	})
	eg.Go(func() error {
		g.runStateSync(ctx, cfg.Governance.StateSyncInterval)
		return nil
	})
	eg.Go(func() error {
		return server.ListenAndServe(ctx, cfg.API.ListenAddress)
	})
	return eg.Wait()
}

// runStateSync picks up halts and lease transitions committed by other
// processes on the same database, such as CLI ceremonies and halts.
func (g *Governor) runStateSync(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := g.SyncState(ctx); err != nil && ctx.Err() == nil {
			g.logger.Error().Err(err).Msg("State sync failed")
		}
	}
}

// SyncState refreshes the halt snapshot, then re-arms the bounds enforcer
// from the stored lease states.
func (g *Governor) SyncState(ctx context.Context) error {
	if _, err := g.Halts.Refresh(ctx); err != nil {
		return err
	}
	return g.Enforcer.Sync(ctx, g.Leases.List)
}

func (g *Governor) disablePolicies() error {
	for _, name := range g.Config.Policies.Disabled {
		if err := g.Policies.DisablePolicy(name); err != nil {
			return fmt.Errorf("failed to disable guard-dog policy: %w", err)
		}
	}
	return nil
}

// reloadPolicies swaps in a reloaded external set and re-applies the
// configured disables, which the fresh policies do not carry.
func (g *Governor) reloadPolicies(ctx context.Context, policies []policy.Policy) error {
	if err := g.Policies.ReplaceExternal(ctx, policies); err != nil {
		return err
	}
	for _, name := range g.Config.Policies.Disabled {
		if err := g.Policies.DisablePolicy(name); err != nil {
			g.logger.Warn().Err(err).Str("policy", name).Msg("Disabled policy no longer loaded")
		}
	}
	return nil
}

// Close flushes telemetry and closes the store.
func (g *Governor) Close(ctx context.Context) error {
	var errs []error
	if g.Events != nil {
		errs = append(errs, g.Events.Shutdown(ctx))
	}
	if g.Tracer != nil {
		errs = append(errs, g.Tracer.Shutdown(ctx))
	}
	if g.Store != nil {
		errs = append(errs, g.Store.Close())
	}
	return errors.Join(errs...)
}
