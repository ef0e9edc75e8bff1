package bounds

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/openfroyo/leasehold/pkg/audit"
	"github.com/openfroyo/leasehold/pkg/engine"
	"github.com/openfroyo/leasehold/pkg/halt"
	"github.com/openfroyo/leasehold/pkg/lease"
	"github.com/openfroyo/leasehold/pkg/telemetry"
)

// DefaultLatencyBudget is the target from breach detection to a durable HALTED state.
const DefaultLatencyBudget = 50 * time.Millisecond

// Halter forces a lease to HALTED.
type Halter interface {
	Halt(ctx context.Context, id, reason, source string) (*engine.Lease, error)
}

// LeaseSource looks up a lease that is not armed yet.
type LeaseSource interface {
	Get(ctx context.Context, id string) (*engine.Lease, error)
}

// Decision is the outcome of evaluating one signal.
type Decision struct {
	LeaseID  string          `json:"lease_id"`
	Breaches []engine.Breach `json:"breaches,omitempty"`
	// Halted is set when this evaluation committed the halt.
	Halted bool `json:"halted"`
	// AlreadyHalted is set when the lease was halted before this signal.
	AlreadyHalted bool          `json:"already_halted"`
	Latency       time.Duration `json:"latency,omitempty"`
}

// tracker holds one armed lease. Limits are swapped atomically; counters
// are guarded by mu.
type tracker struct {
	leaseID   string
	cartridge string
	seq       uint64
	limits    atomic.Pointer[Limits]
	halted    atomic.Bool

	mu                sync.Mutex
	consecutiveLosses int
	drawdownPct       float64
	day               string
	dailyActions      int
}

// observe folds sig into the counters and returns the observation to check.
func (t *tracker) observe(sig *engine.Signal) Observation {
	t.mu.Lock()
	defer t.mu.Unlock()

	o := Observation{}
	switch sig.Kind {
	case engine.SignalOutcome:
		if sig.Outcome == engine.OutcomeLoss {
			t.consecutiveLosses++
		} else {
			t.consecutiveLosses = 0
		}
	case engine.SignalDrawdown:
		t.drawdownPct = sig.DrawdownPct
	case engine.SignalAction:
		day := sig.At.UTC().Format(time.DateOnly)
		if day != t.day {
			t.day, t.dailyActions = day, 0
		}
		t.dailyActions++
		o.Action = true
		o.Instrument = sig.Instrument
		o.Window = sig.Window
		o.Size = sig.Size
	}

	o.ConsecutiveLosses = t.consecutiveLosses
	o.DrawdownPct = t.drawdownPct
	o.DailyActions = t.dailyActions
	return o
}

// Enforcer evaluates operational signals against armed leases and halts a
// lease on the first breach of any bound.
type Enforcer struct {
	trackers sync.Map // lease id -> *tracker
	armed    atomic.Uint64

	halter   Halter
	leases   LeaseSource
	emitter  *audit.Emitter
	validate *validator.Validate
	budget   time.Duration

	clock   engine.Clock
	metrics *telemetry.Metrics
	logger  zerolog.Logger
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithClock sets the clock used for signal timestamps and latency.
func WithClock(c engine.Clock) Option {
	return func(e *Enforcer) { e.clock = c }
}

// WithMetrics records signals, breaches and halt latency.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Enforcer) { e.metrics = m }
}

// WithLeaseSource arms leases on their first signal when they were activated
// by another process.
func WithLeaseSource(src LeaseSource) Option {
	return func(e *Enforcer) { e.leases = src }
}

// WithLatencyBudget sets the halt latency budget; overruns are logged.
func WithLatencyBudget(d time.Duration) Option {
	return func(e *Enforcer) {
		if d > 0 {
			e.budget = d
		}
	}
}

// NewEnforcer creates a bounds enforcer.
func NewEnforcer(halter Halter, emitter *audit.Emitter, logger zerolog.Logger, opts ...Option) *Enforcer {
	e := &Enforcer{
		halter:   halter,
		emitter:  emitter,
		validate: validator.New(),
		budget:   DefaultLatencyBudget,
		clock:    engine.SystemClock{},
		logger:   logger.With().Str("component", "bounds-enforcer").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Arm starts enforcing l's bounds. Re-arming the same lease replaces its
// limits and keeps its counters.
func (e *Enforcer) Arm(l *engine.Lease) {
	t := &tracker{leaseID: l.ID, cartridge: l.CartridgeRef(), seq: e.armed.Add(1)}
	actual, _ := e.trackers.LoadOrStore(l.ID, t)
	actual.(*tracker).limits.Store(NewLimits(l.Bounds))
	e.logger.Debug().Str("lease_id", l.ID).Msg("Bounds armed")
}

// Disarm stops enforcing a lease.
func (e *Enforcer) Disarm(leaseID string) {
	if _, ok := e.trackers.LoadAndDelete(leaseID); ok {
		e.logger.Debug().Str("lease_id", leaseID).Msg("Bounds disarmed")
	}
}

// Armed reports whether a lease is being enforced.
func (e *Enforcer) Armed(leaseID string) bool {
	_, ok := e.trackers.Load(leaseID)
	return ok
}

// Sync brings the armed set in line with stored lease states. Trackers of
// leases that are neither ACTIVE nor HALTED are dropped.
func (e *Enforcer) Sync(ctx context.Context, list func(context.Context, engine.LeaseFilter) ([]*engine.Lease, error)) error {
	// Trackers armed after this point may postdate the listing.
	mark := e.armed.Load()
	leases, err := list(ctx, engine.LeaseFilter{States: []engine.LeaseState{engine.LeaseStateActive, engine.LeaseStateHalted}})
	if err != nil {
		return fmt.Errorf("failed to list active leases: %w", err)
	}

	live := make(map[string]bool, len(leases))
	for _, l := range leases {
		live[l.ID] = true
		e.track(l)
	}
	e.trackers.Range(func(key, v any) bool {
		if !live[key.(string)] && v.(*tracker).seq <= mark {
			e.Disarm(key.(string))
		}
		return true
	})
	return nil
}

// track arms an ACTIVE lease or marks a HALTED one, returning its tracker.
func (e *Enforcer) track(l *engine.Lease) *tracker {
	switch l.State {
	case engine.LeaseStateActive:
		e.Arm(l)
	case engine.LeaseStateHalted:
		v, _ := e.trackers.LoadOrStore(l.ID, &tracker{leaseID: l.ID, cartridge: l.CartridgeRef(), seq: e.armed.Add(1)})
		t := v.(*tracker)
		if t.limits.Load() == nil {
			t.limits.Store(NewLimits(l.Bounds))
		}
		t.halted.Store(true)
	default:
		return nil
	}
	v, _ := e.trackers.Load(l.ID)
	t, _ := v.(*tracker)
	return t
}

// lookup returns the tracker for leaseID, adopting a lease armed elsewhere.
func (e *Enforcer) lookup(ctx context.Context, leaseID string) (*tracker, error) {
	if v, ok := e.trackers.Load(leaseID); ok {
		return v.(*tracker), nil
	}
	notActive := engine.NewNotFound(fmt.Sprintf("lease %s is not active", leaseID), engine.ErrLeaseNotFound)
	if e.leases == nil {
		return nil, notActive
	}

	l, err := e.leases.Get(ctx, leaseID)
	if engine.IsNotFound(err) {
		return nil, notActive
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up lease %s: %w", leaseID, err)
	}
	t := e.track(l)
	if t == nil {
		return nil, notActive
	}
	e.logger.Info().Str("lease_id", leaseID).Str("state", string(l.State)).Msg("Lease adopted from store")
	return t, nil
}

// HandleTransition keeps the armed set in step with lease states.
func (e *Enforcer) HandleTransition(_ context.Context, _, next *engine.Lease) {
	switch next.State {
	case engine.LeaseStateActive:
		e.Arm(next)
	case engine.LeaseStateHalted:
		// Kept so later signals are absorbed as already halted.
		if v, ok := e.trackers.Load(next.ID); ok {
			v.(*tracker).halted.Store(true)
		}
	default:
		e.Disarm(next.ID)
	}
}

// Evaluate folds one signal into the lease's running state. The first breach
// halts the lease; signals for an already-halted lease change nothing.
func (e *Enforcer) Evaluate(ctx context.Context, sig *engine.Signal) (*Decision, error) {
	if err := e.validate.Struct(sig); err != nil {
		return nil, engine.NewSchemaInvalid("signal rejected", err.Error())
	}
	if sig.At.IsZero() {
		sig.At = e.clock.Now()
	}
	e.metrics.RecordSignal(string(sig.Kind))

	t, err := e.lookup(ctx, sig.LeaseID)
	if err != nil {
		return nil, err
	}

	decision := &Decision{LeaseID: sig.LeaseID}
	if t.halted.Load() {
		decision.AlreadyHalted = true
		return decision, nil
	}

	if sig.Kind == engine.SignalDecay {
		e.logger.Info().Str("lease_id", sig.LeaseID).Float64("drift_pct", sig.DriftPct).Msg("Decay signal recorded")
		return decision, nil
	}

	detected := e.clock.Now()
	decision.Breaches = Check(t.limits.Load(), t.observe(sig))
	if len(decision.Breaches) == 0 {
		return decision, nil
	}

	// Only the evaluation that flips the flag fires the halt.
	if !t.halted.CompareAndSwap(false, true) {
		decision.AlreadyHalted = true
		return decision, nil
	}

	reasons := make([]string, len(decision.Breaches))
	for i, b := range decision.Breaches {
		reasons[i] = b.String()
		e.metrics.RecordBreach(b.Bound)
	}
	reason := "bounds breached: " + strings.Join(reasons, "; ")

	_, err = e.halter.Halt(ctx, sig.LeaseID, reason, halt.SourceBounds)
	decision.Latency = e.clock.Now().Sub(detected)
	if err != nil && !errors.Is(err, lease.ErrNotRecorded) {
		if engine.IsInvalidTransition(err) || engine.IsNotFound(err) {
			e.Disarm(sig.LeaseID)
		} else {
			t.halted.Store(false)
		}
		return decision, fmt.Errorf("failed to halt lease %s: %w", sig.LeaseID, err)
	}
	decision.Halted = true

	e.metrics.RecordHalt(halt.SourceBounds)
	e.metrics.ObserveHaltLatency(decision.Latency)
	if decision.Latency > e.budget {
		e.logger.Warn().
			Str("lease_id", sig.LeaseID).
			Dur("latency", decision.Latency).
			Dur("budget", e.budget).
			Msg("Halt exceeded latency budget")
	}

	e.logger.Warn().
		Str("lease_id", sig.LeaseID).
		Strs("breaches", reasons).
		Dur("latency", decision.Latency).
		Msg("Lease halted on bounds breach")

	if _, err := e.emitter.Emit(ctx, audit.Record{
		Type:      engine.BeadBreach,
		LeaseID:   sig.LeaseID,
		Cartridge: t.cartridge,
		Actor:     "bounds-enforcer",
		Payload: map[string]any{
			audit.PayloadBreaches: reasons,
			"signal":              string(sig.Kind),
			"latency_ms":          decision.Latency.Milliseconds(),
		},
	}); err != nil {
		return decision, fmt.Errorf("lease halted but breach not recorded: %w", err)
	}

	return decision, nil
}
