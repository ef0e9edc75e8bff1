package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/leasehold/pkg/audit"
	"github.com/openfroyo/leasehold/pkg/engine"
	"github.com/openfroyo/leasehold/pkg/telemetry"
)

// Actor names for automatic transitions.
const (
	ActorExpiryWatcher = "expiry-watcher"
	ActorHaltGate      = "halt-gate"
)

// ErrNotRecorded is returned with the committed lease when the transition was
// written but its bead could not be appended.
var ErrNotRecorded = errors.New("transition committed but not recorded")

// maxHaltAttempts bounds re-reads when an automatic halt races another writer.
const maxHaltAttempts = 3

// Store is the persistence the manager needs.
type Store interface {
	engine.LeaseStore
	GetManifest(ctx context.Context, ref string) (*engine.CartridgeManifest, *engine.RegistryEntry, error)
	LatestCalibration(ctx context.Context, ref string) (*engine.CalibrationResult, error)
	SetActivePointer(ctx context.Context, ref, leaseID string) error
	GetBead(ctx context.Context, id string) (*engine.Bead, error)
}

// HaltChecker reports whether a halt is in effect for a lease.
type HaltChecker interface {
	Halted(leaseID string) (*engine.HaltAssertion, bool)
}

type noHalts struct{}

func (noHalts) Halted(string) (*engine.HaltAssertion, bool) { return nil, false }

// TransitionListener is notified after every committed transition.
type TransitionListener func(ctx context.Context, prev, next *engine.Lease)

// Config holds the manager's governance limits.
type Config struct {
	MaxDuration      time.Duration
	CeremonyInterval time.Duration
}

// Manager owns the lease lifecycle. Every mutation is a compare-and-swap on
// the state lock hash, and the halt gate is checked immediately before each
// write commits.
type Manager struct {
	store   Store
	emitter *audit.Emitter
	halts   HaltChecker
	cfg     Config

	clock   engine.Clock
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	logger  zerolog.Logger

	mu        sync.RWMutex
	listeners []TransitionListener
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock.
func WithClock(c engine.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithMetrics records transition metrics.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithTracer traces each transition.
func WithTracer(t *telemetry.Tracer) Option {
	return func(m *Manager) { m.tracer = t }
}

// WithHaltChecker installs the halt gate.
func WithHaltChecker(h HaltChecker) Option {
	return func(m *Manager) { m.halts = h }
}

// NewManager creates a lease manager.
func NewManager(store Store, emitter *audit.Emitter, cfg Config, logger zerolog.Logger, opts ...Option) *Manager {
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 30 * 24 * time.Hour
	}
	if cfg.CeremonyInterval <= 0 {
		cfg.CeremonyInterval = 7 * 24 * time.Hour
	}

	m := &Manager{
		store:   store,
		emitter: emitter,
		halts:   noHalts{},
		cfg:     cfg,
		clock:   engine.SystemClock{},
		logger:  logger.With().Str("component", "lease-manager").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnTransition registers a listener run after every committed transition.
func (m *Manager) OnTransition(l TransitionListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) now() time.Time {
	return m.clock.Now().UTC()
}

// Get returns a lease.
func (m *Manager) Get(ctx context.Context, id string) (*engine.Lease, error) {
	l, err := m.store.GetLease(ctx, id)
	if err != nil {
		if errors.Is(err, engine.ErrLeaseNotFound) {
			return nil, engine.NewNotFound(fmt.Sprintf("lease %s not found", id), err)
		}
		return nil, err
	}
	return l, nil
}

// List returns leases matching filter.
func (m *Manager) List(ctx context.Context, filter engine.LeaseFilter) ([]*engine.Lease, error) {
	return m.store.ListLeases(ctx, filter)
}

// Draft creates a DRAFT lease. A DRAFT authorizes nothing.
func (m *Manager) Draft(ctx context.Context, req *DraftRequest, actor string) (*engine.Lease, error) {
	ref := engine.FormatRef(req.CartridgeName, req.CartridgeVersion)

	if violations := req.validate(m.cfg.MaxDuration); len(violations) > 0 {
		return nil, engine.NewSchemaInvalid("lease request rejected", violations...).WithCartridge(ref)
	}

	manifest, entry, err := m.store.GetManifest(ctx, ref)
	if err != nil {
		if errors.Is(err, engine.ErrCartridgeNotFound) {
			return nil, engine.NewNotFound(fmt.Sprintf("cartridge %s not found", ref), err)
		}
		return nil, err
	}
	if entry.Status != engine.RegistryStatusInserted {
		return nil, engine.NewNotFound(fmt.Sprintf("cartridge %s is %s, not in the active registry", ref, entry.Status), engine.ErrCartridgeNotFound)
	}

	if violations := CheckBounds(manifest, req.Bounds); len(violations) > 0 {
		return nil, engine.NewBoundsViolation("lease bounds are looser than the cartridge floor", violations...).WithCartridge(ref)
	}

	halted, err := m.store.ListLeases(ctx, engine.LeaseFilter{
		States:        []engine.LeaseState{engine.LeaseStateHalted},
		CartridgeName: req.CartridgeName,
	})
	if err != nil {
		return nil, err
	}
	if len(halted) > 0 {
		gerr := engine.NewInvalidTransition(halted[0].ID, engine.LeaseStateHalted, engine.LeaseStateDraft)
		gerr.Violations = append(gerr.Violations,
			fmt.Sprintf("lease %s for %s is HALTED and must be revoked before a new lease is drafted", halted[0].ID, req.CartridgeName))
		return nil, gerr.WithCartridge(ref)
	}

	now := m.now()
	l := &engine.Lease{
		ID:                      uuid.New().String(),
		CartridgeName:           req.CartridgeName,
		CartridgeVersion:        req.CartridgeVersion,
		CartridgeHash:           entry.ContentHash,
		State:                   engine.LeaseStateDraft,
		DurationSeconds:         int64(req.Duration / time.Second),
		RenewalPolicy:           engine.RenewalPerish,
		Bounds:                  req.Bounds,
		Governance:              engine.Governance{Reviewer: req.Reviewer},
		GovernanceBufferSeconds: req.GovernanceBufferSeconds,
		OnExpiry:                req.OnExpiry,
		PredecessorID:           req.PredecessorID,
		CreatedAt:               now,
		StateChangedAt:          now,
	}
	if l.StateLockHash, err = engine.ComputeStateLockHash(l); err != nil {
		return nil, err
	}

	if err := m.store.CreateLease(ctx, l); err != nil {
		return nil, fmt.Errorf("failed to create lease: %w", err)
	}

	m.metrics.RecordLeaseTransition("", string(engine.LeaseStateDraft))
	m.logger.Info().Str("lease_id", l.ID).Str("cartridge", ref).Str("actor", actor).Msg("Lease drafted")

	if _, err := m.emitter.Emit(ctx, audit.Record{
		Type:      engine.BeadLeaseDrafted,
		LeaseID:   l.ID,
		Cartridge: ref,
		Actor:     actor,
		Payload: map[string]any{
			"cartridge_hash":  l.CartridgeHash,
			"duration":        req.Duration.String(),
			"bounds":          l.Bounds,
			"predecessor_id":  l.PredecessorID,
			"state_lock_hash": l.StateLockHash,
		},
	}); err != nil {
		return l, fmt.Errorf("lease drafted but not recorded: %w", err)
	}
	return l, nil
}

// Activate moves a DRAFT lease to ACTIVE. The cartridge must still be
// inserted with the captured content hash, its latest calibration must not be
// BLOCK, and attestationID must name an attestation bead for this lease.
func (m *Manager) Activate(ctx context.Context, id, expectedHash, attestationID, actor string) (*engine.Lease, error) {
	return m.transition(ctx, id, expectedHash, engine.LeaseStateActive, actor, "activated by ceremony",
		func(cur, next *engine.Lease) []string {
			violations := m.activationChecks(ctx, cur, attestationID)
			if len(violations) > 0 {
				return violations
			}

			now := next.StateChangedAt
			expires := now.Add(cur.Duration())
			nextCeremony := now.Add(m.cfg.CeremonyInterval)
			next.StartsAt = &now
			next.ExpiresAt = &expires
			if soft := next.SoftExpiry(); soft.Before(nextCeremony) {
				nextCeremony = soft
			}
			next.Governance.AttestationID = attestationID
			next.Governance.LastCeremonyAt = &now
			next.Governance.NextCeremonyAt = &nextCeremony
			return nil
		})
}

func (m *Manager) activationChecks(ctx context.Context, l *engine.Lease, attestationID string) []string {
	var violations []string
	ref := l.CartridgeRef()

	manifest, entry, err := m.store.GetManifest(ctx, ref)
	switch {
	case err != nil:
		return []string{fmt.Sprintf("cartridge %s is not available: %v", ref, err)}
	case entry.Status != engine.RegistryStatusInserted:
		violations = append(violations, fmt.Sprintf("cartridge %s is %s", ref, entry.Status))
	case entry.ContentHash != l.CartridgeHash:
		violations = append(violations, fmt.Sprintf("cartridge %s hash %s differs from captured %s", ref, entry.ContentHash, l.CartridgeHash))
	}
	violations = append(violations, CheckBounds(manifest, l.Bounds)...)

	cal, err := m.store.LatestCalibration(ctx, ref)
	if err != nil {
		violations = append(violations, fmt.Sprintf("calibration unavailable: %v", err))
	} else if cal != nil && cal.Status == engine.CalibrationBlock {
		violations = append(violations, fmt.Sprintf("cartridge %s calibration is BLOCK (drift %.1f%%)", ref, cal.DriftPct))
	}

	if attestationID == "" {
		violations = append(violations, "an attestation is required")
	} else {
		bead, err := m.store.GetBead(ctx, attestationID)
		switch {
		case err != nil:
			violations = append(violations, fmt.Sprintf("attestation %s not found", attestationID))
		case bead.Type != engine.BeadAttestation || bead.LeaseID != l.ID:
			violations = append(violations, fmt.Sprintf("bead %s is not an attestation for lease %s", attestationID, l.ID))
		}
	}

	return violations
}

// Revoke moves a DRAFT, ACTIVE, or HALTED lease to REVOKED.
func (m *Manager) Revoke(ctx context.Context, id, expectedHash, reason, actor string) (*engine.Lease, error) {
	if reason == "" {
		reason = "revoked"
	}
	return m.transition(ctx, id, expectedHash, engine.LeaseStateRevoked, actor, reason, nil)
}

// Expire moves an ACTIVE lease to EXPIRED.
func (m *Manager) Expire(ctx context.Context, id, expectedHash string) (*engine.Lease, error) {
	return m.transition(ctx, id, expectedHash, engine.LeaseStateExpired, ActorExpiryWatcher, "soft expiry reached", nil)
}

// Halt forces an ACTIVE lease to HALTED. It is idempotent: a lease already
// HALTED is returned unchanged with no write and no bead. Halt is an
// automatic path, so it re-reads and retries when another writer won the race.
func (m *Manager) Halt(ctx context.Context, id, reason, source string) (*engine.Lease, error) {
	var lastErr error
	for attempt := 0; attempt < maxHaltAttempts; attempt++ {
		cur, err := m.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		switch cur.State {
		case engine.LeaseStateHalted:
			return cur, nil
		case engine.LeaseStateActive:
		default:
			return cur, engine.NewInvalidTransition(id, cur.State, engine.LeaseStateHalted)
		}

		next := m.haltedFrom(cur, reason)
		if err := m.commit(ctx, cur, next, source, map[string]any{audit.PayloadSource: source}); err != nil {
			if engine.IsStaleWrite(err) {
				lastErr = err
				continue
			}
			return committed(next, err)
		}
		return next, nil
	}
	return nil, lastErr
}

func (m *Manager) haltedFrom(cur *engine.Lease, reason string) *engine.Lease {
	next := cur.Clone()
	next.State = engine.LeaseStateHalted
	next.StateReason = reason
	next.StateChangedAt = m.now()
	return next
}

// HandleHalt applies a halt assertion: a global assertion halts every ACTIVE
// lease, a scoped one halts its lease.
func (m *Manager) HandleHalt(ctx context.Context, a *engine.HaltAssertion) error {
	var ids []string
	if a.Scope == engine.HaltScopeGlobal {
		active, err := m.store.ListLeases(ctx, engine.LeaseFilter{States: []engine.LeaseState{engine.LeaseStateActive}})
		if err != nil {
			return err
		}
		for _, l := range active {
			ids = append(ids, l.ID)
		}
	} else {
		ids = append(ids, a.LeaseID)
	}

	var errs []error
	for _, id := range ids {
		_, err := m.Halt(ctx, id, "halt asserted: "+a.Reason, a.Source)
		if err != nil && !engine.IsInvalidTransition(err) && !engine.IsNotFound(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RevokeDependents revokes every non-terminal lease on cartridge ref.
func (m *Manager) RevokeDependents(ctx context.Context, ref, reason, actor string) ([]string, error) {
	name, version, err := engine.ParseRef(ref)
	if err != nil {
		return nil, err
	}

	leases, err := m.store.ListLeases(ctx, engine.LeaseFilter{
		States:        []engine.LeaseState{engine.LeaseStateDraft, engine.LeaseStateActive, engine.LeaseStateHalted},
		CartridgeName: name,
	})
	if err != nil {
		return nil, err
	}

	var revoked []string
	for _, l := range leases {
		if l.CartridgeVersion != version {
			continue
		}
		if _, err := m.Revoke(ctx, l.ID, l.StateLockHash, reason, actor); err != nil {
			if engine.IsHalted(err) {
				// The halt gate won; the lease is HALTED now and revocable.
				cur, gerr := m.Get(ctx, l.ID)
				if gerr == nil {
					_, err = m.Revoke(ctx, cur.ID, cur.StateLockHash, reason, actor)
				}
			}
			if err != nil {
				return revoked, fmt.Errorf("failed to revoke lease %s: %w", l.ID, err)
			}
		}
		revoked = append(revoked, l.ID)
	}
	return revoked, nil
}

// transition is the single guarded write path.
func (m *Manager) transition(ctx context.Context, id, expectedHash string, to engine.LeaseState, actor, reason string,
	prepare func(cur, next *engine.Lease) []string) (*engine.Lease, error) {

	cur, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if expectedHash != cur.StateLockHash {
		m.metrics.RecordStaleWrite(string(to))
		return nil, engine.NewStaleWrite(id, expectedHash, cur.StateLockHash)
	}
	if !CanTransition(cur.State, to) {
		return nil, engine.NewInvalidTransition(id, cur.State, to)
	}

	next := cur.Clone()
	next.State = to
	next.StateReason = reason
	next.StateChangedAt = m.now()

	if prepare != nil {
		if violations := prepare(cur, next); len(violations) > 0 {
			gerr := engine.NewInvalidTransition(id, cur.State, to)
			gerr.Violations = append(gerr.Violations, violations...)
			return nil, gerr.WithCartridge(cur.CartridgeRef())
		}
	}

	// Last gate: a halt in effect wins over the requested transition.
	if a, halted := m.halts.Halted(id); halted && to != engine.LeaseStateHalted && cur.State != engine.LeaseStateHalted {
		switch {
		case cur.State == engine.LeaseStateActive:
			forced := m.haltedFrom(cur, "halt asserted: "+a.Reason)
			if err := m.commit(ctx, cur, forced, ActorHaltGate, map[string]any{
				audit.PayloadSource: a.Source,
				"halt_id":           a.ID,
				"preempted":         string(to),
			}); err != nil {
				return committed(forced, err)
			}
			return forced, engine.NewHalted(id, a.Reason)
		case to == engine.LeaseStateActive:
			return nil, engine.NewHalted(id, a.Reason)
		}
	}

	var recordErr error
	if err := m.commit(ctx, cur, next, actor, nil); err != nil {
		if !errors.Is(err, ErrNotRecorded) {
			return nil, err
		}
		recordErr = err
	}

	// A halt asserted while the activation was in flight still wins.
	if to == engine.LeaseStateActive {
		if a, halted := m.halts.Halted(id); halted {
			forced, err := m.Halt(ctx, id, "halt asserted: "+a.Reason, a.Source)
			if err != nil && !errors.Is(err, ErrNotRecorded) {
				return nil, fmt.Errorf("lease %s activated under halt %s and could not be halted: %w", id, a.ID, err)
			}
			return forced, engine.NewHalted(id, a.Reason)
		}
	}
	return next, recordErr
}

// committed returns the lease alongside err when the write itself succeeded.
func committed(l *engine.Lease, err error) (*engine.Lease, error) {
	if errors.Is(err, ErrNotRecorded) {
		return l, err
	}
	return nil, err
}

// commit computes next's hash and writes it if cur's hash is still current.
func (m *Manager) commit(ctx context.Context, cur, next *engine.Lease, actor string, extra map[string]any) error {
	if m.tracer != nil {
		var span trace.Span
		ctx, span = m.tracer.StartTransitionSpan(ctx, next.ID, string(next.State))
		defer span.End()
	}

	hash, err := engine.ComputeStateLockHash(next)
	if err != nil {
		return err
	}
	next.StateLockHash = hash

	if err := m.store.CompareAndSwapLease(ctx, next, cur.StateLockHash); err != nil {
		switch {
		case errors.Is(err, engine.ErrCASMismatch):
			m.metrics.RecordStaleWrite(string(next.State))
			current := ""
			if latest, gerr := m.store.GetLease(ctx, cur.ID); gerr == nil {
				current = latest.StateLockHash
			}
			return engine.NewStaleWrite(cur.ID, cur.StateLockHash, current).WithCause(err)
		case errors.Is(err, engine.ErrActiveLeaseExists):
			gerr := engine.NewInvalidTransition(cur.ID, cur.State, next.State).WithCause(err)
			gerr.Violations = append(gerr.Violations, "another lease is already ACTIVE")
			return gerr
		default:
			return fmt.Errorf("failed to commit transition: %w", err)
		}
	}

	logger := telemetry.ForLease(m.logger, next.ID, next.CartridgeRef())
	m.metrics.RecordLeaseTransition(string(cur.State), string(next.State))
	if next.State == engine.LeaseStateActive {
		m.metrics.SetActiveLeases(1)
		if err := m.store.SetActivePointer(ctx, next.CartridgeRef(), next.ID); err != nil {
			logger.Error().Err(err).Msg("Failed to set active pointer")
		}
	} else if cur.State == engine.LeaseStateActive {
		m.metrics.SetActiveLeases(0)
		if err := m.store.SetActivePointer(ctx, "", ""); err != nil {
			logger.Error().Err(err).Msg("Failed to clear active pointer")
		}
	}

	logger.Info().
		Str("from", string(cur.State)).
		Str("to", string(next.State)).
		Str("actor", actor).
		Str("reason", next.StateReason).
		Msg("Lease transition committed")

	m.mu.RLock()
	listeners := append([]TransitionListener(nil), m.listeners...)
	m.mu.RUnlock()
	for _, l := range listeners {
		l(ctx, cur, next)
	}

	payload := map[string]any{
		"from":              string(cur.State),
		"to":                string(next.State),
		audit.PayloadReason: next.StateReason,
		"state_lock_hash":   next.StateLockHash,
	}
	if next.State == engine.LeaseStateExpired || next.State == engine.LeaseStateHalted {
		payload["on_expiry"] = string(next.OnExpiry)
	}
	for k, v := range extra {
		payload[k] = v
	}

	if _, err := m.emitter.Emit(ctx, audit.Record{
		Type:      beadFor(next.State),
		LeaseID:   next.ID,
		Cartridge: next.CartridgeRef(),
		Actor:     actor,
		Payload:   payload,
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrNotRecorded, err)
	}
	return nil
}
