package ceremony

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/leasehold/pkg/audit"
	"github.com/openfroyo/leasehold/pkg/engine"
	"github.com/openfroyo/leasehold/pkg/lease"
	"github.com/openfroyo/leasehold/pkg/telemetry"
)

// Leases is the lease lifecycle the workflow drives.
type Leases interface {
	Get(ctx context.Context, id string) (*engine.Lease, error)
	Draft(ctx context.Context, req *lease.DraftRequest, actor string) (*engine.Lease, error)
	Activate(ctx context.Context, id, expectedHash, attestationID, actor string) (*engine.Lease, error)
	Revoke(ctx context.Context, id, expectedHash, reason, actor string) (*engine.Lease, error)
}

// CalibrationSource returns the latest calibration of a cartridge.
type CalibrationSource interface {
	LatestCalibration(ctx context.Context, ref string) (*engine.CalibrationResult, error)
}

// DecisionRequest is the reviewer's renewal decision.
type DecisionRequest struct {
	Decision engine.Decision `json:"decision" validate:"required,oneof=RENEW MODIFY REVOKE"`
	// Bounds are the tightened bounds of a MODIFY decision.
	Bounds *engine.Bounds `json:"bounds,omitempty"`
	Reason string         `json:"reason,omitempty"`
	Actor  string         `json:"actor" validate:"required"`
}

// Outcome is the result of a decided ceremony.
type Outcome struct {
	Ceremony *engine.Ceremony `json:"ceremony"`
	// Lease is the reviewed lease after the decision.
	Lease *engine.Lease `json:"lease"`
	// Successor is the new ACTIVE lease of a RENEW or MODIFY of an ACTIVE lease.
	Successor *engine.Lease `json:"successor,omitempty"`
}

// Workflow runs ceremonies: PENDING_REVIEW, then ITEMS_CONFIRMED once every
// checklist item is affirmed, then DECIDED.
type Workflow struct {
	mu sync.Mutex

	store        engine.CeremonyStore
	leases       Leases
	calibrations CalibrationSource
	emitter      *audit.Emitter
	checklist    []string

	clock   engine.Clock
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	logger  zerolog.Logger
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithClock sets the clock.
func WithClock(c engine.Clock) Option {
	return func(w *Workflow) { w.clock = c }
}

// WithMetrics counts decisions.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(w *Workflow) { w.metrics = m }
}

// WithTracer traces ceremony steps.
func WithTracer(t *telemetry.Tracer) Option {
	return func(w *Workflow) { w.tracer = t }
}

// NewWorkflow creates a ceremony workflow with the given checklist.
func NewWorkflow(store engine.CeremonyStore, leases Leases, calibrations CalibrationSource, emitter *audit.Emitter,
	checklist []string, logger zerolog.Logger, opts ...Option) *Workflow {
	w := &Workflow{
		store:        store,
		leases:       leases,
		calibrations: calibrations,
		emitter:      emitter,
		checklist:    append([]string(nil), checklist...),
		clock:        engine.SystemClock{},
		logger:       logger.With().Str("component", "ceremony").Logger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Workflow) span(ctx context.Context, c *engine.Ceremony, step string) (context.Context, func(error)) {
	if w.tracer == nil {
		return ctx, func(error) {}
	}
	var span trace.Span
	ctx, span = w.tracer.StartCeremonySpan(ctx, c.ID, c.LeaseID, step)
	return ctx, func(err error) {
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
		span.End()
	}
}

// Open starts a ceremony over a DRAFT, ACTIVE or HALTED lease. The ceremony
// is bound to the lease's current state lock hash.
func (w *Workflow) Open(ctx context.Context, leaseID, reviewer string) (*engine.Ceremony, error) {
	if reviewer == "" {
		return nil, engine.NewSchemaInvalid("ceremony rejected", "reviewer is required")
	}
	if len(w.checklist) == 0 {
		return nil, engine.NewSchemaInvalid("ceremony rejected", "checklist is empty")
	}

	l, err := w.leases.Get(ctx, leaseID)
	if err != nil {
		return nil, err
	}
	if l.State.IsTerminal() {
		return nil, engine.NewInvalidTransition(l.ID, l.State, l.State).WithCartridge(l.CartridgeRef())
	}

	cal, err := w.calibrations.LatestCalibration(ctx, l.CartridgeRef())
	if err != nil {
		return nil, err
	}
	summary, err := w.emitter.Summarize(ctx, l, cal)
	if err != nil {
		return nil, err
	}

	items := make([]engine.ChecklistItem, len(w.checklist))
	for i, text := range w.checklist {
		items[i] = engine.ChecklistItem{ID: fmt.Sprintf("item-%d", i+1), Text: text}
	}

	c := &engine.Ceremony{
		ID:        uuid.New().String(),
		LeaseID:   l.ID,
		LeaseHash: l.StateLockHash,
		Reviewer:  reviewer,
		Phase:     engine.PhasePendingReview,
		Summary:   summary,
		Items:     items,
		OpenedAt:  w.clock.Now(),
	}
	if err := w.store.CreateCeremony(ctx, c); err != nil {
		return nil, err
	}

	w.logger.Info().Str("ceremony_id", c.ID).Str("lease_id", l.ID).Str("reviewer", reviewer).Msg("Ceremony opened")
	return c, nil
}

// Get returns a ceremony.
func (w *Workflow) Get(ctx context.Context, id string) (*engine.Ceremony, error) {
	c, err := w.store.GetCeremony(ctx, id)
	if err != nil {
		if errors.Is(err, engine.ErrCeremonyNotFound) {
			return nil, engine.NewNotFound(fmt.Sprintf("ceremony %s not found", id), err)
		}
		return nil, err
	}
	return c, nil
}

// List returns the ceremonies of a lease, or all when leaseID is empty.
func (w *Workflow) List(ctx context.Context, leaseID string) ([]*engine.Ceremony, error) {
	return w.store.ListCeremonies(ctx, leaseID)
}

// Confirm affirms one checklist item. Only the ceremony's reviewer may
// affirm, and each item is affirmed individually.
func (w *Workflow) Confirm(ctx context.Context, id, itemID, reviewer string) (*engine.Ceremony, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	c, err := w.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Phase == engine.PhaseDecided {
		return nil, engine.NewCeremonyIncomplete("ceremony is already decided")
	}
	if reviewer != c.Reviewer {
		return nil, engine.NewCeremonyIncomplete("only the ceremony reviewer may affirm items",
			fmt.Sprintf("reviewer is %s, got %s", c.Reviewer, reviewer))
	}

	found := false
	for i := range c.Items {
		if c.Items[i].ID != itemID {
			continue
		}
		found = true
		if !c.Items[i].Affirmed {
			now := w.clock.Now()
			c.Items[i].Affirmed = true
			c.Items[i].AffirmedBy = reviewer
			c.Items[i].AffirmedAt = &now
		}
	}
	if !found {
		return nil, engine.NewNotFound(fmt.Sprintf("checklist item %s not found", itemID), engine.ErrCeremonyNotFound)
	}

	if len(unaffirmed(c)) == 0 {
		c.Phase = engine.PhaseItemsConfirmed
	}
	if err := w.store.UpdateCeremony(ctx, c); err != nil {
		return nil, err
	}

	w.logger.Debug().Str("ceremony_id", c.ID).Str("item", itemID).Str("phase", string(c.Phase)).Msg("Checklist item affirmed")
	return c, nil
}

func unaffirmed(c *engine.Ceremony) []string {
	var out []string
	for _, item := range c.Items {
		if !item.Affirmed {
			out = append(out, item.ID)
		}
	}
	return out
}

// Decide records the renewal decision as an attestation bead and applies it:
//
//	DRAFT:  RENEW activates it; MODIFY revokes it and activates a tightened successor; REVOKE revokes it.
//	ACTIVE: RENEW and MODIFY revoke it and activate a successor; REVOKE revokes it.
//	HALTED: only REVOKE.
//
// Every transition presents the hash captured when the ceremony opened, so a
// lease that changed since then rejects the decision as a stale write.
func (w *Workflow) Decide(ctx context.Context, id string, req DecisionRequest) (*Outcome, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	c, err := w.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ctx, end := w.span(ctx, c, "decide")
	out, err := w.decide(ctx, c, req)
	end(err)
	return out, err
}

func (w *Workflow) decide(ctx context.Context, c *engine.Ceremony, req DecisionRequest) (*Outcome, error) {
	if c.Phase == engine.PhaseDecided {
		return nil, engine.NewCeremonyIncomplete("ceremony is already decided")
	}
	if c.Phase != engine.PhaseItemsConfirmed {
		return nil, engine.NewCeremonyIncomplete("every checklist item must be affirmed before a decision", unaffirmed(c)...)
	}
	if req.Actor != c.Reviewer {
		return nil, engine.NewCeremonyIncomplete("only the ceremony reviewer may decide",
			fmt.Sprintf("reviewer is %s, got %s", c.Reviewer, req.Actor))
	}

	l, err := w.leases.Get(ctx, c.LeaseID)
	if err != nil {
		return nil, err
	}
	if l.StateLockHash != c.LeaseHash {
		return nil, engine.NewStaleWrite(l.ID, c.LeaseHash, l.StateLockHash)
	}

	if err := w.checkDecision(l, req); err != nil {
		return nil, err
	}

	attestation, err := w.emitter.Emit(ctx, audit.Record{
		Type:      engine.BeadAttestation,
		LeaseID:   l.ID,
		Cartridge: l.CartridgeRef(),
		Actor:     req.Actor,
		Payload: map[string]any{
			"ceremony_id":       c.ID,
			"decision":          string(req.Decision),
			"lease_state":       string(l.State),
			"lease_hash":        c.LeaseHash,
			"items":             c.Items,
			"modified_bounds":   req.Bounds,
			audit.PayloadReason: req.Reason,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record attestation: %w", err)
	}
	c.AttestationID = attestation.ID

	out := &Outcome{Ceremony: c}
	out.Lease, out.Successor, err = w.apply(ctx, c, l, req, attestation.ID)
	if err != nil && out.Lease == nil && out.Successor == nil {
		return nil, err
	}

	now := w.clock.Now()
	c.Decision = req.Decision
	c.ModifiedBounds = req.Bounds
	c.Phase = engine.PhaseDecided
	c.DecidedAt = &now
	if out.Successor != nil {
		c.SuccessorLeaseID = out.Successor.ID
	}
	if uerr := w.store.UpdateCeremony(ctx, c); uerr != nil {
		return out, errors.Join(err, uerr)
	}

	w.metrics.RecordCeremonyDecision(string(req.Decision))
	w.logger.Info().
		Str("ceremony_id", c.ID).
		Str("lease_id", l.ID).
		Str("decision", string(req.Decision)).
		Str("successor_id", c.SuccessorLeaseID).
		Msg("Ceremony decided")

	return out, err
}

func (w *Workflow) checkDecision(l *engine.Lease, req DecisionRequest) error {
	switch req.Decision {
	case engine.DecisionRenew:
		if req.Bounds != nil {
			return engine.NewSchemaInvalid("decision rejected", "RENEW keeps the bound set unmodified; use MODIFY")
		}
	case engine.DecisionModify:
		if req.Bounds == nil {
			return engine.NewSchemaInvalid("decision rejected", "MODIFY requires the tightened bound set")
		}
		if violations := CheckTightened(l.Bounds, *req.Bounds); len(violations) > 0 {
			return engine.NewBoundsViolation("MODIFY may only tighten bounds", violations...).WithLease(l.ID)
		}
	case engine.DecisionRevoke:
		return nil
	default:
		return engine.NewSchemaInvalid("decision rejected", fmt.Sprintf("unknown decision %q", req.Decision))
	}

	if l.State == engine.LeaseStateHalted {
		gerr := engine.NewInvalidTransition(l.ID, l.State, engine.LeaseStateActive)
		gerr.Violations = append(gerr.Violations, "a HALTED lease may only be revoked")
		return gerr
	}
	return nil
}

// apply performs the lease transitions of a checked decision.
func (w *Workflow) apply(ctx context.Context, c *engine.Ceremony, l *engine.Lease, req DecisionRequest, attestationID string) (*engine.Lease, *engine.Lease, error) {
	if req.Decision == engine.DecisionRevoke {
		reason := req.Reason
		if reason == "" {
			reason = "revoked by ceremony"
		}
		revoked, err := w.leases.Revoke(ctx, l.ID, c.LeaseHash, reason, req.Actor)
		return revoked, nil, err
	}

	if l.State == engine.LeaseStateDraft && req.Decision == engine.DecisionRenew {
		active, err := w.leases.Activate(ctx, l.ID, c.LeaseHash, attestationID, req.Actor)
		return active, nil, err
	}

	// A successor replaces the lease: draft it first so its bounds are
	// checked before the current lease is revoked.
	bounds := l.Bounds
	if req.Bounds != nil {
		bounds = *req.Bounds
	}
	successor, err := w.leases.Draft(ctx, &lease.DraftRequest{
		CartridgeName:           l.CartridgeName,
		CartridgeVersion:        l.CartridgeVersion,
		Duration:                l.Duration(),
		Bounds:                  bounds,
		GovernanceBufferSeconds: l.GovernanceBufferSeconds,
		OnExpiry:                l.OnExpiry,
		Reviewer:                c.Reviewer,
		PredecessorID:           l.ID,
	}, req.Actor)
	if err != nil {
		return nil, nil, err
	}

	revoked, err := w.leases.Revoke(ctx, l.ID, c.LeaseHash, fmt.Sprintf("superseded by %s (%s)", successor.ID, req.Decision), req.Actor)
	if err != nil {
		return nil, nil, err
	}

	successorAttestation, err := w.emitter.Emit(ctx, audit.Record{
		Type:      engine.BeadAttestation,
		LeaseID:   successor.ID,
		Cartridge: successor.CartridgeRef(),
		Actor:     req.Actor,
		Payload: map[string]any{
			"ceremony_id":    c.ID,
			"decision":       string(req.Decision),
			"predecessor_id": l.ID,
			"attestation_id": attestationID,
		},
	})
	if err != nil {
		return revoked, nil, fmt.Errorf("failed to record successor attestation: %w", err)
	}

	active, err := w.leases.Activate(ctx, successor.ID, successor.StateLockHash, successorAttestation.ID, req.Actor)
	if err != nil {
		return revoked, successor, fmt.Errorf("predecessor revoked but successor %s not activated: %w", successor.ID, err)
	}
	return revoked, active, nil
}
