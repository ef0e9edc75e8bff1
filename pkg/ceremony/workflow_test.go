package ceremony

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/leasehold/pkg/audit"
	"github.com/openfroyo/leasehold/pkg/engine"
	"github.com/openfroyo/leasehold/pkg/lease"
	"github.com/openfroyo/leasehold/pkg/stores"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

var checklist = []string{"reviewed the summary", "reviewed the breaches"}

type fixture struct {
	store   *stores.SQLiteStore
	emitter *audit.Emitter
	leases  *lease.Manager
	wf      *Workflow
}

func setup(t *testing.T) *fixture {
	t.Helper()

	store, err := stores.NewSQLiteStore(stores.Config{Path: stores.MemoryPath})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	m := &engine.CartridgeManifest{
		Name:    "ASIA_SCALP",
		Version: "1.0.0",
		Author:  "desk-a",
		Scope: engine.Scope{
			Instruments: []string{"EURUSD", "USDJPY"},
			Windows: []engine.TimeWindow{{
				Name: "tokyo_open", Zone: "Asia/Tokyo", Start: "09:00", End: "11:00",
				WinterUTCOffset: "+09:00", SummerUTCOffset: "+09:00",
			}},
		},
		RiskDefaults: engine.RiskDefaults{MaxDrawdownPct: 3, MaxConsecutiveLosses: 4, PerTradePct: 1.0, MaxDailyActions: 10},
		Primitives:   []engine.Primitive{engine.PrimitiveSweepDetection},
		Invariants:   []string{"ceiling_over_floor"},
	}
	if err := store.CommitInsertion(ctx, &engine.InsertionCommit{Manifest: m, ContentHash: "sha256:asia", At: t0}); err != nil {
		t.Fatalf("failed to insert cartridge: %v", err)
	}

	logger := zerolog.New(nil).Level(zerolog.Disabled)
	clock := fixedClock{now: t0}
	emitter := audit.NewEmitter(store, logger, audit.WithClock(clock))
	leases := lease.NewManager(store, emitter, lease.Config{MaxDuration: 720 * time.Hour, CeremonyInterval: 24 * time.Hour}, logger,
		lease.WithClock(clock))
	wf := NewWorkflow(store, leases, store, emitter, checklist, logger, WithClock(clock))

	return &fixture{store: store, emitter: emitter, leases: leases, wf: wf}
}

func baseBounds() engine.Bounds {
	return engine.Bounds{
		MaxDrawdownPct:       2,
		MaxConsecutiveLosses: 3,
		PositionSizeCap:      0.5,
		MaxDailyActions:      5,
		AllowedInstruments:   []string{"EURUSD", "USDJPY"},
		AllowedWindows:       []string{"tokyo_open"},
	}
}

func (f *fixture) draft(t *testing.T) *engine.Lease {
	t.Helper()
	l, err := f.leases.Draft(context.Background(), &lease.DraftRequest{
		CartridgeName:           "ASIA_SCALP",
		CartridgeVersion:        "1.0.0",
		Duration:                time.Hour,
		Bounds:                  baseBounds(),
		GovernanceBufferSeconds: 60,
		OnExpiry:                engine.ExpiryCloseOut,
		Reviewer:                "alice",
	}, "alice")
	if err != nil {
		t.Fatalf("Draft() error = %v", err)
	}
	return l
}

// confirmed opens a ceremony over leaseID and affirms every item.
func (f *fixture) confirmed(t *testing.T, leaseID string) *engine.Ceremony {
	t.Helper()
	ctx := context.Background()
	c, err := f.wf.Open(ctx, leaseID, "alice")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	for _, item := range c.Items {
		if c, err = f.wf.Confirm(ctx, c.ID, item.ID, "alice"); err != nil {
			t.Fatalf("Confirm(%s) error = %v", item.ID, err)
		}
	}
	if c.Phase != engine.PhaseItemsConfirmed {
		t.Fatalf("expected ITEMS_CONFIRMED, got %s", c.Phase)
	}
	return c
}

// active drafts a lease and activates it through a RENEW ceremony.
func (f *fixture) active(t *testing.T) *engine.Lease {
	t.Helper()
	c := f.confirmed(t, f.draft(t).ID)
	out, err := f.wf.Decide(context.Background(), c.ID, DecisionRequest{Decision: engine.DecisionRenew, Actor: "alice"})
	if err != nil {
		t.Fatalf("Decide(RENEW) error = %v", err)
	}
	return out.Lease
}

func (f *fixture) attestations(t *testing.T, leaseID string) []*engine.Bead {
	t.Helper()
	beads, err := f.emitter.List(context.Background(), engine.BeadFilter{LeaseID: leaseID, Types: []engine.BeadType{engine.BeadAttestation}})
	if err != nil {
		t.Fatalf("failed to list beads: %v", err)
	}
	return beads
}

func TestOpen(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	l := f.draft(t)

	c, err := f.wf.Open(ctx, l.ID, "alice")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if c.Phase != engine.PhasePendingReview || c.LeaseHash != l.StateLockHash || len(c.Items) != len(checklist) {
		t.Errorf("unexpected ceremony: %+v", c)
	}
	if c.Summary.LeaseID != l.ID {
		t.Errorf("expected a forensic summary for %s, got %+v", l.ID, c.Summary)
	}

	got, err := f.wf.Get(ctx, c.ID)
	if err != nil || got.ID != c.ID {
		t.Fatalf("Get() = %v, %v", got, err)
	}
	if _, err := f.wf.Get(ctx, "missing"); !engine.IsNotFound(err) {
		t.Errorf("expected NotFound, got %v", err)
	}
	if _, err := f.wf.Open(ctx, l.ID, ""); !engine.IsSchemaInvalid(err) {
		t.Errorf("expected SchemaInvalid without reviewer, got %v", err)
	}

	revoked, err := f.leases.Revoke(ctx, l.ID, l.StateLockHash, "done", "alice")
	if err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if _, err := f.wf.Open(ctx, revoked.ID, "alice"); !engine.IsInvalidTransition(err) {
		t.Errorf("expected InvalidTransition for a terminal lease, got %v", err)
	}
}

func TestDecide_RequiresEveryItem(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	l := f.draft(t)

	c, err := f.wf.Open(ctx, l.ID, "alice")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := f.wf.Confirm(ctx, c.ID, c.Items[0].ID, "alice"); err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}

	_, err = f.wf.Decide(ctx, c.ID, DecisionRequest{Decision: engine.DecisionRenew, Actor: "alice"})
	if !engine.IsCeremonyIncomplete(err) {
		t.Fatalf("expected CeremonyIncomplete, got %v", err)
	}
	var gerr *engine.GovernanceError
	if !errors.As(err, &gerr) || len(gerr.Violations) != 1 || gerr.Violations[0] != c.Items[1].ID {
		t.Errorf("expected the unaffirmed item to be listed, got %v", err)
	}

	got, _ := f.leases.Get(ctx, l.ID)
	if got.State != engine.LeaseStateDraft {
		t.Errorf("lease changed without a decision: %s", got.State)
	}
	if n := len(f.attestations(t, l.ID)); n != 0 {
		t.Errorf("expected no attestation, got %d", n)
	}
}

func TestConfirm_Rejections(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	c, err := f.wf.Open(ctx, f.draft(t).ID, "alice")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if _, err := f.wf.Confirm(ctx, c.ID, c.Items[0].ID, "mallory"); !engine.IsCeremonyIncomplete(err) {
		t.Errorf("expected another reviewer to be rejected, got %v", err)
	}
	if _, err := f.wf.Confirm(ctx, c.ID, "item-99", "alice"); !engine.IsNotFound(err) {
		t.Errorf("expected NotFound for unknown item, got %v", err)
	}

	// Affirming twice keeps the first affirmation.
	first, err := f.wf.Confirm(ctx, c.ID, c.Items[0].ID, "alice")
	if err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	second, err := f.wf.Confirm(ctx, c.ID, c.Items[0].ID, "alice")
	if err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	if !first.Items[0].AffirmedAt.Equal(*second.Items[0].AffirmedAt) || second.Phase != engine.PhasePendingReview {
		t.Errorf("unexpected re-affirmation: %+v", second.Items[0])
	}
}

func TestDecide_RenewDraftActivates(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	l := f.draft(t)
	c := f.confirmed(t, l.ID)

	out, err := f.wf.Decide(ctx, c.ID, DecisionRequest{Decision: engine.DecisionRenew, Actor: "alice"})
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if out.Lease.State != engine.LeaseStateActive || out.Successor != nil {
		t.Fatalf("expected the draft to be activated in place, got %+v", out)
	}
	if out.Ceremony.Phase != engine.PhaseDecided || out.Ceremony.AttestationID != out.Lease.Governance.AttestationID {
		t.Errorf("unexpected ceremony: %+v", out.Ceremony)
	}
	if n := len(f.attestations(t, l.ID)); n != 1 {
		t.Errorf("expected 1 attestation, got %d", n)
	}

	if _, err := f.wf.Decide(ctx, c.ID, DecisionRequest{Decision: engine.DecisionRevoke, Actor: "alice"}); !engine.IsCeremonyIncomplete(err) {
		t.Errorf("expected a decided ceremony to reject a second decision, got %v", err)
	}
}

func TestDecide_RenewActiveCreatesSuccessor(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	cur := f.active(t)
	c := f.confirmed(t, cur.ID)

	out, err := f.wf.Decide(ctx, c.ID, DecisionRequest{Decision: engine.DecisionRenew, Actor: "alice"})
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if out.Lease.State != engine.LeaseStateRevoked {
		t.Errorf("expected predecessor REVOKED, got %s", out.Lease.State)
	}
	if out.Successor == nil || out.Successor.State != engine.LeaseStateActive || out.Successor.PredecessorID != cur.ID {
		t.Fatalf("unexpected successor: %+v", out.Successor)
	}
	if out.Ceremony.SuccessorLeaseID != out.Successor.ID {
		t.Errorf("ceremony does not name the successor: %+v", out.Ceremony)
	}
	if len(f.attestations(t, out.Successor.ID)) != 1 {
		t.Error("expected the successor to carry its own attestation")
	}
}

func TestDecide_Modify(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	cur := f.active(t)
	c := f.confirmed(t, cur.ID)

	looser := baseBounds()
	looser.MaxDrawdownPct = 2.5
	_, err := f.wf.Decide(ctx, c.ID, DecisionRequest{Decision: engine.DecisionModify, Bounds: &looser, Actor: "alice"})
	if !engine.IsBoundsViolation(err) {
		t.Fatalf("expected BoundsViolation for looser bounds, got %v", err)
	}
	if n := len(f.attestations(t, cur.ID)); n != 1 {
		t.Errorf("a rejected decision must not attest, got %d attestations", n)
	}

	tighter := baseBounds()
	tighter.MaxDrawdownPct = 1.5
	tighter.AllowedInstruments = []string{"USDJPY"}
	out, err := f.wf.Decide(ctx, c.ID, DecisionRequest{Decision: engine.DecisionModify, Bounds: &tighter, Actor: "alice"})
	if err != nil {
		t.Fatalf("Decide(MODIFY) error = %v", err)
	}
	if out.Successor == nil || out.Successor.Bounds.MaxDrawdownPct != 1.5 || len(out.Successor.Bounds.AllowedInstruments) != 1 {
		t.Fatalf("unexpected successor: %+v", out.Successor)
	}
	if out.Ceremony.ModifiedBounds == nil || out.Ceremony.Decision != engine.DecisionModify {
		t.Errorf("unexpected ceremony: %+v", out.Ceremony)
	}
}

func TestDecide_Revoke(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	cur := f.active(t)
	c := f.confirmed(t, cur.ID)

	out, err := f.wf.Decide(ctx, c.ID, DecisionRequest{Decision: engine.DecisionRevoke, Reason: "strategy retired", Actor: "alice"})
	if err != nil {
		t.Fatalf("Decide(REVOKE) error = %v", err)
	}
	if out.Lease.State != engine.LeaseStateRevoked || out.Lease.StateReason != "strategy retired" || out.Successor != nil {
		t.Errorf("unexpected outcome: %+v", out.Lease)
	}
	if n := len(f.attestations(t, cur.ID)); n != 2 {
		t.Errorf("expected activation and revocation attestations, got %d", n)
	}
}

func TestDecide_HaltedOnlyRevokes(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	cur := f.active(t)
	halted, err := f.leases.Halt(ctx, cur.ID, "manual", "operator")
	if err != nil {
		t.Fatalf("Halt() error = %v", err)
	}
	c := f.confirmed(t, halted.ID)

	if _, err := f.wf.Decide(ctx, c.ID, DecisionRequest{Decision: engine.DecisionRenew, Actor: "alice"}); !engine.IsInvalidTransition(err) {
		t.Fatalf("expected InvalidTransition for RENEW of a HALTED lease, got %v", err)
	}
	out, err := f.wf.Decide(ctx, c.ID, DecisionRequest{Decision: engine.DecisionRevoke, Actor: "alice"})
	if err != nil {
		t.Fatalf("Decide(REVOKE) error = %v", err)
	}
	if out.Lease.State != engine.LeaseStateRevoked {
		t.Errorf("expected REVOKED, got %s", out.Lease.State)
	}
}

func TestDecide_StaleLease(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	cur := f.active(t)
	c := f.confirmed(t, cur.ID)

	if _, err := f.leases.Halt(ctx, cur.ID, "breach", "bounds"); err != nil {
		t.Fatalf("Halt() error = %v", err)
	}
	_, err := f.wf.Decide(ctx, c.ID, DecisionRequest{Decision: engine.DecisionRevoke, Actor: "alice"})
	if !engine.IsStaleWrite(err) {
		t.Fatalf("expected StaleWrite, got %v", err)
	}
}

func TestDecide_ReviewerOnly(t *testing.T) {
	f := setup(t)
	c := f.confirmed(t, f.draft(t).ID)
	_, err := f.wf.Decide(context.Background(), c.ID, DecisionRequest{Decision: engine.DecisionRenew, Actor: "mallory"})
	if !engine.IsCeremonyIncomplete(err) {
		t.Fatalf("expected CeremonyIncomplete, got %v", err)
	}
}

func TestCheckTightened(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*engine.Bounds)
		want   int
	}{
		{"unchanged", func(*engine.Bounds) {}, 1},
		{"tighter drawdown", func(b *engine.Bounds) { b.MaxDrawdownPct = 1 }, 0},
		{"fewer instruments", func(b *engine.Bounds) { b.AllowedInstruments = []string{"EURUSD"} }, 0},
		{"looser losses", func(b *engine.Bounds) { b.MaxConsecutiveLosses = 4 }, 1},
		{"looser cap", func(b *engine.Bounds) { b.PositionSizeCap = 0.6 }, 1},
		{"new instrument", func(b *engine.Bounds) { b.AllowedInstruments = append(b.AllowedInstruments, "GBPUSD") }, 1},
		{"window removed", func(b *engine.Bounds) { b.AllowedWindows = nil }, 1},
		{"new window", func(b *engine.Bounds) { b.AllowedWindows = []string{"tokyo_open", "london"} }, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := baseBounds()
			tt.mutate(&next)
			if got := CheckTightened(baseBounds(), next); len(got) != tt.want {
				t.Errorf("CheckTightened() = %v, want %d violations", got, tt.want)
			}
		})
	}
}
