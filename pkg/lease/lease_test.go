package lease

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/leasehold/pkg/audit"
	"github.com/openfroyo/leasehold/pkg/config"
	"github.com/openfroyo/leasehold/pkg/engine"
	"github.com/openfroyo/leasehold/pkg/stores"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type stubHalts struct {
	mu sync.Mutex
	a  *engine.HaltAssertion
}

func (s *stubHalts) Halted(string) (*engine.HaltAssertion, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.a, s.a != nil
}

func (s *stubHalts) set(a *engine.HaltAssertion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.a = a
}

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store   *stores.SQLiteStore
	emitter *audit.Emitter
	mgr     *Manager
	clock   *fakeClock
	halts   *stubHalts
}

func asiaScalp() *engine.CartridgeManifest {
	return &engine.CartridgeManifest{
		Name:    "ASIA_SCALP",
		Version: "1.0.0",
		Author:  "desk-a",
		Scope: engine.Scope{
			Instruments:    []string{"EURUSD", "USDJPY"},
			RegimeAffinity: []engine.Regime{engine.RegimeRanging},
			Windows: []engine.TimeWindow{{
				Name: "tokyo_open", Zone: "Asia/Tokyo", Start: "09:00", End: "11:00",
				WinterUTCOffset: "+09:00", SummerUTCOffset: "+09:00",
			}},
		},
		RiskDefaults: engine.RiskDefaults{MaxDrawdownPct: 3, MaxConsecutiveLosses: 4, PerTradePct: 1.0, MaxDailyActions: 10},
		Primitives:   []engine.Primitive{engine.PrimitiveSweepDetection},
		Invariants:   []string{"ceiling_over_floor"},
	}
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

	m := asiaScalp()
	if err := store.CommitInsertion(ctx, &engine.InsertionCommit{Manifest: m, ContentHash: "sha256:asia", At: t0}); err != nil {
		t.Fatalf("failed to insert cartridge: %v", err)
	}

	logger := zerolog.New(nil).Level(zerolog.Disabled)
	clock := &fakeClock{now: t0}
	halts := &stubHalts{}
	emitter := audit.NewEmitter(store, logger, audit.WithClock(clock))
	mgr := NewManager(store, emitter, Config{MaxDuration: 720 * time.Hour, CeremonyInterval: 24 * time.Hour}, logger,
		WithClock(clock), WithHaltChecker(halts))

	return &fixture{store: store, emitter: emitter, mgr: mgr, clock: clock, halts: halts}
}

func validRequest() *DraftRequest {
	return &DraftRequest{
		CartridgeName:    "ASIA_SCALP",
		CartridgeVersion: "1.0.0",
		Duration:         time.Hour,
		Bounds: engine.Bounds{
			MaxDrawdownPct:       2,
			MaxConsecutiveLosses: 3,
			PositionSizeCap:      0.5,
			MaxDailyActions:      5,
			AllowedInstruments:   []string{"USDJPY"},
			AllowedWindows:       []string{"tokyo_open"},
		},
		GovernanceBufferSeconds: 60,
		OnExpiry:                engine.ExpiryCloseOut,
		Reviewer:                "alice",
	}
}

func (f *fixture) draft(t *testing.T) *engine.Lease {
	t.Helper()
	l, err := f.mgr.Draft(context.Background(), validRequest(), "alice")
	if err != nil {
		t.Fatalf("Draft() error = %v", err)
	}
	return l
}

func (f *fixture) attest(t *testing.T, leaseID string) string {
	t.Helper()
	b, err := f.emitter.Emit(context.Background(), audit.Record{Type: engine.BeadAttestation, LeaseID: leaseID, Actor: "alice"})
	if err != nil {
		t.Fatalf("failed to attest: %v", err)
	}
	return b.ID
}

func (f *fixture) activate(t *testing.T, l *engine.Lease) *engine.Lease {
	t.Helper()
	active, err := f.mgr.Activate(context.Background(), l.ID, l.StateLockHash, f.attest(t, l.ID), "alice")
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	return active
}

func TestDraft_CeilingOverFloor(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	loose := validRequest()
	loose.Bounds.PositionSizeCap = 2.0
	_, err := f.mgr.Draft(ctx, loose, "alice")
	if !engine.IsBoundsViolation(err) {
		t.Fatalf("expected BoundsViolation for position_size_cap 2.0, got %v", err)
	}

	l, err := f.mgr.Draft(ctx, validRequest(), "alice")
	if err != nil {
		t.Fatalf("expected position_size_cap 0.5 to be accepted, got %v", err)
	}
	if l.State != engine.LeaseStateDraft || l.RenewalPolicy != engine.RenewalPerish || l.CartridgeHash != "sha256:asia" {
		t.Errorf("unexpected draft: %+v", l)
	}
	if l.StartsAt != nil || l.ExpiresAt != nil {
		t.Error("a draft has no validity window")
	}
}

func TestCheckBounds(t *testing.T) {
	m := asiaScalp()

	tests := []struct {
		name   string
		mutate func(*engine.Bounds)
		want   int
	}{
		{"tight", func(*engine.Bounds) {}, 0},
		{"equal to floor", func(b *engine.Bounds) { b.MaxDrawdownPct = 3; b.PositionSizeCap = 1.0 }, 0},
		{"drawdown looser", func(b *engine.Bounds) { b.MaxDrawdownPct = 3.5 }, 1},
		{"losses looser", func(b *engine.Bounds) { b.MaxConsecutiveLosses = 5 }, 1},
		{"daily looser", func(b *engine.Bounds) { b.MaxDailyActions = 11 }, 1},
		{"instrument outside scope", func(b *engine.Bounds) { b.AllowedInstruments = []string{"GBPUSD"} }, 1},
		{"unknown window", func(b *engine.Bounds) { b.AllowedWindows = []string{"london"} }, 1},
		{"zero cap", func(b *engine.Bounds) { b.PositionSizeCap = 0 }, 1},
		{"everything wrong", func(b *engine.Bounds) {
			b.MaxDrawdownPct, b.MaxConsecutiveLosses, b.PositionSizeCap, b.MaxDailyActions = 9, 9, 9, 99
		}, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := validRequest().Bounds
			tt.mutate(&b)
			if got := CheckBounds(m, b); len(got) != tt.want {
				t.Errorf("CheckBounds() = %v, want %d violations", got, tt.want)
			}
		})
	}
}

func TestDraft_Rejections(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*DraftRequest)
		check  func(error) bool
	}{
		{"duration above 30 days", func(r *DraftRequest) { r.Duration = 721 * time.Hour }, engine.IsSchemaInvalid},
		{"buffer not shorter than duration", func(r *DraftRequest) { r.GovernanceBufferSeconds = 3600 }, engine.IsSchemaInvalid},
		{"bad expiry behavior", func(r *DraftRequest) { r.OnExpiry = "renew" }, engine.IsSchemaInvalid},
		{"missing reviewer", func(r *DraftRequest) { r.Reviewer = "" }, engine.IsSchemaInvalid},
		{"unknown version", func(r *DraftRequest) { r.CartridgeVersion = "9.9.9" }, engine.IsNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(req)
			if _, err := f.mgr.Draft(ctx, req, "alice"); !tt.check(err) {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}

	if err := f.store.CommitRemoval(ctx, "ASIA_SCALP@1.0.0", "retired", t0); err != nil {
		t.Fatal(err)
	}
	if _, err := f.mgr.Draft(ctx, validRequest(), "alice"); !engine.IsNotFound(err) {
		t.Errorf("expected retired cartridge to be rejected, got %v", err)
	}
}

func TestActivate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	l := f.draft(t)

	if _, err := f.mgr.Activate(ctx, l.ID, l.StateLockHash, "", "alice"); !engine.IsInvalidTransition(err) {
		t.Fatalf("expected activation without attestation to fail, got %v", err)
	}
	if _, err := f.mgr.Activate(ctx, l.ID, "sha256:stale", f.attest(t, l.ID), "alice"); !engine.IsStaleWrite(err) {
		t.Fatalf("expected StaleWrite, got %v", err)
	}

	f.clock.Set(t0.Add(10 * time.Minute))
	active := f.activate(t, l)

	if active.State != engine.LeaseStateActive {
		t.Fatalf("state = %s", active.State)
	}
	if !active.StartsAt.Equal(t0.Add(10*time.Minute)) || !active.ExpiresAt.Equal(t0.Add(70*time.Minute)) {
		t.Errorf("unexpected window %v - %v", active.StartsAt, active.ExpiresAt)
	}
	if active.StateLockHash == l.StateLockHash {
		t.Error("state lock hash must change on transition")
	}

	ref, leaseID, _ := f.store.GetActivePointer(ctx)
	if ref != "ASIA_SCALP@1.0.0" || leaseID != l.ID {
		t.Errorf("active pointer = %s/%s", ref, leaseID)
	}

	beads, _ := f.store.ListBeads(ctx, engine.BeadFilter{LeaseID: l.ID, Types: []engine.BeadType{engine.BeadActivation}})
	if len(beads) != 1 {
		t.Errorf("expected one activation bead, got %d", len(beads))
	}
}

func TestActivate_CalibrationBlock(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	l := f.draft(t)

	if err := f.store.SaveCalibration(ctx, &engine.CalibrationResult{
		Cartridge: "ASIA_SCALP@1.0.0", Status: engine.CalibrationBlock, DriftPct: 80, RanAt: t0,
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := f.mgr.Activate(ctx, l.ID, l.StateLockHash, f.attest(t, l.ID), "alice"); !engine.IsInvalidTransition(err) {
		t.Errorf("expected BLOCK calibration to prevent activation, got %v", err)
	}
}

func TestSingleActiveLease(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.activate(t, f.draft(t))
	second := f.draft(t)

	_, err := f.mgr.Activate(ctx, second.ID, second.StateLockHash, f.attest(t, second.ID), "alice")
	if !engine.IsInvalidTransition(err) || !errors.Is(err, engine.ErrActiveLeaseExists) {
		t.Errorf("expected second activation to fail, got %v", err)
	}
}

func TestConcurrentTransitions_ExactlyOneWins(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	active := f.activate(t, f.draft(t))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = f.mgr.Revoke(ctx, active.ID, active.StateLockHash, "operator revoke", "alice")
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = f.mgr.Expire(ctx, active.ID, active.StateLockHash)
	}()
	wg.Wait()

	succeeded, stale := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case engine.IsStaleWrite(err):
			stale++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || stale != 1 {
		t.Errorf("succeeded=%d stale=%d, want 1 and 1", succeeded, stale)
	}
}

func TestSoftExpiry(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	active := f.activate(t, f.draft(t))

	expiresAt := *active.ExpiresAt
	if !expiresAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("expires_at = %v", expiresAt)
	}

	expired, err := f.mgr.ExpireDue(ctx, expiresAt.Add(-61*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 0 {
		t.Fatal("lease must not expire before T-60s")
	}

	next, found, _ := f.mgr.NextSoftExpiry(ctx)
	if !found || !next.Equal(expiresAt.Add(-60*time.Second)) {
		t.Errorf("NextSoftExpiry() = %v, %v", next, found)
	}

	f.clock.Set(expiresAt.Add(-60 * time.Second))
	expired, err = f.mgr.ExpireDue(ctx, expiresAt.Add(-60*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].State != engine.LeaseStateExpired {
		t.Fatalf("expected the lease to expire at T-60s, got %v", expired)
	}

	// Terminal: nothing leaves EXPIRED.
	if _, err := f.mgr.Revoke(ctx, active.ID, expired[0].StateLockHash, "late", "alice"); !engine.IsInvalidTransition(err) {
		t.Errorf("expected EXPIRED to be terminal, got %v", err)
	}
}

func TestHaltedIsSink(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	active := f.activate(t, f.draft(t))

	halted, err := f.mgr.Halt(ctx, active.ID, "bounds breached", "bounds")
	if err != nil {
		t.Fatalf("Halt() error = %v", err)
	}

	// Idempotent: no new write, no new bead.
	again, err := f.mgr.Halt(ctx, active.ID, "bounds breached", "bounds")
	if err != nil {
		t.Fatal(err)
	}
	if again.StateLockHash != halted.StateLockHash || !again.StateChangedAt.Equal(halted.StateChangedAt) {
		t.Error("re-halting must not change the lease")
	}
	beads, _ := f.store.ListBeads(ctx, engine.BeadFilter{LeaseID: active.ID, Types: []engine.BeadType{engine.BeadHalt}})
	if len(beads) != 1 {
		t.Errorf("expected one halt bead, got %d", len(beads))
	}

	if _, err := f.mgr.Activate(ctx, active.ID, halted.StateLockHash, f.attest(t, active.ID), "alice"); !engine.IsInvalidTransition(err) {
		t.Errorf("HALTED -> ACTIVE must be rejected, got %v", err)
	}

	// REVOKE-before-DRAFT for the same cartridge.
	if _, err := f.mgr.Draft(ctx, validRequest(), "alice"); !engine.IsInvalidTransition(err) {
		t.Errorf("drafting while a HALTED lease exists must be rejected, got %v", err)
	}

	revoked, err := f.mgr.Revoke(ctx, active.ID, halted.StateLockHash, "post-halt review", "alice")
	if err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if _, err := f.mgr.Activate(ctx, active.ID, revoked.StateLockHash, f.attest(t, active.ID), "alice"); !engine.IsInvalidTransition(err) {
		t.Errorf("REVOKED lease must not be reactivated, got %v", err)
	}

	fresh := f.draft(t)
	if fresh.ID == active.ID {
		t.Error("a new lease must have a new identity")
	}
}

func TestHaltGateWinsLast(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	draft := f.draft(t)
	f.halts.set(&engine.HaltAssertion{ID: "h1", Scope: engine.HaltScopeGlobal, Reason: "risk desk", Source: "safety"})

	_, err := f.mgr.Activate(ctx, draft.ID, draft.StateLockHash, f.attest(t, draft.ID), "alice")
	if !engine.IsHalted(err) {
		t.Fatalf("expected activation under halt to fail, got %v", err)
	}
	if cur, _ := f.mgr.Get(ctx, draft.ID); cur.State != engine.LeaseStateDraft {
		t.Errorf("rejected activation changed state to %s", cur.State)
	}

	f.halts.set(nil)
	active := f.activate(t, draft)

	// A ceremony revoke in flight loses to a halt asserted meanwhile.
	f.halts.set(&engine.HaltAssertion{ID: "h2", Scope: engine.HaltScopeLease, LeaseID: active.ID, Reason: "news", Source: "operator"})
	forced, err := f.mgr.Revoke(ctx, active.ID, active.StateLockHash, "ceremony revoke", "alice")
	if !engine.IsHalted(err) {
		t.Fatalf("expected Halted, got %v", err)
	}
	if forced == nil || forced.State != engine.LeaseStateHalted {
		t.Fatalf("expected the lease to be forced HALTED, got %+v", forced)
	}

	// The explicit revoke of the HALTED lease is allowed while the halt stands.
	if _, err := f.mgr.Revoke(ctx, active.ID, forced.StateLockHash, "ceremony revoke", "alice"); err != nil {
		t.Errorf("Revoke() of HALTED lease error = %v", err)
	}
}

func TestHandleHalt_Global(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	active := f.activate(t, f.draft(t))

	err := f.mgr.HandleHalt(ctx, &engine.HaltAssertion{ID: "h1", Scope: engine.HaltScopeGlobal, Reason: "kill switch", Source: "safety"})
	if err != nil {
		t.Fatalf("HandleHalt() error = %v", err)
	}
	cur, _ := f.mgr.Get(ctx, active.ID)
	if cur.State != engine.LeaseStateHalted {
		t.Errorf("state = %s, want HALTED", cur.State)
	}
}

func TestRevokeDependents(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	active := f.activate(t, f.draft(t))
	draft := f.draft(t)

	revoked, err := f.mgr.RevokeDependents(ctx, "ASIA_SCALP@1.0.0", "cartridge removed", "insertion")
	if err != nil {
		t.Fatalf("RevokeDependents() error = %v", err)
	}
	if len(revoked) != 2 {
		t.Fatalf("expected 2 revoked leases, got %v", revoked)
	}
	for _, id := range []string{active.ID, draft.ID} {
		if cur, _ := f.mgr.Get(ctx, id); cur.State != engine.LeaseStateRevoked {
			t.Errorf("lease %s state = %s", id, cur.State)
		}
	}
}

func TestOnTransition(t *testing.T) {
	f := setup(t)

	var seen []engine.LeaseState
	f.mgr.OnTransition(func(_ context.Context, _, next *engine.Lease) {
		seen = append(seen, next.State)
	})

	active := f.activate(t, f.draft(t))
	if _, err := f.mgr.Halt(context.Background(), active.ID, "breach", "bounds"); err != nil {
		t.Fatal(err)
	}

	if len(seen) != 2 || seen[0] != engine.LeaseStateActive || seen[1] != engine.LeaseStateHalted {
		t.Errorf("unexpected transitions: %v", seen)
	}
}

func TestParseDocument(t *testing.T) {
	schemas := config.NewSchemaRegistry()
	ctx := context.Background()

	valid := `
cartridge: ASIA_SCALP@1.0.0
duration: 7d
bounds:
  max_drawdown_pct: 2
  max_consecutive_losses: 3
  position_size_cap: 0.5
  max_daily_actions: 5
  allowed_instruments: [USDJPY]
governance_buffer_seconds: 60
on_expiry: close_out
reviewer: alice
`
	doc, err := config.DecodeDocument(config.FormatYAML, []byte(valid))
	if err != nil {
		t.Fatal(err)
	}
	req, err := ParseDocument(ctx, schemas, doc)
	if err != nil {
		t.Fatalf("ParseDocument() error = %v", err)
	}
	if req.CartridgeName != "ASIA_SCALP" || req.CartridgeVersion != "1.0.0" || req.Duration != 7*24*time.Hour {
		t.Errorf("unexpected request: %+v", req)
	}
	if req.Bounds.MaxConsecutiveLosses != 3 || req.GovernanceBufferSeconds != 60 {
		t.Errorf("unexpected bounds: %+v", req.Bounds)
	}

	rejected := map[string]string{
		"auto renewal field": valid + "auto_renew: true\n",
		"renewal policy":     valid + "renewal_policy: auto\n",
		"latest version":     `{"cartridge": "ASIA_SCALP@latest"}`,
	}
	for name, data := range rejected {
		t.Run(name, func(t *testing.T) {
			format := config.FormatYAML
			doc, err := config.DecodeDocument(format, []byte(data))
			if err != nil {
				t.Fatal(err)
			}
			if _, err := ParseDocument(ctx, schemas, doc); !engine.IsSchemaInvalid(err) {
				t.Errorf("expected SchemaInvalid, got %v", err)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"168h", 168 * time.Hour, false},
		{"30d", 720 * time.Hour, false},
		{"90m", 90 * time.Minute, false},
		{"xd", 0, true},
		{"soon", 0, true},
		{"106751d", 106751 * 24 * time.Hour, false},
		{"106752d", 0, true},
		{"9223372036854775807d", 0, true},
		{"99999999999999999999d", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseDuration(%q) = %v, %v", tt.in, got, err)
		}
	}
}

// racingStore asserts a halt while an activation write is in flight.
type racingStore struct {
	*stores.SQLiteStore
	halts *stubHalts
	fired bool
}

func (s *racingStore) CompareAndSwapLease(ctx context.Context, next *engine.Lease, expectedHash string) error {
	if next.State == engine.LeaseStateActive && !s.fired {
		s.fired = true
		s.halts.set(&engine.HaltAssertion{ID: "h1", Scope: engine.HaltScopeGlobal, Reason: "kill switch", Source: "safety"})
	}
	return s.SQLiteStore.CompareAndSwapLease(ctx, next, expectedHash)
}

func TestHaltDuringActivationWins(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	store := &racingStore{SQLiteStore: f.store, halts: f.halts}
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	mgr := NewManager(store, f.emitter, Config{}, logger, WithClock(f.clock), WithHaltChecker(f.halts))

	draft := f.draft(t)
	forced, err := mgr.Activate(ctx, draft.ID, draft.StateLockHash, f.attest(t, draft.ID), "alice")
	if !engine.IsHalted(err) {
		t.Fatalf("expected Halted for an activation racing a halt, got %v", err)
	}
	if forced == nil || forced.State != engine.LeaseStateHalted {
		t.Fatalf("expected the lease to be forced HALTED, got %+v", forced)
	}

	cur, _ := mgr.Get(ctx, draft.ID)
	if cur.State != engine.LeaseStateHalted {
		t.Errorf("stored state = %s, want HALTED", cur.State)
	}
	active, _ := f.store.ListLeases(ctx, engine.LeaseFilter{States: []engine.LeaseState{engine.LeaseStateActive}})
	if len(active) != 0 {
		t.Errorf("no lease may stay ACTIVE under a global halt, got %d", len(active))
	}
}
