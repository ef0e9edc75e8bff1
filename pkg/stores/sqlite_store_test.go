package stores

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/leasehold/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: MemoryPath,
	})
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
	return store
}

var testNow = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func newDraft(t *testing.T, id string) *engine.Lease {
	t.Helper()
	l := &engine.Lease{
		ID:               id,
		CartridgeName:    "ASIA_SCALP",
		CartridgeVersion: "1.0.0",
		CartridgeHash:    "sha256:abc",
		State:            engine.LeaseStateDraft,
		DurationSeconds:  3600,
		RenewalPolicy:    engine.RenewalPerish,
		Bounds: engine.Bounds{
			MaxDrawdownPct:       2,
			MaxConsecutiveLosses: 3,
			PositionSizeCap:      0.5,
			MaxDailyActions:      5,
			AllowedInstruments:   []string{"USDJPY"},
		},
		Governance:              engine.Governance{Reviewer: "alice"},
		GovernanceBufferSeconds: 60,
		OnExpiry:                engine.ExpiryCloseOut,
		CreatedAt:               testNow,
		StateChangedAt:          testNow,
	}
	hash, err := engine.ComputeStateLockHash(l)
	if err != nil {
		t.Fatal(err)
	}
	l.StateLockHash = hash
	return l
}

// transition computes the next record the way the lease manager does.
func transition(t *testing.T, l *engine.Lease, to engine.LeaseState) *engine.Lease {
	t.Helper()
	next := l.Clone()
	next.State = to
	next.StateChangedAt = next.StateChangedAt.Add(time.Second)
	hash, err := engine.ComputeStateLockHash(next)
	if err != nil {
		t.Fatal(err)
	}
	next.StateLockHash = hash
	return next
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: MemoryPath,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	// Migrating twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"manifests", "registry", "configuration", "active_pointer", "calibrations", "leases", "beads", "ceremonies", "halts"}
	for _, table := range tables {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestLeaseCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	draft := newDraft(t, "lease-1")
	if err := store.CreateLease(ctx, draft); err != nil {
		t.Fatalf("failed to create lease: %v", err)
	}
	if err := store.CreateLease(ctx, draft); err == nil {
		t.Error("expected duplicate id to fail")
	}

	got, err := store.GetLease(ctx, "lease-1")
	if err != nil {
		t.Fatalf("failed to get lease: %v", err)
	}
	if got.StateLockHash != draft.StateLockHash || got.Bounds.PositionSizeCap != 0.5 {
		t.Errorf("unexpected lease: %+v", got)
	}

	// The stored record hashes to its own state lock hash.
	rehash, err := engine.ComputeStateLockHash(got)
	if err != nil {
		t.Fatal(err)
	}
	if rehash != got.StateLockHash {
		t.Errorf("round-tripped record hash = %s, want %s", rehash, got.StateLockHash)
	}

	if _, err := store.GetLease(ctx, "missing"); !errors.Is(err, engine.ErrLeaseNotFound) {
		t.Errorf("expected ErrLeaseNotFound, got %v", err)
	}

	other := newDraft(t, "lease-2")
	other.CartridgeName = "LONDON_BREAK"
	other.CreatedAt = testNow.Add(time.Minute)
	if err := store.CreateLease(ctx, other); err != nil {
		t.Fatal(err)
	}

	all, err := store.ListLeases(ctx, engine.LeaseFilter{})
	if err != nil {
		t.Fatalf("ListLeases() error = %v", err)
	}
	if len(all) != 2 || all[0].ID != "lease-1" {
		t.Errorf("unexpected listing: %d leases", len(all))
	}

	byName, _ := store.ListLeases(ctx, engine.LeaseFilter{CartridgeName: "LONDON_BREAK"})
	if len(byName) != 1 || byName[0].ID != "lease-2" {
		t.Errorf("unexpected name filter result: %v", byName)
	}

	active, _ := store.ListLeases(ctx, engine.LeaseFilter{States: []engine.LeaseState{engine.LeaseStateActive}})
	if len(active) != 0 {
		t.Errorf("expected no active leases, got %d", len(active))
	}
}

func TestCompareAndSwapLease(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	draft := newDraft(t, "lease-1")
	if err := store.CreateLease(ctx, draft); err != nil {
		t.Fatal(err)
	}

	active := transition(t, draft, engine.LeaseStateActive)
	if err := store.CompareAndSwapLease(ctx, active, draft.StateLockHash); err != nil {
		t.Fatalf("CAS with current hash failed: %v", err)
	}

	// A writer still holding the draft hash is rejected, never merged.
	revoked := transition(t, draft, engine.LeaseStateRevoked)
	err := store.CompareAndSwapLease(ctx, revoked, draft.StateLockHash)
	if !errors.Is(err, engine.ErrCASMismatch) {
		t.Fatalf("expected ErrCASMismatch, got %v", err)
	}

	got, _ := store.GetLease(ctx, "lease-1")
	if got.State != engine.LeaseStateActive {
		t.Errorf("stale write changed state to %s", got.State)
	}

	ghost := newDraft(t, "ghost")
	if err := store.CompareAndSwapLease(ctx, ghost, ghost.StateLockHash); !errors.Is(err, engine.ErrLeaseNotFound) {
		t.Errorf("expected ErrLeaseNotFound, got %v", err)
	}
}

func TestCompareAndSwapLease_ConcurrentExactlyOneWins(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	draft := newDraft(t, "lease-1")
	if err := store.CreateLease(ctx, draft); err != nil {
		t.Fatal(err)
	}
	active := transition(t, draft, engine.LeaseStateActive)
	if err := store.CompareAndSwapLease(ctx, active, draft.StateLockHash); err != nil {
		t.Fatal(err)
	}

	const writers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, rejected := 0, 0

	for i := 0; i < writers; i++ {
		to := engine.LeaseStateRevoked
		if i%2 == 0 {
			to = engine.LeaseStateHalted
		}
		next := transition(t, active, to)
		next.StateReason = string(rune('a' + i))
		hash, _ := engine.ComputeStateLockHash(next)
		next.StateLockHash = hash

		wg.Add(1)
		go func(next *engine.Lease) {
			defer wg.Done()
			err := store.CompareAndSwapLease(ctx, next, active.StateLockHash)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, engine.ErrCASMismatch):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(next)
	}
	wg.Wait()

	if succeeded != 1 || rejected != writers-1 {
		t.Errorf("succeeded=%d rejected=%d, want 1 and %d", succeeded, rejected, writers-1)
	}
}

func TestSingleActiveLease(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first := newDraft(t, "lease-1")
	second := newDraft(t, "lease-2")
	for _, l := range []*engine.Lease{first, second} {
		if err := store.CreateLease(ctx, l); err != nil {
			t.Fatal(err)
		}
	}

	if err := store.CompareAndSwapLease(ctx, transition(t, first, engine.LeaseStateActive), first.StateLockHash); err != nil {
		t.Fatal(err)
	}
	err := store.CompareAndSwapLease(ctx, transition(t, second, engine.LeaseStateActive), second.StateLockHash)
	if !errors.Is(err, engine.ErrActiveLeaseExists) {
		t.Fatalf("expected ErrActiveLeaseExists, got %v", err)
	}
}

func testManifest(name, version string, drawers map[string]map[string]any) *engine.CartridgeManifest {
	return &engine.CartridgeManifest{
		Name:    name,
		Version: version,
		Author:  "desk-a",
		Scope: engine.Scope{
			Instruments:    []string{"USDJPY"},
			RegimeAffinity: []engine.Regime{engine.RegimeRanging},
		},
		RiskDefaults: engine.RiskDefaults{MaxDrawdownPct: 3, MaxConsecutiveLosses: 4, PerTradePct: 1, MaxDailyActions: 10},
		Drawers:      drawers,
		Primitives:   []engine.Primitive{engine.PrimitiveSweepDetection},
		Invariants:   []string{"ceiling_over_floor"},
	}
}

func TestRegistryCommitInsertionAndRemoval(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	v1 := testManifest("ASIA_SCALP", "1.0.0", map[string]map[string]any{"sweep": {"sweep_extension_min_pips": 1.0}})
	err := store.CommitInsertion(ctx, &engine.InsertionCommit{
		Manifest:    v1,
		ContentHash: "sha256:v1",
		Document:    []byte("name: ASIA_SCALP\n"),
		Added:       []engine.ConfigEntry{{Key: "sweep.sweep_extension_min_pips", Value: 1.0, Owner: v1.Ref()}},
		At:          testNow,
	})
	if err != nil {
		t.Fatalf("CommitInsertion() error = %v", err)
	}

	m, entry, err := store.GetManifest(ctx, "ASIA_SCALP@1.0.0")
	if err != nil {
		t.Fatalf("GetManifest() error = %v", err)
	}
	if m.Drawers["sweep"]["sweep_extension_min_pips"] != 1.0 || entry.Status != engine.RegistryStatusInserted || !entry.InsertedAt.Equal(testNow) {
		t.Errorf("unexpected manifest %+v / entry %+v", m, entry)
	}
	doc, err := store.GetManifestDocument(ctx, "ASIA_SCALP@1.0.0")
	if err != nil || string(doc) != "name: ASIA_SCALP\n" {
		t.Errorf("GetManifestDocument() = %q, %v", doc, err)
	}

	// The same exact version can never be inserted twice.
	err = store.CommitInsertion(ctx, &engine.InsertionCommit{Manifest: v1, ContentHash: "sha256:v1", At: testNow})
	if !errors.Is(err, engine.ErrCartridgeExists) {
		t.Errorf("expected ErrCartridgeExists, got %v", err)
	}

	// Supersession retires v1 and replaces its keys atomically.
	v2 := testManifest("ASIA_SCALP", "1.1.0", map[string]map[string]any{"sweep": {"sweep_extension_min_pips": 2.0}})
	err = store.CommitInsertion(ctx, &engine.InsertionCommit{
		Manifest:    v2,
		ContentHash: "sha256:v2",
		Added:       []engine.ConfigEntry{{Key: "sweep.sweep_extension_min_pips", Value: 2.0, Owner: v2.Ref()}},
		Supersedes:  []string{v1.Ref()},
		At:          testNow.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("superseding CommitInsertion() error = %v", err)
	}

	cfg, err := store.GetConfiguration(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg) != 1 || cfg[0].Value != 2.0 || cfg[0].Owner != "ASIA_SCALP@1.1.0" {
		t.Errorf("unexpected configuration after supersession: %+v", cfg)
	}

	index, err := store.ListRegistry(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(index) != 2 || index[0].Status != engine.RegistryStatusRetired || index[0].RetiredReason != "superseded by ASIA_SCALP@1.1.0" {
		t.Errorf("unexpected index: %+v", index)
	}

	if err := store.SetActivePointer(ctx, v2.Ref(), "lease-9"); err != nil {
		t.Fatal(err)
	}

	if err := store.CommitRemoval(ctx, v2.Ref(), "removed by alice", testNow.Add(2*time.Hour)); err != nil {
		t.Fatalf("CommitRemoval() error = %v", err)
	}
	cfg, _ = store.GetConfiguration(ctx)
	if len(cfg) != 0 {
		t.Errorf("removal should strip keys, got %+v", cfg)
	}
	ref, lease, _ := store.GetActivePointer(ctx)
	if ref != "" || lease != "" {
		t.Errorf("removal should clear the active pointer, got %s/%s", ref, lease)
	}

	// The manifest is archived, not deleted.
	if _, entry, err := store.GetManifest(ctx, v2.Ref()); err != nil || entry.Status != engine.RegistryStatusRetired {
		t.Errorf("expected retired archived manifest, got %v / %v", entry, err)
	}

	if err := store.CommitRemoval(ctx, v2.Ref(), "again", testNow); !errors.Is(err, engine.ErrCartridgeNotFound) {
		t.Errorf("expected ErrCartridgeNotFound on double removal, got %v", err)
	}
	if _, _, err := store.GetManifest(ctx, "NOPE@1.0.0"); !errors.Is(err, engine.ErrCartridgeNotFound) {
		t.Errorf("expected ErrCartridgeNotFound, got %v", err)
	}
}

func TestRegistrySharedKeyOwnership(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	key := "sweep.sweep_extension_min_pips"

	a := testManifest("CART_A", "1.0.0", map[string]map[string]any{"sweep": {"sweep_extension_min_pips": 1.0}})
	b := testManifest("CART_B", "1.0.0", map[string]map[string]any{"sweep": {"sweep_extension_min_pips": 1.0}})
	if err := store.CommitInsertion(ctx, &engine.InsertionCommit{
		Manifest: a, ContentHash: "sha256:a", At: testNow,
		Added: []engine.ConfigEntry{{Key: key, Value: 1.0, Owner: a.Ref()}},
	}); err != nil {
		t.Fatalf("insert A: %v", err)
	}
	if err := store.CommitInsertion(ctx, &engine.InsertionCommit{
		Manifest: b, ContentHash: "sha256:b", At: testNow.Add(time.Minute),
		Shared: []string{key},
	}); err != nil {
		t.Fatalf("insert B: %v", err)
	}

	cfg, err := store.GetConfiguration(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg) != 1 || cfg[0].Owner != a.Ref() || len(cfg[0].Owners) != 2 || cfg[0].Owners[1] != b.Ref() {
		t.Fatalf("unexpected shared configuration: %+v", cfg)
	}

	if err := store.CommitRemoval(ctx, a.Ref(), "removed by alice", testNow.Add(time.Hour)); err != nil {
		t.Fatalf("remove A: %v", err)
	}
	cfg, _ = store.GetConfiguration(ctx)
	if len(cfg) != 1 || cfg[0].Value != 1.0 || cfg[0].Owner != b.Ref() || len(cfg[0].Owners) != 1 {
		t.Fatalf("key declared by B must survive removal of A, got %+v", cfg)
	}

	if err := store.CommitRemoval(ctx, b.Ref(), "removed by alice", testNow.Add(2*time.Hour)); err != nil {
		t.Fatalf("remove B: %v", err)
	}
	if cfg, _ = store.GetConfiguration(ctx); len(cfg) != 0 {
		t.Errorf("removing the last owner should strip the key, got %+v", cfg)
	}

	// Sharing a key that is not present is refused.
	c := testManifest("CART_C", "1.0.0", nil)
	err = store.CommitInsertion(ctx, &engine.InsertionCommit{
		Manifest: c, ContentHash: "sha256:c", At: testNow.Add(3 * time.Hour),
		Shared: []string{key},
	})
	if err == nil {
		t.Error("expected an error sharing an absent key")
	}
}

func TestActivePointer(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	ref, lease, err := store.GetActivePointer(ctx)
	if err != nil || ref != "" || lease != "" {
		t.Fatalf("expected empty pointer, got %q %q %v", ref, lease, err)
	}

	_ = store.SetActivePointer(ctx, "A@1.0.0", "l1")
	_ = store.SetActivePointer(ctx, "B@1.0.0", "l2")
	ref, lease, _ = store.GetActivePointer(ctx)
	if ref != "B@1.0.0" || lease != "l2" {
		t.Errorf("pointer = %s/%s", ref, lease)
	}

	_ = store.SetActivePointer(ctx, "", "")
	ref, _, _ = store.GetActivePointer(ctx)
	if ref != "" {
		t.Errorf("expected cleared pointer, got %s", ref)
	}
}

func TestCalibrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	latest, err := store.LatestCalibration(ctx, "A@1.0.0")
	if err != nil || latest != nil {
		t.Fatalf("expected nil, got %v %v", latest, err)
	}

	for i, status := range []engine.CalibrationStatus{engine.CalibrationOK, engine.CalibrationBlock} {
		err := store.SaveCalibration(ctx, &engine.CalibrationResult{
			Cartridge: "A@1.0.0",
			Status:    status,
			RanAt:     testNow.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	latest, err = store.LatestCalibration(ctx, "A@1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if latest.Status != engine.CalibrationBlock {
		t.Errorf("latest status = %s, want BLOCK", latest.Status)
	}
}

func TestBeads(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	head, err := store.LastBead(ctx)
	if err != nil || head != nil {
		t.Fatalf("expected empty stream, got %v %v", head, err)
	}

	beads := []*engine.Bead{
		{ID: "b1", Seq: 1, Type: engine.BeadInsertion, Cartridge: "A@1.0.0", Actor: "insertion", Timestamp: testNow},
		{ID: "b2", Seq: 2, Type: engine.BeadActivation, LeaseID: "l1", Cartridge: "A@1.0.0", Actor: "ceremony", Timestamp: testNow,
			Payload: map[string]any{"reviewer": "alice", "items": []any{"a", "b"}}},
		{ID: "b3", Seq: 3, Type: engine.BeadHalt, LeaseID: "l1", Actor: "bounds-enforcer", Timestamp: testNow},
	}
	for _, b := range beads {
		if err := store.AppendBead(ctx, b); err != nil {
			t.Fatalf("AppendBead(%s) error = %v", b.ID, err)
		}
	}

	gap := &engine.Bead{ID: "b5", Seq: 5, Type: engine.BeadHalt, Actor: "x", Timestamp: testNow}
	if err := store.AppendBead(ctx, gap); !errors.Is(err, engine.ErrBeadSequence) {
		t.Errorf("expected ErrBeadSequence, got %v", err)
	}

	head, _ = store.LastBead(ctx)
	if head.ID != "b3" {
		t.Errorf("head = %s, want b3", head.ID)
	}

	forLease, _ := store.ListBeads(ctx, engine.BeadFilter{LeaseID: "l1"})
	if len(forLease) != 2 || forLease[0].Seq != 2 {
		t.Errorf("unexpected lease beads: %v", forLease)
	}
	if forLease[0].Payload["reviewer"] != "alice" {
		t.Errorf("payload lost: %v", forLease[0].Payload)
	}

	halts, _ := store.ListBeads(ctx, engine.BeadFilter{Types: []engine.BeadType{engine.BeadHalt}})
	if len(halts) != 1 || halts[0].ID != "b3" {
		t.Errorf("unexpected type filter result: %v", halts)
	}

	last2, _ := store.ListBeads(ctx, engine.BeadFilter{Limit: 2})
	if len(last2) != 2 || last2[0].Seq != 2 || last2[1].Seq != 3 {
		t.Errorf("limit should keep the most recent beads in order: %v", last2)
	}

	if _, err := store.db.ExecContext(ctx, `UPDATE beads SET actor = 'tamper' WHERE seq = 1`); err == nil {
		t.Error("expected beads to be append-only")
	}
	if _, err := store.db.ExecContext(ctx, `DELETE FROM beads`); err == nil {
		t.Error("expected bead deletion to fail")
	}

	if got, err := store.GetBead(ctx, "b2"); err != nil || got.Seq != 2 {
		t.Errorf("GetBead() = %v, %v", got, err)
	}
}

func TestCeremonies(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	lease := newDraft(t, "lease-1")
	if err := store.CreateLease(ctx, lease); err != nil {
		t.Fatal(err)
	}

	c := &engine.Ceremony{
		ID:       "c1",
		LeaseID:  "lease-1",
		Reviewer: "alice",
		Phase:    engine.PhasePendingReview,
		Items:    []engine.ChecklistItem{{ID: "forensics", Text: "Reviewed"}},
		OpenedAt: testNow,
	}
	if err := store.CreateCeremony(ctx, c); err != nil {
		t.Fatalf("CreateCeremony() error = %v", err)
	}

	c.Phase = engine.PhaseItemsConfirmed
	c.Items[0].Affirmed = true
	if err := store.UpdateCeremony(ctx, c); err != nil {
		t.Fatalf("UpdateCeremony() error = %v", err)
	}

	got, err := store.GetCeremony(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Phase != engine.PhaseItemsConfirmed || !got.Items[0].Affirmed {
		t.Errorf("unexpected ceremony: %+v", got)
	}

	list, _ := store.ListCeremonies(ctx, "lease-1")
	if len(list) != 1 {
		t.Errorf("expected 1 ceremony, got %d", len(list))
	}

	if _, err := store.GetCeremony(ctx, "nope"); !errors.Is(err, engine.ErrCeremonyNotFound) {
		t.Errorf("expected ErrCeremonyNotFound, got %v", err)
	}
	orphan := &engine.Ceremony{ID: "c2", LeaseID: "missing", Phase: engine.PhasePendingReview, OpenedAt: testNow}
	if err := store.CreateCeremony(ctx, orphan); err == nil {
		t.Error("expected foreign key failure for unknown lease")
	}
}

func TestHalts(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	global := &engine.HaltAssertion{ID: "h1", Scope: engine.HaltScopeGlobal, Reason: "risk desk", Source: "safety", AssertedAt: testNow}
	scoped := &engine.HaltAssertion{ID: "h2", Scope: engine.HaltScopeLease, LeaseID: "l1", Reason: "news", Source: "operator", AssertedAt: testNow.Add(time.Second)}
	for _, h := range []*engine.HaltAssertion{global, scoped} {
		if err := store.SaveHalt(ctx, h); err != nil {
			t.Fatalf("SaveHalt() error = %v", err)
		}
	}

	if err := store.ReleaseHalt(ctx, "h1", "bob", testNow.Add(time.Hour)); err != nil {
		t.Fatalf("ReleaseHalt() error = %v", err)
	}
	if err := store.ReleaseHalt(ctx, "h1", "bob", testNow.Add(time.Hour)); err == nil {
		t.Error("expected releasing twice to fail")
	}

	active, _ := store.ListHalts(ctx, false)
	if len(active) != 1 || active[0].ID != "h2" || active[0].LeaseID != "l1" {
		t.Errorf("unexpected active halts: %+v", active)
	}

	all, _ := store.ListHalts(ctx, true)
	if len(all) != 2 || all[0].ReleasedAt == nil || all[0].ReleasedBy != "bob" {
		t.Errorf("unexpected halt history: %+v", all)
	}
}
