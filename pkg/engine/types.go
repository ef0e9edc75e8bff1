package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Primitive is a detection primitive a cartridge may claim to use.
// The set is closed; manifests naming anything else are rejected.
type Primitive string

const (
	PrimitiveSweepDetection  Primitive = "sweep_detection"
	PrimitiveSessionRange    Primitive = "session_range"
	PrimitiveLiquidityPool   Primitive = "liquidity_pool"
	PrimitiveDisplacement    Primitive = "displacement"
	PrimitiveFairValueGap    Primitive = "fair_value_gap"
	PrimitiveOrderBlock      Primitive = "order_block"
	PrimitiveTimeWindowGate  Primitive = "time_window_gate"
	PrimitiveRegimeFilter    Primitive = "regime_filter"
	PrimitiveVolatilityBands Primitive = "volatility_bands"
)

// Primitives returns the closed primitive enumeration in stable order.
func Primitives() []Primitive {
	return []Primitive{
		PrimitiveSweepDetection,
		PrimitiveSessionRange,
		PrimitiveLiquidityPool,
		PrimitiveDisplacement,
		PrimitiveFairValueGap,
		PrimitiveOrderBlock,
		PrimitiveTimeWindowGate,
		PrimitiveRegimeFilter,
		PrimitiveVolatilityBands,
	}
}

// IsValid reports whether p belongs to the closed enumeration.
func (p Primitive) IsValid() bool {
	for _, known := range Primitives() {
		if p == known {
			return true
		}
	}
	return false
}

// Regime is a market regime label.
type Regime string

const (
	RegimeTrending Regime = "trending"
	RegimeRanging  Regime = "ranging"
	RegimeVolatile Regime = "volatile"
	RegimeQuiet    Regime = "quiet"
	RegimeAny      Regime = "any"
)

// IsValid reports whether r is a known regime.
func (r Regime) IsValid() bool {
	switch r {
	case RegimeTrending, RegimeRanging, RegimeVolatile, RegimeQuiet, RegimeAny:
		return true
	}
	return false
}

// TimeWindow is a named session window. Both UTC offsets are explicit so a
// DST change never silently moves the window.
type TimeWindow struct {
	Name            string `json:"name" yaml:"name" validate:"required"`
	Zone            string `json:"zone" yaml:"zone"`
	Start           string `json:"start" yaml:"start" validate:"required"`
	End             string `json:"end" yaml:"end" validate:"required"`
	WinterUTCOffset string `json:"winter_utc_offset,omitempty" yaml:"winter_utc_offset,omitempty"`
	SummerUTCOffset string `json:"summer_utc_offset,omitempty" yaml:"summer_utc_offset,omitempty"`
}

// Scope declares where a cartridge applies.
type Scope struct {
	Instruments    []string     `json:"instruments" yaml:"instruments" validate:"required,min=1,dive,required"`
	RegimeAffinity []Regime     `json:"regime_affinity" yaml:"regime_affinity" validate:"required,min=1"`
	Windows        []TimeWindow `json:"windows" yaml:"windows" validate:"dive"`
}

// RiskDefaults is the cartridge floor. Lease bounds may only tighten it.
type RiskDefaults struct {
	MaxDrawdownPct       float64 `json:"max_drawdown_pct" yaml:"max_drawdown_pct" validate:"gt=0"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses" yaml:"max_consecutive_losses" validate:"gt=0"`
	PerTradePct          float64 `json:"per_trade_pct" yaml:"per_trade_pct" validate:"gt=0"`
	MaxDailyActions      int     `json:"max_daily_actions" yaml:"max_daily_actions" validate:"gt=0"`
}

// Compatibility declares what the cartridge needs from the running engine.
type Compatibility struct {
	MinEngineVersion string `json:"min_engine_version,omitempty" yaml:"min_engine_version,omitempty"`
}

// CalibrationSpec declares the expected behaviour used by the shadow calibration run.
type CalibrationSpec struct {
	ExpectedTriggersPerSession float64 `json:"expected_triggers_per_session,omitempty" yaml:"expected_triggers_per_session,omitempty" validate:"gte=0"`
}

// CartridgeManifest is a declarative, versioned strategy definition.
// It is immutable once inserted; a content change requires a new version.
type CartridgeManifest struct {
	Name          string                    `json:"name" yaml:"name" validate:"required"`
	Version       string                    `json:"version" yaml:"version" validate:"required"`
	Author        string                    `json:"author" yaml:"author" validate:"required"`
	ContentHash   string                    `json:"content_hash,omitempty" yaml:"content_hash,omitempty"`
	Scope         Scope                     `json:"scope" yaml:"scope"`
	RiskDefaults  RiskDefaults              `json:"risk_defaults" yaml:"risk_defaults"`
	Drawers       map[string]map[string]any `json:"drawers,omitempty" yaml:"drawers,omitempty"`
	Primitives    []Primitive               `json:"primitives" yaml:"primitives" validate:"required,min=1"`
	Invariants    []string                  `json:"invariants" yaml:"invariants"`
	Templates     map[string]string         `json:"templates,omitempty" yaml:"templates,omitempty"`
	Compatibility Compatibility             `json:"compatibility,omitempty" yaml:"compatibility,omitempty"`
	Calibration   CalibrationSpec           `json:"calibration,omitempty" yaml:"calibration,omitempty"`
}

// Ref returns the exact reference name@version.
func (m *CartridgeManifest) Ref() string {
	return FormatRef(m.Name, m.Version)
}

// Delta flattens the declared drawers into drawer.key entries.
func (m *CartridgeManifest) Delta() Configuration {
	delta := make(Configuration)
	for drawer, entries := range m.Drawers {
		for key, value := range entries {
			delta[drawer+"."+key] = value
		}
	}
	return delta
}

// Window returns the named window, if declared.
func (m *CartridgeManifest) Window(name string) (TimeWindow, bool) {
	for _, w := range m.Scope.Windows {
		if w.Name == name {
			return w, true
		}
	}
	return TimeWindow{}, false
}

// FormatRef builds an exact cartridge reference.
func FormatRef(name, version string) string {
	return name + "@" + version
}

// ParseRef splits name@version. "latest" and empty versions are rejected.
func ParseRef(ref string) (name, version string, err error) {
	name, version, ok := strings.Cut(ref, "@")
	if !ok || name == "" || version == "" {
		return "", "", fmt.Errorf("cartridge reference %q must be name@version", ref)
	}
	if strings.EqualFold(version, "latest") {
		return "", "", fmt.Errorf("cartridge reference %q must name an exact version", ref)
	}
	return name, version, nil
}

// Configuration is the shared evaluation configuration: flattened drawer.key to scalar value.
type Configuration map[string]any

// Keys returns the configuration keys in sorted order.
func (c Configuration) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a shallow copy.
func (c Configuration) Clone() Configuration {
	out := make(Configuration, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// RegistryStatus is the status of a cartridge in the registry index.
type RegistryStatus string

const (
	RegistryStatusInserted RegistryStatus = "inserted"
	RegistryStatusRetired  RegistryStatus = "retired"
)

// RegistryEntry is one row of the registry index.
type RegistryEntry struct {
	Ref           string         `json:"ref"`
	Name          string         `json:"name"`
	Version       string         `json:"version"`
	ContentHash   string         `json:"content_hash"`
	Status        RegistryStatus `json:"status"`
	InsertedAt    time.Time      `json:"inserted_at"`
	RetiredAt     *time.Time     `json:"retired_at,omitempty"`
	RetiredReason string         `json:"retired_reason,omitempty"`
}

// ConfigEntry is one key of the shared configuration. Owner is the earliest
// inserted cartridge still declaring the key; Owners lists all of them.
type ConfigEntry struct {
	Key    string   `json:"key"`
	Value  any      `json:"value"`
	Owner  string   `json:"owner"`
	Owners []string `json:"owners,omitempty"`
}

// InsertionCommit is the single atomic write performed after stage 7 succeeds.
type InsertionCommit struct {
	Manifest    *CartridgeManifest
	ContentHash string
	Document    []byte
	// Added are the configuration keys this cartridge contributes.
	Added []ConfigEntry
	// Shared are keys already present with an equal value; the cartridge is
	// recorded as a co-owner.
	Shared []string
	// Supersedes lists refs retired by this insertion; their keys are stripped.
	Supersedes []string
	At         time.Time
}

// LeaseState is the lease lifecycle state.
type LeaseState string

const (
	LeaseStateDraft   LeaseState = "DRAFT"
	LeaseStateActive  LeaseState = "ACTIVE"
	LeaseStateExpired LeaseState = "EXPIRED"
	LeaseStateRevoked LeaseState = "REVOKED"
	LeaseStateHalted  LeaseState = "HALTED"
)

// IsTerminal reports whether no further transition can leave s.
func (s LeaseState) IsTerminal() bool {
	return s == LeaseStateExpired || s == LeaseStateRevoked
}

// RenewalPolicy is fixed to perish. There is no value expressing auto-renewal.
type RenewalPolicy string

// RenewalPerish means the lease ends at expiry unless a ceremony creates a successor.
const RenewalPerish RenewalPolicy = "perish"

// ExpiryBehavior governs open obligations when a lease ends.
type ExpiryBehavior string

const (
	ExpiryCloseOut      ExpiryBehavior = "close_out"
	ExpiryFreezeAndWait ExpiryBehavior = "freeze_and_wait"
)

// Bounds are the lease ceilings. Every numeric bound must be <= its cartridge floor.
type Bounds struct {
	MaxDrawdownPct       float64  `json:"max_drawdown_pct" yaml:"max_drawdown_pct" validate:"gt=0"`
	MaxConsecutiveLosses int      `json:"max_consecutive_losses" yaml:"max_consecutive_losses" validate:"gt=0"`
	PositionSizeCap      float64  `json:"position_size_cap" yaml:"position_size_cap" validate:"gt=0"`
	MaxDailyActions      int      `json:"max_daily_actions" yaml:"max_daily_actions" validate:"gt=0"`
	AllowedInstruments   []string `json:"allowed_instruments" yaml:"allowed_instruments" validate:"required,min=1,dive,required"`
	AllowedWindows       []string `json:"allowed_windows,omitempty" yaml:"allowed_windows,omitempty" validate:"dive,required"`
}

// Governance holds ceremony metadata of a lease.
type Governance struct {
	Reviewer       string     `json:"reviewer"`
	LastCeremonyAt *time.Time `json:"last_ceremony_at,omitempty"`
	NextCeremonyAt *time.Time `json:"next_ceremony_at,omitempty"`
	AttestationID  string     `json:"attestation_id,omitempty"`
}

// Lease is a time-boxed authorization grant over one exact cartridge version.
type Lease struct {
	ID               string `json:"id"`
	CartridgeName    string `json:"cartridge_name"`
	CartridgeVersion string `json:"cartridge_version"`
	// CartridgeHash is the manifest content hash captured at lease creation.
	CartridgeHash string     `json:"cartridge_hash"`
	State         LeaseState `json:"state"`
	StateReason   string     `json:"state_reason,omitempty"`

	DurationSeconds int64      `json:"duration_seconds"`
	StartsAt        *time.Time `json:"starts_at,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`

	RenewalPolicy           RenewalPolicy  `json:"renewal_policy"`
	Bounds                  Bounds         `json:"bounds"`
	Governance              Governance     `json:"governance"`
	GovernanceBufferSeconds int64          `json:"governance_buffer_seconds"`
	OnExpiry                ExpiryBehavior `json:"on_expiry"`
	PredecessorID           string         `json:"predecessor_id,omitempty"`

	CreatedAt      time.Time `json:"created_at"`
	StateChangedAt time.Time `json:"state_changed_at"`

	// StateLockHash is the hash of the record at its last successful transition.
	StateLockHash string `json:"state_lock_hash"`
}

// CartridgeRef returns the exact subject reference.
func (l *Lease) CartridgeRef() string {
	return FormatRef(l.CartridgeName, l.CartridgeVersion)
}

// Duration returns the validity duration.
func (l *Lease) Duration() time.Duration {
	return time.Duration(l.DurationSeconds) * time.Second
}

// SoftExpiry is the instant the lease is treated as expired: expiry minus the governance buffer.
func (l *Lease) SoftExpiry() time.Time {
	if l.ExpiresAt == nil {
		return time.Time{}
	}
	return l.ExpiresAt.Add(-time.Duration(l.GovernanceBufferSeconds) * time.Second)
}

// Clone returns a deep copy suitable for computing a next state.
func (l *Lease) Clone() *Lease {
	out := *l
	out.Bounds.AllowedInstruments = append([]string(nil), l.Bounds.AllowedInstruments...)
	out.Bounds.AllowedWindows = append([]string(nil), l.Bounds.AllowedWindows...)
	out.StartsAt = cloneTime(l.StartsAt)
	out.ExpiresAt = cloneTime(l.ExpiresAt)
	out.Governance.LastCeremonyAt = cloneTime(l.Governance.LastCeremonyAt)
	out.Governance.NextCeremonyAt = cloneTime(l.Governance.NextCeremonyAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// LeaseFilter selects leases for listing.
type LeaseFilter struct {
	States        []LeaseState
	CartridgeName string
}

// BeadType is the kind of governance decision an audit bead records.
type BeadType string

const (
	BeadInsertion         BeadType = "insertion"
	BeadInsertionRejected BeadType = "insertion_rejected"
	BeadRemoval           BeadType = "removal"
	BeadCalibration       BeadType = "calibration"
	BeadLeaseDrafted      BeadType = "lease_drafted"
	BeadActivation        BeadType = "activation"
	BeadExpiry            BeadType = "expiry"
	BeadRevocation        BeadType = "revocation"
	BeadHalt              BeadType = "halt"
	BeadBreach            BeadType = "breach"
	BeadAttestation       BeadType = "attestation"
	BeadHaltAsserted      BeadType = "halt_asserted"
	BeadHaltReleased      BeadType = "halt_released"
)

// Bead is an immutable audit event. The stream is hash-chained.
type Bead struct {
	ID        string         `json:"id"`
	Seq       int64          `json:"seq"`
	Type      BeadType       `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	LeaseID   string         `json:"lease_id,omitempty"`
	Cartridge string         `json:"cartridge,omitempty"`
	Actor     string         `json:"actor"`
	Payload   map[string]any `json:"payload,omitempty"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
}

// BeadFilter selects beads for listing.
type BeadFilter struct {
	LeaseID   string
	Cartridge string
	Types     []BeadType
	Limit     int
}

// SignalKind is the kind of operational signal consumed from the evaluation engine.
type SignalKind string

const (
	// SignalOutcome reports a win or loss of a completed action.
	SignalOutcome SignalKind = "outcome"
	// SignalDrawdown reports the current drawdown percentage.
	SignalDrawdown SignalKind = "drawdown"
	// SignalAction reports an action the strategy took or intends to take.
	SignalAction SignalKind = "action"
	// SignalDecay reports decay or drift of the strategy's edge.
	SignalDecay SignalKind = "decay"
)

// Outcome values for SignalOutcome.
const (
	OutcomeWin  = "win"
	OutcomeLoss = "loss"
)

// Signal is one operational signal. Only the shape is specified here; the
// computation belongs to the external evaluation engine.
type Signal struct {
	LeaseID     string     `json:"lease_id" validate:"required"`
	Kind        SignalKind `json:"kind" validate:"required,oneof=outcome drawdown action decay"`
	At          time.Time  `json:"at"`
	Outcome     string     `json:"outcome,omitempty" validate:"omitempty,oneof=win loss"`
	DrawdownPct float64    `json:"drawdown_pct,omitempty"`
	Instrument  string     `json:"instrument,omitempty"`
	Window      string     `json:"window,omitempty"`
	Size        float64    `json:"size,omitempty"`
	DriftPct    float64    `json:"drift_pct,omitempty"`
}

// Breach describes one violated bound.
type Breach struct {
	Bound    string `json:"bound"`
	Limit    string `json:"limit"`
	Observed string `json:"observed"`
}

// String renders the breach for audit payloads.
func (b Breach) String() string {
	return fmt.Sprintf("%s: observed %s exceeds limit %s", b.Bound, b.Observed, b.Limit)
}

// CalibrationStatus tags a shadow calibration result.
type CalibrationStatus string

const (
	CalibrationOK       CalibrationStatus = "OK"
	CalibrationWarn     CalibrationStatus = "WARN"
	CalibrationBlock    CalibrationStatus = "BLOCK"
	CalibrationDeferred CalibrationStatus = "DEFERRED"
)

// CalibrationResult is the output of the one-session shadow run.
type CalibrationResult struct {
	Cartridge        string            `json:"cartridge"`
	Status           CalibrationStatus `json:"status"`
	ObservedTriggers float64           `json:"observed_triggers"`
	ExpectedTriggers float64           `json:"expected_triggers"`
	DriftPct         float64           `json:"drift_pct"`
	ThresholdPct     float64           `json:"threshold_pct"`
	Regime           Regime            `json:"regime,omitempty"`
	Reason           string            `json:"reason,omitempty"`
	RanAt            time.Time         `json:"ran_at"`
}

// CeremonyPhase is the human ceremony workflow phase.
type CeremonyPhase string

const (
	PhasePendingReview  CeremonyPhase = "PENDING_REVIEW"
	PhaseItemsConfirmed CeremonyPhase = "ITEMS_CONFIRMED"
	PhaseDecided        CeremonyPhase = "DECIDED"
)

// Decision is the renewal decision taken at the end of a ceremony.
type Decision string

const (
	DecisionRenew  Decision = "RENEW"
	DecisionModify Decision = "MODIFY"
	DecisionRevoke Decision = "REVOKE"
)

// ChecklistItem is one individually affirmed ceremony item.
type ChecklistItem struct {
	ID         string     `json:"id"`
	Text       string     `json:"text"`
	Affirmed   bool       `json:"affirmed"`
	AffirmedBy string     `json:"affirmed_by,omitempty"`
	AffirmedAt *time.Time `json:"affirmed_at,omitempty"`
}

// ForensicSummary is the audit digest presented to the reviewer.
type ForensicSummary struct {
	LeaseID        string            `json:"lease_id"`
	Cartridge      string            `json:"cartridge"`
	LeaseState     LeaseState        `json:"lease_state"`
	BeadCounts     map[BeadType]int  `json:"bead_counts"`
	Breaches       []string          `json:"breaches,omitempty"`
	LastHaltReason string            `json:"last_halt_reason,omitempty"`
	Calibration    CalibrationStatus `json:"calibration,omitempty"`
	FirstBeadAt    *time.Time        `json:"first_bead_at,omitempty"`
	LastBeadAt     *time.Time        `json:"last_bead_at,omitempty"`
	GeneratedAt    time.Time         `json:"generated_at"`
}

// Ceremony is one human renew/revoke/attest session over a lease.
type Ceremony struct {
	ID               string          `json:"id"`
	LeaseID          string          `json:"lease_id"`
	LeaseHash        string          `json:"lease_hash"`
	Reviewer         string          `json:"reviewer"`
	Phase            CeremonyPhase   `json:"phase"`
	Summary          ForensicSummary `json:"summary"`
	Items            []ChecklistItem `json:"items"`
	Decision         Decision        `json:"decision,omitempty"`
	ModifiedBounds   *Bounds         `json:"modified_bounds,omitempty"`
	AttestationID    string          `json:"attestation_id,omitempty"`
	SuccessorLeaseID string          `json:"successor_lease_id,omitempty"`
	OpenedAt         time.Time       `json:"opened_at"`
	DecidedAt        *time.Time      `json:"decided_at,omitempty"`
}

// HaltScope is the reach of a halt assertion.
type HaltScope string

const (
	HaltScopeGlobal HaltScope = "global"
	HaltScopeLease  HaltScope = "lease"
)

// HaltAssertion is one override asserted through the halt gateway.
type HaltAssertion struct {
	ID         string     `json:"id"`
	Scope      HaltScope  `json:"scope"`
	LeaseID    string     `json:"lease_id,omitempty"`
	Reason     string     `json:"reason"`
	Source     string     `json:"source"`
	AssertedAt time.Time  `json:"asserted_at"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
	ReleasedBy string     `json:"released_by,omitempty"`
}
