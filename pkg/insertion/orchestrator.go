package insertion

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/leasehold/pkg/audit"
	"github.com/openfroyo/leasehold/pkg/cartridge"
	"github.com/openfroyo/leasehold/pkg/config"
	"github.com/openfroyo/leasehold/pkg/drawer"
	"github.com/openfroyo/leasehold/pkg/engine"
	"github.com/openfroyo/leasehold/pkg/policy"
	"github.com/openfroyo/leasehold/pkg/telemetry"
)

// ActorInsertion is the actor recorded on automatic lease revocations.
const ActorInsertion = "insertion"

// GuardDog re-scans the combined configuration before the registry write.
type GuardDog interface {
	Evaluate(ctx context.Context, input *policy.Input) (*policy.Result, error)
}

// LeaseRevoker revokes the leases that depend on a cartridge.
type LeaseRevoker interface {
	RevokeDependents(ctx context.Context, ref, reason, actor string) ([]string, error)
}

// StageError is an aborted insertion. Err carries the classified rejection.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("insertion aborted at stage %d (%s): %v", e.Stage, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Result is a committed insertion.
type Result struct {
	Ref           string                    `json:"ref"`
	ContentHash   string                    `json:"content_hash"`
	Added         []string                  `json:"added,omitempty"`
	Unchanged     []string                  `json:"unchanged,omitempty"`
	Superseded    []string                  `json:"superseded,omitempty"`
	RevokedLeases []string                  `json:"revoked_leases,omitempty"`
	Warnings      []string                  `json:"warnings,omitempty"`
	Calibration   *engine.CalibrationResult `json:"calibration"`
}

// Removal is a committed removal.
type Removal struct {
	Ref           string   `json:"ref"`
	RevokedLeases []string `json:"revoked_leases,omitempty"`
}

// Config holds the orchestrator settings.
type Config struct {
	EngineVersion     string
	DriftThresholdPct float64
}

// Orchestrator runs the insertion pipeline. One insertion or removal is in
// flight at a time; others queue.
type Orchestrator struct {
	sem chan struct{}

	validator  *cartridge.Validator
	store      engine.RegistryStore
	guard      GuardDog
	leases     LeaseRevoker
	emitter    *audit.Emitter
	calibrator engine.Calibrator
	regime     engine.RegimeSource
	cfg        Config

	clock   engine.Clock
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	logger  zerolog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock sets the clock.
func WithClock(c engine.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithMetrics records stage outcomes and calibration drift.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer traces each insertion with one event per stage.
func WithTracer(t *telemetry.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithCalibrator sets the shadow runner. Without one, calibration is deferred.
func WithCalibrator(c engine.Calibrator) Option {
	return func(o *Orchestrator) { o.calibrator = c }
}

// WithRegimeSource sets the current market regime source.
func WithRegimeSource(r engine.RegimeSource) Option {
	return func(o *Orchestrator) { o.regime = r }
}

// NewOrchestrator creates an insertion orchestrator.
func NewOrchestrator(v *cartridge.Validator, store engine.RegistryStore, guard GuardDog, leases LeaseRevoker,
	emitter *audit.Emitter, cfg Config, logger zerolog.Logger, opts ...Option) *Orchestrator {
	if cfg.DriftThresholdPct <= 0 {
		cfg.DriftThresholdPct = 25
	}

	o := &Orchestrator{
		sem:       make(chan struct{}, 1),
		validator: v,
		store:     store,
		guard:     guard,
		leases:    leases,
		emitter:   emitter,
		cfg:       cfg,
		clock:     engine.SystemClock{},
		logger:    logger.With().Str("component", "insertion").Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) acquire(ctx context.Context) error {
	select {
	case o.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) release() {
	<-o.sem
}

// run tracks the span and the stage reached by one insertion.
type run struct {
	span  trace.Span
	stage Stage
}

func (r *run) pass(s Stage) {
	r.stage = s
	if r.span != nil {
		telemetry.AddStageEvent(r.span, int(s), s.String(), "passed")
	}
}

// Insert runs stages 1 to 7 and, if all pass, writes the registry in a single
// commit and runs the stage 8 calibration. A failure before the commit leaves
// the registry and configuration untouched.
func (o *Orchestrator) Insert(ctx context.Context, doc *config.Document, actor string) (*Result, error) {
	if err := o.acquire(ctx); err != nil {
		return nil, fmt.Errorf("failed to wait for insertion slot: %w", err)
	}
	defer o.release()

	start := o.clock.Now()
	r := &run{}
	if o.tracer != nil {
		var span trace.Span
		ctx, span = o.tracer.StartInsertionSpan(ctx, doc.Path)
		defer span.End()
		r.span = span
	}

	res, m, err := o.insert(ctx, doc, r)
	if err != nil {
		failed := r.stage + 1
		if failed > StageGuardDog {
			// The commit itself is the index write.
			failed = StageIndex
		}
		stageErr := &StageError{Stage: failed, Err: err}
		o.reject(ctx, stageErr, m, actor, start, r)
		return nil, stageErr
	}

	if r.span != nil {
		telemetry.RecordSuccess(r.span)
	}
	o.metrics.RecordInsertion(StageGuardDog.String(), "accepted", o.clock.Now().Sub(start))
	o.logger.Info().
		Str("cartridge", res.Ref).
		Str("content_hash", res.ContentHash).
		Strs("added", res.Added).
		Strs("superseded", res.Superseded).
		Msg("Cartridge inserted")

	if _, err := o.emitter.Emit(ctx, audit.Record{
		Type:      engine.BeadInsertion,
		Cartridge: res.Ref,
		Actor:     actor,
		Payload: map[string]any{
			"content_hash":   res.ContentHash,
			"added":          res.Added,
			"superseded":     res.Superseded,
			"revoked_leases": res.RevokedLeases,
			"warnings":       res.Warnings,
		},
	}); err != nil {
		return res, fmt.Errorf("cartridge inserted but not recorded: %w", err)
	}

	res.Calibration = o.Calibrate(ctx, m, actor)
	if r.span != nil {
		telemetry.AddStageEvent(r.span, int(StageCalibration), StageCalibration.String(), string(res.Calibration.Status))
	}
	return res, nil
}

func (o *Orchestrator) insert(ctx context.Context, doc *config.Document, r *run) (*Result, *engine.CartridgeManifest, error) {
	// Stage 1: structure, version format, primitive enumeration, declared hash.
	m, violations, err := o.validator.CheckSchema(ctx, doc)
	if err != nil {
		return nil, nil, err
	}
	if len(violations) == 0 {
		violations = o.validator.CheckPrimitives(m)
	}
	if len(violations) > 0 {
		return nil, m, engine.NewSchemaInvalid("manifest rejected by schema check", violations...)
	}
	hash, err := cartridge.ContentHash(m)
	if err != nil {
		return nil, m, err
	}
	if m.ContentHash != "" && m.ContentHash != hash {
		return nil, m, engine.NewSchemaInvalid("manifest rejected by schema check",
			fmt.Sprintf("content_hash %s does not match computed %s", m.ContentHash, hash))
	}
	m = cartridge.Normalize(m)
	m.ContentHash = hash
	ref := m.Ref()
	r.pass(StageSchema)

	// Stage 2
	if violations := o.validator.CheckInvariants(m); len(violations) > 0 {
		return nil, m, engine.NewSchemaInvalid("manifest rejected by invariants check", violations...).WithCartridge(ref)
	}
	r.pass(StageInvariants)

	// Stage 3: engine version, zone database, registry versions.
	index, err := o.store.ListRegistry(ctx)
	if err != nil {
		return nil, m, fmt.Errorf("failed to read registry index: %w", err)
	}
	supersedes, violations := o.compatibility(m, index)
	violations = append(violations, o.validator.CheckWindows(m)...)
	if len(violations) > 0 {
		return nil, m, engine.NewSchemaInvalid("manifest rejected by compatibility check", violations...).WithCartridge(ref)
	}
	r.pass(StageCompatibility)

	// Stage 4
	if violations := o.validator.CheckTemplates(m); len(violations) > 0 {
		return nil, m, engine.NewSchemaInvalid("manifest rejected by forbidden_patterns check", violations...).WithCartridge(ref)
	}
	r.pass(StagePatterns)

	// Stage 5: merge against the base without the keys of superseded versions.
	entries, err := o.store.GetConfiguration(ctx)
	if err != nil {
		return nil, m, fmt.Errorf("failed to read configuration: %w", err)
	}
	current, owners := drawer.FromEntries(entries)
	base := drawer.Without(current, owners, supersedes...)
	merged, err := drawer.MergeOwned(base, m.Delta(), owners)
	if err != nil {
		var conflict *drawer.ConflictError
		if errors.As(err, &conflict) {
			return nil, m, conflict.GovernanceError().WithCartridge(ref)
		}
		return nil, m, err
	}
	r.pass(StageMerge)

	// Stage 6: the prospective index. Nothing is written until stage 7 passes.
	remaining := owners.Without(supersedes...)
	mergedOwners := make(map[string]string, len(merged.Merged))
	for key := range merged.Merged {
		mergedOwners[key] = remaining.Primary(key)
	}
	for _, key := range merged.Added {
		mergedOwners[key] = ref
	}
	commit := &engine.InsertionCommit{
		Manifest:    m,
		ContentHash: hash,
		Document:    doc.Raw,
		Added:       drawer.Entries(merged.Merged, merged.Added, ref),
		Shared:      merged.Unchanged,
		Supersedes:  supersedes,
		At:          o.clock.Now(),
	}
	prospective := prospectiveIndex(index, m, supersedes)
	r.pass(StageIndex)

	// Stage 7
	scan, err := o.guard.Evaluate(ctx, &policy.Input{
		Configuration: merged.Merged,
		Owners:        mergedOwners,
		Candidate:     m,
		Registry:      prospective,
		Context: policy.Context{
			Operation:     "insert",
			EngineVersion: o.cfg.EngineVersion,
			Timestamp:     commit.At,
		},
	})
	if err != nil {
		return nil, m, engine.NewGuardDogFailure("guard-dog re-scan failed", err.Error()).WithCartridge(ref).WithCause(err)
	}
	if !scan.Allowed {
		return nil, m, engine.NewGuardDogFailure("guard-dog re-scan rejected the combined configuration", scan.Messages()...).WithCartridge(ref)
	}
	r.pass(StageGuardDog)

	if err := o.store.CommitInsertion(ctx, commit); err != nil {
		if errors.Is(err, engine.ErrCartridgeExists) {
			return nil, m, engine.NewSchemaInvalid("manifest rejected by compatibility check",
				fmt.Sprintf("cartridge %s was already inserted once", ref)).WithCartridge(ref).WithCause(err)
		}
		return nil, m, fmt.Errorf("failed to commit insertion: %w", err)
	}

	res := &Result{
		Ref:         ref,
		ContentHash: hash,
		Added:       merged.Added,
		Unchanged:   merged.Unchanged,
		Superseded:  supersedes,
	}
	for _, w := range scan.Warnings {
		res.Warnings = append(res.Warnings, w.String())
	}

	for _, old := range supersedes {
		revoked, err := o.leases.RevokeDependents(ctx, old, "superseded by "+ref, ActorInsertion)
		res.RevokedLeases = append(res.RevokedLeases, revoked...)
		if err != nil {
			o.logger.Error().Err(err).Str("cartridge", old).Msg("Failed to revoke leases of superseded cartridge")
		}
	}

	return res, m, nil
}

// compatibility checks the engine version and the registry. It returns the
// inserted refs of the same name that a strictly higher version supersedes.
func (o *Orchestrator) compatibility(m *engine.CartridgeManifest, index []*engine.RegistryEntry) ([]string, []string) {
	var supersedes, violations []string

	if mv := m.Compatibility.MinEngineVersion; mv != "" && o.cfg.EngineVersion != "" {
		if cartridge.CompareVersions(o.cfg.EngineVersion, mv) < 0 {
			violations = append(violations, fmt.Sprintf("requires engine %s, running %s", mv, o.cfg.EngineVersion))
		}
	}

	for _, e := range index {
		if e.Name != m.Name {
			continue
		}
		if e.Version == m.Version {
			violations = append(violations, fmt.Sprintf("cartridge %s was already inserted once (%s)", e.Ref, e.Status))
			continue
		}
		if e.Status != engine.RegistryStatusInserted {
			continue
		}
		if cartridge.CompareVersions(m.Version, e.Version) <= 0 {
			violations = append(violations, fmt.Sprintf("version %s does not supersede inserted %s", m.Version, e.Ref))
			continue
		}
		supersedes = append(supersedes, e.Ref)
	}

	sort.Strings(supersedes)
	return supersedes, violations
}

func prospectiveIndex(index []*engine.RegistryEntry, m *engine.CartridgeManifest, supersedes []string) []policy.RegistryView {
	retired := make(map[string]bool, len(supersedes))
	for _, ref := range supersedes {
		retired[ref] = true
	}

	views := make([]policy.RegistryView, 0, len(index)+1)
	for _, e := range index {
		status := string(e.Status)
		if retired[e.Ref] {
			status = string(engine.RegistryStatusRetired)
		}
		views = append(views, policy.RegistryView{Ref: e.Ref, Name: e.Name, Version: e.Version, Status: status})
	}
	views = append(views, policy.RegistryView{
		Ref:     m.Ref(),
		Name:    m.Name,
		Version: m.Version,
		Status:  string(engine.RegistryStatusInserted),
	})
	return views
}

func (o *Orchestrator) reject(ctx context.Context, se *StageError, m *engine.CartridgeManifest, actor string, start time.Time, r *run) {
	kind := engine.KindOf(se.Err)
	o.metrics.RecordInsertion(se.Stage.String(), "rejected", o.clock.Now().Sub(start))
	o.metrics.RecordRejection(string(kind))
	if r.span != nil {
		telemetry.AddStageEvent(r.span, int(se.Stage), se.Stage.String(), "rejected")
		telemetry.RecordError(r.span, se)
	}

	ref := ""
	if m != nil && m.Name != "" && m.Version != "" {
		ref = m.Ref()
	}
	var violations []string
	var gerr *engine.GovernanceError
	if errors.As(se.Err, &gerr) {
		violations = gerr.Violations
	}

	o.logger.Warn().
		Str("cartridge", ref).
		Int("stage", int(se.Stage)).
		Str("stage_name", se.Stage.String()).
		Str("kind", string(kind)).
		Strs("violations", violations).
		Msg("Insertion rejected")

	if _, err := o.emitter.Emit(ctx, audit.Record{
		Type:      engine.BeadInsertionRejected,
		Cartridge: ref,
		Actor:     actor,
		Payload: map[string]any{
			"stage":             int(se.Stage),
			"stage_name":        se.Stage.String(),
			"kind":              string(kind),
			audit.PayloadReason: se.Err.Error(),
			"violations":        violations,
		},
	}); err != nil {
		o.logger.Error().Err(err).Msg("Failed to record insertion rejection")
	}
}

// Remove revokes every lease on ref, strips its configuration keys, and
// retires its index entry. The archived manifest is kept.
func (o *Orchestrator) Remove(ctx context.Context, ref, reason, actor string) (*Removal, error) {
	if _, _, err := engine.ParseRef(ref); err != nil {
		return nil, engine.NewSchemaInvalid("invalid cartridge reference", err.Error())
	}
	if err := o.acquire(ctx); err != nil {
		return nil, fmt.Errorf("failed to wait for insertion slot: %w", err)
	}
	defer o.release()

	_, entry, err := o.store.GetManifest(ctx, ref)
	if err != nil {
		if errors.Is(err, engine.ErrCartridgeNotFound) {
			return nil, engine.NewNotFound(fmt.Sprintf("cartridge %s not found", ref), err)
		}
		return nil, err
	}
	if entry.Status != engine.RegistryStatusInserted {
		return nil, engine.NewNotFound(fmt.Sprintf("cartridge %s is already %s", ref, entry.Status), engine.ErrCartridgeNotFound)
	}
	if reason == "" {
		reason = "removed"
	}

	revoked, err := o.leases.RevokeDependents(ctx, ref, "cartridge removed: "+reason, actor)
	if err != nil {
		return nil, fmt.Errorf("failed to revoke dependent leases: %w", err)
	}

	if err := o.store.CommitRemoval(ctx, ref, reason, o.clock.Now()); err != nil {
		return nil, fmt.Errorf("failed to commit removal: %w", err)
	}

	o.logger.Info().Str("cartridge", ref).Strs("revoked_leases", revoked).Msg("Cartridge removed")

	removal := &Removal{Ref: ref, RevokedLeases: revoked}
	if _, err := o.emitter.Emit(ctx, audit.Record{
		Type:      engine.BeadRemoval,
		Cartridge: ref,
		Actor:     actor,
		Payload: map[string]any{
			audit.PayloadReason: reason,
			"revoked_leases":    revoked,
		},
	}); err != nil {
		return removal, fmt.Errorf("cartridge removed but not recorded: %w", err)
	}
	return removal, nil
}
