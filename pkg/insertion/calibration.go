package insertion

import (
	"context"
	"fmt"
	"math"

	"github.com/openfroyo/leasehold/pkg/audit"
	"github.com/openfroyo/leasehold/pkg/config"
	"github.com/openfroyo/leasehold/pkg/engine"
)

// Classify tags a drift percentage: WARN above threshold, BLOCK above twice
// the threshold.
func Classify(driftPct, thresholdPct float64) engine.CalibrationStatus {
	switch {
	case driftPct > 2*thresholdPct:
		return engine.CalibrationBlock
	case driftPct > thresholdPct:
		return engine.CalibrationWarn
	default:
		return engine.CalibrationOK
	}
}

// Drift is |observed - expected| / expected as a percentage.
func Drift(observed, expected float64) float64 {
	return math.Abs(observed-expected) / expected * 100
}

// RegimeMatches reports whether the current regime falls within the affinity.
func RegimeMatches(current engine.Regime, affinity []engine.Regime) bool {
	if current == "" || current == engine.RegimeAny {
		return true
	}
	for _, r := range affinity {
		if r == current || r == engine.RegimeAny {
			return true
		}
	}
	return false
}

// Calibrate runs the one-session shadow calibration for m, stores and records
// the result. It never fails: anything preventing a run yields DEFERRED.
func (o *Orchestrator) Calibrate(ctx context.Context, m *engine.CartridgeManifest, actor string) *engine.CalibrationResult {
	result := o.calibrate(ctx, m)

	if err := o.store.SaveCalibration(ctx, result); err != nil {
		o.logger.Error().Err(err).Str("cartridge", result.Cartridge).Msg("Failed to save calibration")
	}
	if result.Status != engine.CalibrationDeferred {
		o.metrics.SetCalibrationDrift(result.Cartridge, string(result.Status), result.DriftPct)
	}

	event := o.logger.Info()
	if result.Status == engine.CalibrationWarn || result.Status == engine.CalibrationBlock {
		event = o.logger.Warn()
	}
	event.Str("cartridge", result.Cartridge).
		Str("status", string(result.Status)).
		Float64("drift_pct", result.DriftPct).
		Str("reason", result.Reason).
		Msg("Calibration finished")

	if _, err := o.emitter.Emit(ctx, audit.Record{
		Type:      engine.BeadCalibration,
		Cartridge: result.Cartridge,
		Actor:     actor,
		Payload: map[string]any{
			"status":            string(result.Status),
			"observed":          result.ObservedTriggers,
			"expected":          result.ExpectedTriggers,
			"drift_pct":         result.DriftPct,
			"threshold_pct":     result.ThresholdPct,
			"regime":            string(result.Regime),
			audit.PayloadReason: result.Reason,
		},
	}); err != nil {
		o.logger.Error().Err(err).Msg("Failed to record calibration")
	}
	return result
}

func (o *Orchestrator) calibrate(ctx context.Context, m *engine.CartridgeManifest) *engine.CalibrationResult {
	result := &engine.CalibrationResult{
		Cartridge:        m.Ref(),
		Status:           engine.CalibrationDeferred,
		ExpectedTriggers: m.Calibration.ExpectedTriggersPerSession,
		ThresholdPct:     o.cfg.DriftThresholdPct,
		RanAt:            o.clock.Now(),
	}

	if o.regime != nil {
		current, err := o.regime.CurrentRegime(ctx)
		if err != nil {
			result.Reason = fmt.Sprintf("current regime unavailable: %v", err)
			return result
		}
		result.Regime = current
		if !RegimeMatches(current, m.Scope.RegimeAffinity) {
			result.Reason = fmt.Sprintf("current regime %s is outside the cartridge affinity", current)
			return result
		}
	}

	if o.calibrator == nil {
		result.Reason = "no shadow runner configured"
		return result
	}
	if result.ExpectedTriggers <= 0 {
		result.Reason = "cartridge declares no expected trigger count"
		return result
	}

	observed, err := o.calibrator.ObservedTriggers(ctx, m)
	if err != nil {
		result.Reason = fmt.Sprintf("shadow run failed: %v", err)
		return result
	}

	result.ObservedTriggers = observed
	result.DriftPct = Drift(observed, result.ExpectedTriggers)
	result.Status = Classify(result.DriftPct, result.ThresholdPct)
	return result
}

// StaticRegime is a fixed current regime.
type StaticRegime engine.Regime

// CurrentRegime returns the fixed regime.
func (r StaticRegime) CurrentRegime(context.Context) (engine.Regime, error) {
	return engine.Regime(r), nil
}

// ShadowReport is the output of an external shadow session: observed trigger
// counts keyed by exact cartridge reference.
type ShadowReport struct {
	Regime   engine.Regime      `json:"regime,omitempty"`
	Observed map[string]float64 `json:"observed"`
}

// FileCalibrator reads shadow reports from a YAML, TOML or JSON file. The file
// is read on every call so an external runner can replace it.
type FileCalibrator struct {
	path    string
	schemas *config.SchemaRegistry
}

// NewFileCalibrator creates a calibrator over the report at path.
func NewFileCalibrator(path string, schemas *config.SchemaRegistry) *FileCalibrator {
	return &FileCalibrator{path: path, schemas: schemas}
}

// Report reads and validates the shadow report.
func (c *FileCalibrator) Report(ctx context.Context) (*ShadowReport, error) {
	doc, err := config.ReadDocument(c.path)
	if err != nil {
		return nil, err
	}
	violations, err := c.schemas.ValidateAgainstSchema(ctx, config.SchemaShadow, doc.Tree)
	if err != nil {
		return nil, fmt.Errorf("failed to validate shadow report: %w", err)
	}
	if len(violations) > 0 {
		return nil, engine.NewSchemaInvalid("shadow report rejected", violations...)
	}

	var report ShadowReport
	if err := doc.Bind(&report); err != nil {
		return nil, engine.NewSchemaInvalid("shadow report rejected", err.Error())
	}
	return &report, nil
}

// ObservedTriggers returns the observed count for the manifest's exact reference.
func (c *FileCalibrator) ObservedTriggers(ctx context.Context, m *engine.CartridgeManifest) (float64, error) {
	report, err := c.Report(ctx)
	if err != nil {
		return 0, err
	}
	observed, ok := report.Observed[m.Ref()]
	if !ok {
		return 0, fmt.Errorf("shadow report has no observation for %s", m.Ref())
	}
	return observed, nil
}

// CurrentRegime returns the regime recorded in the report, or any.
func (c *FileCalibrator) CurrentRegime(ctx context.Context) (engine.Regime, error) {
	report, err := c.Report(ctx)
	if err != nil {
		return "", err
	}
	if report.Regime == "" {
		return engine.RegimeAny, nil
	}
	return report.Regime, nil
}
