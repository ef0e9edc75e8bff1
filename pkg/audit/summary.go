package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/leasehold/pkg/engine"
)

// Payload keys shared by the components that write beads.
const (
	PayloadReason   = "reason"
	PayloadBreaches = "breaches"
	PayloadSource   = "source"
)

// BuildSummary digests the beads recorded for lease into the summary a
// ceremony reviewer is shown. beads must be in sequence order.
func BuildSummary(lease *engine.Lease, beads []*engine.Bead, calibration *engine.CalibrationResult, now time.Time) engine.ForensicSummary {
	s := engine.ForensicSummary{
		LeaseID:     lease.ID,
		Cartridge:   lease.CartridgeRef(),
		LeaseState:  lease.State,
		BeadCounts:  make(map[engine.BeadType]int),
		GeneratedAt: now.UTC(),
	}
	if calibration != nil {
		s.Calibration = calibration.Status
	}

	for _, b := range beads {
		s.BeadCounts[b.Type]++

		ts := b.Timestamp
		if s.FirstBeadAt == nil {
			s.FirstBeadAt = &ts
		}
		s.LastBeadAt = &ts

		switch b.Type {
		case engine.BeadBreach:
			s.Breaches = append(s.Breaches, stringList(b.Payload[PayloadBreaches])...)
		case engine.BeadHalt, engine.BeadHaltAsserted:
			if reason, ok := b.Payload[PayloadReason].(string); ok && reason != "" {
				s.LastHaltReason = reason
			}
		}
	}

	return s
}

// stringList accepts both typed and JSON-decoded lists.
func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		return []string{t}
	}
	return nil
}

// Summarize reads every bead recorded for lease and builds its summary.
func (e *Emitter) Summarize(ctx context.Context, lease *engine.Lease, calibration *engine.CalibrationResult) (engine.ForensicSummary, error) {
	beads, err := e.store.ListBeads(ctx, engine.BeadFilter{LeaseID: lease.ID})
	if err != nil {
		return engine.ForensicSummary{}, fmt.Errorf("failed to read beads for lease %s: %w", lease.ID, err)
	}
	return BuildSummary(lease, beads, calibration, e.clock.Now()), nil
}
