package cartridge

import (
	"testing"
	"time"

	"github.com/openfroyo/leasehold/pkg/config"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var testMinimum = []string{"ceiling_over_floor", "perish_by_default", "halt_overrides_lease"}

const asiaScalpYAML = `
name: ASIA_SCALP
version: 1.0.0
author: desk-a
scope:
  instruments: [USDJPY, EURUSD]
  regime_affinity: [ranging]
  windows:
    - name: tokyo_open
      zone: Asia/Tokyo
      start: "09:00"
      end: "11:00"
      winter_utc_offset: "+09:00"
      summer_utc_offset: "+09:00"
risk_defaults:
  max_drawdown_pct: 3
  max_consecutive_losses: 4
  per_trade_pct: 1.0
  max_daily_actions: 10
drawers:
  sweep:
    sweep_extension_min_pips: 1
primitives: [sweep_detection, session_range]
invariants: [ceiling_over_floor, perish_by_default, halt_overrides_lease]
templates:
  summary: Asia session range sweep setup
compatibility:
  min_engine_version: 1.0.0
calibration:
  expected_triggers_per_session: 4
`

func newTestValidator() *Validator {
	return NewValidator(config.NewSchemaRegistry(), testMinimum,
		WithClock(fixedClock{t: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}))
}

func mustDecode(t *testing.T, format config.Format, data string) *config.Document {
	t.Helper()
	doc, err := config.DecodeDocument(format, []byte(data))
	if err != nil {
		t.Fatalf("DecodeDocument() error = %v", err)
	}
	return doc
}
