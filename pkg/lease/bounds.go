package lease

import (
	"fmt"
	"strconv"

	"github.com/openfroyo/leasehold/pkg/engine"
)

// CheckBounds verifies the ceiling-over-floor invariant: every numeric lease
// bound is no looser than the cartridge default it maps to, and every
// allow-list is a subset of the cartridge scope.
func CheckBounds(m *engine.CartridgeManifest, b engine.Bounds) []string {
	var violations []string
	floor := m.RiskDefaults

	numeric := []struct {
		ceiling, floor string
		lease, cart    float64
	}{
		{"max_drawdown_pct", "max_drawdown_pct", b.MaxDrawdownPct, floor.MaxDrawdownPct},
		{"max_consecutive_losses", "max_consecutive_losses", float64(b.MaxConsecutiveLosses), float64(floor.MaxConsecutiveLosses)},
		{"position_size_cap", "per_trade_pct", b.PositionSizeCap, floor.PerTradePct},
		{"max_daily_actions", "max_daily_actions", float64(b.MaxDailyActions), float64(floor.MaxDailyActions)},
	}
	for _, n := range numeric {
		if n.lease <= 0 {
			violations = append(violations, fmt.Sprintf("%s must be positive, got %s", n.ceiling, format(n.lease)))
			continue
		}
		if n.lease > n.cart {
			violations = append(violations, fmt.Sprintf("%s %s is looser than cartridge floor %s %s",
				n.ceiling, format(n.lease), n.floor, format(n.cart)))
		}
	}

	if len(b.AllowedInstruments) == 0 {
		violations = append(violations, "allowed_instruments must not be empty")
	}
	scope := make(map[string]bool, len(m.Scope.Instruments))
	for _, i := range m.Scope.Instruments {
		scope[i] = true
	}
	for _, i := range b.AllowedInstruments {
		if !scope[i] {
			violations = append(violations, fmt.Sprintf("instrument %s is outside the cartridge scope", i))
		}
	}

	for _, w := range b.AllowedWindows {
		if _, ok := m.Window(w); !ok {
			violations = append(violations, fmt.Sprintf("window %s is not declared by the cartridge", w))
		}
	}

	return violations
}

func format(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
