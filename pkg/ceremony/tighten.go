package ceremony

import (
	"fmt"
	"reflect"

	"github.com/openfroyo/leasehold/pkg/engine"
)

// CheckTightened verifies next is no looser than cur on every bound. A bound
// set identical to cur is not a modification.
func CheckTightened(cur, next engine.Bounds) []string {
	var violations []string

	numeric := []struct {
		name      string
		cur, next float64
	}{
		{"max_drawdown_pct", cur.MaxDrawdownPct, next.MaxDrawdownPct},
		{"max_consecutive_losses", float64(cur.MaxConsecutiveLosses), float64(next.MaxConsecutiveLosses)},
		{"position_size_cap", cur.PositionSizeCap, next.PositionSizeCap},
		{"max_daily_actions", float64(cur.MaxDailyActions), float64(next.MaxDailyActions)},
	}
	for _, n := range numeric {
		if n.next > n.cur {
			violations = append(violations, fmt.Sprintf("%s %v loosens current %v", n.name, n.next, n.cur))
		}
	}

	violations = append(violations, subset("allowed_instruments", cur.AllowedInstruments, next.AllowedInstruments)...)
	if len(cur.AllowedWindows) > 0 {
		if len(next.AllowedWindows) == 0 {
			violations = append(violations, "allowed_windows removes the current window restriction")
		}
		violations = append(violations, subset("allowed_windows", cur.AllowedWindows, next.AllowedWindows)...)
	}

	if len(violations) == 0 && reflect.DeepEqual(cur, next) {
		violations = append(violations, "bounds are unchanged; use RENEW")
	}
	return violations
}

func subset(name string, cur, next []string) []string {
	allowed := make(map[string]bool, len(cur))
	for _, v := range cur {
		allowed[v] = true
	}
	var violations []string
	for _, v := range next {
		if !allowed[v] {
			violations = append(violations, fmt.Sprintf("%s adds %s", name, v))
		}
	}
	return violations
}
