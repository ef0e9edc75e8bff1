package bounds

import (
	"strconv"
	"strings"

	"github.com/openfroyo/leasehold/pkg/engine"
)

// Bound names used in breaches and metrics.
const (
	BoundDrawdown          = "max_drawdown_pct"
	BoundConsecutiveLosses = "max_consecutive_losses"
	BoundPositionSize      = "position_size_cap"
	BoundDailyActions      = "max_daily_actions"
	BoundInstruments       = "allowed_instruments"
	BoundWindows           = "allowed_windows"
)

// Observation is the running state of one lease plus the signal under
// evaluation.
type Observation struct {
	ConsecutiveLosses int
	DrawdownPct       float64
	DailyActions      int

	// Action fields; set only when the signal is an action.
	Action     bool
	Instrument string
	Window     string
	Size       float64
}

// Limits is an immutable, pre-indexed view of a lease's bounds.
type Limits struct {
	Bounds      engine.Bounds
	instruments map[string]struct{}
	windows     map[string]struct{}
}

// NewLimits indexes b for evaluation.
func NewLimits(b engine.Bounds) *Limits {
	l := &Limits{
		Bounds:      b,
		instruments: make(map[string]struct{}, len(b.AllowedInstruments)),
		windows:     make(map[string]struct{}, len(b.AllowedWindows)),
	}
	for _, i := range b.AllowedInstruments {
		l.instruments[i] = struct{}{}
	}
	for _, w := range b.AllowedWindows {
		l.windows[w] = struct{}{}
	}
	return l
}

// Check returns every bound o violates. Any single breach is sufficient to
// halt; bounds are never combined.
func Check(l *Limits, o Observation) []engine.Breach {
	var breaches []engine.Breach
	b := l.Bounds

	if b.MaxDrawdownPct > 0 && o.DrawdownPct > b.MaxDrawdownPct {
		breaches = append(breaches, engine.Breach{Bound: BoundDrawdown, Limit: ftoa(b.MaxDrawdownPct), Observed: ftoa(o.DrawdownPct)})
	}
	// The limit counts the losses tolerated before halting: reaching it halts.
	if b.MaxConsecutiveLosses > 0 && o.ConsecutiveLosses >= b.MaxConsecutiveLosses {
		breaches = append(breaches, engine.Breach{Bound: BoundConsecutiveLosses, Limit: strconv.Itoa(b.MaxConsecutiveLosses), Observed: strconv.Itoa(o.ConsecutiveLosses)})
	}
	if b.MaxDailyActions > 0 && o.DailyActions > b.MaxDailyActions {
		breaches = append(breaches, engine.Breach{Bound: BoundDailyActions, Limit: strconv.Itoa(b.MaxDailyActions), Observed: strconv.Itoa(o.DailyActions)})
	}

	if !o.Action {
		return breaches
	}

	if b.PositionSizeCap > 0 && o.Size > b.PositionSizeCap {
		breaches = append(breaches, engine.Breach{Bound: BoundPositionSize, Limit: ftoa(b.PositionSizeCap), Observed: ftoa(o.Size)})
	}
	if len(l.instruments) > 0 {
		if _, ok := l.instruments[o.Instrument]; !ok {
			breaches = append(breaches, engine.Breach{Bound: BoundInstruments, Limit: strings.Join(b.AllowedInstruments, ","), Observed: orNone(o.Instrument)})
		}
	}
	if len(l.windows) > 0 {
		if _, ok := l.windows[o.Window]; !ok {
			breaches = append(breaches, engine.Breach{Bound: BoundWindows, Limit: strings.Join(b.AllowedWindows, ","), Observed: orNone(o.Window)})
		}
	}

	return breaches
}

func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
