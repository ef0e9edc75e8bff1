package cartridge

import (
	"fmt"
	"time"
	_ "time/tzdata" // zone checks must not depend on the host's zoneinfo

	"github.com/openfroyo/leasehold/pkg/engine"
)

// zoneOffsets returns the zone's standard (winter) and daylight (summer)
// offsets for the given year. Mid-January and mid-July are sampled and the
// smaller offset is taken as winter, which also covers the southern hemisphere.
func zoneOffsets(loc *time.Location, year int) (winter, summer string) {
	_, jan := time.Date(year, time.January, 15, 12, 0, 0, 0, loc).Zone()
	_, jul := time.Date(year, time.July, 15, 12, 0, 0, 0, loc).Zone()
	if jan > jul {
		jan, jul = jul, jan
	}
	return formatOffset(jan), formatOffset(jul)
}

func formatOffset(seconds int) string {
	sign := '+'
	if seconds < 0 {
		sign = '-'
		seconds = -seconds
	}
	return fmt.Sprintf("%c%02d:%02d", sign, seconds/3600, (seconds%3600)/60)
}

// CheckWindows verifies that every window names an IANA zone and carries both
// UTC offsets, and that those offsets are the zone's real ones.
func CheckWindows(windows []engine.TimeWindow, year int) []string {
	var violations []string
	seen := make(map[string]bool)

	for i, w := range windows {
		label := w.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}

		if seen[w.Name] {
			violations = append(violations, fmt.Sprintf("window %s: declared more than once", label))
		}
		seen[w.Name] = true

		if w.Zone == "" {
			violations = append(violations, fmt.Sprintf("window %s: missing IANA zone", label))
		}
		if w.WinterUTCOffset == "" {
			violations = append(violations, fmt.Sprintf("window %s: missing winter_utc_offset", label))
		}
		if w.SummerUTCOffset == "" {
			violations = append(violations, fmt.Sprintf("window %s: missing summer_utc_offset", label))
		}
		if w.Zone == "" || w.WinterUTCOffset == "" || w.SummerUTCOffset == "" {
			continue
		}

		loc, err := time.LoadLocation(w.Zone)
		if err != nil {
			violations = append(violations, fmt.Sprintf("window %s: unknown zone %q", label, w.Zone))
			continue
		}

		winter, summer := zoneOffsets(loc, year)
		if w.WinterUTCOffset != winter {
			violations = append(violations, fmt.Sprintf("window %s: winter_utc_offset %s does not match %s (%s)", label, w.WinterUTCOffset, w.Zone, winter))
		}
		if w.SummerUTCOffset != summer {
			violations = append(violations, fmt.Sprintf("window %s: summer_utc_offset %s does not match %s (%s)", label, w.SummerUTCOffset, w.Zone, summer))
		}
	}

	return violations
}
