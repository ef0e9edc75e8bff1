package cartridge

import (
	"sort"
	"strings"

	"github.com/openfroyo/leasehold/pkg/engine"
)

// Normalize returns the canonical form of a manifest used for hashing: the
// content hash cleared, strings trimmed, set-like lists sorted and
// deduplicated, and numeric drawer values widened to float64. m is not modified.
func Normalize(m *engine.CartridgeManifest) *engine.CartridgeManifest {
	n := *m
	n.ContentHash = ""
	n.Name = strings.TrimSpace(m.Name)
	n.Version = strings.TrimSpace(m.Version)
	n.Author = strings.TrimSpace(m.Author)

	n.Scope.Instruments = sortedSet(m.Scope.Instruments)
	n.Invariants = sortedSet(m.Invariants)

	regimes := make([]string, len(m.Scope.RegimeAffinity))
	for i, r := range m.Scope.RegimeAffinity {
		regimes[i] = string(r)
	}
	n.Scope.RegimeAffinity = nil
	for _, r := range sortedSet(regimes) {
		n.Scope.RegimeAffinity = append(n.Scope.RegimeAffinity, engine.Regime(r))
	}

	prims := make([]string, len(m.Primitives))
	for i, p := range m.Primitives {
		prims[i] = string(p)
	}
	n.Primitives = nil
	for _, p := range sortedSet(prims) {
		n.Primitives = append(n.Primitives, engine.Primitive(p))
	}

	n.Scope.Windows = make([]engine.TimeWindow, len(m.Scope.Windows))
	for i, w := range m.Scope.Windows {
		n.Scope.Windows[i] = engine.TimeWindow{
			Name:            strings.TrimSpace(w.Name),
			Zone:            strings.TrimSpace(w.Zone),
			Start:           strings.TrimSpace(w.Start),
			End:             strings.TrimSpace(w.End),
			WinterUTCOffset: strings.TrimSpace(w.WinterUTCOffset),
			SummerUTCOffset: strings.TrimSpace(w.SummerUTCOffset),
		}
	}
	sort.SliceStable(n.Scope.Windows, func(i, j int) bool {
		return n.Scope.Windows[i].Name < n.Scope.Windows[j].Name
	})

	if m.Drawers != nil {
		n.Drawers = make(map[string]map[string]any, len(m.Drawers))
		for drawer, entries := range m.Drawers {
			out := make(map[string]any, len(entries))
			for k, v := range entries {
				out[k] = NormalizeScalar(v)
			}
			n.Drawers[drawer] = out
		}
	}

	if m.Templates != nil {
		n.Templates = make(map[string]string, len(m.Templates))
		for k, v := range m.Templates {
			n.Templates[k] = strings.TrimSpace(v)
		}
	}

	n.Compatibility.MinEngineVersion = strings.TrimSpace(m.Compatibility.MinEngineVersion)
	return &n
}

// ContentHash computes the deterministic content hash of a manifest.
func ContentHash(m *engine.CartridgeManifest) (string, error) {
	return engine.HashObject(Normalize(m))
}

// NormalizeScalar widens integer kinds to float64 and trims strings, so a
// value compares equal regardless of the document format it came from.
func NormalizeScalar(v any) any {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	case string:
		return strings.TrimSpace(t)
	default:
		return v
	}
}

// IsScalar reports whether v is a valid drawer value.
func IsScalar(v any) bool {
	switch v.(type) {
	case string, bool, float64, float32, int, int32, int64, uint64:
		return true
	}
	return false
}

func sortedSet(in []string) []string {
	if in == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
