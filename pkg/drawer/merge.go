// Package drawer merges cartridge configuration deltas into the shared configuration.
package drawer

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/openfroyo/leasehold/pkg/cartridge"
	"github.com/openfroyo/leasehold/pkg/engine"
)

// ConflictError reports the first incompatible key in sorted key order.
type ConflictError struct {
	Key        string
	BaseValue  any
	DeltaValue any
	// Owner is the cartridge that contributed the base value, when known.
	Owner string
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("drawer conflict on %s: base=%v delta=%v", e.Key, e.BaseValue, e.DeltaValue)
	if e.Owner != "" {
		msg += fmt.Sprintf(" (owned by %s)", e.Owner)
	}
	return msg
}

// GovernanceError classifies the conflict.
func (e *ConflictError) GovernanceError() *engine.GovernanceError {
	return engine.NewDrawerConflict("drawer merge aborted", e.Error()).WithCause(e)
}

// Result is a successful merge.
type Result struct {
	// Merged is the new base. The input base is never modified.
	Merged engine.Configuration
	// Added lists the keys the delta introduced, sorted.
	Added []string
	// Unchanged lists delta keys already present with an equal value, sorted.
	Unchanged []string
}

// Merge applies delta to base. A key absent from base is added; a key present
// with an equal value is a no-op; a key present with a different value aborts
// the whole merge. There is no precedence rule.
func Merge(base, delta engine.Configuration) (*Result, error) {
	return MergeOwned(base, delta, nil)
}

// MergeOwned is Merge with an owner lookup used to annotate conflicts.
func MergeOwned(base, delta engine.Configuration, owners Owners) (*Result, error) {
	res := &Result{Merged: base.Clone()}

	for _, key := range delta.Keys() {
		proposed := cartridge.NormalizeScalar(delta[key])

		existing, ok := base[key]
		if !ok {
			res.Merged[key] = proposed
			res.Added = append(res.Added, key)
			continue
		}

		if Equal(existing, proposed) {
			res.Unchanged = append(res.Unchanged, key)
			continue
		}

		return nil, &ConflictError{
			Key:        key,
			BaseValue:  existing,
			DeltaValue: proposed,
			Owner:      owners.Primary(key),
		}
	}

	return res, nil
}

// Equal compares two drawer values after scalar normalization.
func Equal(a, b any) bool {
	return reflect.DeepEqual(cartridge.NormalizeScalar(a), cartridge.NormalizeScalar(b))
}

// Owners maps each configuration key to every cartridge declaring it, earliest first.
type Owners map[string][]string

// Primary returns the earliest owner of key, or "".
func (o Owners) Primary(key string) string {
	if refs := o[key]; len(refs) > 0 {
		return refs[0]
	}
	return ""
}

// Without returns a copy with refs removed. Keys left with no owner are dropped.
func (o Owners) Without(refs ...string) Owners {
	drop := make(map[string]bool, len(refs))
	for _, r := range refs {
		drop[r] = true
	}

	out := make(Owners, len(o))
	for key, list := range o {
		var kept []string
		for _, r := range list {
			if !drop[r] {
				kept = append(kept, r)
			}
		}
		if len(kept) > 0 {
			out[key] = kept
		}
	}
	return out
}

// FromEntries builds a configuration and owner index from stored entries.
func FromEntries(entries []engine.ConfigEntry) (engine.Configuration, Owners) {
	cfg := make(engine.Configuration, len(entries))
	owners := make(Owners, len(entries))
	for _, e := range entries {
		cfg[e.Key] = e.Value
		switch {
		case len(e.Owners) > 0:
			owners[e.Key] = append([]string(nil), e.Owners...)
		case e.Owner != "":
			owners[e.Key] = []string{e.Owner}
		}
	}
	return cfg, owners
}

// Without returns the configuration minus every key that no cartridge outside
// refs still declares. A key shared with a remaining cartridge is kept.
func Without(cfg engine.Configuration, owners Owners, refs ...string) engine.Configuration {
	remaining := owners.Without(refs...)

	out := make(engine.Configuration, len(cfg))
	for k, v := range cfg {
		if _, owned := owners[k]; owned {
			if _, kept := remaining[k]; !kept {
				continue
			}
		}
		out[k] = v
	}
	return out
}

// Entries returns the keys of cfg listed in keys as owned entries, sorted by key.
func Entries(cfg engine.Configuration, keys []string, owner string) []engine.ConfigEntry {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	out := make([]engine.ConfigEntry, 0, len(sorted))
	for _, k := range sorted {
		out = append(out, engine.ConfigEntry{Key: k, Value: cfg[k], Owner: owner})
	}
	return out
}
