package cartridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/mod/semver"

	"github.com/openfroyo/leasehold/pkg/config"
	"github.com/openfroyo/leasehold/pkg/engine"
)

// Check names, in the order Validate runs them.
const (
	CheckNameSchema     = "schema"
	CheckNameInvariants = "invariants"
	CheckNameWindows    = "windows"
	CheckNameTemplates  = "forbidden_patterns"
	CheckNamePrimitives = "primitives"
)

// Accepted is the result of a successful validation.
type Accepted struct {
	Manifest    *engine.CartridgeManifest
	ContentHash string
}

// Validator is the manifest validator. It holds no mutable state and is safe
// for concurrent use.
type Validator struct {
	schemas  *config.SchemaRegistry
	validate *validator.Validate
	minimum  []string
	patterns *PatternSet
	clock    engine.Clock
}

// Option configures a Validator.
type Option func(*Validator)

// WithPatterns replaces the forbidden-pattern list.
func WithPatterns(ps *PatternSet) Option {
	return func(v *Validator) { v.patterns = ps }
}

// WithClock sets the clock whose year is used to sample zone offsets.
func WithClock(c engine.Clock) Option {
	return func(v *Validator) { v.clock = c }
}

// NewValidator creates a validator requiring the given minimum invariant set.
func NewValidator(schemas *config.SchemaRegistry, minimumInvariants []string, opts ...Option) *Validator {
	v := &Validator{
		schemas:  schemas,
		validate: validator.New(),
		minimum:  append([]string(nil), minimumInvariants...),
		patterns: DefaultPatterns(),
		clock:    engine.SystemClock{},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate runs every check in order and stops at the first failing one. The
// returned error is a SchemaInvalid GovernanceError listing that check's violations.
func (v *Validator) Validate(ctx context.Context, doc *config.Document) (*Accepted, error) {
	m, violations, err := v.CheckSchema(ctx, doc)
	if err != nil {
		return nil, err
	}
	if len(violations) > 0 {
		return nil, rejection(CheckNameSchema, "", violations)
	}

	for _, step := range []struct {
		name  string
		check func(*engine.CartridgeManifest) []string
	}{
		{CheckNameInvariants, v.CheckInvariants},
		{CheckNameWindows, v.CheckWindows},
		{CheckNameTemplates, v.CheckTemplates},
		{CheckNamePrimitives, v.CheckPrimitives},
	} {
		if violations := step.check(m); len(violations) > 0 {
			return nil, rejection(step.name, m.Ref(), violations)
		}
	}

	hash, err := ContentHash(m)
	if err != nil {
		return nil, err
	}
	if m.ContentHash != "" && m.ContentHash != hash {
		return nil, rejection(CheckNameSchema, m.Ref(), []string{
			fmt.Sprintf("content_hash %s does not match computed %s", m.ContentHash, hash),
		})
	}

	accepted := Normalize(m)
	accepted.ContentHash = hash
	return &Accepted{Manifest: accepted, ContentHash: hash}, nil
}

// ValidateManifest validates an already-typed manifest.
func (v *Validator) ValidateManifest(ctx context.Context, m *engine.CartridgeManifest) (*Accepted, error) {
	doc, err := DocumentFromManifest(m)
	if err != nil {
		return nil, err
	}
	return v.Validate(ctx, doc)
}

func rejection(check, ref string, violations []string) error {
	gerr := engine.NewSchemaInvalid(fmt.Sprintf("manifest rejected by %s check", check), violations...)
	if ref != "" {
		gerr = gerr.WithCartridge(ref)
	}
	return gerr
}

// CheckSchema checks structural conformance: the closed CUE definition,
// typed decoding, struct tags, and semantic-version format.
func (v *Validator) CheckSchema(ctx context.Context, doc *config.Document) (*engine.CartridgeManifest, []string, error) {
	violations, err := v.schemas.ValidateAgainstSchema(ctx, config.SchemaCartridge, doc.Tree)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to run schema validation: %w", err)
	}
	if len(violations) > 0 {
		return nil, violations, nil
	}

	var m engine.CartridgeManifest
	if err := doc.Bind(&m); err != nil {
		return nil, []string{err.Error()}, nil
	}

	if err := v.validate.Struct(&m); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				violations = append(violations, fmt.Sprintf("%s: failed %s", fe.Namespace(), fe.Tag()))
			}
		} else {
			violations = append(violations, err.Error())
		}
	}

	if !ValidVersion(m.Version) {
		violations = append(violations, fmt.Sprintf("version %q is not a semantic version", m.Version))
	}
	if mv := m.Compatibility.MinEngineVersion; mv != "" && !ValidVersion(mv) {
		violations = append(violations, fmt.Sprintf("min_engine_version %q is not a semantic version", mv))
	}
	for drawer, entries := range m.Drawers {
		for key, value := range entries {
			if !IsScalar(value) {
				violations = append(violations, fmt.Sprintf("drawer %s.%s: value must be a scalar", drawer, key))
			}
		}
	}
	for _, r := range m.Scope.RegimeAffinity {
		if !r.IsValid() {
			violations = append(violations, fmt.Sprintf("unknown regime %q", r))
		}
	}

	sort.Strings(violations)
	return &m, violations, nil
}

// CheckInvariants requires a non-empty invariant list containing the
// system-wide minimum set.
func (v *Validator) CheckInvariants(m *engine.CartridgeManifest) []string {
	if len(m.Invariants) == 0 {
		return []string{"invariant list is empty"}
	}

	declared := make(map[string]bool, len(m.Invariants))
	for _, inv := range m.Invariants {
		declared[strings.TrimSpace(inv)] = true
	}

	var violations []string
	for _, req := range v.minimum {
		if !declared[req] {
			violations = append(violations, fmt.Sprintf("required invariant %q is missing", req))
		}
	}
	return violations
}

// CheckWindows requires explicit zones and both DST offsets on every window.
func (v *Validator) CheckWindows(m *engine.CartridgeManifest) []string {
	return CheckWindows(m.Scope.Windows, v.clock.Now().Year())
}

// CheckTemplates scans human-facing templates for forbidden language.
func (v *Validator) CheckTemplates(m *engine.CartridgeManifest) []string {
	return v.patterns.Scan(m.Templates)
}

// CheckPrimitives requires every declared primitive to be in the closed enumeration.
func (v *Validator) CheckPrimitives(m *engine.CartridgeManifest) []string {
	var violations []string
	for _, p := range m.Primitives {
		if !p.IsValid() {
			violations = append(violations, fmt.Sprintf("primitive %q is not in the closed enumeration", p))
		}
	}
	return violations
}

// DocumentFromManifest renders a typed manifest as a document tree.
func DocumentFromManifest(m *engine.CartridgeManifest) (*config.Document, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	doc, err := config.DecodeDocument(config.FormatJSON, b)
	if err != nil {
		return nil, err
	}
	doc.Tree = pruneNulls(doc.Tree).(map[string]any)
	return doc, nil
}

// pruneNulls drops null members, which typed encoding emits for nil slices
// and which the schema treats as present.
func pruneNulls(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if val == nil {
				continue
			}
			out[k] = pruneNulls(val)
		}
		return out
	case []any:
		out := make([]any, 0, len(t))
		for _, val := range t {
			out = append(out, pruneNulls(val))
		}
		return out
	default:
		return v
	}
}

// ValidVersion reports whether s is a full semantic version, with or without a
// leading "v".
func ValidVersion(s string) bool {
	c := canonical(s)
	return semver.IsValid(c) && strings.Count(strings.SplitN(strings.SplitN(c, "-", 2)[0], "+", 2)[0], ".") == 2
}

// CompareVersions compares two semantic versions like semver.Compare.
func CompareVersions(a, b string) int {
	return semver.Compare(canonical(a), canonical(b))
}

func canonical(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "v") {
		s = "v" + s
	}
	return s
}
