package cartridge

import (
	"fmt"
	"regexp"
	"sort"
)

// Forbidden language categories scanned in human-facing templates.
const (
	CategoryCausal         = "causal"
	CategorySuperlative    = "superlative"
	CategoryRecommendation = "recommendation"
	CategoryNumericGrading = "numeric_grading"
)

// ForbiddenPattern is one case-insensitive pattern of a category.
type ForbiddenPattern struct {
	Category string
	Pattern  *regexp.Regexp
}

// PatternSet is an ordered list of forbidden patterns.
type PatternSet struct {
	patterns []ForbiddenPattern
}

// DefaultPatterns returns the built-in forbidden-pattern list.
func DefaultPatterns() *PatternSet {
	return &PatternSet{patterns: []ForbiddenPattern{
		{CategoryCausal, regexp.MustCompile(`(?i)\b(because|caused?|causes|leads? to|results? in|due to|therefore|driven by)\b`)},

		{CategorySuperlative, regexp.MustCompile(`(?i)\b(best|greatest|strongest|perfect|guaranteed|unbeatable|can'?t lose|never loses|always wins)\b`)},
		{CategorySuperlative, regexp.MustCompile(`(?i)\bhighest[- ](probability|confidence|conviction)\b`)},

		{CategoryRecommendation, regexp.MustCompile(`(?i)\b(you should|we recommend|recommended|consider (buying|selling)|must (buy|sell)|buy now|sell now|go (long|short)|take (this|the) trade)\b`)},

		{CategoryNumericGrading, regexp.MustCompile(`(?i)\b[0-9]+(\.[0-9]+)?\s*/\s*(5|10|100)\b`)},
		{CategoryNumericGrading, regexp.MustCompile(`(?i)\b[0-9]{1,3}\s*%\s*(confidence|probability|certainty|chance|sure)\b`)},
		{CategoryNumericGrading, regexp.MustCompile(`(?i)\b(grade|graded|rated|rating|score|scored)\s*:?\s*([a-f][+-]?|[0-9]+)\b`)},
		{CategoryNumericGrading, regexp.MustCompile(`(?i)\b[1-5]\s*stars?\b`)},
	}}
}

// NewPatternSet builds a set from category to expression pairs. Expressions
// are compiled case-insensitive.
func NewPatternSet(exprs map[string][]string) (*PatternSet, error) {
	categories := make([]string, 0, len(exprs))
	for c := range exprs {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	ps := &PatternSet{}
	for _, c := range categories {
		for _, expr := range exprs[c] {
			re, err := regexp.Compile("(?i)" + expr)
			if err != nil {
				return nil, fmt.Errorf("failed to compile %s pattern %q: %w", c, expr, err)
			}
			ps.patterns = append(ps.patterns, ForbiddenPattern{Category: c, Pattern: re})
		}
	}
	return ps, nil
}

// Scan reports every forbidden match in templates. Templates are visited in
// name order so the result is deterministic.
func (ps *PatternSet) Scan(templates map[string]string) []string {
	names := make([]string, 0, len(templates))
	for name := range templates {
		names = append(names, name)
	}
	sort.Strings(names)

	var violations []string
	for _, name := range names {
		text := templates[name]
		for _, p := range ps.patterns {
			if m := p.Pattern.FindString(text); m != "" {
				violations = append(violations, fmt.Sprintf("template %q: %s language %q", name, p.Category, m))
			}
		}
	}
	return violations
}
