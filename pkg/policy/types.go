package policy

import (
	"time"

	"github.com/openfroyo/leasehold/pkg/engine"
)

// Severity represents the severity level of a guard-dog finding.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but does not fail the re-scan.
	SeverityWarning Severity = "warning"

	// SeverityError fails the re-scan.
	SeverityError Severity = "error"

	// SeverityCritical fails the re-scan.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a finding of this severity fails the re-scan.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a guard-dog rule with its Rego code. Rules emit findings through
// a deny set in their package.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name" yaml:"name"`

	// Description provides a human-readable description.
	Description string `json:"description" yaml:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego" yaml:"rego"`

	// Severity is the default severity for findings that do not set one.
	Severity Severity `json:"severity" yaml:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Builtin marks policies shipped with the binary. They survive reloads.
	Builtin bool `json:"builtin,omitempty" yaml:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty" yaml:"source,omitempty"`

	// LoadedAt is when the policy was loaded.
	LoadedAt time.Time `json:"loaded_at" yaml:"loaded_at"`
}

// Violation is a single guard-dog finding.
type Violation struct {
	// Policy is the name of the policy that produced the finding.
	Policy string `json:"policy"`

	// Key is the configuration key or cartridge reference involved.
	Key string `json:"key,omitempty"`

	// Message is a human-readable message.
	Message string `json:"message"`

	// Severity is the finding severity.
	Severity Severity `json:"severity"`
}

// String renders the finding for error violation lists.
func (v Violation) String() string {
	if v.Key != "" {
		return v.Policy + ": " + v.Key + ": " + v.Message
	}
	return v.Policy + ": " + v.Message
}

// Result is the outcome of a guard-dog re-scan.
type Result struct {
	// Allowed is false when any blocking finding was produced.
	Allowed bool `json:"allowed"`

	// Violations lists blocking findings.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking findings.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that ran, sorted.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the re-scan ran.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the re-scan took.
	Duration time.Duration `json:"duration"`
}

// Messages returns the blocking findings as strings.
func (r *Result) Messages() []string {
	out := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		out = append(out, v.String())
	}
	return out
}

// Input is the document evaluated by every guard-dog policy: the combined
// configuration as it would be after the insertion commits.
type Input struct {
	// Configuration is the merged shared configuration.
	Configuration engine.Configuration `json:"configuration"`

	// Owners maps each configuration key to the cartridge that contributes it.
	Owners map[string]string `json:"owners"`

	// Candidate is the cartridge being inserted.
	Candidate *engine.CartridgeManifest `json:"candidate"`

	// Registry is the registry index as it would be after the insertion commits.
	Registry []RegistryView `json:"registry"`

	// Context provides evaluation context.
	Context Context `json:"context"`
}

// RegistryView is the registry entry shape exposed to policies.
type RegistryView struct {
	Ref     string `json:"ref"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Status  string `json:"status"`
}

// Context provides context information for evaluation.
type Context struct {
	// Operation is the operation being performed, e.g. "insert".
	Operation string `json:"operation"`

	// EngineVersion is the running engine version.
	EngineVersion string `json:"engine_version,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}
