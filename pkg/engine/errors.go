package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a governance rejection. Nothing in the core is silently
// degraded: every rejection carries one of these kinds and the violated checks.
type ErrorKind string

const (
	// KindSchemaInvalid indicates a manifest or lease document failed structural validation.
	KindSchemaInvalid ErrorKind = "schema_invalid"

	// KindDrawerConflict indicates a drawer merge found an incompatible key.
	// The candidate cartridge perishes; a human must edit one side.
	KindDrawerConflict ErrorKind = "drawer_conflict"

	// KindBoundsViolation indicates a ceiling looser than its floor, or a runtime breach.
	KindBoundsViolation ErrorKind = "bounds_violation"

	// KindStaleWrite indicates the presented state-lock hash no longer matches.
	// The caller must re-read and retry.
	KindStaleWrite ErrorKind = "stale_write"

	// KindGuardDogFailure indicates the post-merge re-scan rejected the combined configuration.
	KindGuardDogFailure ErrorKind = "guard_dog_failure"

	// KindHalted indicates a halt assertion won over the requested transition.
	KindHalted ErrorKind = "halted"

	// KindInvalidTransition indicates a transition the lease state machine does not allow.
	KindInvalidTransition ErrorKind = "invalid_transition"

	// KindCeremonyIncomplete indicates a ceremony step was attempted out of order.
	KindCeremonyIncomplete ErrorKind = "ceremony_incomplete"

	// KindNotFound indicates a referenced lease, cartridge, or ceremony does not exist.
	KindNotFound ErrorKind = "not_found"
)

// GovernanceError is a classified rejection with the specific violated checks.
type GovernanceError struct {
	// Kind is the rejection classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable summary.
	Message string `json:"message"`

	// Violations lists every violated check, in evaluation order.
	Violations []string `json:"violations,omitempty"`

	// LeaseID is the lease involved, if any.
	LeaseID string `json:"lease_id,omitempty"`

	// Cartridge is the cartridge reference involved, if any.
	Cartridge string `json:"cartridge,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *GovernanceError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Kind, e.Message)
	if e.LeaseID != "" {
		fmt.Fprintf(&b, " (lease=%s)", e.LeaseID)
	}
	if e.Cartridge != "" {
		fmt.Fprintf(&b, " (cartridge=%s)", e.Cartridge)
	}
	if len(e.Violations) > 0 {
		fmt.Fprintf(&b, ": %s", strings.Join(e.Violations, "; "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *GovernanceError) Unwrap() error {
	return e.Err
}

// Is matches on kind so errors.Is(err, &GovernanceError{Kind: KindStaleWrite}) works.
func (e *GovernanceError) Is(target error) bool {
	t, ok := target.(*GovernanceError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithLease adds lease context to an error.
func (e *GovernanceError) WithLease(leaseID string) *GovernanceError {
	e.LeaseID = leaseID
	return e
}

// WithCartridge adds cartridge context to an error.
func (e *GovernanceError) WithCartridge(ref string) *GovernanceError {
	e.Cartridge = ref
	return e
}

// WithCause attaches an underlying error.
func (e *GovernanceError) WithCause(err error) *GovernanceError {
	e.Err = err
	return e
}

func newError(kind ErrorKind, message string, violations ...string) *GovernanceError {
	return &GovernanceError{Kind: kind, Message: message, Violations: violations}
}

// NewSchemaInvalid creates a schema rejection.
func NewSchemaInvalid(message string, violations ...string) *GovernanceError {
	return newError(KindSchemaInvalid, message, violations...)
}

// NewDrawerConflict creates a drawer conflict rejection.
func NewDrawerConflict(message string, violations ...string) *GovernanceError {
	return newError(KindDrawerConflict, message, violations...)
}

// NewBoundsViolation creates a bounds rejection.
func NewBoundsViolation(message string, violations ...string) *GovernanceError {
	return newError(KindBoundsViolation, message, violations...)
}

// NewStaleWrite creates a stale write rejection.
func NewStaleWrite(leaseID, presented, current string) *GovernanceError {
	return newError(KindStaleWrite, "state lock hash mismatch",
		fmt.Sprintf("presented=%s current=%s", presented, current)).WithLease(leaseID)
}

// NewGuardDogFailure creates a post-merge re-scan rejection.
func NewGuardDogFailure(message string, violations ...string) *GovernanceError {
	return newError(KindGuardDogFailure, message, violations...)
}

// NewHalted creates a halt rejection.
func NewHalted(leaseID, reason string) *GovernanceError {
	return newError(KindHalted, "halt asserted", reason).WithLease(leaseID)
}

// NewInvalidTransition creates a state machine rejection.
func NewInvalidTransition(leaseID string, from, to LeaseState) *GovernanceError {
	return newError(KindInvalidTransition,
		fmt.Sprintf("transition %s -> %s is not permitted", from, to)).WithLease(leaseID)
}

// NewCeremonyIncomplete creates a ceremony ordering rejection.
func NewCeremonyIncomplete(message string, violations ...string) *GovernanceError {
	return newError(KindCeremonyIncomplete, message, violations...)
}

// NewNotFound creates a missing-entity rejection.
func NewNotFound(message string, err error) *GovernanceError {
	return newError(KindNotFound, message).WithCause(err)
}

func isKind(err error, kind ErrorKind) bool {
	var e *GovernanceError
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsSchemaInvalid reports whether err is a schema rejection.
func IsSchemaInvalid(err error) bool { return isKind(err, KindSchemaInvalid) }

// IsDrawerConflict reports whether err is a drawer conflict.
func IsDrawerConflict(err error) bool { return isKind(err, KindDrawerConflict) }

// IsBoundsViolation reports whether err is a bounds rejection.
func IsBoundsViolation(err error) bool { return isKind(err, KindBoundsViolation) }

// IsStaleWrite reports whether err is a state-lock hash mismatch.
func IsStaleWrite(err error) bool { return isKind(err, KindStaleWrite) }

// IsGuardDogFailure reports whether err is a post-merge re-scan rejection.
func IsGuardDogFailure(err error) bool { return isKind(err, KindGuardDogFailure) }

// IsHalted reports whether err is a halt rejection.
func IsHalted(err error) bool { return isKind(err, KindHalted) }

// IsInvalidTransition reports whether err is a state machine rejection.
func IsInvalidTransition(err error) bool { return isKind(err, KindInvalidTransition) }

// IsCeremonyIncomplete reports whether err is a ceremony ordering rejection.
func IsCeremonyIncomplete(err error) bool { return isKind(err, KindCeremonyIncomplete) }

// IsNotFound reports whether err refers to a missing entity.
func IsNotFound(err error) bool {
	if isKind(err, KindNotFound) {
		return true
	}
	return errors.Is(err, ErrLeaseNotFound) ||
		errors.Is(err, ErrCartridgeNotFound) ||
		errors.Is(err, ErrCeremonyNotFound)
}

// KindOf returns the classification of err, or "" if it is not a GovernanceError.
func KindOf(err error) ErrorKind {
	var e *GovernanceError
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Sentinel errors returned by stores.
var (
	// ErrLeaseNotFound is returned when a lease id does not exist.
	ErrLeaseNotFound = errors.New("lease not found")

	// ErrCartridgeNotFound is returned when a cartridge reference does not exist.
	ErrCartridgeNotFound = errors.New("cartridge not found")

	// ErrCeremonyNotFound is returned when a ceremony id does not exist.
	ErrCeremonyNotFound = errors.New("ceremony not found")

	// ErrCASMismatch is returned by stores when a compare-and-swap finds a different hash.
	ErrCASMismatch = errors.New("compare-and-swap hash mismatch")

	// ErrActiveLeaseExists is returned when a second lease would become ACTIVE.
	ErrActiveLeaseExists = errors.New("another lease is already active")

	// ErrCartridgeExists is returned when an exact cartridge version was already inserted once.
	ErrCartridgeExists = errors.New("cartridge version already exists")

	// ErrBeadSequence is returned when an appended bead does not extend the head of the stream.
	ErrBeadSequence = errors.New("bead does not extend the stream head")
)
