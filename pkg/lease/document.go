package lease

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/leasehold/pkg/config"
	"github.com/openfroyo/leasehold/pkg/engine"
)

// Document is the declarative lease document as authored.
type Document struct {
	Cartridge               string                `json:"cartridge" validate:"required"`
	Duration                string                `json:"duration" validate:"required"`
	RenewalPolicy           engine.RenewalPolicy  `json:"renewal_policy,omitempty" validate:"omitempty,eq=perish"`
	Bounds                  engine.Bounds         `json:"bounds"`
	GovernanceBufferSeconds int64                 `json:"governance_buffer_seconds" validate:"gte=0"`
	OnExpiry                engine.ExpiryBehavior `json:"on_expiry" validate:"required,oneof=close_out freeze_and_wait"`
	Reviewer                string                `json:"reviewer" validate:"required"`
}

// DraftRequest is a validated request to draft a lease.
type DraftRequest struct {
	CartridgeName           string
	CartridgeVersion        string
	Duration                time.Duration
	Bounds                  engine.Bounds
	GovernanceBufferSeconds int64
	OnExpiry                engine.ExpiryBehavior
	Reviewer                string

	// PredecessorID links a successor created by a ceremony.
	PredecessorID string
}

// ParseDocument validates a lease document against the closed lease schema
// and converts it into a draft request. Any violation rejects the document
// wholesale.
func ParseDocument(ctx context.Context, schemas *config.SchemaRegistry, doc *config.Document) (*DraftRequest, error) {
	violations, err := schemas.ValidateAgainstSchema(ctx, config.SchemaLease, doc.Tree)
	if err != nil {
		return nil, fmt.Errorf("failed to validate lease document: %w", err)
	}
	if len(violations) > 0 {
		return nil, engine.NewSchemaInvalid("lease document rejected by schema check", violations...)
	}

	var d Document
	if err := doc.Bind(&d); err != nil {
		return nil, engine.NewSchemaInvalid("lease document rejected by schema check", err.Error())
	}
	return d.Request()
}

// Request converts the document into a draft request.
func (d *Document) Request() (*DraftRequest, error) {
	if err := validator.New().Struct(d); err != nil {
		return nil, engine.NewSchemaInvalid("lease document rejected by schema check", err.Error())
	}

	name, version, err := engine.ParseRef(d.Cartridge)
	if err != nil {
		return nil, engine.NewSchemaInvalid("lease document rejected by schema check", err.Error())
	}

	duration, err := ParseDuration(d.Duration)
	if err != nil {
		return nil, engine.NewSchemaInvalid("lease document rejected by schema check", err.Error())
	}

	return &DraftRequest{
		CartridgeName:           name,
		CartridgeVersion:        strings.TrimPrefix(version, "v"),
		Duration:                duration,
		Bounds:                  d.Bounds,
		GovernanceBufferSeconds: d.GovernanceBufferSeconds,
		OnExpiry:                d.OnExpiry,
		Reviewer:                d.Reviewer,
	}, nil
}

const maxDays = int64(math.MaxInt64 / (24 * time.Hour))

// ParseDuration accepts Go durations and a whole-day form such as "7d".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.ParseInt(days, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		if n > maxDays || n < -maxDays {
			return 0, fmt.Errorf("invalid duration %q: out of range", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

// validate checks the request against the engine limits.
func (r *DraftRequest) validate(maxDuration time.Duration) []string {
	var violations []string

	if r.Duration <= 0 {
		violations = append(violations, "duration must be positive")
	}
	if r.Duration > maxDuration {
		violations = append(violations, fmt.Sprintf("duration %s exceeds the maximum %s", r.Duration, maxDuration))
	}
	if r.GovernanceBufferSeconds < 0 {
		violations = append(violations, "governance_buffer_seconds must not be negative")
	}
	if time.Duration(r.GovernanceBufferSeconds)*time.Second >= r.Duration {
		violations = append(violations, "governance_buffer_seconds must be shorter than the duration")
	}
	switch r.OnExpiry {
	case engine.ExpiryCloseOut, engine.ExpiryFreezeAndWait:
	default:
		violations = append(violations, fmt.Sprintf("on_expiry %q is not close_out or freeze_and_wait", r.OnExpiry))
	}
	if strings.TrimSpace(r.Reviewer) == "" {
		violations = append(violations, "reviewer is required")
	}

	return violations
}
