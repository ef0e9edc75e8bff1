package engine_test

import (
	"errors"
	"fmt"

	"github.com/openfroyo/leasehold/pkg/engine"
)

// Example_rejection shows how a classified rejection travels through a
// wrapped error chain and is recovered by kind.
func Example_rejection() {
	err := engine.NewBoundsViolation("lease exceeds cartridge floor",
		"max_drawdown_pct 5 exceeds floor 3").WithLease("lease-1")
	wrapped := fmt.Errorf("failed to activate lease: %w", err)

	fmt.Println(engine.KindOf(wrapped))
	fmt.Println(engine.IsBoundsViolation(wrapped))

	var gerr *engine.GovernanceError
	if errors.As(wrapped, &gerr) {
		fmt.Println(gerr.LeaseID, gerr.Violations[0])
	}
	// Output:
	// bounds_violation
	// true
	// lease-1 max_drawdown_pct 5 exceeds floor 3
}

func ExampleParseRef() {
	name, version, err := engine.ParseRef("ASIA_SCALP@1.2.0")
	fmt.Println(name, version, err)

	_, _, err = engine.ParseRef("ASIA_SCALP@latest")
	fmt.Println(err)
	// Output:
	// ASIA_SCALP 1.2.0 <nil>
	// cartridge reference "ASIA_SCALP@latest" must name an exact version
}

func ExampleLeaseState_IsTerminal() {
	for _, s := range []engine.LeaseState{
		engine.LeaseStateDraft,
		engine.LeaseStateActive,
		engine.LeaseStateHalted,
		engine.LeaseStateExpired,
		engine.LeaseStateRevoked,
	} {
		fmt.Println(s, s.IsTerminal())
	}
	// Output:
	// DRAFT false
	// ACTIVE false
	// HALTED false
	// EXPIRED true
	// REVOKED true
}
