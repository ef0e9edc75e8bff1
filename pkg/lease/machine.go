package lease

import "github.com/openfroyo/leasehold/pkg/engine"

// transitions is the complete lease state machine. EXPIRED and REVOKED have
// no outgoing edges, and nothing leads back to ACTIVE from HALTED.
var transitions = map[engine.LeaseState][]engine.LeaseState{
	engine.LeaseStateDraft:  {engine.LeaseStateActive, engine.LeaseStateRevoked},
	engine.LeaseStateActive: {engine.LeaseStateExpired, engine.LeaseStateRevoked, engine.LeaseStateHalted},
	engine.LeaseStateHalted: {engine.LeaseStateRevoked},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to engine.LeaseState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// beadFor maps a target state to the bead recording it.
func beadFor(to engine.LeaseState) engine.BeadType {
	switch to {
	case engine.LeaseStateActive:
		return engine.BeadActivation
	case engine.LeaseStateExpired:
		return engine.BeadExpiry
	case engine.LeaseStateHalted:
		return engine.BeadHalt
	default:
		return engine.BeadRevocation
	}
}
