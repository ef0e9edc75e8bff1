// Package engine provides the core types and interfaces of the leasehold governance engine.
//
// # Overview
//
// Leasehold governs bounded autonomous execution. A declarative strategy
// definition (a cartridge) must be wrapped by a time-boxed, bounds-constrained
// authorization grant (a lease) before it may act. The engine decides what may
// run, under what ceiling, for how long, and what happens the instant a bound
// is breached.
//
// # Core Domain Types
//
//   - CartridgeManifest: versioned strategy definition with a risk floor
//   - Configuration: shared drawer.key configuration merged from cartridge deltas
//   - RegistryEntry: one row of the registry index
//   - Lease: authorization grant over one exact cartridge version
//   - Bounds: lease ceilings, never looser than the cartridge floor
//   - Signal: operational signal consumed from the external evaluation engine
//   - Bead: immutable, hash-chained audit event
//   - Ceremony: human renew/revoke/attest session
//   - HaltAssertion: one-way override asserted through the halt gateway
//
// # Lease Lifecycle
//
//	DRAFT --activate--> ACTIVE --soft expiry--> EXPIRED
//	                      |---revoke----------> REVOKED
//	                      '---breach/halt-----> HALTED --revoke--> REVOKED
//
// EXPIRED and REVOKED are terminal. HALTED can only be left through REVOKE;
// continued operation needs a brand-new lease with a new identity.
//
// # Concurrency
//
// Every lease mutation is a compare-and-swap on the state-lock hash. There is
// no global lock: contention is resolved by rejecting the stale writer, which
// must re-read and retry.
//
// # Error Classification
//
// Rejections are *GovernanceError values classified by kind:
//
//   - SchemaInvalid: structural validation failed
//   - DrawerConflict: a merge found an incompatible key
//   - BoundsViolation: ceiling looser than floor, or a runtime breach
//   - StaleWrite: state-lock hash mismatch
//   - GuardDogFailure: post-merge re-scan failed
//
// Use the helper functions to inspect errors:
//
//	if engine.IsStaleWrite(err) {
//	    // re-read the lease and retry with its current hash
//	}
package engine
