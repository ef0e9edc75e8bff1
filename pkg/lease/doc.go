// Package lease implements the lease lifecycle.
//
// States and edges:
//
//	DRAFT  -> ACTIVE | REVOKED
//	ACTIVE -> EXPIRED | REVOKED | HALTED
//	HALTED -> REVOKED
//
// EXPIRED and REVOKED are terminal. A HALTED lease never returns to ACTIVE;
// continued operation requires a new lease with a new identity.
//
// Every transition presents the lease's current state lock hash. The Manager
// rejects a mismatched hash as a stale write and never merges. Writes go
// through the store's compare-and-swap, so of two transitions racing from the
// same hash exactly one commits.
//
// Lease bounds are ceilings. Each numeric bound must be no looser than the
// cartridge default it maps to:
//
//	max_drawdown_pct       <= risk_defaults.max_drawdown_pct
//	max_consecutive_losses <= risk_defaults.max_consecutive_losses
//	position_size_cap      <= risk_defaults.per_trade_pct
//	max_daily_actions      <= risk_defaults.max_daily_actions
//
// Leases never renew themselves. An ACTIVE lease is expired by the watcher
// at expires_at minus governance_buffer_seconds.
package lease
