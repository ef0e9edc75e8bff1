// Package stores provides the persistence layer of the governance engine.
//
// SQLiteStore keeps leases, the registry index with archived manifests, the
// shared configuration, audit beads, ceremonies, and halt assertions in one
// SQLite database (WAL mode, embedded golang-migrate migrations).
//
// Lease mutation goes through CompareAndSwapLease, a single conditional
// UPDATE keyed on the state lock hash. A partial unique index keeps at most
// one ACTIVE lease. Beads are append-only; triggers reject updates and deletes.
package stores
