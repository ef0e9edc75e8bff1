// Package halt implements the halt gateway: a one-way override any component
// may assert, global or scoped to a single lease.
//
// The lease manager consults Halted as the last gate before every state write
// commits, so an assertion wins over any ceremony or enforcer outcome in
// flight. Assertions are persisted and restored by Load. Releasing an
// assertion never returns a lease to ACTIVE.
package halt
