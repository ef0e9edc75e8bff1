// Package ceremony implements the human renewal ceremony. A reviewer opens a
// ceremony over a lease, reads the forensic summary, affirms each checklist
// item individually and then decides RENEW, MODIFY or REVOKE. Leases never
// renew on their own; every decision is recorded as an attestation bead.
//
// MODIFY may only tighten bounds. A HALTED lease may only be revoked.
package ceremony
