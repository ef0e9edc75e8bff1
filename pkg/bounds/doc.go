// Package bounds enforces lease bounds against operational signals.
//
// Each ACTIVE lease is armed with an immutable Limits value that the hot
// path reads with a single atomic load. Bounds combine with OR: one breached
// bound halts the lease. Consecutive losses halt on reaching the limit; the
// other numeric bounds halt when exceeded. The daily action count resets at
// each UTC day.
//
// A lease halts at most once. Signals arriving after the halt are absorbed
// and reported as AlreadyHalted without another transition or bead.
package bounds
