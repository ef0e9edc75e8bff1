// Package audit writes the bead stream: one immutable, hash-chained record per
// governance decision.
//
// Every bead carries the hash of its predecessor, so VerifyChain can detect
// any edit, deletion, or reordering after the fact. The Emitter serializes
// appends in-process and the store rejects a bead that does not extend the
// current head, so the stream never forks.
//
// Committed beads are fanned out through a Publisher (the telemetry event
// publisher in a running service) to downstream analytics, which consume the
// stream but never produce it.
package audit
