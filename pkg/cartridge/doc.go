// Package cartridge validates and hashes cartridge manifests.
//
// Validate runs five checks in order and short-circuits on the first failure:
// structural schema conformance, the invariant list, time-window zones and
// offsets, a forbidden-language scan of human-facing templates, and the closed
// primitive enumeration. It has no side effects. A rejection is a SchemaInvalid
// *engine.GovernanceError carrying every violation of the failing check.
//
// ContentHash is computed over Normalize(m), so two documents that differ only
// in list order, surrounding whitespace, numeric representation or format
// (YAML, TOML or JSON) hash identically.
package cartridge
