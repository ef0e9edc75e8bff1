// Package insertion runs the eight-stage cartridge insertion pipeline:
//
//  1. schema validation
//  2. invariant presence
//  3. engine and registry compatibility
//  4. forbidden-pattern scan
//  5. drawer merge
//  6. registry index preparation
//  7. guard-dog re-scan of the combined configuration
//  8. shadow calibration
//
// The registry is written once, after stage 7. Stage 8 records a calibration
// result and never blocks. Insertions and removals are serialized.
package insertion
