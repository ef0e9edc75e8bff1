// Package governor wires the governance components of one data directory
// together: store, audit emitter, halt gateway, lease manager, bounds
// enforcer, guard-dog, insertion orchestrator and ceremony workflow.
package governor
