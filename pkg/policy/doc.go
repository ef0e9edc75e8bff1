// Package policy implements the guard-dog: the post-merge re-scan of the
// combined configuration, run as stage 7 of insertion.
//
// # Overview
//
// The guard-dog evaluates Rego policies with Open Policy Agent. Each policy
// lives in its own package and produces findings through a deny set:
//
//	package leasehold.guard.example
//
//	import rego.v1
//
//	deny contains violation if {
//		some key, value in input.configuration
//		is_string(value)
//		value == ""
//		violation := {
//			"message": "empty string value",
//			"key": key,
//			"severity": "error",
//		}
//	}
//
// Findings with severity error or critical fail the re-scan; warning and
// info findings are reported only. A policy that fails to evaluate counts as
// a critical finding.
//
// # Input
//
// Policies see the configuration as it would be after the insertion commits:
//
//   - input.configuration: merged drawer.key to value map
//   - input.owners: drawer.key to owning cartridge reference
//   - input.candidate: the manifest being inserted
//   - input.registry: the registry index including the candidate
//   - input.context: operation, engine version, timestamp
//
// # Built-in Policies
//
//   - drawer-keys: keys have the form drawer.key
//   - drawer-values: values are scalars
//   - drawer-ownership: every key is owned by an inserted cartridge
//   - single-version: one inserted version per cartridge name
//   - risk-floor: per_trade_pct does not exceed max_drawdown_pct
//   - window-gate: warns when time_window_gate has no windows
//
// # External Policies
//
// Extra policies are loaded with Engine.LoadPolicies: bare .rego modules,
// named after the file, or .json and .yaml definitions carrying the Rego
// source in a rego field.
// Loader.Watch reloads them on change; Engine.ReplaceExternal applies the new
// set atomically and keeps the previous one if any file fails to compile.
package policy
