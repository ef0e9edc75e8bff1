package policy

// GetBuiltinPolicies returns all built-in guard-dog policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		drawerKeysPolicy(),
		drawerValuesPolicy(),
		drawerOwnershipPolicy(),
		singleVersionPolicy(),
		riskFloorPolicy(),
		windowGatePolicy(),
	}
}

// drawerKeysPolicy enforces the drawer.key shape of configuration keys.
func drawerKeysPolicy() Policy {
	return Policy{
		Name:        "drawer-keys",
		Description: "Configuration keys must have the form drawer.key with lowercase identifiers",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package leasehold.guard.drawer_keys

import rego.v1

deny contains violation if {
	some key, _ in input.configuration
	not regex.match("^[a-z][a-z0-9_]*[.][a-z][a-z0-9_]*$", key)
	violation := {
		"message": "configuration key must have the form drawer.key",
		"key": key,
		"severity": "error",
	}
}
`,
	}
}

// drawerValuesPolicy rejects non-scalar configuration values.
func drawerValuesPolicy() Policy {
	return Policy{
		Name:        "drawer-values",
		Description: "Configuration values must be numbers, strings or booleans",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package leasehold.guard.drawer_values

import rego.v1

deny contains violation if {
	some key, value in input.configuration
	not is_scalar(value)
	violation := {
		"message": sprintf("value of type %s is not a scalar", [type_name(value)]),
		"key": key,
		"severity": "error",
	}
}

is_scalar(v) if is_number(v)

is_scalar(v) if is_string(v)

is_scalar(v) if is_boolean(v)
`,
	}
}

// drawerOwnershipPolicy requires every key to be owned by an inserted cartridge.
func drawerOwnershipPolicy() Policy {
	return Policy{
		Name:        "drawer-ownership",
		Description: "Every configuration key must be owned by a cartridge that is inserted",
		Severity:    SeverityCritical,
		Enabled:     true,
		Builtin:     true,
		Rego: `package leasehold.guard.drawer_ownership

import rego.v1

deny contains violation if {
	some key, _ in input.configuration
	not input.owners[key]
	violation := {
		"message": "configuration key has no owning cartridge",
		"key": key,
		"severity": "critical",
	}
}

deny contains violation if {
	some key, owner in input.owners
	not live_ref(owner)
	violation := {
		"message": sprintf("configuration key is owned by %s, which is not inserted", [owner]),
		"key": key,
		"severity": "critical",
	}
}

live_ref(ref) if {
	some entry in input.registry
	entry.ref == ref
	entry.status == "inserted"
}
`,
	}
}

// singleVersionPolicy allows one inserted version per cartridge name.
func singleVersionPolicy() Policy {
	return Policy{
		Name:        "single-version",
		Description: "A cartridge name may have only one inserted version at a time",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package leasehold.guard.single_version

import rego.v1

deny contains violation if {
	some a in input.registry
	a.status == "inserted"
	some b in input.registry
	b.status == "inserted"
	a.name == b.name
	a.ref < b.ref
	violation := {
		"message": sprintf("versions %s and %s are both inserted", [a.version, b.version]),
		"key": a.name,
		"severity": "error",
	}
}
`,
	}
}

// riskFloorPolicy checks the candidate floor is internally consistent.
func riskFloorPolicy() Policy {
	return Policy{
		Name:        "risk-floor",
		Description: "A single action may not risk more than the drawdown floor",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package leasehold.guard.risk_floor

import rego.v1

deny contains violation if {
	rd := input.candidate.risk_defaults
	rd.per_trade_pct > rd.max_drawdown_pct
	violation := {
		"message": sprintf("per_trade_pct %v exceeds max_drawdown_pct %v", [rd.per_trade_pct, rd.max_drawdown_pct]),
		"key": sprintf("%s@%s", [input.candidate.name, input.candidate.version]),
		"severity": "error",
	}
}
`,
	}
}

// windowGatePolicy warns when a time gate is declared without windows.
func windowGatePolicy() Policy {
	return Policy{
		Name:        "window-gate",
		Description: "A cartridge using time_window_gate should declare at least one window",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package leasehold.guard.window_gate

import rego.v1

deny contains violation if {
	"time_window_gate" in input.candidate.primitives
	not has_windows
	violation := {
		"message": "time_window_gate declared without any scope window",
		"key": sprintf("%s@%s", [input.candidate.name, input.candidate.version]),
		"severity": "warning",
	}
}

has_windows if count(input.candidate.scope.windows) > 0
`,
	}
}
