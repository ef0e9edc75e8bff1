package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// Schema names registered by NewSchemaRegistry.
const (
	SchemaCartridge = "cartridge"
	SchemaLease     = "lease"
	SchemaBounds    = "bounds"
	SchemaShadow    = "shadow_report"
)

// SchemaRegistry manages CUE schemas for document validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]schemaEntry
	mu      sync.RWMutex
}

type schemaEntry struct {
	root cue.Value
	def  cue.Value
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]schemaEntry),
	}

	sr.registerBuiltInSchemas()

	return sr
}

// registerBuiltInSchemas registers all built-in schemas. The definitions are
// compiled together so they can refer to each other.
func (sr *SchemaRegistry) registerBuiltInSchemas() {
	for name, def := range map[string]string{
		SchemaCartridge: "#Cartridge",
		SchemaLease:     "#LeaseDocument",
		SchemaBounds:    "#Bounds",
		SchemaShadow:    "#ShadowReport",
	} {
		if err := sr.RegisterSchema(name, builtinSchemas, def); err != nil {
			panic(err)
		}
	}
}

// RegisterSchema compiles source and registers the named definition under name.
func (sr *SchemaRegistry) RegisterSchema(name, source, definition string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	root := sr.ctx.CompileString(source)
	if err := root.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := root.LookupPath(cue.ParsePath(definition))
	if err := def.Err(); err != nil {
		return fmt.Errorf("failed to find definition %s in schema %s: %w", definition, name, err)
	}

	sr.schemas[name] = schemaEntry{root: root, def: def}
	return nil
}

// HasSchema reports whether name is registered.
func (sr *SchemaRegistry) HasSchema(name string) bool {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	_, ok := sr.schemas[name]
	return ok
}

// ValidateAgainstSchema validates data against a named schema. It returns one
// message per violated constraint; an empty result means data is valid.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) ([]string, error) {
	sr.mu.RLock()
	entry, ok := sr.schemas[schemaName]
	sr.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("schema %s not found", schemaName)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return nil, fmt.Errorf("failed to encode data: %w", err)
	}

	// Definitions are closed, so unknown fields fail unification.
	unified := entry.def.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return violationMessages(err), nil
	}

	return nil, nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func violationMessages(err error) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range cueerrors.Errors(err) {
		msg := e.Error()
		if _, dup := seen[msg]; dup {
			continue
		}
		seen[msg] = struct{}{}
		out = append(out, msg)
	}
	if len(out) == 0 {
		out = append(out, err.Error())
	}
	sort.Strings(out)
	return out
}

// Numeric fields are declared as number rather than int: documents decoded
// from JSON carry float64 values. Integrality is enforced on typed decode.
const builtinSchemas = `
#Name: string & =~"^[A-Z][A-Z0-9_]*$"

#Version: string & =~"^v?[0-9]+[.][0-9]+[.][0-9]+"

#Regime: "trending" | "ranging" | "volatile" | "quiet" | "any"

#Clock: string & =~"^([01][0-9]|2[0-3]):[0-5][0-9]$"

#Offset: string & =~"^[+-]([01][0-9]|2[0-3]):[0-5][0-9]$"

#Ident: =~"^[a-z][a-z0-9_]*$"

#Window: {
	name:               string & #Ident
	zone?:              string
	start:              #Clock
	end:                #Clock
	winter_utc_offset?: #Offset
	summer_utc_offset?: #Offset
}

#Scalar: number | string | bool

#Cartridge: {
	name:          #Name
	version:       #Version
	author:        string & !=""
	content_hash?: string

	scope: {
		instruments: [string & !="", ...string & !=""]
		regime_affinity: [#Regime, ...#Regime]
		windows?: [...#Window]
	}

	risk_defaults: {
		max_drawdown_pct:       number & >0 & <=100
		max_consecutive_losses: number & >0
		per_trade_pct:          number & >0 & <=100
		max_daily_actions:      number & >0
	}

	drawers?: {[#Ident]: {[#Ident]: #Scalar}}
	primitives: [string, ...string]
	invariants?: [...string]
	templates?: {[string]: string}

	compatibility?: {
		min_engine_version?: #Version
	}

	calibration?: {
		expected_triggers_per_session?: number & >=0
	}
}

#Bounds: {
	max_drawdown_pct:       number & >0 & <=100
	max_consecutive_losses: number & >0
	position_size_cap:      number & >0
	max_daily_actions:      number & >0
	allowed_instruments: [string & !="", ...string & !=""]
	allowed_windows?: [...string & !=""]
}

#LeaseDocument: {
	cartridge:                 string & =~"^[A-Z][A-Z0-9_]*@v?[0-9]+[.][0-9]+[.][0-9]+"
	duration:                  string & !=""
	renewal_policy?:           "perish"
	bounds:                    #Bounds
	governance_buffer_seconds: number & >=0
	on_expiry:                 "close_out" | "freeze_and_wait"
	reviewer:                  string & !=""
}

#ShadowReport: {
	regime?: #Regime
	observed: {[string]: number & >=0}
}
`
