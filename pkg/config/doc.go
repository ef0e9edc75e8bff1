// Package config provides application configuration and governance document
// decoding for leasehold.
//
// # Overview
//
// Two kinds of input pass through this package:
//
//   - the application config file (leasehold.yaml), decoded with yaml.v3 over
//     DefaultConfig and checked with validator struct tags
//   - governance documents (cartridge manifests, lease documents, bounds and
//     shadow reports), accepted as YAML, TOML or JSON
//
// # Documents
//
// ReadDocument decodes any supported format into one generic tree shape
// (map[string]any, []any, float64 numbers). The tree is what SchemaRegistry
// validates, and Document.Bind turns it into a typed struct while rejecting
// undeclared fields.
//
// # Schemas
//
// SchemaRegistry holds the built-in CUE definitions. Every definition is
// closed, so a document carrying a field the schema does not declare (for
// example an auto_renew flag on a lease) fails validation.
//
//	sr := config.NewSchemaRegistry()
//	violations, err := sr.ValidateAgainstSchema(ctx, config.SchemaCartridge, doc.Tree)
//	if err != nil {
//	    return err
//	}
//	if len(violations) > 0 {
//	    // reject the document
//	}
package config
