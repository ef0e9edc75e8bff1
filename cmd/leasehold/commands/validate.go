package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/leasehold/pkg/cartridge"
	"github.com/openfroyo/leasehold/pkg/config"
	"github.com/openfroyo/leasehold/pkg/engine"
	"github.com/openfroyo/leasehold/pkg/governor"
	"github.com/openfroyo/leasehold/pkg/lease"
)

func newValidateCommand() *cobra.Command {
	var leaseDoc bool

	cmd := &cobra.Command{
		Use:   "validate <path>",
		Short: "Validate a cartridge manifest or lease document",
		Long: `Validate a cartridge manifest or a lease document without changing anything.

For a manifest this runs the manifest checks in order:
  - Schema conformance (closed CUE definition, semantic version)
  - Presence of the minimum invariant set
  - Time window offsets against the IANA zone database
  - Forbidden patterns in human-facing templates
  - Declared content hash, when present

For a lease document (--lease) the document is checked against the closed
lease schema and, when a workspace exists, its bounds are compared with the
floor of the inserted cartridge.

YAML, TOML and JSON documents are accepted.`,
		Example: `  # Validate a manifest
  leasehold validate cartridges/asia_scalp.yaml

  # Validate a lease document
  leasehold validate --lease leases/asia_scalp.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			log.Info().
				Str("path", path).
				Bool("lease", leaseDoc).
				Msg("Validating document")

			doc, err := config.ReadDocument(path)
			if err != nil {
				return err
			}
			if leaseDoc {
				return validateLease(cmd.Context(), doc)
			}
			return validateManifest(cmd.Context(), doc)
		},
	}

	cmd.Flags().BoolVar(&leaseDoc, "lease", false, "validate a lease document instead of a manifest")

	return cmd
}

func validateManifest(ctx context.Context, doc *config.Document) error {
	minimum := config.DefaultConfig("").Governance.MinimumInvariants
	if cfg, err := loadConfig(); err == nil {
		minimum = cfg.Governance.MinimumInvariants
	}

	accepted, err := cartridge.NewValidator(config.NewSchemaRegistry(), minimum).Validate(ctx, doc)
	if err != nil {
		return err
	}

	return printResult(accepted, func() {
		fmt.Printf("✓ %s is valid\n", accepted.Manifest.Ref())
		fmt.Printf("  content hash: %s\n", accepted.ContentHash)
	})
}

func validateLease(ctx context.Context, doc *config.Document) error {
	req, err := lease.ParseDocument(ctx, config.NewSchemaRegistry(), doc)
	if err != nil {
		return err
	}
	ref := engine.FormatRef(req.CartridgeName, req.CartridgeVersion)

	var violations []string
	checked := false
	if cfg, err := loadConfig(); err == nil {
		g, err := governor.New(ctx, cfg, log.Logger, governor.WithVersion(buildVersion))
		if err != nil {
			return err
		}
		defer g.Close(context.WithoutCancel(ctx))

		m, _, err := g.Store.GetManifest(ctx, ref)
		if err != nil {
			return engine.NewNotFound(fmt.Sprintf("cartridge %s is not in the registry", ref), err)
		}
		violations = lease.CheckBounds(m, req.Bounds)
		checked = true
	}
	if len(violations) > 0 {
		return engine.NewBoundsViolation("lease bounds are looser than the cartridge floor", violations...).WithCartridge(ref)
	}

	return printResult(req, func() {
		fmt.Printf("✓ lease document for %s is valid\n", ref)
		if !checked {
			fmt.Println("  bounds not compared with the cartridge floor (no workspace)")
		}
	})
}
