package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/leasehold/pkg/config"
	"github.com/openfroyo/leasehold/pkg/governor"
)

func newInsertCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "insert <manifest>",
		Short: "Insert a cartridge",
		Long: `Insert a cartridge manifest through the eight-stage pipeline:

  1. Schema validation
  2. Invariant presence
  3. Engine and registry compatibility
  4. Forbidden-pattern scan
  5. Drawer merge into the shared configuration
  6. Registry index preparation
  7. Guard-dog re-scan of the combined configuration
  8. Shadow calibration

A failure at stages 1-7 leaves the registry untouched. Stage 8 records a
calibration result and never blocks the insertion.

Inserting a strictly higher version of an inserted cartridge supersedes it:
the predecessor is retired and its leases are revoked.`,
		Example: `  # Insert a cartridge
  leasehold insert cartridges/asia_scalp.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireActor(); err != nil {
				return err
			}
			log.Info().Str("path", args[0]).Msg("Inserting cartridge")

			doc, err := config.ReadDocument(args[0])
			if err != nil {
				return err
			}

			return withGovernor(cmd, func(ctx context.Context, g *governor.Governor) error {
				result, err := g.Insertions.Insert(ctx, doc, actor)
				if err != nil {
					return err
				}
				return printResult(result, func() {
					fmt.Printf("✓ Inserted %s (%s)\n", result.Ref, result.ContentHash)
					fmt.Printf("  drawer keys: %d added, %d unchanged\n", len(result.Added), len(result.Unchanged))
					for _, ref := range result.Superseded {
						fmt.Printf("  superseded: %s\n", ref)
					}
					for _, id := range result.RevokedLeases {
						fmt.Printf("  revoked lease: %s\n", id)
					}
					for _, w := range result.Warnings {
						fmt.Printf("  warning: %s\n", w)
					}
					if c := result.Calibration; c != nil {
						fmt.Printf("  calibration: %s (drift %.1f%%) %s\n", c.Status, c.DriftPct, c.Reason)
					}
				})
			})
		},
	}

	return cmd
}

func newRemoveCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "remove <name@version>",
		Short: "Remove an inserted cartridge",
		Long: `Remove an inserted cartridge: revoke its dependent leases, strip its drawer
keys from the shared configuration and retire its registry entry. The manifest
is archived, never deleted.`,
		Example: `  leasehold remove ASIA_SCALP@1.0.0 --reason "strategy retired"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireActor(); err != nil {
				return err
			}
			log.Info().Str("ref", args[0]).Str("reason", reason).Msg("Removing cartridge")

			return withGovernor(cmd, func(ctx context.Context, g *governor.Governor) error {
				removal, err := g.Insertions.Remove(ctx, args[0], reason, actor)
				if err != nil {
					return err
				}
				return printResult(removal, func() {
					fmt.Printf("✓ Removed %s\n", removal.Ref)
					for _, id := range removal.RevokedLeases {
						fmt.Printf("  revoked lease: %s\n", id)
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "removed by operator", "reason recorded on the removal bead")

	return cmd
}
