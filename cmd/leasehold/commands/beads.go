package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/leasehold/pkg/engine"
	"github.com/openfroyo/leasehold/pkg/governor"
)

func newBeadsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "beads",
		Short: "Inspect and verify the audit stream",
	}

	cmd.AddCommand(newBeadsListCommand())
	cmd.AddCommand(newBeadsVerifyCommand())

	return cmd
}

func newBeadsListCommand() *cobra.Command {
	var (
		leaseID   string
		cartridge string
		types     []string
		limit     int
	)

	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List audit beads",
		Example: `  leasehold beads list --lease 6f1c... --type breach --type halt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := engine.BeadFilter{LeaseID: leaseID, Cartridge: cartridge, Limit: limit}
			for _, t := range types {
				filter.Types = append(filter.Types, engine.BeadType(t))
			}

			return withGovernor(cmd, func(ctx context.Context, g *governor.Governor) error {
				beads, err := g.Emitter.List(ctx, filter)
				if err != nil {
					return err
				}
				return printResult(beads, func() {
					for _, b := range beads {
						fmt.Printf("%6d  %s  %-20s %-24s %s", b.Seq, b.Timestamp.Format("2006-01-02 15:04:05"), b.Type, b.Cartridge, b.Actor)
						if b.LeaseID != "" {
							fmt.Printf("  lease=%s", b.LeaseID)
						}
						fmt.Println()
						if verbose && len(b.Payload) > 0 {
							payload, _ := json.Marshal(b.Payload)
							fmt.Printf("        %s\n", payload)
						}
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&leaseID, "lease", "", "filter by lease id")
	cmd.Flags().StringVar(&cartridge, "cartridge", "", "filter by cartridge ref")
	cmd.Flags().StringSliceVar(&types, "type", nil, "filter by bead type (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of beads")

	return cmd
}

func newBeadsVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the bead hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGovernor(cmd, func(ctx context.Context, g *governor.Governor) error {
				result, err := g.Emitter.Verify(ctx)
				if err != nil {
					return err
				}
				if err := printResult(result, func() {
					if result.Valid {
						fmt.Printf("✓ Chain intact: %d beads, head %s\n", result.BeadsChecked, result.HeadHash)
					} else {
						fmt.Printf("✗ Chain broken at bead %d\n", result.BrokenAt)
					}
				}); err != nil {
					return err
				}
				if !result.Valid {
					return fmt.Errorf("bead chain broken at sequence %d", result.BrokenAt)
				}
				return nil
			})
		},
	}
}
