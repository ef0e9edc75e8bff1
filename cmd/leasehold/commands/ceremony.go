package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/leasehold/pkg/ceremony"
	"github.com/openfroyo/leasehold/pkg/config"
	"github.com/openfroyo/leasehold/pkg/engine"
	"github.com/openfroyo/leasehold/pkg/governor"
)

func newCeremonyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ceremony",
		Short: "Run renewal ceremonies",
		Long: `Run the human ceremony over a lease.

A ceremony moves through three phases:
  PENDING_REVIEW   the reviewer reads the forensic summary
  ITEMS_CONFIRMED  every checklist item was affirmed individually
  DECIDED          RENEW, MODIFY (tightened bounds only) or REVOKE was recorded

Every decision writes an attestation bead. A HALTED lease may only be revoked.`,
	}

	cmd.AddCommand(newCeremonyOpenCommand())
	cmd.AddCommand(newCeremonyConfirmCommand())
	cmd.AddCommand(newCeremonyDecideCommand())
	cmd.AddCommand(newCeremonyShowCommand())

	return cmd
}

func printCeremony(c *engine.Ceremony) {
	fmt.Printf("Ceremony:  %s\n", c.ID)
	fmt.Printf("Lease:     %s (hash %s)\n", c.LeaseID, c.LeaseHash)
	fmt.Printf("Reviewer:  %s\n", c.Reviewer)
	fmt.Printf("Phase:     %s\n", c.Phase)

	s := c.Summary
	fmt.Printf("\nForensic summary for %s (%s)\n", s.Cartridge, s.LeaseState)
	for t, n := range s.BeadCounts {
		fmt.Printf("  %-20s %d\n", t, n)
	}
	for _, b := range s.Breaches {
		fmt.Printf("  breach: %s\n", b)
	}
	if s.LastHaltReason != "" {
		fmt.Printf("  last halt: %s\n", s.LastHaltReason)
	}
	if s.Calibration != "" {
		fmt.Printf("  calibration: %s\n", s.Calibration)
	}

	fmt.Printf("\nChecklist\n")
	for _, item := range c.Items {
		mark := "[ ]"
		if item.Affirmed {
			mark = "[x]"
		}
		fmt.Printf("  %s %s  %s\n", mark, item.ID, item.Text)
	}

	if c.Phase == engine.PhaseDecided {
		fmt.Printf("\nDecision:  %s (attestation %s)\n", c.Decision, c.AttestationID)
		if c.SuccessorLeaseID != "" {
			fmt.Printf("Successor: %s\n", c.SuccessorLeaseID)
		}
	}
}

func newCeremonyOpenCommand() *cobra.Command {
	var reviewer string

	cmd := &cobra.Command{
		Use:     "open <lease-id>",
		Short:   "Open a ceremony over a lease",
		Example: `  leasehold ceremony open 6f1c... --reviewer alice`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reviewer == "" {
				reviewer = actor
			}
			return withGovernor(cmd, func(ctx context.Context, g *governor.Governor) error {
				c, err := g.Ceremonies.Open(ctx, args[0], reviewer)
				if err != nil {
					return err
				}
				return printResult(c, func() {
					printCeremony(c)
					fmt.Printf("\nAffirm each item with: leasehold ceremony confirm %s <item-id> --actor %s\n", c.ID, c.Reviewer)
				})
			})
		},
	}

	cmd.Flags().StringVar(&reviewer, "reviewer", "", "reviewer (default: --actor)")

	return cmd
}

func newCeremonyConfirmCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "confirm <ceremony-id> <item-id>...",
		Short: "Affirm checklist items",
		Long: `Affirm checklist items one by one. Only the ceremony's reviewer may affirm.
Each item named is recorded as a separate affirmation.`,
		Example: `  leasehold ceremony confirm 9a2e... item-1 item-2 --actor alice`,
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireActor(); err != nil {
				return err
			}
			return withGovernor(cmd, func(ctx context.Context, g *governor.Governor) error {
				var c *engine.Ceremony
				for _, item := range args[1:] {
					var err error
					if c, err = g.Ceremonies.Confirm(ctx, args[0], item, actor); err != nil {
						return err
					}
					log.Info().Str("ceremony_id", c.ID).Str("item", item).Msg("Item affirmed")
				}
				return printResult(c, func() {
					printCeremony(c)
				})
			})
		},
	}
}

func newCeremonyDecideCommand() *cobra.Command {
	var (
		decision   string
		boundsPath string
		reason     string
	)

	cmd := &cobra.Command{
		Use:   "decide <ceremony-id>",
		Short: "Record the ceremony decision",
		Long: `Record RENEW, MODIFY or REVOKE once every checklist item is affirmed.

RENEW keeps the bound set unmodified. MODIFY takes a bounds document
(--bounds) that may only tighten the current bounds. REVOKE ends the lease.
Renewing or modifying an ACTIVE lease revokes it and activates a successor.`,
		Example: `  leasehold ceremony decide 9a2e... --decision RENEW --actor alice
  leasehold ceremony decide 9a2e... --decision MODIFY --bounds tighter.yaml --actor alice
  leasehold ceremony decide 9a2e... --decision REVOKE --reason "edge decayed" --actor alice`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireActor(); err != nil {
				return err
			}
			req := ceremony.DecisionRequest{
				Decision: engine.Decision(strings.ToUpper(decision)),
				Reason:   reason,
				Actor:    actor,
			}
			if boundsPath != "" {
				doc, err := config.ReadDocument(boundsPath)
				if err != nil {
					return err
				}
				var b engine.Bounds
				if err := doc.Bind(&b); err != nil {
					return engine.NewSchemaInvalid("bounds document rejected", err.Error())
				}
				req.Bounds = &b
			}

			return withGovernor(cmd, func(ctx context.Context, g *governor.Governor) error {
				out, err := g.Ceremonies.Decide(ctx, args[0], req)
				if err != nil {
					return err
				}
				return printResult(out, func() {
					fmt.Printf("✓ %s recorded (attestation %s)\n", out.Ceremony.Decision, out.Ceremony.AttestationID)
					if out.Lease != nil {
						fmt.Printf("  lease %s is %s\n", out.Lease.ID, out.Lease.State)
					}
					if out.Successor != nil {
						fmt.Printf("  successor %s is %s\n", out.Successor.ID, out.Successor.State)
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&decision, "decision", "", "RENEW, MODIFY or REVOKE")
	cmd.Flags().StringVar(&boundsPath, "bounds", "", "tightened bounds document for MODIFY")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the attestation")
	_ = cmd.MarkFlagRequired("decision")

	return cmd
}

func newCeremonyShowCommand() *cobra.Command {
	var leaseID string

	cmd := &cobra.Command{
		Use:   "show [ceremony-id]",
		Short: "Show a ceremony, or list the ceremonies of a lease",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGovernor(cmd, func(ctx context.Context, g *governor.Governor) error {
				if len(args) == 1 {
					c, err := g.Ceremonies.Get(ctx, args[0])
					if err != nil {
						return err
					}
					return printResult(c, func() { printCeremony(c) })
				}

				list, err := g.Ceremonies.List(ctx, leaseID)
				if err != nil {
					return err
				}
				return printResult(list, func() {
					for _, c := range list {
						fmt.Printf("%s  lease %s  %s %s\n", c.ID, c.LeaseID, c.Phase, c.Decision)
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&leaseID, "lease", "", "list the ceremonies of this lease")

	return cmd
}
