package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/leasehold/pkg/config"
	"github.com/openfroyo/leasehold/pkg/engine"
	"github.com/openfroyo/leasehold/pkg/governor"
	"github.com/openfroyo/leasehold/pkg/lease"
)

func newLeaseCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lease",
		Short: "Draft and inspect leases",
		Long: `Draft and inspect leases.

A drafted lease authorizes nothing. It becomes ACTIVE only through a ceremony
(see 'leasehold ceremony'). Leases perish: they never renew on their own.`,
	}

	cmd.AddCommand(newLeaseDraftCommand())
	cmd.AddCommand(newLeaseShowCommand())
	cmd.AddCommand(newLeaseListCommand())
	cmd.AddCommand(newLeaseRevokeCommand())

	return cmd
}

func newLeaseDraftCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "draft <lease-document>",
		Short: "Draft a lease from a lease document",
		Example: `  leasehold lease draft leases/asia_scalp.yaml`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireActor(); err != nil {
				return err
			}
			doc, err := config.ReadDocument(args[0])
			if err != nil {
				return err
			}

			return withGovernor(cmd, func(ctx context.Context, g *governor.Governor) error {
				req, err := lease.ParseDocument(ctx, g.Schemas, doc)
				if err != nil {
					return err
				}
				l, err := g.Leases.Draft(ctx, req, actor)
				if err != nil {
					return err
				}
				log.Info().Str("lease_id", l.ID).Str("cartridge", l.CartridgeRef()).Msg("Lease drafted")
				return printResult(l, func() {
					fmt.Printf("✓ Drafted lease %s for %s\n", l.ID, l.CartridgeRef())
					fmt.Printf("  activate it with: leasehold ceremony open %s --reviewer %s\n", l.ID, l.Governance.Reviewer)
				})
			})
		},
	}
}

func newLeaseShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <lease-id>",
		Short: "Show a lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGovernor(cmd, func(ctx context.Context, g *governor.Governor) error {
				l, err := g.Leases.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printResult(l, func() { printLease(l) })
			})
		},
	}
}

func printLease(l *engine.Lease) {
	fmt.Printf("Lease:      %s\n", l.ID)
	fmt.Printf("Cartridge:  %s (%s)\n", l.CartridgeRef(), l.CartridgeHash)
	fmt.Printf("State:      %s", l.State)
	if l.StateReason != "" {
		fmt.Printf(" (%s)", l.StateReason)
	}
	fmt.Println()
	fmt.Printf("Duration:   %s\n", l.Duration())
	if l.StartsAt != nil && l.ExpiresAt != nil {
		fmt.Printf("Window:     %s - %s (soft expiry %s)\n",
			l.StartsAt.Format("2006-01-02 15:04:05"), l.ExpiresAt.Format("2006-01-02 15:04:05"),
			l.SoftExpiry().Format("2006-01-02 15:04:05"))
	}
	b := l.Bounds
	fmt.Printf("Bounds:     drawdown %.2f%%, losses %d, size %.2f, daily %d\n",
		b.MaxDrawdownPct, b.MaxConsecutiveLosses, b.PositionSizeCap, b.MaxDailyActions)
	fmt.Printf("            instruments [%s] windows [%s]\n",
		strings.Join(b.AllowedInstruments, ", "), strings.Join(b.AllowedWindows, ", "))
	fmt.Printf("On expiry:  %s\n", l.OnExpiry)
	fmt.Printf("Reviewer:   %s\n", l.Governance.Reviewer)
	if l.PredecessorID != "" {
		fmt.Printf("Succeeds:   %s\n", l.PredecessorID)
	}
	fmt.Printf("Lock hash:  %s\n", l.StateLockHash)
}

func newLeaseListCommand() *cobra.Command {
	var (
		states        []string
		cartridgeName string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List leases",
		Example: `  leasehold lease list --state ACTIVE --state HALTED`,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := engine.LeaseFilter{CartridgeName: cartridgeName}
			for _, s := range states {
				filter.States = append(filter.States, engine.LeaseState(strings.ToUpper(s)))
			}

			return withGovernor(cmd, func(ctx context.Context, g *governor.Governor) error {
				leases, err := g.Leases.List(ctx, filter)
				if err != nil {
					return err
				}
				return printResult(leases, func() {
					w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
					fmt.Fprintln(w, "ID\tCARTRIDGE\tSTATE\tEXPIRES")
					for _, l := range leases {
						expires := "-"
						if l.ExpiresAt != nil {
							expires = l.ExpiresAt.Format("2006-01-02 15:04")
						}
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", l.ID, l.CartridgeRef(), l.State, expires)
					}
					_ = w.Flush()
				})
			})
		},
	}

	cmd.Flags().StringSliceVar(&states, "state", nil, "filter by state (repeatable)")
	cmd.Flags().StringVar(&cartridgeName, "cartridge", "", "filter by cartridge name")

	return cmd
}

func newLeaseRevokeCommand() *cobra.Command {
	var (
		hash   string
		reason string
	)

	cmd := &cobra.Command{
		Use:   "revoke <lease-id>",
		Short: "Discard a DRAFT lease",
		Long: `Discard a DRAFT lease. ACTIVE and HALTED leases are revoked through a
ceremony decision so the revocation carries an attestation.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireActor(); err != nil {
				return err
			}
			return withGovernor(cmd, func(ctx context.Context, g *governor.Governor) error {
				cur, err := g.Leases.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if cur.State != engine.LeaseStateDraft {
					gerr := engine.NewInvalidTransition(cur.ID, cur.State, engine.LeaseStateRevoked)
					gerr.Violations = append(gerr.Violations, "use 'leasehold ceremony decide --decision REVOKE'")
					return gerr
				}
				if hash == "" {
					hash = cur.StateLockHash
				}
				l, err := g.Leases.Revoke(ctx, cur.ID, hash, reason, actor)
				if err != nil {
					return err
				}
				return printResult(l, func() { fmt.Printf("✓ Revoked draft %s\n", l.ID) })
			})
		},
	}

	cmd.Flags().StringVar(&hash, "hash", "", "expected state lock hash (default: current)")
	cmd.Flags().StringVar(&reason, "reason", "draft discarded", "revocation reason")

	return cmd
}
