package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/leasehold/pkg/engine"
	"github.com/openfroyo/leasehold/pkg/governor"
	"github.com/openfroyo/leasehold/pkg/halt"
)

func newHaltCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "halt",
		Short: "Assert, release and inspect halts",
		Long: `The halt gateway is a one-way override. An assertion forces the leases in
its scope to HALTED and wins over any ceremony or bounds decision in flight.
Releasing an assertion never un-halts a lease: a halted lease can only be
revoked through a ceremony.`,
	}

	cmd.AddCommand(newHaltAssertCommand())
	cmd.AddCommand(newHaltReleaseCommand())
	cmd.AddCommand(newHaltStatusCommand())

	return cmd
}

func newHaltAssertCommand() *cobra.Command {
	var (
		leaseID string
		reason  string
		source  string
	)

	cmd := &cobra.Command{
		Use:   "assert",
		Short: "Assert a global or lease-scoped halt",
		Example: `  # Halt everything
  leasehold halt assert --reason "broker outage"

  # Halt one lease
  leasehold halt assert --lease 6f1c... --reason "manual review"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := halt.Request{Scope: engine.HaltScopeGlobal, Reason: reason, Source: source}
			if leaseID != "" {
				req.Scope = engine.HaltScopeLease
				req.LeaseID = leaseID
			}

			return withGovernor(cmd, func(ctx context.Context, g *governor.Governor) error {
				a, err := g.Halts.Assert(ctx, req)
				if err != nil {
					return err
				}
				log.Warn().Str("halt_id", a.ID).Str("scope", string(a.Scope)).Msg("Halt asserted")
				return printResult(a, func() {
					fmt.Printf("✓ Halt %s asserted (%s)\n", a.ID, a.Scope)
				})
			})
		},
	}

	cmd.Flags().StringVar(&leaseID, "lease", "", "halt only this lease")
	cmd.Flags().StringVar(&reason, "reason", "", "reason for the halt")
	cmd.Flags().StringVar(&source, "source", halt.SourceOperator, "asserting component")
	_ = cmd.MarkFlagRequired("reason")

	return cmd
}

func newHaltReleaseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "release <halt-id>",
		Short: "Release a halt assertion",
		Long: `Release a halt assertion. The release is attested with the actor's name.
Leases already HALTED stay HALTED.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireActor(); err != nil {
				return err
			}
			return withGovernor(cmd, func(ctx context.Context, g *governor.Governor) error {
				if err := g.Halts.Release(ctx, args[0], actor); err != nil {
					return err
				}
				return printResult(map[string]string{"released": args[0], "by": actor}, func() {
					fmt.Printf("✓ Halt %s released by %s\n", args[0], actor)
				})
			})
		},
	}
}

func newHaltStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List the halt assertions in effect",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGovernor(cmd, func(ctx context.Context, g *governor.Governor) error {
				active := g.Halts.Active()
				return printResult(active, func() {
					if len(active) == 0 {
						fmt.Println("No halt in effect")
						return
					}
					w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
					fmt.Fprintln(w, "ID\tSCOPE\tLEASE\tSOURCE\tASSERTED\tREASON")
					for _, a := range active {
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
							a.ID, a.Scope, a.LeaseID, a.Source, a.AssertedAt.Format("2006-01-02 15:04:05"), a.Reason)
					}
					_ = w.Flush()
				})
			})
		},
	}
}
