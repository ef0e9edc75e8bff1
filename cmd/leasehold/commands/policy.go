package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/leasehold/pkg/engine"
	"github.com/openfroyo/leasehold/pkg/governor"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the guard-dog policies run at insertion stage 7",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List built-in and loaded policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGovernor(cmd, func(ctx context.Context, g *governor.Governor) error {
				policies := g.Policies.ListPolicies()
				return printResult(policies, func() {
					w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
					fmt.Fprintln(w, "NAME\tSEVERITY\tENABLED\tSOURCE\tDESCRIPTION")
					for _, p := range policies {
						source := p.Source
						if p.Builtin {
							source = "built-in"
						}
						fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", p.Name, p.Severity, p.Enabled, source, p.Description)
					}
					_ = w.Flush()
				})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show NAME",
		Short: "Print one policy with its Rego module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGovernor(cmd, func(ctx context.Context, g *governor.Governor) error {
				p, err := g.Policies.GetPolicy(args[0])
				if err != nil {
					return engine.NewNotFound("guard-dog policy not found", err)
				}
				return printResult(p, func() {
					fmt.Printf("# %s (%s, enabled=%t)\n", p.Name, p.Severity, p.Enabled)
					if p.Description != "" {
						fmt.Printf("# %s\n", p.Description)
					}
					fmt.Println(p.Rego)
				})
			})
		},
	})

	return cmd
}
