package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/leasehold/pkg/governor"
)

func newRegistryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect the cartridge registry",
	}

	cmd.AddCommand(newRegistryListCommand())
	cmd.AddCommand(newRegistryConfigCommand())

	return cmd
}

func newRegistryListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List inserted and retired cartridges",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGovernor(cmd, func(ctx context.Context, g *governor.Governor) error {
				entries, err := g.Store.ListRegistry(ctx)
				if err != nil {
					return err
				}
				activeRef, leaseID, err := g.Store.GetActivePointer(ctx)
				if err != nil {
					return err
				}

				return printResult(map[string]any{
					"entries":      entries,
					"active_ref":   activeRef,
					"active_lease": leaseID,
				}, func() {
					w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
					fmt.Fprintln(w, "REF\tSTATUS\tINSERTED\tHASH")
					for _, e := range entries {
						marker := ""
						if e.Ref == activeRef {
							marker = " *"
						}
						fmt.Fprintf(w, "%s%s\t%s\t%s\t%s\n", e.Ref, marker, e.Status, e.InsertedAt.Format("2006-01-02 15:04"), e.ContentHash)
					}
					_ = w.Flush()
					if activeRef != "" {
						fmt.Printf("\n* bound to ACTIVE lease %s\n", leaseID)
					}
				})
			})
		},
	}
}

func newRegistryConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the shared configuration and the cartridges owning each key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGovernor(cmd, func(ctx context.Context, g *governor.Governor) error {
				entries, err := g.Store.GetConfiguration(ctx)
				if err != nil {
					return err
				}
				return printResult(entries, func() {
					w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
					fmt.Fprintln(w, "KEY\tVALUE\tOWNERS")
					for _, e := range entries {
						owners := e.Owner
						if len(e.Owners) > 0 {
							owners = strings.Join(e.Owners, ",")
						}
						fmt.Fprintf(w, "%s\t%v\t%s\n", e.Key, e.Value, owners)
					}
					_ = w.Flush()
				})
			})
		},
	}
}
