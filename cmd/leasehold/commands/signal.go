package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/leasehold/pkg/engine"
	"github.com/openfroyo/leasehold/pkg/governor"
)

func newSignalCommand() *cobra.Command {
	var sig engine.Signal

	cmd := &cobra.Command{
		Use:   "signal",
		Short: "Submit an operational signal to the bounds enforcer",
		Long: `Submit one operational signal for an ACTIVE lease. The first breached bound
halts the lease; signals for an already-halted lease change nothing.

Counters such as consecutive losses live in the running process, so this
command is mainly useful against a single-shot breach (drawdown, size,
instrument, window). A long-running 'leasehold serve' accepts signals on
POST /v1/signals.`,
		Example: `  leasehold signal --lease 6f1c... --kind drawdown --drawdown 2.4
  leasehold signal --lease 6f1c... --kind action --instrument GBPUSD --window tokyo_open --size 0.2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGovernor(cmd, func(ctx context.Context, g *governor.Governor) error {
				decision, err := g.Enforcer.Evaluate(ctx, &sig)
				if err != nil {
					return err
				}
				return printResult(decision, func() {
					switch {
					case decision.AlreadyHalted:
						fmt.Printf("Lease %s is already HALTED; signal absorbed\n", decision.LeaseID)
					case decision.Halted:
						fmt.Printf("✗ Lease %s HALTED in %s\n", decision.LeaseID, decision.Latency)
						for _, b := range decision.Breaches {
							fmt.Printf("  %s\n", b)
						}
					default:
						fmt.Printf("✓ Lease %s within bounds\n", decision.LeaseID)
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&sig.LeaseID, "lease", "", "lease id")
	cmd.Flags().StringVar((*string)(&sig.Kind), "kind", "", "outcome, drawdown, action or decay")
	cmd.Flags().StringVar(&sig.Outcome, "outcome", "", "win or loss (outcome signals)")
	cmd.Flags().Float64Var(&sig.DrawdownPct, "drawdown", 0, "current drawdown percent")
	cmd.Flags().StringVar(&sig.Instrument, "instrument", "", "instrument of an action")
	cmd.Flags().StringVar(&sig.Window, "window", "", "time window of an action")
	cmd.Flags().Float64Var(&sig.Size, "size", 0, "position size of an action")
	cmd.Flags().Float64Var(&sig.DriftPct, "drift", 0, "edge decay percent (decay signals)")
	_ = cmd.MarkFlagRequired("lease")
	_ = cmd.MarkFlagRequired("kind")

	return cmd
}
