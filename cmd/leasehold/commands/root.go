package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/leasehold/pkg/config"
	"github.com/openfroyo/leasehold/pkg/engine"
	"github.com/openfroyo/leasehold/pkg/governor"
)

const defaultConfigPath = "./leasehold.yaml"

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
	actor      string

	buildVersion string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "leasehold",
		Short: "Leasehold - strategy cartridge and lease governance",
		Long: `Leasehold governs automated strategies through cartridges and leases.

A cartridge is a versioned, declarative strategy definition inserted through an
eight-stage validation pipeline. A lease is a time-boxed grant that authorizes
one cartridge version under bounds no looser than the cartridge's own floor.

Features:
  - Perish-by-default leases renewed only through a human ceremony
  - Bounds enforcement that halts a lease on the first breach
  - A halt gateway that overrides every other decision
  - A hash-chained audit stream of every governance decision`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", os.Getenv("USER"), "identity recorded on audit beads")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newInsertCommand())
	rootCmd.AddCommand(newRemoveCommand())
	rootCmd.AddCommand(newRegistryCommand())
	rootCmd.AddCommand(newLeaseCommand())
	rootCmd.AddCommand(newCeremonyCommand())
	rootCmd.AddCommand(newHaltCommand())
	rootCmd.AddCommand(newSignalCommand())
	rootCmd.AddCommand(newBeadsCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newServeCommand())

	return rootCmd
}

// ExitCode maps a governance error kind to a process exit status.
func ExitCode(err error) int {
	switch engine.KindOf(err) {
	case engine.KindSchemaInvalid:
		return 2
	case engine.KindDrawerConflict, engine.KindGuardDogFailure:
		return 3
	case engine.KindBoundsViolation:
		return 4
	case engine.KindStaleWrite, engine.KindInvalidTransition, engine.KindCeremonyIncomplete:
		return 5
	case engine.KindHalted:
		return 6
	case engine.KindNotFound:
		return 7
	default:
		return 1
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no configuration at %s; run 'leasehold init' first: %w", configPath, err)
		}
		return nil, err
	}
	return cfg, nil
}

// openGovernor loads the configuration and wires every component.
func openGovernor(ctx context.Context) (*governor.Governor, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return governor.New(ctx, cfg, log.Logger, governor.WithVersion(buildVersion))
}

// withGovernor runs fn against an opened governor and closes it afterwards.
func withGovernor(cmd *cobra.Command, fn func(ctx context.Context, g *governor.Governor) error) error {
	ctx := cmd.Context()
	g, err := openGovernor(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := g.Close(context.WithoutCancel(ctx)); cerr != nil {
			log.Warn().Err(cerr).Msg("Failed to close governor cleanly")
		}
	}()
	return fn(ctx, g)
}

// printResult writes v as JSON with --json, otherwise calls human.
func printResult(v any, human func()) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	human()
	return nil
}

func requireActor() error {
	if actor == "" {
		return engine.NewSchemaInvalid("an actor is required", "set --actor or USER")
	}
	return nil
}
