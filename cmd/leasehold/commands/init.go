package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/leasehold/pkg/config"
	"github.com/openfroyo/leasehold/pkg/stores"
)

func newInitCommand() *cobra.Command {
	var (
		dataDir string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a leasehold workspace",
		Long: `Initialize a new leasehold workspace with a configuration file, a data
directory and a migrated SQLite database.`,
		Example: `  # Initialize in the current directory
  leasehold init

  # Initialize with custom config path and data directory
  leasehold init --config /etc/leasehold/leasehold.yaml --data-dir /var/lib/leasehold`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dataDir == "" {
				dataDir = filepath.Join(filepath.Dir(configPath), "data")
			}

			log.Info().
				Str("config", configPath).
				Str("data_dir", dataDir).
				Msg("Initializing workspace")

			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("config file %s already exists (use --force to overwrite)", configPath)
			}

			if err := os.MkdirAll(dataDir, 0o700); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dataDir, err)
			}
			fmt.Printf("✓ Created directory: %s\n", dataDir)

			cfg := config.DefaultConfig(dataDir)
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx := cmd.Context()
			store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Database.Path})
			if err != nil {
				return fmt.Errorf("failed to create store: %w", err)
			}
			defer store.Close()

			if err := store.Init(ctx); err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			fmt.Printf("✓ Initialized SQLite database: %s\n", cfg.Database.Path)

			data, err := cfg.Render()
			if err != nil {
				return fmt.Errorf("failed to render config: %w", err)
			}
			content := append([]byte("# Leasehold configuration\n\n"), data...)
			if err := os.WriteFile(configPath, content, 0o644); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			fmt.Printf("✓ Created config file: %s\n", configPath)

			fmt.Printf("\n✅ Workspace initialized successfully!\n\n")
			fmt.Printf("Next steps:\n")
			fmt.Printf("  1. Insert a cartridge:\n")
			fmt.Printf("     leasehold insert cartridge.yaml\n\n")
			fmt.Printf("  2. Draft a lease and run its ceremony:\n")
			fmt.Printf("     leasehold lease draft lease.yaml\n")
			fmt.Printf("     leasehold ceremony open <lease-id> --reviewer <name>\n\n")

			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory (default: ./data beside the config file)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	return cmd
}
