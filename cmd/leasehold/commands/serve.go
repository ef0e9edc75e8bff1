package commands

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/leasehold/pkg/governor"
	"github.com/openfroyo/leasehold/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the governor",
		Long: `Run the long-lived governor process:
  - Expiry watcher (soft expiry at expires_at minus the governance buffer)
  - Guard-dog policy hot reload when policies.watch is set
  - Prometheus metrics endpoint
  - HTTP API: POST /v1/halt, POST /v1/signals, GET /v1/leases,
    GET /v1/leases/{id}, GET /v1/beads, GET /healthz`,
		Example: `  leasehold serve
  leasehold serve --listen 0.0.0.0:8420`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.API.ListenAddress = listen
			}

			logger, err := telemetry.NewLogger(governor.TelemetryConfig(cfg, buildVersion).Logging)
			if err != nil {
				return err
			}
			log.Logger = logger

			g, err := governor.New(ctx, cfg, logger, governor.WithVersion(buildVersion))
			if err != nil {
				return err
			}
			defer func() {
				if cerr := g.Close(context.WithoutCancel(ctx)); cerr != nil {
					log.Warn().Err(cerr).Msg("Failed to close governor cleanly")
				}
			}()

			logger.Info().
				Str("api", cfg.API.ListenAddress).
				Bool("metrics", cfg.Telemetry.MetricsEnabled).
				Str("metrics_address", cfg.Telemetry.MetricsAddress).
				Msg("Governor started")

			return g.Serve(ctx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "API listen address (overrides the config file)")

	return cmd
}
