package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/leasehold/cmd/leasehold/commands"
	"github.com/openfroyo/leasehold/pkg/telemetry"
)

// Set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	setupLogging()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := commands.Execute(ctx, Version, Commit, BuildDate)
	stop()
	if err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(commands.ExitCode(err))
	}
}

// setupLogging points the global logger at stderr. LOG_LEVEL and LOG_FORMAT
// override the console defaults; serve replaces it from the config file.
func setupLogging() {
	cfg := telemetry.DefaultConfig().Logging
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Format = format
	}
	logger, err := telemetry.NewLogger(cfg)
	if err != nil {
		return
	}
	log.Logger = logger
}
