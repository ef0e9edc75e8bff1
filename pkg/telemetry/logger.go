package telemetry

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger from cfg. Components derive children
// with .With().Str("component", name).
func NewLogger(cfg LoggingConfig) (zerolog.Logger, error) {
	var writer io.Writer
	switch cfg.Output {
	case "", "stderr":
		writer = os.Stderr
	case "stdout":
		writer = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("failed to open log file: %w", err)
		}
		writer = file
	}

	switch cfg.TimeFormat {
	case "unix":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	case "unixms":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	default:
		zerolog.TimeFieldFormat = time.RFC3339Nano
	}

	if cfg.Format == "console" {
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	ctx := zerolog.New(writer).Level(level).With().Timestamp()
	if cfg.EnableCaller {
		ctx = ctx.Caller()
	}
	logger := ctx.Logger()

	// Breach and halt messages are never sampled away.
	if cfg.EnableSampling {
		logger = logger.Sample(zerolog.LevelSampler{
			DebugSampler: &zerolog.BurstSampler{
				Burst:       uint32(cfg.SamplingInitial),
				Period:      time.Second,
				NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SamplingThereafter)},
			},
		})
	}
	return logger, nil
}

// ForLease returns a child logger tagged with the lease and its cartridge.
func ForLease(logger zerolog.Logger, leaseID, cartridgeRef string) zerolog.Logger {
	ctx := logger.With().Str("lease_id", leaseID)
	if cartridgeRef != "" {
		ctx = ctx.Str("cartridge", cartridgeRef)
	}
	return ctx.Logger()
}
