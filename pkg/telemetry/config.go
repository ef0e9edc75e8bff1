package telemetry

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the telemetry configuration of a governor process.
type Config struct {
	ServiceName    string `validate:"required"`
	ServiceVersion string `validate:"required"`
	Environment    string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures the zerolog process logger.
type LoggingConfig struct {
	Level  string `validate:"oneof=trace debug info warn error fatal"`
	Format string `validate:"oneof=console json"`

	// Output is stdout, stderr, or a file path.
	Output string

	EnableCaller bool

	// Sampling applies to debug messages only.
	EnableSampling     bool
	SamplingInitial    int `validate:"required_if=EnableSampling true,gte=0"`
	SamplingThereafter int `validate:"required_if=EnableSampling true,gte=0"`

	// TimeFormat is rfc3339, unix, or unixms.
	TimeFormat string `validate:"omitempty,oneof=rfc3339 unix unixms"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled bool

	// Exporter is otlp (gRPC), stdout, or none.
	Exporter string `validate:"required_if=Enabled true,omitempty,oneof=otlp stdout none"`

	// Endpoint is the collector address, e.g. "localhost:4317".
	Endpoint string

	SamplingRate       float64 `validate:"gte=0,lte=1"`
	MaxExportBatchSize int
	ExportTimeout      time.Duration
	Headers            map[string]string
	Insecure           bool
}

// MetricsConfig configures the Prometheus collector and its endpoint.
type MetricsConfig struct {
	Enabled       bool
	ListenAddress string `validate:"required_if=Enabled true"`
	Path          string
	Namespace     string

	// DefaultHistogramBuckets apply to histograms without their own buckets.
	DefaultHistogramBuckets []float64
}

// EventsConfig configures the in-process bead fan-out.
type EventsConfig struct {
	Enabled     bool
	BufferSize  int `validate:"required_if=Enabled true,gte=0"`
	EnableAsync bool
}

// DefaultHaltBuckets are latency buckets in seconds for sub-second operations.
var DefaultHaltBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
}

// DefaultConfig returns the configuration used when the config file is silent.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "leasehold",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			ListenAddress:           "127.0.0.1:9420",
			Path:                    "/metrics",
			Namespace:               "leasehold",
			DefaultHistogramBuckets: DefaultHaltBuckets,
		},
		Events: EventsConfig{
			Enabled:     true,
			BufferSize:  1000,
			EnableAsync: true,
		},
	}
}

// Validate checks field constraints and the exporter endpoint requirement.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		return fmt.Errorf("invalid telemetry config: otlp exporter requires an endpoint")
	}
	return nil
}
