package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the leasehold application configuration.
type Config struct {
	// DataDir holds the database and archived documents.
	DataDir string `yaml:"data_dir" validate:"required"`

	Database    DatabaseConfig    `yaml:"database"`
	Governance  GovernanceConfig  `yaml:"governance"`
	Policies    PolicyConfig      `yaml:"policies"`
	Calibration CalibrationConfig `yaml:"calibration"`
	API         APIConfig         `yaml:"api"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// GovernanceConfig holds the engine-wide governance constants.
type GovernanceConfig struct {
	// EngineVersion is compared with a manifest's min_engine_version at insertion.
	EngineVersion string `yaml:"engine_version" validate:"required"`

	// MinimumInvariants must all appear in every manifest's invariant list.
	MinimumInvariants []string `yaml:"minimum_invariants" validate:"required,min=1,dive,required"`

	// DriftThresholdPct tags calibration WARN above it and BLOCK above twice it.
	DriftThresholdPct float64 `yaml:"drift_threshold_pct" validate:"gt=0"`

	// MaxLeaseDuration caps every lease's validity window.
	MaxLeaseDuration time.Duration `yaml:"max_lease_duration" validate:"gt=0,lte=720h"`

	// ExpiryCheckInterval is how often the watcher looks for due soft expiries.
	ExpiryCheckInterval time.Duration `yaml:"expiry_check_interval" validate:"gt=0"`

	// StateSyncInterval is how often serve picks up leases and halts written
	// by other processes sharing the database.
	StateSyncInterval time.Duration `yaml:"state_sync_interval" validate:"gt=0"`

	// HaltLatencyBudget is the target from breach detection to HALTED durability.
	HaltLatencyBudget time.Duration `yaml:"halt_latency_budget" validate:"gt=0"`

	// CeremonyInterval schedules the next ceremony after each decision.
	CeremonyInterval time.Duration `yaml:"ceremony_interval" validate:"gt=0"`

	// Checklist is the itemized list every ceremony reviewer affirms one by one.
	Checklist []string `yaml:"checklist" validate:"required,min=1,dive,required"`
}

// PolicyConfig configures the guard-dog re-scan.
type PolicyConfig struct {
	// Paths are extra .rego files or directories loaded beside the built-ins.
	Paths []string `yaml:"paths"`

	// Watch reloads Paths on change while serving.
	Watch bool `yaml:"watch"`

	// Disabled names policies, built-in or loaded, that the re-scan skips.
	Disabled []string `yaml:"disabled,omitempty" validate:"dive,required"`
}

// CalibrationConfig configures the shadow calibration run.
type CalibrationConfig struct {
	// ShadowReport is a YAML file of observed trigger counts per cartridge ref.
	ShadowReport string `yaml:"shadow_report"`

	// Regime is the current market regime when no live regime source is wired.
	Regime string `yaml:"regime" validate:"omitempty,oneof=trending ranging volatile quiet any"`
}

// APIConfig configures the HTTP ingress.
type APIConfig struct {
	ListenAddress string `yaml:"listen_address" validate:"required"`
}

// TelemetryConfig is the subset of telemetry settings exposed in the file.
type TelemetryConfig struct {
	LogLevel       string  `yaml:"log_level" validate:"oneof=trace debug info warn error fatal"`
	LogFormat      string  `yaml:"log_format" validate:"oneof=console json"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
	MetricsAddress string  `yaml:"metrics_address"`
	TracingEnabled bool    `yaml:"tracing_enabled"`
	TraceExporter  string  `yaml:"trace_exporter" validate:"omitempty,oneof=otlp stdout none"`
	TraceEndpoint  string  `yaml:"trace_endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`
}

// DefaultChecklist is the itemized ceremony checklist.
func DefaultChecklist() []string {
	return []string{
		"I reviewed the forensic summary of every bead recorded for this lease",
		"I reviewed every breach and halt recorded since the last ceremony",
		"I confirm the cartridge version and content hash match the reviewed manifest",
		"I confirm the bounds are no looser than the cartridge floor",
		"I confirm open obligations will be handled per the declared expiry behavior",
	}
}

// DefaultConfig returns the default configuration rooted at dataDir.
func DefaultConfig(dataDir string) *Config {
	return &Config{
		DataDir: dataDir,
		Database: DatabaseConfig{
			Path: filepath.Join(dataDir, "leasehold.db"),
		},
		Governance: GovernanceConfig{
			EngineVersion:       "1.0.0",
			MinimumInvariants:   []string{"ceiling_over_floor", "perish_by_default", "halt_overrides_lease"},
			DriftThresholdPct:   25,
			MaxLeaseDuration:    30 * 24 * time.Hour,
			ExpiryCheckInterval: time.Second,
			StateSyncInterval:   2 * time.Second,
			HaltLatencyBudget:   50 * time.Millisecond,
			CeremonyInterval:    7 * 24 * time.Hour,
			Checklist:           DefaultChecklist(),
		},
		Calibration: CalibrationConfig{
			Regime: "any",
		},
		API: APIConfig{
			ListenAddress: "127.0.0.1:8420",
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			LogFormat:      "console",
			MetricsEnabled: true,
			MetricsAddress: "127.0.0.1:9420",
			TraceExporter:  "none",
			SamplingRate:   1.0,
		},
	}
}

// Load reads a YAML config file over the defaults and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig(filepath.Join(filepath.Dir(path), "data"))
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Render returns the configuration as YAML.
func (c *Config) Render() ([]byte, error) {
	return yaml.Marshal(c)
}
