package engine

import (
	"context"
	"time"
)

// LeaseStore is the single shared mutable resource of the core. Every mutation
// goes through CompareAndSwapLease keyed on the state-lock hash.
type LeaseStore interface {
	// CreateLease persists a new lease. The id must not exist.
	CreateLease(ctx context.Context, lease *Lease) error

	// GetLease returns the current record, or ErrLeaseNotFound.
	GetLease(ctx context.Context, id string) (*Lease, error)

	// ListLeases returns leases matching the filter, oldest first.
	ListLeases(ctx context.Context, filter LeaseFilter) ([]*Lease, error)

	// CompareAndSwapLease writes next only if the stored hash equals expectedHash.
	// It returns ErrCASMismatch otherwise and never merges. A write that would
	// leave two ACTIVE leases returns ErrActiveLeaseExists.
	CompareAndSwapLease(ctx context.Context, next *Lease, expectedHash string) error
}

// RegistryStore persists manifests, the registry index, and the shared configuration.
type RegistryStore interface {
	// GetManifest returns an inserted or archived manifest by exact reference.
	GetManifest(ctx context.Context, ref string) (*CartridgeManifest, *RegistryEntry, error)

	// ListRegistry returns the registry index.
	ListRegistry(ctx context.Context) ([]*RegistryEntry, error)

	// GetConfiguration returns the shared configuration with key owners.
	GetConfiguration(ctx context.Context) ([]ConfigEntry, error)

	// CommitInsertion atomically archives the manifest, writes its configuration
	// keys, retires superseded entries, and updates the index.
	CommitInsertion(ctx context.Context, commit *InsertionCommit) error

	// CommitRemoval strips a cartridge's keys and retires its index entry.
	// The manifest row is kept.
	CommitRemoval(ctx context.Context, ref, reason string, at time.Time) error

	// SetActivePointer records the cartridge bound to the single active lease.
	// An empty ref clears it.
	SetActivePointer(ctx context.Context, ref, leaseID string) error

	// GetActivePointer returns the active cartridge and lease, or empty strings.
	GetActivePointer(ctx context.Context) (ref, leaseID string, err error)

	// SaveCalibration records a calibration result.
	SaveCalibration(ctx context.Context, result *CalibrationResult) error

	// LatestCalibration returns the most recent result for ref, or nil.
	LatestCalibration(ctx context.Context, ref string) (*CalibrationResult, error)
}

// BeadStore is the append-only audit stream.
type BeadStore interface {
	// AppendBead appends a bead. The caller assigns Seq as head+1 and the
	// hash chain; a bead that does not extend the head returns ErrBeadSequence.
	AppendBead(ctx context.Context, bead *Bead) error

	// ListBeads returns beads in sequence order.
	ListBeads(ctx context.Context, filter BeadFilter) ([]*Bead, error)

	// LastBead returns the head of the stream, or nil when empty.
	LastBead(ctx context.Context) (*Bead, error)

	// GetBead returns one bead by id.
	GetBead(ctx context.Context, id string) (*Bead, error)
}

// CeremonyStore persists human ceremony sessions.
type CeremonyStore interface {
	CreateCeremony(ctx context.Context, c *Ceremony) error
	GetCeremony(ctx context.Context, id string) (*Ceremony, error)
	UpdateCeremony(ctx context.Context, c *Ceremony) error
	ListCeremonies(ctx context.Context, leaseID string) ([]*Ceremony, error)
}

// HaltStore persists halt assertions so they survive restarts.
type HaltStore interface {
	SaveHalt(ctx context.Context, h *HaltAssertion) error
	ListHalts(ctx context.Context, includeReleased bool) ([]*HaltAssertion, error)
	ReleaseHalt(ctx context.Context, id, releasedBy string, at time.Time) error
}

// Store is the complete persistence layer.
type Store interface {
	LeaseStore
	RegistryStore
	BeadStore
	CeremonyStore
	HaltStore

	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// Calibrator is the external shadow runner. It replays one session of the
// cartridge and reports how many triggers it observed.
type Calibrator interface {
	ObservedTriggers(ctx context.Context, manifest *CartridgeManifest) (float64, error)
}

// RegimeSource reports the current market regime.
type RegimeSource interface {
	CurrentRegime(ctx context.Context) (Regime, error)
}

// Clock abstracts wall-clock time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
