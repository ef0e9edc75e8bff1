package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/leasehold/pkg/engine"
	"github.com/openfroyo/leasehold/pkg/telemetry"
)

// maxAppendAttempts bounds retries when another writer extended the stream
// between reading the head and appending.
const maxAppendAttempts = 3

// Publisher fans beads out to downstream consumers.
type Publisher interface {
	PublishBead(b *engine.Bead) error
}

// Record is a governance decision to be written as a bead.
type Record struct {
	Type      engine.BeadType
	LeaseID   string
	Cartridge string
	Actor     string
	Payload   map[string]any
}

// Emitter appends hash-chained beads to the stream.
type Emitter struct {
	mu        sync.Mutex
	store     engine.BeadStore
	clock     engine.Clock
	metrics   *telemetry.Metrics
	publisher Publisher
	logger    zerolog.Logger
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithClock sets the clock used to timestamp beads.
func WithClock(c engine.Clock) Option {
	return func(e *Emitter) { e.clock = c }
}

// WithMetrics records a counter per emitted bead type.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Emitter) { e.metrics = m }
}

// WithPublisher fans every committed bead out to p.
func WithPublisher(p Publisher) Option {
	return func(e *Emitter) { e.publisher = p }
}

// NewEmitter creates an emitter over store.
func NewEmitter(store engine.BeadStore, logger zerolog.Logger, opts ...Option) *Emitter {
	e := &Emitter{
		store:  store,
		clock:  engine.SystemClock{},
		logger: logger.With().Str("component", "audit").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emit appends a bead for rec and returns it. The bead is durable when Emit
// returns without error; publishing to subscribers is best effort.
func (e *Emitter) Emit(ctx context.Context, rec Record) (*engine.Bead, error) {
	if rec.Type == "" {
		return nil, fmt.Errorf("bead type is required")
	}
	if rec.Actor == "" {
		return nil, fmt.Errorf("bead actor is required")
	}

	bead, err := e.append(ctx, rec)
	if err != nil {
		return nil, err
	}

	e.metrics.RecordBead(string(bead.Type))
	if e.publisher != nil {
		if err := e.publisher.PublishBead(bead); err != nil {
			e.logger.Warn().Err(err).Str("bead_id", bead.ID).Msg("Failed to publish bead")
		}
	}

	e.logger.Debug().
		Int64("seq", bead.Seq).
		Str("type", string(bead.Type)).
		Str("lease_id", bead.LeaseID).
		Str("cartridge", bead.Cartridge).
		Msg("Bead emitted")

	return bead, nil
}

func (e *Emitter) append(ctx context.Context, rec Record) (*engine.Bead, error) {
	payload, err := canonicalPayload(rec.Payload)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		head, err := e.store.LastBead(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read stream head: %w", err)
		}

		bead := &engine.Bead{
			ID:        uuid.New().String(),
			Seq:       1,
			Type:      rec.Type,
			Timestamp: e.clock.Now().UTC(),
			LeaseID:   rec.LeaseID,
			Cartridge: rec.Cartridge,
			Actor:     rec.Actor,
			Payload:   payload,
		}
		if head != nil {
			bead.Seq = head.Seq + 1
			bead.PrevHash = head.Hash
		}

		bead.Hash, err = engine.ComputeBeadHash(bead)
		if err != nil {
			return nil, err
		}

		err = e.store.AppendBead(ctx, bead)
		if err == nil {
			return bead, nil
		}
		if !errors.Is(err, engine.ErrBeadSequence) {
			return nil, fmt.Errorf("failed to append bead: %w", err)
		}
		lastErr = err
	}

	return nil, fmt.Errorf("failed to append bead after %d attempts: %w", maxAppendAttempts, lastErr)
}

// canonicalPayload round-trips the payload through JSON so the hashed value
// is exactly what the store returns: structs become maps with sorted keys and
// numbers become float64.
func canonicalPayload(p map[string]any) (map[string]any, error) {
	if len(p) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bead payload: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("failed to decode bead payload: %w", err)
	}
	return out, nil
}

// List returns beads matching filter in sequence order.
func (e *Emitter) List(ctx context.Context, filter engine.BeadFilter) ([]*engine.Bead, error) {
	return e.store.ListBeads(ctx, filter)
}

// Verify checks the whole stream.
func (e *Emitter) Verify(ctx context.Context) (*VerificationResult, error) {
	beads, err := e.store.ListBeads(ctx, engine.BeadFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}
	return VerifyChain(beads), nil
}
