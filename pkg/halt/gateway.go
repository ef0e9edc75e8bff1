package halt

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/leasehold/pkg/audit"
	"github.com/openfroyo/leasehold/pkg/engine"
	"github.com/openfroyo/leasehold/pkg/telemetry"
)

// Sources of halt assertions.
const (
	SourceSafety   = "safety"
	SourceOperator = "operator"
	SourceBounds   = "bounds"
)

// Request asks the gateway to assert a halt.
type Request struct {
	Scope   engine.HaltScope `json:"scope" validate:"required,oneof=global lease"`
	LeaseID string           `json:"lease_id,omitempty" validate:"required_if=Scope lease"`
	Reason  string           `json:"reason" validate:"required"`
	Source  string           `json:"source" validate:"required"`
}

// Listener is notified after an assertion is in effect.
type Listener func(ctx context.Context, a *engine.HaltAssertion)

// snapshot is an immutable view of the active assertions.
type snapshot struct {
	global *engine.HaltAssertion
	leases map[string]*engine.HaltAssertion
	all    []*engine.HaltAssertion
}

func (s *snapshot) with(a *engine.HaltAssertion) *snapshot {
	next := &snapshot{global: s.global, leases: make(map[string]*engine.HaltAssertion, len(s.leases)+1)}
	for k, v := range s.leases {
		next.leases[k] = v
	}
	next.all = append(append([]*engine.HaltAssertion(nil), s.all...), a)

	switch a.Scope {
	case engine.HaltScopeGlobal:
		if next.global == nil {
			next.global = a
		}
	case engine.HaltScopeLease:
		if _, ok := next.leases[a.LeaseID]; !ok {
			next.leases[a.LeaseID] = a
		}
	}
	return next
}

func build(assertions []*engine.HaltAssertion) *snapshot {
	s := &snapshot{leases: map[string]*engine.HaltAssertion{}}
	for _, a := range assertions {
		s = s.with(a)
	}
	return s
}

// Gateway is the one-way halt override. Reads are a single atomic load and
// never block; writers are serialized.
type Gateway struct {
	mu        sync.Mutex
	current   atomic.Pointer[snapshot]
	listeners []Listener
	// unsaved holds assertions in effect that the store does not have yet.
	unsaved map[string]bool

	store   engine.HaltStore
	emitter *audit.Emitter
	clock   engine.Clock
	metrics *telemetry.Metrics
	logger  zerolog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithClock sets the clock used to timestamp assertions.
func WithClock(c engine.Clock) Option {
	return func(g *Gateway) { g.clock = c }
}

// WithMetrics records halt counters and the active assertion gauge.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// NewGateway creates a gateway with no assertions in effect. Call Load to
// restore persisted assertions.
func NewGateway(store engine.HaltStore, emitter *audit.Emitter, logger zerolog.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		store:   store,
		emitter: emitter,
		clock:   engine.SystemClock{},
		unsaved: map[string]bool{},
		logger:  logger.With().Str("component", "halt-gateway").Logger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.current.Store(build(nil))
	return g
}

// Load restores every unreleased assertion from the store.
func (g *Gateway) Load(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	active, err := g.store.ListHalts(ctx, false)
	if err != nil {
		return fmt.Errorf("failed to load halt assertions: %w", err)
	}

	g.current.Store(build(active))
	g.metrics.SetActiveHalts(float64(len(active)))
	g.logger.Info().Int("active", len(active)).Msg("Halt assertions loaded")
	return nil
}

// Refresh merges assertions made or released by other processes sharing the
// store, and runs the listeners for the ones not seen before. Assertions this
// process has not managed to persist stay in effect.
func (g *Gateway) Refresh(ctx context.Context) ([]*engine.HaltAssertion, error) {
	g.mu.Lock()
	active, err := g.store.ListHalts(ctx, false)
	if err != nil {
		g.mu.Unlock()
		return nil, fmt.Errorf("failed to refresh halt assertions: %w", err)
	}

	cur := g.current.Load()
	stored := make(map[string]bool, len(active))
	for _, a := range active {
		stored[a.ID] = true
	}
	known := make(map[string]bool, len(cur.all))
	kept := make([]*engine.HaltAssertion, 0, len(active))
	for _, a := range cur.all {
		known[a.ID] = true
		if stored[a.ID] || g.unsaved[a.ID] {
			kept = append(kept, a)
		}
	}
	var added []*engine.HaltAssertion
	for _, a := range active {
		if !known[a.ID] {
			kept = append(kept, a)
			added = append(added, a)
		}
	}
	released := len(cur.all) + len(added) - len(kept)
	if len(added) > 0 || released > 0 {
		g.current.Store(build(kept))
		g.metrics.SetActiveHalts(float64(len(kept)))
	}
	listeners := append([]Listener(nil), g.listeners...)
	g.mu.Unlock()

	if len(added) > 0 || released > 0 {
		g.logger.Info().Int("added", len(added)).Int("released", released).Msg("Halt assertions refreshed")
	}
	for _, a := range added {
		for _, l := range listeners {
			l(ctx, a)
		}
	}
	return added, nil
}

// OnAssert registers a listener run after every assertion.
func (g *Gateway) OnAssert(l Listener) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, l)
}

// Assert puts a halt in effect. The in-memory assertion is published before
// it is persisted, so a storage failure still leaves the halt in force.
func (g *Gateway) Assert(ctx context.Context, req Request) (*engine.HaltAssertion, error) {
	switch req.Scope {
	case engine.HaltScopeGlobal:
		req.LeaseID = ""
	case engine.HaltScopeLease:
		if req.LeaseID == "" {
			return nil, engine.NewSchemaInvalid("lease-scoped halt requires a lease id")
		}
	default:
		return nil, engine.NewSchemaInvalid(fmt.Sprintf("unknown halt scope %q", req.Scope))
	}
	if req.Reason == "" {
		return nil, engine.NewSchemaInvalid("halt reason is required")
	}
	if req.Source == "" {
		req.Source = SourceOperator
	}

	a := &engine.HaltAssertion{
		ID:         uuid.New().String(),
		Scope:      req.Scope,
		LeaseID:    req.LeaseID,
		Reason:     req.Reason,
		Source:     req.Source,
		AssertedAt: g.clock.Now().UTC(),
	}

	g.mu.Lock()
	next := g.current.Load().with(a)
	g.current.Store(next)
	g.unsaved[a.ID] = true
	listeners := append([]Listener(nil), g.listeners...)
	g.mu.Unlock()

	g.metrics.RecordHalt(a.Source)
	g.metrics.SetActiveHalts(float64(len(next.all)))
	g.logger.Warn().
		Str("halt_id", a.ID).
		Str("scope", string(a.Scope)).
		Str("lease_id", a.LeaseID).
		Str("source", a.Source).
		Str("reason", a.Reason).
		Msg("Halt asserted")

	var persistErr error
	if err := g.store.SaveHalt(ctx, a); err != nil {
		persistErr = fmt.Errorf("halt %s is in effect but was not persisted: %w", a.ID, err)
		g.logger.Error().Err(err).Str("halt_id", a.ID).Msg("Failed to persist halt assertion")
	} else {
		g.mu.Lock()
		delete(g.unsaved, a.ID)
		g.mu.Unlock()
	}

	for _, l := range listeners {
		l(ctx, a)
	}

	if _, err := g.emitter.Emit(ctx, audit.Record{
		Type:    engine.BeadHaltAsserted,
		LeaseID: a.LeaseID,
		Actor:   a.Source,
		Payload: map[string]any{
			"halt_id":           a.ID,
			"scope":             string(a.Scope),
			audit.PayloadReason: a.Reason,
			audit.PayloadSource: a.Source,
		},
	}); err != nil && persistErr == nil {
		persistErr = fmt.Errorf("failed to record halt assertion: %w", err)
	}

	return a, persistErr
}

// Release clears an assertion. Leases already forced to HALTED stay HALTED;
// release only stops future transitions from being halted.
func (g *Gateway) Release(ctx context.Context, id, releasedBy string) error {
	if releasedBy == "" {
		return engine.NewSchemaInvalid("release requires the releasing identity")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	cur := g.current.Load()
	var released *engine.HaltAssertion
	remaining := make([]*engine.HaltAssertion, 0, len(cur.all))
	for _, a := range cur.all {
		if a.ID == id {
			released = a
			continue
		}
		remaining = append(remaining, a)
	}
	if released == nil {
		return engine.NewNotFound(fmt.Sprintf("no active halt %s", id), nil)
	}

	now := g.clock.Now().UTC()
	if err := g.store.ReleaseHalt(ctx, id, releasedBy, now); err != nil {
		return fmt.Errorf("failed to release halt: %w", err)
	}

	g.current.Store(build(remaining))
	g.metrics.SetActiveHalts(float64(len(remaining)))
	g.logger.Info().Str("halt_id", id).Str("released_by", releasedBy).Msg("Halt released")

	if _, err := g.emitter.Emit(ctx, audit.Record{
		Type:    engine.BeadHaltReleased,
		LeaseID: released.LeaseID,
		Actor:   releasedBy,
		Payload: map[string]any{
			"halt_id": id,
			"scope":   string(released.Scope),
		},
	}); err != nil {
		return fmt.Errorf("failed to record halt release: %w", err)
	}
	return nil
}

// Halted reports the assertion in effect for leaseID. A global assertion
// applies to every lease. This is a lock-free read.
func (g *Gateway) Halted(leaseID string) (*engine.HaltAssertion, bool) {
	s := g.current.Load()
	if s.global != nil {
		return s.global, true
	}
	if a, ok := s.leases[leaseID]; ok {
		return a, true
	}
	return nil, false
}

// GlobalHalt returns the global assertion in effect, if any.
func (g *Gateway) GlobalHalt() (*engine.HaltAssertion, bool) {
	s := g.current.Load()
	return s.global, s.global != nil
}

// Active returns the assertions in effect, oldest first.
func (g *Gateway) Active() []*engine.HaltAssertion {
	out := append([]*engine.HaltAssertion(nil), g.current.Load().all...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].AssertedAt.Before(out[j].AssertedAt) })
	return out
}
