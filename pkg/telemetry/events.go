package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/leasehold/pkg/engine"
)

// Event is a governance event fanned out to in-process subscribers. Bead
// events carry the bead id, sequence and payload.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Actor     string         `json:"actor,omitempty"`
	LeaseID   string         `json:"lease_id,omitempty"`
	Cartridge string         `json:"cartridge,omitempty"`
	Seq       int64          `json:"seq,omitempty"`
	Message   string         `json:"message"`
	Severity  Severity       `json:"severity"`
	Data      map[string]any `json:"data,omitempty"`
}

// BeadEventPrefix prefixes event types derived from beads ("bead.halt").
const BeadEventPrefix = "bead."

// Severity orders events for alerting subscribers.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	}
	return "info"
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// EventSubscriber handles one event.
type EventSubscriber func(event Event)

// EventFilter reports whether a subscriber wants an event.
type EventFilter func(event Event) bool

// ErrPublisherClosed is returned by Publish after Shutdown.
var ErrPublisherClosed = errors.New("event publisher closed")

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// EventPublisher delivers events to subscribers in publish order. In async
// mode a single goroutine drains a bounded queue; a full queue drops the
// event and reports it to the caller.
type EventPublisher struct {
	config EventsConfig

	mu     sync.RWMutex
	subs   []subscription
	queue  chan Event
	closed bool
	done   chan struct{}
}

// NewEventPublisher creates a publisher. A disabled config yields a publisher
// that accepts and discards everything.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{config: cfg}
	if !cfg.Enabled || !cfg.EnableAsync {
		return ep, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}
	ep.queue = make(chan Event, cfg.BufferSize)
	ep.done = make(chan struct{})
	go ep.drain()
	return ep, nil
}

// Subscribe registers fn. A nil filter receives every event.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	if ep == nil || !ep.config.Enabled {
		return
	}
	ep.mu.Lock()
	ep.subs = append(ep.subs, subscription{fn: fn, filter: filter})
	ep.mu.Unlock()
}

// Publish hands the event to subscribers, inline or through the queue.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if ep.queue == nil {
		ep.deliver(event)
		return nil
	}

	ep.mu.RLock()
	defer ep.mu.RUnlock()
	if ep.closed {
		return ErrPublisherClosed
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		return fmt.Errorf("event queue full, dropped %s", event.ID)
	}
}

// PublishBead publishes a committed audit bead.
func (ep *EventPublisher) PublishBead(b *engine.Bead) error {
	if b == nil {
		return nil
	}
	return ep.Publish(Event{
		ID:        b.ID,
		Timestamp: b.Timestamp,
		Type:      BeadEventPrefix + string(b.Type),
		Actor:     b.Actor,
		LeaseID:   b.LeaseID,
		Cartridge: b.Cartridge,
		Seq:       b.Seq,
		Message:   beadMessage(b),
		Severity:  beadSeverity(b.Type),
		Data:      b.Payload,
	})
}

func beadMessage(b *engine.Bead) string {
	switch {
	case b.LeaseID != "" && b.Cartridge != "":
		return fmt.Sprintf("%s on lease %s (%s)", b.Type, b.LeaseID, b.Cartridge)
	case b.LeaseID != "":
		return fmt.Sprintf("%s on lease %s", b.Type, b.LeaseID)
	case b.Cartridge != "":
		return fmt.Sprintf("%s of %s", b.Type, b.Cartridge)
	}
	return string(b.Type)
}

func beadSeverity(t engine.BeadType) Severity {
	switch t {
	case engine.BeadHalt, engine.BeadBreach, engine.BeadHaltAsserted:
		return SeverityError
	case engine.BeadInsertionRejected, engine.BeadExpiry, engine.BeadRevocation, engine.BeadRemoval:
		return SeverityWarning
	}
	return SeverityInfo
}

func (ep *EventPublisher) drain() {
	defer close(ep.done)
	for event := range ep.queue {
		ep.deliver(event)
	}
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	subs := ep.subs
	ep.mu.RUnlock()

	for _, s := range subs {
		if s.filter == nil || s.filter(event) {
			s.fn(event)
		}
	}
}

// Shutdown stops accepting events and waits for queued ones to be delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || ep.queue == nil {
		return nil
	}

	ep.mu.Lock()
	if !ep.closed {
		ep.closed = true
		close(ep.queue)
	}
	ep.mu.Unlock()

	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// FilterBySeverity keeps events at or above min.
func FilterBySeverity(min Severity) EventFilter {
	return func(event Event) bool {
		return event.Severity >= min
	}
}

// FilterByBeadType keeps events mirroring the given bead types.
func FilterByBeadType(types ...engine.BeadType) EventFilter {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[BeadEventPrefix+string(t)] = true
	}
	return func(event Event) bool {
		return set[event.Type]
	}
}

// FilterByLeaseID keeps events for one lease.
func FilterByLeaseID(leaseID string) EventFilter {
	return func(event Event) bool {
		return event.LeaseID == leaseID
	}
}
