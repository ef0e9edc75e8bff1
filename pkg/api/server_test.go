package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/leasehold/pkg/bounds"
	"github.com/openfroyo/leasehold/pkg/engine"
	"github.com/openfroyo/leasehold/pkg/halt"
)

type fakeHalts struct {
	asserted []halt.Request
}

func (f *fakeHalts) Assert(_ context.Context, req halt.Request) (*engine.HaltAssertion, error) {
	f.asserted = append(f.asserted, req)
	return &engine.HaltAssertion{ID: "h-1", Scope: req.Scope, LeaseID: req.LeaseID, Reason: req.Reason, Source: req.Source}, nil
}

func (f *fakeHalts) Active() []*engine.HaltAssertion {
	return []*engine.HaltAssertion{{ID: "h-1", Scope: engine.HaltScopeGlobal}}
}

type fakeSignals struct {
	err error
}

func (f *fakeSignals) Evaluate(_ context.Context, sig *engine.Signal) (*bounds.Decision, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &bounds.Decision{LeaseID: sig.LeaseID, Halted: true,
		Breaches: []engine.Breach{{Bound: bounds.BoundConsecutiveLosses, Limit: "3", Observed: "3"}}}, nil
}

type fakeLeases struct{}

func (fakeLeases) Get(_ context.Context, id string) (*engine.Lease, error) {
	if id != "l-1" {
		return nil, engine.NewNotFound("lease "+id+" not found", engine.ErrLeaseNotFound)
	}
	return &engine.Lease{ID: "l-1", State: engine.LeaseStateActive}, nil
}

func (fakeLeases) List(_ context.Context, filter engine.LeaseFilter) ([]*engine.Lease, error) {
	var out []*engine.Lease
	for _, st := range filter.States {
		out = append(out, &engine.Lease{ID: "l-" + string(st), State: st})
	}
	return out, nil
}

type fakeBeads struct {
	filter engine.BeadFilter
}

func (f *fakeBeads) List(_ context.Context, filter engine.BeadFilter) ([]*engine.Bead, error) {
	f.filter = filter
	return []*engine.Bead{{ID: "b-1", Type: engine.BeadHalt}}, nil
}

type fakeHealth struct{ err error }

func (f fakeHealth) HealthCheck(context.Context) error { return f.err }

func newServer(signals *fakeSignals, halts *fakeHalts, beads *fakeBeads, health fakeHealth) http.Handler {
	return NewServer(Deps{
		Halts:   halts,
		Signals: signals,
		Leases:  fakeLeases{},
		Beads:   beads,
		Health:  health,
	}, zerolog.New(nil).Level(zerolog.Disabled)).Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHalt(t *testing.T) {
	halts := &fakeHalts{}
	h := newServer(&fakeSignals{}, halts, &fakeBeads{}, fakeHealth{})

	rec := do(t, h, http.MethodPost, "/v1/halt", map[string]string{"scope": "lease", "lease_id": "l-1", "reason": "desk", "source": "operator"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(halts.asserted) != 1 || halts.asserted[0].LeaseID != "l-1" {
		t.Errorf("unexpected assertions: %+v", halts.asserted)
	}

	rec = do(t, h, http.MethodPost, "/v1/halt", map[string]string{"scope": "lease", "reason": "desk", "source": "operator"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for lease scope without lease id, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodPost, "/v1/halt", `{"scope":"global","reason":"x","source":"y","extra":1}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown field, got %d", rec.Code)
	}
	if len(halts.asserted) != 1 {
		t.Errorf("rejected requests must not assert, got %d", len(halts.asserted))
	}

	rec = do(t, h, http.MethodGet, "/v1/halts", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestSignals(t *testing.T) {
	signals := &fakeSignals{}
	h := newServer(signals, &fakeHalts{}, &fakeBeads{}, fakeHealth{})

	rec := do(t, h, http.MethodPost, "/v1/signals", map[string]string{"lease_id": "l-1", "kind": "outcome", "outcome": "loss"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var decision bounds.Decision
	if err := json.NewDecoder(rec.Body).Decode(&decision); err != nil {
		t.Fatalf("failed to decode decision: %v", err)
	}
	if !decision.Halted || len(decision.Breaches) != 1 {
		t.Errorf("unexpected decision: %+v", decision)
	}

	rec = do(t, h, http.MethodPost, "/v1/signals", map[string]string{"lease_id": "l-1", "kind": "weather"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown kind, got %d", rec.Code)
	}

	signals.err = engine.NewNotFound("lease l-2 is not armed", engine.ErrLeaseNotFound)
	rec = do(t, h, http.MethodPost, "/v1/signals", map[string]string{"lease_id": "l-2", "kind": "decay"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	var body struct {
		Error errorBody `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error: %v", err)
	}
	if body.Error.Kind != engine.KindNotFound {
		t.Errorf("expected kind not_found, got %q", body.Error.Kind)
	}
}

func TestLeases(t *testing.T) {
	h := newServer(&fakeSignals{}, &fakeHalts{}, &fakeBeads{}, fakeHealth{})

	if rec := do(t, h, http.MethodGet, "/v1/leases/l-1", nil); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/v1/leases/nope", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}

	rec := do(t, h, http.MethodGet, "/v1/leases?state=active,halted", nil)
	var body struct {
		Leases []*engine.Lease `json:"leases"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode leases: %v", err)
	}
	if len(body.Leases) != 2 || body.Leases[1].State != engine.LeaseStateHalted {
		t.Errorf("unexpected leases: %+v", body.Leases)
	}
}

func TestBeads(t *testing.T) {
	beads := &fakeBeads{}
	h := newServer(&fakeSignals{}, &fakeHalts{}, beads, fakeHealth{})

	rec := do(t, h, http.MethodGet, "/v1/beads?lease_id=l-1&type=halt,breach&limit=10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if beads.filter.LeaseID != "l-1" || len(beads.filter.Types) != 2 || beads.filter.Limit != 10 {
		t.Errorf("unexpected filter: %+v", beads.filter)
	}
	if rec := do(t, h, http.MethodGet, "/v1/beads?limit=-1", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	h := newServer(&fakeSignals{}, &fakeHalts{}, &fakeBeads{}, fakeHealth{})
	if rec := do(t, h, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	h = newServer(&fakeSignals{}, &fakeHalts{}, &fakeBeads{}, fakeHealth{err: errors.New("closed")})
	if rec := do(t, h, http.MethodGet, "/healthz", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{engine.NewSchemaInvalid("x"), http.StatusBadRequest},
		{engine.NewStaleWrite("l", "a", "b"), http.StatusConflict},
		{engine.NewBoundsViolation("x"), http.StatusUnprocessableEntity},
		{engine.NewHalted("l", "x"), http.StatusLocked},
		{engine.ErrLeaseNotFound, http.StatusNotFound},
		{errors.New("disk"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
