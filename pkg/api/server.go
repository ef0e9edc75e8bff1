package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/openfroyo/leasehold/pkg/bounds"
	"github.com/openfroyo/leasehold/pkg/engine"
	"github.com/openfroyo/leasehold/pkg/halt"
)

const maxBodyBytes = 1 << 20

// HaltGateway accepts halt assertions.
type HaltGateway interface {
	Assert(ctx context.Context, req halt.Request) (*engine.HaltAssertion, error)
	Active() []*engine.HaltAssertion
}

// SignalEvaluator checks operational signals against lease bounds.
type SignalEvaluator interface {
	Evaluate(ctx context.Context, sig *engine.Signal) (*bounds.Decision, error)
}

// LeaseReader reads leases.
type LeaseReader interface {
	Get(ctx context.Context, id string) (*engine.Lease, error)
	List(ctx context.Context, filter engine.LeaseFilter) ([]*engine.Lease, error)
}

// BeadReader reads the audit stream.
type BeadReader interface {
	List(ctx context.Context, filter engine.BeadFilter) ([]*engine.Bead, error)
}

// HealthChecker reports storage health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps are the components the API fronts.
type Deps struct {
	Halts   HaltGateway
	Signals SignalEvaluator
	Leases  LeaseReader
	Beads   BeadReader
	Health  HealthChecker
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

// Server is the HTTP ingress for halt assertions and signals plus read
// endpoints over leases and beads.
type Server struct {
	deps     Deps
	router   chi.Router
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewServer builds the router.
func NewServer(deps Deps, logger zerolog.Logger) *Server {
	s := &Server{
		deps:     deps,
		validate: validator.New(),
		logger:   logger.With().Str("component", "api").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}
	r.Route("/v1", func(v1 chi.Router) {
		v1.Post("/halt", s.handleHalt)
		v1.Get("/halts", s.handleListHalts)
		v1.Post("/signals", s.handleSignal)
		v1.Get("/leases", s.handleListLeases)
		v1.Get("/leases/{id}", s.handleGetLease)
		v1.Get("/beads", s.handleListBeads)
	})

	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("address", addr).Msg("API listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Request served")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health.HealthCheck(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	var req halt.Request
	if !s.decode(w, r, &req) {
		return
	}
	a, err := s.deps.Halts.Assert(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleListHalts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"halts": s.deps.Halts.Active()})
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var sig engine.Signal
	if !s.decode(w, r, &sig) {
		return
	}
	decision, err := s.deps.Signals.Evaluate(r.Context(), &sig)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleListLeases(w http.ResponseWriter, r *http.Request) {
	filter := engine.LeaseFilter{CartridgeName: r.URL.Query().Get("cartridge")}
	if raw := r.URL.Query().Get("state"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			filter.States = append(filter.States, engine.LeaseState(strings.ToUpper(strings.TrimSpace(st))))
		}
	}
	leases, err := s.deps.Leases.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"leases": leases})
}

func (s *Server) handleGetLease(w http.ResponseWriter, r *http.Request) {
	l, err := s.deps.Leases.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleListBeads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := engine.BeadFilter{LeaseID: q.Get("lease_id"), Cartridge: q.Get("cartridge")}
	if raw := q.Get("type"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			filter.Types = append(filter.Types, engine.BeadType(strings.TrimSpace(t)))
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, engine.NewSchemaInvalid("invalid query", "limit must be a non-negative integer"))
			return
		}
		filter.Limit = n
	}
	beads, err := s.deps.Beads.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"beads": beads})
}

// decode reads a JSON body into dst. Unknown fields are rejected.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, r, engine.NewSchemaInvalid("invalid request body", err.Error()))
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		s.writeError(w, r, engine.NewSchemaInvalid("invalid request body", err.Error()))
		return false
	}
	return true
}

// StatusFor maps a governance error kind to an HTTP status.
func StatusFor(err error) int {
	if engine.IsNotFound(err) {
		return http.StatusNotFound
	}
	switch engine.KindOf(err) {
	case engine.KindSchemaInvalid:
		return http.StatusBadRequest
	case engine.KindStaleWrite, engine.KindInvalidTransition, engine.KindDrawerConflict, engine.KindCeremonyIncomplete:
		return http.StatusConflict
	case engine.KindBoundsViolation, engine.KindGuardDogFailure:
		return http.StatusUnprocessableEntity
	case engine.KindHalted:
		return http.StatusLocked
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Kind       engine.ErrorKind `json:"kind,omitempty"`
	Message    string           `json:"message"`
	Violations []string         `json:"violations,omitempty"`
	RequestID  string           `json:"request_id,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	body := errorBody{Message: err.Error(), RequestID: middleware.GetReqID(r.Context())}
	var gerr *engine.GovernanceError
	if errors.As(err, &gerr) {
		body.Kind = gerr.Kind
		body.Message = gerr.Message
		body.Violations = gerr.Violations
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	writeJSON(w, status, map[string]any{"error": body})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
