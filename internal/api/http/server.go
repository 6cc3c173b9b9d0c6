// Package httpapi exposes the control API, the counterparty protocol
// endpoints, the event stream and operational endpoints.
package httpapi

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
	"github.com/rs/zerolog"

	"github.com/dataspace-hub/connector/internal/domain/command"
	"github.com/dataspace-hub/connector/internal/domain/entity"
	"github.com/dataspace-hub/connector/internal/domain/negotiation"
	"github.com/dataspace-hub/connector/internal/domain/transfer"
	"github.com/dataspace-hub/connector/internal/infrastructure/sse"
)

// NegotiationService is what the API needs from the negotiation service.
type NegotiationService interface {
	Initiate(ctx context.Context, req negotiation.Request) (*negotiation.ContractNegotiation, error)
	Find(ctx context.Context, id string) (*negotiation.ContractNegotiation, error)
	Query(ctx context.Context, q entity.QuerySpec) ([]*negotiation.ContractNegotiation, error)
	Cancel(ctx context.Context, id, reason string) (command.Command, error)
	Terminate(ctx context.Context, id, reason string) (command.Command, error)
	HandleMessage(ctx context.Context, msgType string, msg negotiation.Message) (negotiation.Reply, error)
}

// TransferService is what the API needs from the transfer service.
type TransferService interface {
	Initiate(ctx context.Context, req transfer.Request) (*transfer.Process, error)
	Find(ctx context.Context, id string) (*transfer.Process, error)
	Query(ctx context.Context, q entity.QuerySpec) ([]*transfer.Process, error)
	Cancel(ctx context.Context, id, reason string) (command.Command, error)
	Terminate(ctx context.Context, id, reason string) (command.Command, error)
	Complete(ctx context.Context, id string) (command.Command, error)
	HandleMessage(ctx context.Context, msgType string, msg transfer.Message) (transfer.Reply, error)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Server holds dependencies for HTTP handlers.
type Server struct {
	negotiationSvc NegotiationService
	transferSvc    TransferService
	sseHub         *sse.Hub
	metrics        http.Handler
	health         map[string]HealthCheck
	apiKeyHash     []byte
	keys           KeyStore
	schemas        schemas
	logger         zerolog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics serves h on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithHealthCheck adds a named check to /healthz.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) { s.health[name] = check }
}

func NewServer(negotiationSvc NegotiationService, transferSvc TransferService, sseHub *sse.Hub, logger zerolog.Logger, opts ...Option) (*Server, error) {
	compiled, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	s := &Server{
		negotiationSvc: negotiationSvc,
		transferSvc:    transferSvc,
		sseHub:         sseHub,
		health:         make(map[string]HealthCheck),
		schemas:        compiled,
		logger:         logger.With().Str("service", "http").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	// The event stream is long-lived and stays outside the request timeout.
	r.With(s.requireAPIKey).Get("/v1/events", s.sseEndpoint)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(s.verifySignature)
		r.Post("/"+negotiation.ProtocolPath, s.negotiationMessage)
		r.Post("/"+transfer.ProtocolPath, s.transferMessage)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(s.requireAPIKey)

		r.Route("/v1/negotiations", func(r chi.Router) {
			r.Post("/", s.initiateNegotiation)
			r.Get("/", s.listNegotiations)
			r.Post("/query", s.queryNegotiations)
			r.Get("/{id}", s.getNegotiation)
			r.Post("/{id}/cancel", s.negotiationCommand(command.TypeCancel))
			r.Post("/{id}/terminate", s.negotiationCommand(command.TypeTerminate))
		})

		r.Route("/v1/transfers", func(r chi.Router) {
			r.Post("/", s.initiateTransfer)
			r.Get("/", s.listTransfers)
			r.Post("/query", s.queryTransfers)
			r.Get("/{id}", s.getTransfer)
			r.Post("/{id}/cancel", s.transferCommand(command.TypeCancel))
			r.Post("/{id}/terminate", s.transferCommand(command.TypeTerminate))
			r.Post("/{id}/complete", s.transferCommand(command.TypeComplete))
		})
	})

	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	checks := make(map[string]string, len(s.health))
	for name, check := range s.health {
		if err := check(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}
	respondJSON(w, status, map[string]interface{}{"status": http.StatusText(status), "checks": checks})
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

// respondServiceError maps domain errors onto HTTP statuses. Counterparties
// treat 4xx as a rejection and 5xx as worth retrying.
func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, entity.ErrInvalid):
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
	case errors.Is(err, entity.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, entity.ErrDuplicateKey):
		respondError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, negotiation.ErrInvalidTransition), errors.Is(err, transfer.ErrInvalidTransition):
		respondError(w, http.StatusConflict, "INVALID_STATE", err.Error())
	case errors.Is(err, entity.ErrNotLeased), errors.Is(err, entity.ErrTransient):
		w.Header().Set("Retry-After", "1")
		respondError(w, http.StatusServiceUnavailable, "BUSY", err.Error())
	default:
		s.logger.Error().Err(err).Msg("request failed")
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := []string{}
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseLimitOffset(r *http.Request, defaultLimit, maxLimit int) (int, int) {
	limit := defaultLimit
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			limit = l
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil {
			offset = o
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// listSpec builds a query from ?state=&type=&limit=&offset=. parseState maps
// state names to codes.
func listSpec(r *http.Request, parseState func(string) (int, bool)) (entity.QuerySpec, error) {
	limit, offset := parseLimitOffset(r, entity.DefaultQueryLimit, entity.MaxQueryLimit)
	q := entity.QuerySpec{Limit: limit, Offset: offset, SortField: "createdAt", SortOrder: entity.SortDesc}
	if names := splitCSV(r.URL.Query().Get("state")); len(names) > 0 {
		states := make([]any, 0, len(names))
		for _, name := range names {
			code, ok := parseState(name)
			if !ok {
				return q, entity.Invalid("unknown state %q", name)
			}
			states = append(states, code)
		}
		q.Criteria = append(q.Criteria, entity.Where("state", entity.OpIn, states))
	}
	if t := r.URL.Query().Get("type"); t != "" {
		q.Criteria = append(q.Criteria, entity.Where("type", entity.OpEqual, strings.ToUpper(t)))
	}
	return q, nil
}

type commandRequest struct {
	Reason string `json:"reason"`
}
