package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dataspace-hub/connector/internal/domain/command"
	"github.com/dataspace-hub/connector/internal/domain/entity"
	"github.com/dataspace-hub/connector/internal/domain/negotiation"
)

type negotiationView struct {
	*negotiation.ContractNegotiation
	StateName string `json:"stateName"`
}

func viewNegotiation(n *negotiation.ContractNegotiation) negotiationView {
	return negotiationView{ContractNegotiation: n, StateName: n.Current().String()}
}

func viewNegotiations(items []*negotiation.ContractNegotiation) []negotiationView {
	out := make([]negotiationView, 0, len(items))
	for _, n := range items {
		out = append(out, viewNegotiation(n))
	}
	return out
}

func (s *Server) initiateNegotiation(w http.ResponseWriter, r *http.Request) {
	var req negotiation.Request
	if err := s.schemas.decodeValidated(r, schemaNegotiationRequest, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	n, err := s.negotiationSvc.Initiate(r.Context(), req)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, viewNegotiation(n))
}

func (s *Server) getNegotiation(w http.ResponseWriter, r *http.Request) {
	n, err := s.negotiationSvc.Find(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, viewNegotiation(n))
}

func (s *Server) listNegotiations(w http.ResponseWriter, r *http.Request) {
	q, err := listSpec(r, func(name string) (int, bool) {
		state, ok := negotiation.ParseState(name)
		return int(state), ok
	})
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	items, err := s.negotiationSvc.Query(r.Context(), q)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"items": viewNegotiations(items), "limit": q.Limit, "offset": q.Offset})
}

func (s *Server) queryNegotiations(w http.ResponseWriter, r *http.Request) {
	var q entity.QuerySpec
	if err := s.schemas.decodeValidated(r, schemaQuery, &q); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	items, err := s.negotiationSvc.Query(r.Context(), q)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"items": viewNegotiations(items)})
}

func (s *Server) negotiationCommand(t command.Type) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req commandRequest
		if err := s.schemas.decodeValidated(r, schemaCommand, &req); err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
			return
		}
		id := chi.URLParam(r, "id")
		var (
			cmd command.Command
			err error
		)
		switch t {
		case command.TypeCancel:
			cmd, err = s.negotiationSvc.Cancel(r.Context(), id, req.Reason)
		default:
			cmd, err = s.negotiationSvc.Terminate(r.Context(), id, req.Reason)
		}
		if err != nil {
			s.respondServiceError(w, err)
			return
		}
		s.logger.Info().
			Str("negotiation_id", id).
			Str("command", string(cmd.Type)).
			Str("caller", callerFromContext(r.Context())).
			Msg("command accepted")
		respondJSON(w, http.StatusAccepted, cmd)
	}
}
