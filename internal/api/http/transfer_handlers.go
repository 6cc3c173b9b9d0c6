package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dataspace-hub/connector/internal/domain/command"
	"github.com/dataspace-hub/connector/internal/domain/entity"
	"github.com/dataspace-hub/connector/internal/domain/transfer"
)

type transferView struct {
	*transfer.Process
	StateName string `json:"stateName"`
}

func viewTransfer(p *transfer.Process) transferView {
	return transferView{Process: p, StateName: p.Current().String()}
}

func viewTransfers(items []*transfer.Process) []transferView {
	out := make([]transferView, 0, len(items))
	for _, p := range items {
		out = append(out, viewTransfer(p))
	}
	return out
}

func (s *Server) initiateTransfer(w http.ResponseWriter, r *http.Request) {
	var req transfer.Request
	if err := s.schemas.decodeValidated(r, schemaTransferRequest, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	p, err := s.transferSvc.Initiate(r.Context(), req)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, viewTransfer(p))
}

func (s *Server) getTransfer(w http.ResponseWriter, r *http.Request) {
	p, err := s.transferSvc.Find(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, viewTransfer(p))
}

func (s *Server) listTransfers(w http.ResponseWriter, r *http.Request) {
	q, err := listSpec(r, func(name string) (int, bool) {
		state, ok := transfer.ParseState(name)
		return int(state), ok
	})
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	items, err := s.transferSvc.Query(r.Context(), q)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"items": viewTransfers(items), "limit": q.Limit, "offset": q.Offset})
}

func (s *Server) queryTransfers(w http.ResponseWriter, r *http.Request) {
	var q entity.QuerySpec
	if err := s.schemas.decodeValidated(r, schemaQuery, &q); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	items, err := s.transferSvc.Query(r.Context(), q)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"items": viewTransfers(items)})
}

func (s *Server) transferCommand(t command.Type) http.HandlerFunc {
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
			cmd, err = s.transferSvc.Cancel(r.Context(), id, req.Reason)
		case command.TypeComplete:
			cmd, err = s.transferSvc.Complete(r.Context(), id)
		default:
			cmd, err = s.transferSvc.Terminate(r.Context(), id, req.Reason)
		}
		if err != nil {
			s.respondServiceError(w, err)
			return
		}
		s.logger.Info().
			Str("transfer_id", id).
			Str("command", string(cmd.Type)).
			Str("caller", callerFromContext(r.Context())).
			Msg("command accepted")
		respondJSON(w, http.StatusAccepted, cmd)
	}
}
