package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/dataspace-hub/connector/internal/domain/negotiation"
	"github.com/dataspace-hub/connector/internal/domain/signing"
	"github.com/dataspace-hub/connector/internal/domain/transfer"
)

// envelope is the body counterparties post; it mirrors dispatcher.Message.
type envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	ProcessID string          `json:"processId"`
	Payload   json.RawMessage `json:"payload"`
}

func (s *Server) readEnvelope(w http.ResponseWriter, r *http.Request, payload any) (context.Context, string, bool) {
	var env envelope
	if err := s.schemas.decodeValidated(r, schemaProtocolMessage, &env); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return nil, "", false
	}
	if err := json.Unmarshal(env.Payload, payload); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return nil, "", false
	}
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	s.logger.Debug().
		Str("message_id", env.ID).
		Str("type", env.Type).
		Str("participant", r.Header.Get(signing.HeaderSender)).
		Msg("protocol message received")
	return ctx, env.Type, true
}

func (s *Server) negotiationMessage(w http.ResponseWriter, r *http.Request) {
	var msg negotiation.Message
	ctx, msgType, ok := s.readEnvelope(w, r, &msg)
	if !ok {
		return
	}
	ctx, span := otel.Tracer("github.com/dataspace-hub/connector/httpapi").Start(ctx, "protocol."+msgType)
	defer span.End()
	reply, err := s.negotiationSvc.HandleMessage(ctx, msgType, msg)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, reply)
}

func (s *Server) transferMessage(w http.ResponseWriter, r *http.Request) {
	var msg transfer.Message
	ctx, msgType, ok := s.readEnvelope(w, r, &msg)
	if !ok {
		return
	}
	ctx, span := otel.Tracer("github.com/dataspace-hub/connector/httpapi").Start(ctx, "protocol."+msgType)
	defer span.End()
	reply, err := s.transferSvc.HandleMessage(ctx, msgType, msg)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, reply)
}
