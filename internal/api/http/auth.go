package httpapi

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/dataspace-hub/connector/internal/domain/signing"
)

type authContextKey string

const callerKey authContextKey = "caller"

// WithAPIKeyHash protects the control API with a bearer key whose bcrypt hash
// is hash. Protocol, health and metrics endpoints stay open.
func WithAPIKeyHash(hash string) Option {
	return func(s *Server) { s.apiKeyHash = []byte(hash) }
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.apiKeyHash) == 0 {
			next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), "anonymous")))
			return
		}
		token := extractToken(r)
		if token == "" {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing api key")
			return
		}
		if err := bcrypt.CompareHashAndPassword(s.apiKeyHash, []byte(token)); err != nil {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid api key")
			return
		}
		next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), "api-key")))
	})
}

func extractToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
	}
	return r.Header.Get("X-Api-Key")
}

func withCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

func callerFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(callerKey).(string); ok {
		return v
	}
	return ""
}

// KeyStore resolves the keys counterparties sign protocol messages with.
type KeyStore interface {
	GetKey(ctx context.Context, keyID string) ([]byte, error)
	Accepts(participant, keyID string) bool
}

// WithSignatureVerification rejects protocol messages that are not signed
// with a key from keys.
func WithSignatureVerification(keys KeyStore) Option {
	return func(s *Server) { s.keys = keys }
}

func (s *Server) verifySignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.keys == nil {
			next.ServeHTTP(w, r)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
			return
		}
		participant := r.Header.Get(signing.HeaderSender)
		keyID := r.Header.Get(signing.HeaderKeyID)
		if participant == "" || keyID == "" || !s.keys.Accepts(participant, keyID) {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unknown signer")
			return
		}
		key, err := s.keys.GetKey(r.Context(), keyID)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unknown signer")
			return
		}
		ts, err := time.Parse(time.RFC3339Nano, r.Header.Get(signing.HeaderTimestamp))
		if err != nil {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid signature timestamp")
			return
		}
		env := signing.Envelope{Participant: participant, KeyID: keyID, Timestamp: ts, Body: body}
		if err := signing.Verify(env, key, signing.Decode(r.Header.Get(signing.HeaderSignature)), time.Now()); err != nil {
			s.logger.Warn().Str("participant", participant).Str("key_id", keyID).Err(err).Msg("protocol message rejected")
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), participant)))
	})
}
