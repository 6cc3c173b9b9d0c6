package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/dataspace-hub/connector/internal/application/negotiation"
	"github.com/dataspace-hub/connector/internal/application/pipeline"
	"github.com/dataspace-hub/connector/internal/application/statemachine"
	"github.com/dataspace-hub/connector/internal/application/transfer"
	"github.com/dataspace-hub/connector/internal/domain/entity"
	domneg "github.com/dataspace-hub/connector/internal/domain/negotiation"
	"github.com/dataspace-hub/connector/internal/domain/signing"
	domtx "github.com/dataspace-hub/connector/internal/domain/transfer"
	"github.com/dataspace-hub/connector/internal/infrastructure/keystore"
	"github.com/dataspace-hub/connector/internal/infrastructure/memory"
	"github.com/dataspace-hub/connector/internal/infrastructure/sse"
)

type acceptAll struct{}

func (acceptAll) CanHandle(domtx.DataAddress, domtx.DataAddress) bool { return true }

func (acceptAll) Transfer(context.Context, pipeline.Request) pipeline.Result {
	return pipeline.Result{}
}

type fixture struct {
	server         *Server
	handler        http.Handler
	hub            *sse.Hub
	negotiationQ   *memory.Queue
	transferQ      *memory.Queue
	negotiationSvc *negotiation.Service
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		hub:          sse.NewHub(zerolog.Nop()),
		negotiationQ: memory.NewQueue(),
		transferQ:    memory.NewQueue(),
	}
	f.negotiationSvc = negotiation.NewService(memory.NewStore[*domneg.ContractNegotiation](), f.negotiationQ, negotiation.Config{
		ParticipantID:   "provider",
		CallbackAddress: "https://provider.example",
		LeaseOwner:      "provider:api",
	}, zerolog.Nop())
	transferSvc := transfer.NewService(memory.NewStore[*domtx.Process](), f.transferQ,
		transfer.StaticAssets{"weather": {Type: domtx.AddressHTTP}}, acceptAll{},
		transfer.Config{ParticipantID: "provider", CallbackAddress: "https://provider.example", LeaseOwner: "provider:api"},
		zerolog.Nop())

	srv, err := NewServer(f.negotiationSvc, transferSvc, f.hub, zerolog.Nop(), opts...)
	require.NoError(t, err)
	f.server = srv
	f.handler = srv.Router()
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

const negotiationBody = `{"counterPartyId":"consumer","counterPartyAddress":"https://consumer.example","protocol":"dataspace-protocol-http","offerId":"offer-1","assetId":"weather"}`

func TestNegotiationLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/negotiations", negotiationBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode(t, rec)
	id := created["id"].(string)
	assert.Equal(t, "INITIAL", created["stateName"])
	assert.Equal(t, "CONSUMER", created["type"])

	rec = f.do(t, http.MethodGet, "/v1/negotiations/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "offer-1", decode(t, rec)["offerId"])

	rec = f.do(t, http.MethodGet, "/v1/negotiations?state=initial&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode(t, rec)
	assert.Len(t, list["items"], 1)
	assert.EqualValues(t, 5, list["limit"])

	rec = f.do(t, http.MethodPost, "/v1/negotiations/query", `{"criteria":[{"field":"assetId","operator":"=","value":"other"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode(t, rec)["items"])

	rec = f.do(t, http.MethodPost, "/v1/negotiations/"+id+"/terminate", `{"reason":"changed my mind"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "TERMINATE", decode(t, rec)["type"])
	assert.Equal(t, 1, f.negotiationQ.Len())

	rec = f.do(t, http.MethodPost, "/v1/negotiations/"+id+"/cancel", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 2, f.negotiationQ.Len())
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"missing offer", http.MethodPost, "/v1/negotiations", `{"counterPartyAddress":"https://c","protocol":"p"}`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/v1/negotiations", `{"counterPartyAddress":"https://c","protocol":"p","offerId":"o","extra":1}`, http.StatusBadRequest},
		{"malformed json", http.MethodPost, "/v1/negotiations", `{`, http.StatusBadRequest},
		{"unknown state", http.MethodGet, "/v1/negotiations?state=SLEEPING", "", http.StatusBadRequest},
		{"bad operator", http.MethodPost, "/v1/transfers/query", `{"criteria":[{"field":"state","operator":"~"}]}`, http.StatusBadRequest},
		{"in needs a list", http.MethodPost, "/v1/transfers/query", `{"criteria":[{"field":"state","operator":"in","value":800}]}`, http.StatusBadRequest},
		{"missing destination", http.MethodPost, "/v1/transfers", `{"contractId":"c","counterPartyAddress":"https://c","protocol":"p"}`, http.StatusBadRequest},
		{"unknown negotiation", http.MethodGet, "/v1/negotiations/nope", "", http.StatusNotFound},
		{"command on unknown transfer", http.MethodPost, "/v1/transfers/nope/complete", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode(t, rec)["error"])
		})
	}
}

func TestTransferEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/transfers", `{"contractId":"agreement-1","assetId":"weather","counterPartyAddress":"https://provider.example","protocol":"dataspace-protocol-http","destinationAddress":{"type":"HttpData","properties":{"baseUrl":"https://sink.example"}}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode(t, rec)
	id := created["id"].(string)
	assert.Equal(t, "INITIAL", created["stateName"])

	rec = f.do(t, http.MethodGet, "/v1/transfers?type=consumer", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["items"], 1)

	rec = f.do(t, http.MethodPost, "/v1/transfers/"+id+"/complete", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "COMPLETE", decode(t, rec)["type"])
	assert.Equal(t, 1, f.transferQ.Len())
}

func protocolBody(msgType string, payload any) string {
	raw, _ := json.Marshal(payload)
	return fmt.Sprintf(`{"id":"m-1","type":%q,"payload":%s}`, msgType, raw)
}

func TestProtocolEndpoints(t *testing.T) {
	f := newFixture(t)

	request := protocolBody(domneg.MsgContractRequest, domneg.Message{
		SenderProcessID: "consumer-neg-1",
		ParticipantID:   "consumer",
		CallbackAddress: "https://consumer.example",
		OfferID:         "offer-1",
		AssetID:         "weather",
	})
	rec := f.do(t, http.MethodPost, "/protocol/negotiations", request)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	processID := decode(t, rec)["processId"].(string)
	require.NotEmpty(t, processID)

	rec = f.do(t, http.MethodPost, "/protocol/negotiations", request)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, processID, decode(t, rec)["processId"], "redelivered request maps to the same negotiation")

	rec = f.do(t, http.MethodPost, "/protocol/negotiations", protocolBody(domneg.MsgAgreementAccepted, domneg.Message{
		ProcessID:       processID,
		SenderProcessID: "consumer-neg-1",
	}))
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Equal(t, "INVALID_STATE", decode(t, rec)["error"])

	rec = f.do(t, http.MethodPost, "/protocol/negotiations", protocolBody(domneg.MsgContractAgreement, domneg.Message{
		ProcessID:       processID,
		SenderProcessID: "consumer-neg-1",
	}))
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/protocol/negotiations", protocolBody(domneg.MsgContractRequest, map[string]any{}))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "sender process id is required")

	rec = f.do(t, http.MethodPost, "/protocol/transfers", protocolBody(domtx.MsgTransferStart, domtx.Message{
		ProcessID:       "missing",
		SenderProcessID: "provider-tx-1",
	}))
	assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
}

func TestAPIKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	f := newFixture(t, WithAPIKeyHash(string(hash)))

	rec := f.do(t, http.MethodPost, "/v1/negotiations", negotiationBody)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/negotiations", negotiationBody, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/negotiations", negotiationBody, "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/negotiations", "", "X-Api-Key", "s3cret")
	assert.Equal(t, http.StatusOK, rec.Code)

	// Counterparties do not hold the control key.
	rec = f.do(t, http.MethodPost, "/protocol/negotiations", protocolBody(domneg.MsgContractRequest, domneg.Message{
		SenderProcessID: "c-1", CallbackAddress: "https://consumer.example", OfferID: "offer-1",
	}))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestHealthAndMetrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("connector_up 1\n"))
	})
	f := newFixture(t,
		WithMetrics(metrics),
		WithHealthCheck("store", func(context.Context) error { return nil }),
	)

	rec := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "connector_up")

	down := newFixture(t, WithHealthCheck("redis", func(context.Context) error { return errors.New("connection refused") }))
	rec = down.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	checks := decode(t, rec)["checks"].(map[string]any)
	assert.Equal(t, "connection refused", checks["redis"])
}

func TestRespondServiceError(t *testing.T) {
	srv := &Server{logger: zerolog.Nop()}
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{entity.Invalid("bad"), http.StatusBadRequest, "INVALID_PARAM"},
		{fmt.Errorf("find: %w", entity.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{entity.ErrDuplicateKey, http.StatusConflict, "CONFLICT"},
		{fmt.Errorf("%w: x", domtx.ErrInvalidTransition), http.StatusConflict, "INVALID_STATE"},
		{entity.ErrNotLeased, http.StatusServiceUnavailable, "BUSY"},
		{entity.Transient(errors.New("db down")), http.StatusServiceUnavailable, "BUSY"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		srv.respondServiceError(rec, tt.err)
		assert.Equal(t, tt.status, rec.Code, tt.err.Error())
		assert.Equal(t, tt.code, decode(t, rec)["error"])
		if tt.status == http.StatusServiceUnavailable {
			assert.Equal(t, "1", rec.Header().Get("Retry-After"))
		}
	}
}

func TestEventStream(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/events?process=negotiation", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", line)

	f.hub.Notify(statemachine.Event{Kind: statemachine.EventTransition, Process: "transfer", EntityID: "t-1", At: time.Now()})
	f.hub.Notify(statemachine.Event{Kind: statemachine.EventTransition, Process: "negotiation", EntityID: "n-1", ToName: "REQUESTED", At: time.Now()})

	var event []string
	for len(event) < 3 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		if line != "" {
			event = append(event, line)
		}
	}
	assert.Equal(t, "event: transition", event[0])
	assert.True(t, strings.HasPrefix(event[2], "data: "))
	var msg sse.Message
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(event[2], "data: ")), &msg))
	assert.True(t, bytes.Contains(msg.Data, []byte(`"entityId":"n-1"`)))
}

func signedHeaders(t *testing.T, participant, keyID string, key []byte, body string, at time.Time) []string {
	t.Helper()
	sig, err := signing.Sign(signing.Envelope{Participant: participant, KeyID: keyID, Timestamp: at, Body: []byte(body)}, key)
	require.NoError(t, err)
	return []string{
		signing.HeaderSender, participant,
		signing.HeaderKeyID, keyID,
		signing.HeaderTimestamp, at.UTC().Format(time.RFC3339Nano),
		signing.HeaderSignature, signing.Encode(sig),
	}
}

func TestProtocolSignatures(t *testing.T) {
	keys, err := keystore.New("k1:0102,k2:0304", "", map[string]string{"consumer": "k1"})
	require.NoError(t, err)
	f := newFixture(t, WithSignatureVerification(keys))

	body := protocolBody(domneg.MsgContractRequest, domneg.Message{
		SenderProcessID: "consumer-neg-1", CallbackAddress: "https://consumer.example", OfferID: "offer-1",
	})
	now := time.Now()

	rec := f.do(t, http.MethodPost, "/protocol/negotiations", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "unsigned")

	rec = f.do(t, http.MethodPost, "/protocol/negotiations", body, signedHeaders(t, "consumer", "k2", []byte{3, 4}, body, now)...)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "key not pinned to consumer")

	rec = f.do(t, http.MethodPost, "/protocol/negotiations", body, signedHeaders(t, "consumer", "k1", []byte{9, 9}, body, now)...)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "wrong key material")

	rec = f.do(t, http.MethodPost, "/protocol/negotiations", body, signedHeaders(t, "consumer", "k1", []byte{1, 2}, body, now.Add(-time.Hour))...)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "stale")

	rec = f.do(t, http.MethodPost, "/protocol/negotiations", body, signedHeaders(t, "consumer", "k1", []byte{1, 2}, body, now)...)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, decode(t, rec)["processId"])

	// The control API is not affected.
	rec = f.do(t, http.MethodGet, "/v1/negotiations", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
