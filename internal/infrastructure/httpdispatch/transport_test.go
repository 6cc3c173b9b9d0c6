package httpdispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/dataspace-hub/connector/internal/application/dispatcher"
	"github.com/dataspace-hub/connector/internal/domain/entity"
	"github.com/dataspace-hub/connector/internal/domain/signing"
	"github.com/dataspace-hub/connector/internal/infrastructure/keystore"
)

func TestTransport_Send(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	var got struct {
		path        string
		traceparent string
		participant string
		body        map[string]any
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.path = r.URL.Path
		got.traceparent = r.Header.Get("traceparent")
		got.participant = r.Header.Get("X-Participant-Id")
		_ = json.NewDecoder(r.Body).Decode(&got.body)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	tr := New(srv.Client(), "consumer-1")
	resp, err := tr.Send(ctx, dispatcher.Message{
		ID:        "m1",
		Type:      "ContractRequestMessage",
		ProcessID: "n1",
		Address:   srv.URL + "/protocol/",
		Path:      "/negotiations/request",
		Payload:   map[string]string{"offerId": "o1"},
	})
	require.NoError(t, err)

	assert.Equal(t, 200, resp.Status)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
	assert.Equal(t, "/protocol/negotiations/request", got.path)
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", got.traceparent)
	assert.Equal(t, "consumer-1", got.participant)
	assert.Equal(t, "ContractRequestMessage", got.body["type"])
	assert.Equal(t, "n1", got.body["processId"])
}

func TestTransport_StatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		rejected  bool
		transient bool
	}{
		{"accepted", http.StatusAccepted, false, false},
		{"conflict", http.StatusConflict, true, false},
		{"bad request", http.StatusBadRequest, true, false},
		{"unavailable", http.StatusServiceUnavailable, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			resp, err := New(nil, "").Send(context.Background(), dispatcher.Message{Type: "x", Address: srv.URL, Path: "p"})
			assert.Equal(t, tt.status, resp.Status)
			assert.Equal(t, tt.rejected, errors.Is(err, dispatcher.ErrRejected))
			assert.Equal(t, tt.transient, errors.Is(err, entity.ErrTransient))
		})
	}
}

func TestTransport_NetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	_, err := New(nil, "").Send(context.Background(), dispatcher.Message{Type: "x", Address: addr})
	assert.ErrorIs(t, err, entity.ErrTransient)
}

func TestTransport_SignsRequests(t *testing.T) {
	keys, err := keystore.New("k1:0a0b0c", "k1", nil)
	require.NoError(t, err)

	var verifyErr error
	var keyID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		keyID = r.Header.Get(signing.HeaderKeyID)
		ts, err := time.Parse(time.RFC3339Nano, r.Header.Get(signing.HeaderTimestamp))
		if err != nil {
			verifyErr = err
			return
		}
		verifyErr = signing.Verify(signing.Envelope{
			Participant: r.Header.Get(signing.HeaderSender),
			KeyID:       keyID,
			Timestamp:   ts,
			Body:        body,
		}, []byte{0x0a, 0x0b, 0x0c}, signing.Decode(r.Header.Get(signing.HeaderSignature)), time.Now())
	}))
	defer srv.Close()

	_, err = New(nil, "consumer", WithSigner(keys)).Send(context.Background(), dispatcher.Message{Type: "x", Address: srv.URL, Payload: map[string]string{"a": "b"}})
	require.NoError(t, err)
	assert.NoError(t, verifyErr)
	assert.Equal(t, "k1", keyID)
}

func TestTransport_MissingKeyIsRejected(t *testing.T) {
	keys, err := keystore.New("", "", nil)
	require.NoError(t, err)
	_, err = New(nil, "consumer", WithSigner(keys)).Send(context.Background(), dispatcher.Message{Type: "x", Address: "http://127.0.0.1:1"})
	assert.ErrorIs(t, err, dispatcher.ErrRejected)
}
