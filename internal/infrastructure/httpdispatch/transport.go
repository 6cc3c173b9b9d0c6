// Package httpdispatch delivers protocol messages as JSON over HTTP.
package httpdispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/dataspace-hub/connector/internal/application/dispatcher"
	"github.com/dataspace-hub/connector/internal/domain/entity"
	"github.com/dataspace-hub/connector/internal/domain/signing"
)

const maxResponseBody = 1 << 20

// Transport implements dispatcher.Transport with net/http.
type Transport struct {
	client      *http.Client
	participant string
	keys        KeySource
	now         func() time.Time
}

// KeySource looks up the key a participant signs with.
type KeySource interface {
	GetKeyForParticipant(ctx context.Context, participant string) (keyID string, key []byte, err error)
}

type Option func(*Transport)

// WithSigner signs every request with the participant's key.
func WithSigner(keys KeySource) Option {
	return func(t *Transport) { t.keys = keys }
}

// New returns a transport that identifies itself as participant.
func New(client *http.Client, participant string, opts ...Option) *Transport {
	if client == nil {
		client = &http.Client{}
	}
	t := &Transport{client: client, participant: participant, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Send POSTs msg to Address joined with Path. 4xx answers are rejections,
// 5xx answers and network failures are transient.
func (t *Transport) Send(ctx context.Context, msg dispatcher.Message) (dispatcher.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return dispatcher.Response{}, fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	url := strings.TrimRight(msg.Address, "/") + "/" + strings.TrimLeft(msg.Path, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return dispatcher.Response{}, fmt.Errorf("%w: build request: %v", dispatcher.ErrRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.participant != "" {
		req.Header.Set(signing.HeaderSender, t.participant)
	}
	if t.keys != nil {
		if err := t.sign(ctx, req, body); err != nil {
			return dispatcher.Response{}, err
		}
	}
	for k, v := range msg.Headers {
		req.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return dispatcher.Response{}, entity.Transient(ctx.Err())
		}
		return dispatcher.Response{}, entity.Transient(fmt.Errorf("post %s: %w", url, err))
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	out := dispatcher.Response{Status: resp.StatusCode, Body: data}

	switch {
	case resp.StatusCode >= 500:
		return out, entity.Transient(fmt.Errorf("post %s: status %d", url, resp.StatusCode))
	case resp.StatusCode >= 400:
		return out, fmt.Errorf("%w: status %d: %s", dispatcher.ErrRejected, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return out, nil
}

func (t *Transport) sign(ctx context.Context, req *http.Request, body []byte) error {
	keyID, key, err := t.keys.GetKeyForParticipant(ctx, t.participant)
	if err != nil {
		return fmt.Errorf("%w: signing key: %v", dispatcher.ErrRejected, err)
	}
	now := t.now()
	sig, err := signing.Sign(signing.Envelope{Participant: t.participant, KeyID: keyID, Timestamp: now, Body: body}, key)
	if err != nil {
		return fmt.Errorf("%w: sign: %v", dispatcher.ErrRejected, err)
	}
	req.Header.Set(signing.HeaderKeyID, keyID)
	req.Header.Set(signing.HeaderTimestamp, now.UTC().Format(time.RFC3339Nano))
	req.Header.Set(signing.HeaderSignature, signing.Encode(sig))
	return nil
}
