package dataplane

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dataspace-hub/connector/internal/application/pipeline"
	"github.com/dataspace-hub/connector/internal/domain/entity"
	"github.com/dataspace-hub/connector/internal/domain/transfer"
)

// HTTP reads and writes HttpData addresses. It serves as both source and sink.
type HTTP struct {
	client *http.Client
}

func NewHTTP(client *http.Client) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{client: client}
}

func (h *HTTP) CanHandle(addr transfer.DataAddress) bool {
	return addr.Is(transfer.AddressHTTP)
}

// Open issues the address method, GET by default, and returns the body.
func (h *HTTP) Open(ctx context.Context, addr transfer.DataAddress) (io.ReadCloser, error) {
	a, err := DecodeHTTP(addr)
	if err != nil {
		return nil, err
	}
	resp, err := h.do(ctx, a, http.MethodGet, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Write sends r with the address method, POST by default.
func (h *HTTP) Write(ctx context.Context, addr transfer.DataAddress, r io.Reader) error {
	a, err := DecodeHTTP(addr)
	if err != nil {
		return err
	}
	resp, err := h.do(ctx, a, http.MethodPost, r)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (h *HTTP) do(ctx context.Context, a HTTPAddress, method string, body io.Reader) (*http.Response, error) {
	if a.Method != "" {
		method = strings.ToUpper(a.Method)
	}
	url := strings.TrimRight(a.BaseURL, "/")
	if a.Path != "" {
		url += "/" + strings.TrimLeft(a.Path, "/")
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, entity.Invalid("http address: %v", err)
	}
	for k, v := range a.Headers {
		req.Header.Set(k, v)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	if resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, &pipeline.StatusError{Code: resp.StatusCode, Op: method + " " + url}
	}
	return resp, nil
}
