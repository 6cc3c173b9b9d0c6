//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_transport.go -package=mocks . Transport

// Package dispatcher sends protocol messages to counterparties without
// blocking the state machine that produced them.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	// ErrRejected is returned when the counterparty refuses a message. It is
	// never retried.
	ErrRejected = errors.New("message rejected by counterparty")
	ErrClosed   = errors.New("dispatcher closed")
)

// Message is one outbound protocol message.
type Message struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	ProcessID string            `json:"processId"`
	Address   string            `json:"-"`
	Path      string            `json:"-"`
	Headers   map[string]string `json:"-"`
	Payload   any               `json:"payload,omitempty"`
}

// Response is what the counterparty answered.
type Response struct {
	Status int
	Body   []byte
}

// Transport delivers a message synchronously.
type Transport interface {
	Send(ctx context.Context, msg Message) (Response, error)
}

// Observer is told about every finished dispatch.
type Observer interface {
	ObserveDispatch(msgType string, err error, elapsed time.Duration)
}

type Config struct {
	Timeout     time.Duration
	Concurrency int
	// Rate is messages per second; zero disables limiting.
	Rate  float64
	Burst int
}

// Dispatcher runs transports on background goroutines.
type Dispatcher struct {
	transport Transport
	timeout   time.Duration
	sem       chan struct{}
	limiter   *rate.Limiter
	observer  Observer
	logger    zerolog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

type Option func(*Dispatcher)

// WithObserver registers an observer, typically metrics.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

func New(transport Transport, cfg Config, logger zerolog.Logger, opts ...Option) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 16
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.Rate > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}
	d := &Dispatcher{
		transport: transport,
		timeout:   cfg.Timeout,
		sem:       make(chan struct{}, cfg.Concurrency),
		limiter:   limiter,
		logger:    logger.With().Str("service", "dispatcher").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Send starts delivering msg and returns immediately.
func (d *Dispatcher) Send(ctx context.Context, msg Message) *Future {
	f := newFuture()
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		f.complete(Response{}, ErrClosed)
		return f
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		start := time.Now()
		resp, err := d.deliver(ctx, msg)
		if d.observer != nil {
			d.observer.ObserveDispatch(msg.Type, err, time.Since(start))
		}
		if err != nil {
			d.logger.Warn().Err(err).Str("message_type", msg.Type).Str("entity_id", msg.ProcessID).Msg("dispatch failed")
		}
		f.complete(resp, err)
	}()
	return f
}

func (d *Dispatcher) deliver(ctx context.Context, msg Message) (Response, error) {
	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return Response{}, fmt.Errorf("rate limit: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.transport.Send(ctx, msg)
}

// Close stops accepting messages and waits for in-flight ones until ctx ends.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Future is the eventual result of one Send.
type Future struct {
	done chan struct{}
	resp Response
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolved returns a completed future, for callers that already know the answer.
func Resolved(resp Response, err error) *Future {
	f := newFuture()
	f.complete(resp, err)
	return f
}

func (f *Future) complete(resp Response, err error) {
	f.resp, f.err = resp, err
	close(f.done)
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the result is available or ctx ends.
func (f *Future) Wait(ctx context.Context) (Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}
