// Package pipeline moves payload bytes from a source data address to a
// destination data address for started transfers.
package pipeline

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"

	"github.com/dataspace-hub/connector/internal/domain/entity"
	"github.com/dataspace-hub/connector/internal/domain/transfer"
	"github.com/dataspace-hub/connector/internal/retry"
)

// ErrNoFactoryFound is returned when no registered factory handles an address.
var ErrNoFactoryFound = errors.New("no pipeline factory can handle data address")

// Status of a finished transfer.
type Status string

const (
	StatusSucceeded Status = "SUCCEEDED"
	StatusRetryable Status = "RETRYABLE"
	StatusFatal     Status = "FATAL"
)

// Result describes one pipeline run.
type Result struct {
	Status Status
	Err    error
	Bytes  int64
	// Digest is the hex BLAKE2b-256 of the bytes read from the source.
	Digest string
}

// Failure returns nil on success, otherwise an error the retry policy
// classifies the same way the pipeline did.
func (r Result) Failure() error {
	switch r.Status {
	case StatusSucceeded:
		return nil
	case StatusFatal:
		return retry.Fatal(r.Err)
	default:
		return entity.Transient(r.Err)
	}
}

// SourceFactory opens data addresses for reading.
type SourceFactory interface {
	CanHandle(addr transfer.DataAddress) bool
	Open(ctx context.Context, addr transfer.DataAddress) (io.ReadCloser, error)
}

// SinkFactory writes a stream to data addresses.
type SinkFactory interface {
	CanHandle(addr transfer.DataAddress) bool
	Write(ctx context.Context, addr transfer.DataAddress, r io.Reader) error
}

// StatusError carries the status code of a failed remote call.
type StatusError struct {
	Code int
	Op   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Code)
}

// Request is one pipeline run.
type Request struct {
	ProcessID   string
	Source      transfer.DataAddress
	Destination transfer.DataAddress
}

// Observer is told about every finished run.
type Observer interface {
	ObservePipeline(status Status, bytes int64, elapsed time.Duration)
}

// Engine selects factories and runs transfers.
type Engine struct {
	mu       sync.RWMutex
	sources  []SourceFactory
	sinks    []SinkFactory
	timeout  time.Duration
	observer Observer
	logger   zerolog.Logger
}

// NewEngine returns an engine without factories. A zero timeout disables it.
func NewEngine(timeout time.Duration, logger zerolog.Logger) *Engine {
	return &Engine{
		timeout: timeout,
		logger:  logger.With().Str("service", "pipeline").Logger(),
	}
}

// SetObserver installs o. Call it before the first transfer.
func (e *Engine) SetObserver(o Observer) {
	e.observer = o
}

func (e *Engine) RegisterSourceFactory(f SourceFactory) {
	e.mu.Lock()
	e.sources = append(e.sources, f)
	e.mu.Unlock()
}

func (e *Engine) RegisterSinkFactory(f SinkFactory) {
	e.mu.Lock()
	e.sinks = append(e.sinks, f)
	e.mu.Unlock()
}

// CanHandle reports whether both addresses have a registered factory.
func (e *Engine) CanHandle(source, destination transfer.DataAddress) bool {
	_, srcErr := e.source(source)
	_, sinkErr := e.sink(destination)
	return srcErr == nil && sinkErr == nil
}

func (e *Engine) source(addr transfer.DataAddress) (SourceFactory, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, f := range e.sources {
		if f.CanHandle(addr) {
			return f, nil
		}
	}
	return nil, fmt.Errorf("source %q: %w", addr.Type, ErrNoFactoryFound)
}

func (e *Engine) sink(addr transfer.DataAddress) (SinkFactory, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, f := range e.sinks {
		if f.CanHandle(addr) {
			return f, nil
		}
	}
	return nil, fmt.Errorf("destination %q: %w", addr.Type, ErrNoFactoryFound)
}

// Transfer streams the source into the destination.
func (e *Engine) Transfer(ctx context.Context, req Request) Result {
	start := time.Now()
	res := e.transfer(ctx, req)
	if e.observer != nil {
		e.observer.ObservePipeline(res.Status, res.Bytes, time.Since(start))
	}
	log := e.logger.With().Str("entity_id", req.ProcessID).Str("status", string(res.Status)).Logger()
	if res.Err != nil {
		log.Warn().Err(res.Err).Msg("transfer failed")
	} else {
		log.Info().Int64("bytes", res.Bytes).Str("digest", res.Digest).Msg("transfer finished")
	}
	return res
}

func (e *Engine) transfer(ctx context.Context, req Request) Result {
	src, err := e.source(req.Source)
	if err != nil {
		return Result{Status: StatusFatal, Err: err}
	}
	dst, err := e.sink(req.Destination)
	if err != nil {
		return Result{Status: StatusFatal, Err: err}
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	rc, err := src.Open(ctx, req.Source)
	if err != nil {
		return failed(fmt.Errorf("open source: %w", err), 0)
	}
	defer rc.Close()

	hash, err := blake2b.New256(nil)
	if err != nil {
		return Result{Status: StatusFatal, Err: err}
	}
	body := &countingReader{r: io.TeeReader(rc, hash)}
	if err := dst.Write(ctx, req.Destination, body); err != nil {
		return failed(fmt.Errorf("write destination: %w", err), body.n)
	}
	return Result{
		Status: StatusSucceeded,
		Bytes:  body.n,
		Digest: hex.EncodeToString(hash.Sum(nil)),
	}
}

func failed(err error, n int64) Result {
	return Result{Status: Classify(err), Err: err, Bytes: n}
}

// Classify maps a source or sink error to a result status. Timeouts, truncated
// streams and unknown errors are retryable so the retry budget bounds them.
func Classify(err error) Status {
	if err == nil {
		return StatusSucceeded
	}
	var status *StatusError
	if errors.As(err, &status) {
		if status.Code >= 500 || status.Code == 408 || status.Code == 429 {
			return StatusRetryable
		}
		return StatusFatal
	}
	var coded interface{ HTTPStatusCode() int }
	if errors.As(err, &coded) {
		return Classify(&StatusError{Code: coded.HTTPStatusCode()})
	}
	switch {
	case errors.Is(err, ErrNoFactoryFound), errors.Is(err, entity.ErrInvalid):
		return StatusFatal
	}
	// Network failures land here as well.
	return StatusRetryable
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
