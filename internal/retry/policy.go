// Package retry decides whether a failed state-handler attempt is tried again
// and after how long.
package retry

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/dataspace-hub/connector/internal/domain/entity"
)

// Config bounds the retry budget and the exponential delay between attempts.
type Config struct {
	MaxRetries int
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Factor     float64
	// Jitter is the randomization factor in [0, 1).
	Jitter float64
}

// DefaultConfig is used for zero fields.
var DefaultConfig = Config{
	MaxRetries: 5,
	MinBackoff: time.Second,
	MaxBackoff: time.Minute,
	Factor:     2,
	Jitter:     0.2,
}

// Decision is the outcome of classifying one failure.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Policy classifies failures. It is safe for concurrent use.
type Policy struct {
	cfg   Config
	fatal []error
}

// New returns a policy. Errors matching any of fatal, as well as duplicate-key
// and validation errors, never consume retry budget.
func New(cfg Config, fatal ...error) *Policy {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultConfig.MinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = cfg.MinBackoff
	}
	if cfg.Factor < 1 {
		cfg.Factor = DefaultConfig.Factor
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = DefaultConfig.Jitter
	}
	base := []error{entity.ErrDuplicateKey, entity.ErrInvalid}
	return &Policy{cfg: cfg, fatal: append(base, fatal...)}
}

// Config returns the effective configuration.
func (p *Policy) Config() Config {
	return p.cfg
}

// Classify decides what to do after attempt number attempt (1-based) failed with err.
func (p *Policy) Classify(attempt int, err error) Decision {
	if p.IsFatal(err) || attempt > p.cfg.MaxRetries {
		return Decision{}
	}
	return Decision{Retry: true, Delay: p.Delay(attempt)}
}

// Delay is the randomized exponential delay before attempt+1.
func (p *Policy) Delay(attempt int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.cfg.MinBackoff,
		RandomizationFactor: p.cfg.Jitter,
		Multiplier:          p.cfg.Factor,
		MaxInterval:         p.cfg.MaxBackoff,
	}
	b.Reset()
	var d time.Duration
	for i := 0; i < attempt || i == 0; i++ {
		d = b.NextBackOff()
	}
	return d
}

// IsFatal reports whether err must not be retried regardless of budget.
func (p *Policy) IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return true
	}
	for _, f := range p.fatal {
		if errors.Is(err, f) {
			return true
		}
	}
	return false
}

// Fatal marks err as not retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}
