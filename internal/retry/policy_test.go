package retry

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/dataspace-hub/connector/internal/domain/entity"
)

var errBoom = errors.New("connection reset")

func TestClassify_RetryBudget(t *testing.T) {
	p := New(Config{MaxRetries: 2, MinBackoff: 10 * time.Millisecond, MaxBackoff: time.Second, Factor: 2, Jitter: 0.1})

	assert.True(t, p.Classify(1, errBoom).Retry)
	assert.True(t, p.Classify(2, errBoom).Retry)
	assert.False(t, p.Classify(3, errBoom).Retry)
}

func TestClassify_FatalErrors(t *testing.T) {
	errRejected := errors.New("rejected by counterparty")
	p := New(Config{MaxRetries: 10}, errRejected)

	tests := []struct {
		name string
		err  error
	}{
		{"permanent", Fatal(errBoom)},
		{"wrapped permanent", fmt.Errorf("dispatch: %w", Fatal(errBoom))},
		{"duplicate key", entity.ErrDuplicateKey},
		{"invalid", entity.Invalid("missing field")},
		{"extra sentinel", fmt.Errorf("send: %w", errRejected)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Classify(1, tt.err)
			assert.False(t, d.Retry)
			assert.Zero(t, d.Delay)
		})
	}

	assert.False(t, p.IsFatal(entity.Transient(errBoom)))
	assert.False(t, p.IsFatal(nil))
	assert.Nil(t, Fatal(nil))
	assert.ErrorIs(t, Fatal(errBoom), errBoom)
}

func TestDelay_GrowsAndCaps(t *testing.T) {
	p := New(Config{MaxRetries: 10, MinBackoff: 100 * time.Millisecond, MaxBackoff: 400 * time.Millisecond, Factor: 2, Jitter: 0})

	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3))
	assert.Equal(t, 400*time.Millisecond, p.Delay(8))
}

func TestNew_Defaults(t *testing.T) {
	p := New(Config{MaxRetries: -1, Jitter: 2})
	cfg := p.Config()
	assert.Equal(t, 0, cfg.MaxRetries)
	assert.Equal(t, DefaultConfig.MinBackoff, cfg.MinBackoff)
	assert.Equal(t, DefaultConfig.Factor, cfg.Factor)
	assert.Equal(t, DefaultConfig.Jitter, cfg.Jitter)
}

func TestClassify_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("retry iff attempt <= maxRetries", prop.ForAll(
		func(maxRetries, attempt int) bool {
			p := New(Config{MaxRetries: maxRetries, MinBackoff: time.Millisecond, MaxBackoff: time.Second, Factor: 2, Jitter: 0.5})
			return p.Classify(attempt, errBoom).Retry == (attempt <= maxRetries)
		},
		gen.IntRange(0, 10),
		gen.IntRange(1, 20),
	))

	properties.Property("delay stays within jittered bounds", prop.ForAll(
		func(attempt int, jitter float64) bool {
			lo, hi := 50*time.Millisecond, 2*time.Second
			p := New(Config{MaxRetries: 100, MinBackoff: lo, MaxBackoff: hi, Factor: 1.5, Jitter: jitter})
			d := p.Delay(attempt)
			lower := time.Duration(float64(lo) * (1 - jitter))
			upper := time.Duration(float64(hi) * (1 + jitter))
			return d >= lower-time.Millisecond && d <= upper+time.Millisecond
		},
		gen.IntRange(1, 40),
		gen.Float64Range(0, 0.9),
	))

	properties.Property("fatal errors never retry", prop.ForAll(
		func(attempt int) bool {
			p := New(Config{MaxRetries: 50})
			return !p.Classify(attempt, Fatal(errBoom)).Retry
		},
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}
