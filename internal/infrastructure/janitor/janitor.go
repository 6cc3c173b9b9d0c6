// Package janitor clears expired leases on a cron schedule so entities held
// by crashed runtimes become visible again without waiting for a manager to
// trip over them.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSchedule runs the sweep every minute.
const DefaultSchedule = "@every 1m"

// LeaseSweeper is implemented by every entity store.
type LeaseSweeper interface {
	ReleaseExpiredLeases(ctx context.Context) (int, error)
}

// Janitor sweeps a set of stores.
type Janitor struct {
	cron    *cron.Cron
	timeout time.Duration
	logger  zerolog.Logger

	mu      sync.Mutex
	targets map[string]LeaseSweeper
}

// New parses schedule (standard five-field cron or a descriptor such as
// "@every 30s").
func New(schedule string, timeout time.Duration, logger zerolog.Logger) (*Janitor, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	j := &Janitor{
		timeout: timeout,
		logger:  logger.With().Str("service", "janitor").Logger(),
		targets: make(map[string]LeaseSweeper),
	}
	j.cron = cron.New(cron.WithParser(cron.NewParser(
		cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor,
	)), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := j.cron.AddFunc(schedule, func() { _ = j.Sweep(context.Background()) }); err != nil {
		return nil, fmt.Errorf("janitor schedule %q: %w", schedule, err)
	}
	return j, nil
}

// Watch adds a store under name.
func (j *Janitor) Watch(name string, s LeaseSweeper) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.targets[name] = s
}

// Sweep releases expired leases in every watched store once.
func (j *Janitor) Sweep(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	j.mu.Lock()
	targets := make(map[string]LeaseSweeper, len(j.targets))
	for name, s := range j.targets {
		targets[name] = s
	}
	j.mu.Unlock()

	var errs []error
	for name, s := range targets {
		n, err := s.ReleaseExpiredLeases(ctx)
		if err != nil {
			j.logger.Warn().Err(err).Str("store", name).Msg("lease sweep failed")
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if n > 0 {
			j.logger.Info().Str("store", name).Int("released", n).Msg("expired leases released")
		}
	}
	return errors.Join(errs...)
}

func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop waits for a running sweep to finish or ctx to end.
func (j *Janitor) Stop(ctx context.Context) error {
	done := j.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
