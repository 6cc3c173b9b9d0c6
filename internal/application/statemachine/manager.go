// Package statemachine drives long-running process entities through their
// states. A Manager leases batches of entities per state, runs the registered
// handler for each one on a bounded worker pool and persists the outcome.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/dataspace-hub/connector/internal/application/dispatcher"
	"github.com/dataspace-hub/connector/internal/domain/command"
	"github.com/dataspace-hub/connector/internal/domain/entity"
	"github.com/dataspace-hub/connector/internal/retry"
)

var (
	ErrAlreadyRunning = errors.New("state machine already running")
	ErrNoDispatcher   = errors.New("no dispatcher configured")

	errLeaseLost = errors.New("lease lost while handler was running")
)

// Sender is the part of the dispatcher the manager needs.
type Sender interface {
	Send(ctx context.Context, msg dispatcher.Message) *dispatcher.Future
}

// Config tunes one manager.
type Config struct {
	OwnerID         string
	BatchSize       int
	Concurrency     int
	PollInterval    time.Duration
	LeaseDuration   time.Duration
	PendingTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig holds the values used for zero fields.
var DefaultConfig = Config{
	BatchSize:       20,
	Concurrency:     8,
	PollInterval:    time.Second,
	LeaseDuration:   time.Minute,
	PendingTimeout:  5 * time.Minute,
	ShutdownTimeout: 30 * time.Second,
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultConfig.BatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConfig.Concurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultConfig.PollInterval
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = DefaultConfig.LeaseDuration
	}
	if c.PendingTimeout <= 0 {
		c.PendingTimeout = DefaultConfig.PendingTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultConfig.ShutdownTimeout
	}
	return c
}

// Option configures a Manager.
type Option[E entity.Record[E]] func(*Manager[E])

// WithClock replaces the wall clock.
func WithClock[E entity.Record[E]](clock entity.Clock) Option[E] {
	return func(m *Manager[E]) { m.clock = clock }
}

// WithSender enables Await outcomes.
func WithSender[E entity.Record[E]](s Sender) Option[E] {
	return func(m *Manager[E]) { m.sender = s }
}

// WithListener subscribes l to every event.
func WithListener[E entity.Record[E]](l Listener) Option[E] {
	return func(m *Manager[E]) { m.listeners = append(m.listeners, l) }
}

// WithTracer replaces the global tracer.
func WithTracer[E entity.Record[E]](t trace.Tracer) Option[E] {
	return func(m *Manager[E]) { m.tracer = t }
}

// Manager runs one Process.
type Manager[E entity.Record[E]] struct {
	process   Process[E]
	cfg       Config
	store     entity.Store[E]
	queue     command.Queue
	policy    *retry.Policy
	sender    Sender
	clock     entity.Clock
	tracer    trace.Tracer
	listeners []Listener
	logger    zerolog.Logger
	states    []int

	slots *semaphore.Weighted
	wake  chan struct{}

	running atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	pending sync.WaitGroup
}

// New builds a manager. queue may be nil when the process takes no commands.
func New[E entity.Record[E]](
	process Process[E],
	store entity.Store[E],
	queue command.Queue,
	policy *retry.Policy,
	cfg Config,
	logger zerolog.Logger,
	opts ...Option[E],
) *Manager[E] {
	m := &Manager[E]{
		process: process,
		cfg:     cfg.withDefaults(),
		store:   store,
		queue:   queue,
		policy:  policy,
		clock:   entity.SystemClock,
		wake:    make(chan struct{}, 1),
		tracer:  otel.Tracer("github.com/dataspace-hub/connector/statemachine"),
		logger: logger.With().
			Str("service", "statemachine").
			Str("process", process.Name).
			Str("owner", cfg.OwnerID).
			Logger(),
	}
	m.slots = semaphore.NewWeighted(int64(m.cfg.Concurrency))
	if m.policy == nil {
		m.policy = retry.New(retry.DefaultConfig)
	}
	for _, opt := range opts {
		opt(m)
	}
	for state := range process.Handlers {
		m.states = append(m.states, state)
	}
	sort.Ints(m.states)
	return m
}

// Name returns the process name.
func (m *Manager[E]) Name() string { return m.process.Name }

// Start runs the processing loop until Stop is called or ctx ends.
func (m *Manager[E]) Start(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go m.loop(loopCtx, done)
	m.logger.Info().Int("states", len(m.states)).Msg("state machine started")
	return nil
}

// Stop stops leasing new work and waits up to ShutdownTimeout for in-flight
// handlers and pending dispatches.
func (m *Manager[E]) Stop(ctx context.Context) error {
	var done chan struct{}
	if m.running.CompareAndSwap(true, false) {
		m.mu.Lock()
		m.cancel()
		done = m.done
		m.mu.Unlock()
	}

	ctx, stop := context.WithTimeout(ctx, m.cfg.ShutdownTimeout)
	defer stop()

	idle := make(chan struct{})
	go func() {
		if done != nil {
			<-done
		}
		m.pending.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		m.logger.Info().Msg("state machine stopped")
		return nil
	case <-ctx.Done():
		m.logger.Warn().Msg("state machine stop timed out with work in flight")
		return ctx.Err()
	}
}

func (m *Manager[E]) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-m.wake:
		}
		if err := m.tick(ctx, nil, nil); err != nil && ctx.Err() == nil {
			m.logger.Error().Err(err).Msg("state machine iteration failed")
		}
		timer.Reset(m.cfg.PollInterval)
	}
}

// RunOnce applies queued commands, leases one batch per handled state into the
// free worker slots and waits for those handlers. It returns how many entities
// made progress; entities whose handler chose Stay are not counted.
func (m *Manager[E]) RunOnce(ctx context.Context) (int, error) {
	var batch sync.WaitGroup
	var handled atomic.Int64
	err := m.tick(ctx, &batch, &handled)
	batch.Wait()
	return int(handled.Load()), err
}

// tick never waits for handlers. Workers hold a slot for as long as their
// handler runs, so a slow entity only occupies its own slot and the next tick
// leases into whatever is free. Handlers run on a context that is not
// cancelled with ctx, so a stop lets them finish.
func (m *Manager[E]) tick(ctx context.Context, batch *sync.WaitGroup, handled *atomic.Int64) error {
	if err := m.applyCommands(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("failed to drain commands")
	}

	work := context.WithoutCancel(ctx)
	var firstErr error
	for _, state := range m.states {
		if ctx.Err() != nil {
			break
		}
		free := m.reserve(m.cfg.BatchSize)
		if free == 0 {
			break
		}
		leased, err := m.store.NextForState(ctx, state, free, m.cfg.OwnerID, m.cfg.LeaseDuration, m.process.Filters[state]...)
		if err != nil {
			m.slots.Release(int64(free))
			if firstErr == nil && ctx.Err() == nil {
				firstErr = fmt.Errorf("lease %s entities in state %d: %w", m.process.Name, state, err)
			}
			continue
		}
		m.slots.Release(int64(free - len(leased)))
		for _, e := range leased {
			m.pending.Add(1)
			if batch != nil {
				batch.Add(1)
			}
			go func(e E) {
				defer m.pending.Done()
				if batch != nil {
					defer batch.Done()
				}
				progressed := m.handle(work, e)
				m.slots.Release(1)
				if progressed {
					if handled != nil {
						handled.Add(1)
					}
					m.signal()
				}
			}(e)
		}
	}
	return firstErr
}

// reserve takes up to n worker slots without blocking.
func (m *Manager[E]) reserve(n int) int {
	got := 0
	for got < n && m.slots.TryAcquire(1) {
		got++
	}
	return got
}

// signal asks the loop for another tick right away.
func (m *Manager[E]) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager[E]) applyCommands(ctx context.Context) error {
	if m.queue == nil || m.process.ApplyCommand == nil {
		return nil
	}
	cmds, err := m.queue.Drain(ctx)
	if err != nil {
		return err
	}
	var deferred []command.Command
	for _, cmd := range cmds {
		if !m.applyCommand(ctx, cmd) {
			deferred = append(deferred, cmd)
		}
	}
	// Deferred commands go back in arrival order; the next drain sees them
	// before anything enqueued since.
	var errs []error
	for _, cmd := range deferred {
		if err := m.queue.Enqueue(ctx, cmd); err != nil {
			errs = append(errs, fmt.Errorf("requeue command %s: %w", cmd.ID, err))
		}
	}
	return errors.Join(errs...)
}

// applyCommand reports false when cmd could not be applied yet, usually because
// another owner holds the entity. Such commands are kept for a later drain.
func (m *Manager[E]) applyCommand(ctx context.Context, cmd command.Command) bool {
	log := m.logger.With().
		Str("entity_id", cmd.EntityID).
		Str("command", string(cmd.Type)).
		Logger()

	drop := func(reason string) {
		log.Info().Str("reason", reason).Msg("command dropped")
		m.notify(Event{
			Kind:     EventCommandDropped,
			Process:  m.process.Name,
			EntityID: cmd.EntityID,
			Detail:   reason,
			At:       m.clock(),
		})
	}

	e, err := m.store.Find(ctx, cmd.EntityID)
	if err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			drop("entity not found")
			return true
		}
		log.Warn().Err(err).Msg("failed to load command target")
		return false
	}
	if m.isTerminal(e.Meta().State) {
		drop("entity is in a final state")
		return true
	}
	if err := m.store.AcquireLease(ctx, cmd.EntityID, m.cfg.OwnerID, m.cfg.LeaseDuration); err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			drop("entity not found")
			return true
		}
		if errors.Is(err, entity.ErrNotLeased) {
			log.Debug().Msg("command target is leased by another owner, deferring")
			m.notify(Event{
				Kind:     EventCommandDeferred,
				Process:  m.process.Name,
				EntityID: cmd.EntityID,
				Detail:   string(cmd.Type),
				At:       m.clock(),
			})
			return false
		}
		log.Warn().Err(err).Msg("failed to lease command target")
		return false
	}
	// Re-read under the lease so the command applies to the latest version.
	e, err = m.store.Find(ctx, cmd.EntityID)
	if err != nil {
		log.Warn().Err(err).Msg("failed to reload command target")
		m.release(ctx, cmd.EntityID)
		return false
	}

	from := e.Meta().State
	now := m.clock()
	if err := m.process.ApplyCommand(e, cmd, now); err != nil {
		m.release(ctx, cmd.EntityID)
		drop(err.Error())
		return true
	}
	if err := m.store.Update(ctx, e, m.cfg.OwnerID); err != nil {
		log.Warn().Err(err).Msg("failed to persist command result")
		m.release(ctx, cmd.EntityID)
		return errors.Is(err, entity.ErrInvalid)
	}
	meta := e.Meta()
	log.Info().Int("from", from).Int("to", meta.State).Msg("command applied")
	m.notify(Event{
		Kind:       EventCommandApplied,
		Process:    m.process.Name,
		EntityID:   meta.ID,
		From:       from,
		To:         meta.State,
		FromName:   m.process.stateName(from),
		ToName:     m.process.stateName(meta.State),
		StateCount: meta.StateCount,
		Detail:     string(cmd.Type),
		At:         now,
	})
	return true
}

func (m *Manager[E]) handle(ctx context.Context, leased E) bool {
	meta := leased.Meta()
	from := meta.State
	ctx, span := m.startSpan(ctx, meta)
	defer span.End()

	log := m.logger.With().Str("entity_id", meta.ID).Int("state", from).Logger()

	handler, ok := m.process.Handlers[from]
	if !ok {
		m.release(ctx, meta.ID)
		return false
	}

	work := leased.Clone()
	hctx, cancel := context.WithCancelCause(ctx)
	stop := m.keepLease(hctx, meta.ID, cancel)
	out, panicked := m.invoke(hctx, handler, work)
	stop()
	lost := errors.Is(context.Cause(hctx), errLeaseLost)
	cancel(nil)
	if lost {
		log.Warn().Msg("lease lost while handler was running, outcome discarded")
		span.SetStatus(codes.Error, errLeaseLost.Error())
		return false
	}
	if panicked != nil {
		log.Error().Err(panicked).Msg("handler panicked")
		span.RecordError(panicked)
		work = leased.Clone()
		out = Retry(panicked)
	}

	switch out.kind {
	case kindStay:
		m.release(ctx, meta.ID)
	case kindAdvance:
		m.advance(ctx, work, from, out.state)
	case kindRetry:
		span.SetStatus(codes.Error, errString(out.err))
		m.retry(ctx, work, out.err)
	case kindFail:
		span.SetStatus(codes.Error, out.reason)
		m.fail(ctx, work, from, out.reason)
	case kindAwait:
		m.await(ctx, work, from, out)
	}
	return out.kind != kindStay
}

// keepLease renews the lease on id every half LeaseDuration until the returned
// stop is called. Losing the lease to another owner cancels ctx with
// errLeaseLost.
func (m *Manager[E]) keepLease(ctx context.Context, id string, cancel context.CancelCauseFunc) (stop func()) {
	interval := m.cfg.LeaseDuration / 2
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			err := m.store.AcquireLease(ctx, id, m.cfg.OwnerID, m.cfg.LeaseDuration)
			switch {
			case err == nil:
			case errors.Is(err, entity.ErrNotLeased), errors.Is(err, entity.ErrNotFound):
				cancel(errLeaseLost)
				return
			default:
				m.logger.Warn().Err(err).Str("entity_id", id).Msg("failed to renew lease")
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

func (m *Manager[E]) invoke(ctx context.Context, handler Handler[E], e E) (out Outcome, panicked error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Debug().Bytes("stack", debug.Stack()).Msg("recovered handler panic")
			panicked = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, e), nil
}

func (m *Manager[E]) advance(ctx context.Context, e E, from, to int) {
	now := m.clock()
	if err := m.process.transition(e, to, now); err != nil {
		m.fail(ctx, e, from, err.Error())
		return
	}
	if err := m.store.Update(ctx, e, m.cfg.OwnerID); err != nil {
		m.storeFailed(e.Meta().ID, "advance", err)
		return
	}
	m.transitioned(e.Meta(), from, "", now)
}

func (m *Manager[E]) retry(ctx context.Context, e E, cause error) {
	meta := e.Meta()
	now := m.clock()
	meta.RecordAttempt(now)
	decision := m.policy.Classify(meta.StateCount, cause)
	if !decision.Retry {
		m.fail(ctx, e, meta.State, errString(cause))
		return
	}
	if err := m.store.Hold(ctx, e, m.cfg.OwnerID, decision.Delay); err != nil {
		m.storeFailed(meta.ID, "retry", err)
		return
	}
	m.logger.Info().
		Err(cause).
		Str("entity_id", meta.ID).
		Int("state", meta.State).
		Int("attempt", meta.StateCount).
		Dur("delay", decision.Delay).
		Msg("handler failed, retry scheduled")
	m.notify(Event{
		Kind:       EventRetry,
		Process:    m.process.Name,
		EntityID:   meta.ID,
		From:       meta.State,
		To:         meta.State,
		FromName:   m.process.stateName(meta.State),
		ToName:     m.process.stateName(meta.State),
		StateCount: meta.StateCount,
		Detail:     errString(cause),
		At:         now,
	})
}

func (m *Manager[E]) fail(ctx context.Context, e E, from int, reason string) {
	now := m.clock()
	e.Meta().Fail(m.process.ErrorState, reason, now)
	if err := m.store.Update(ctx, e, m.cfg.OwnerID); err != nil {
		m.storeFailed(e.Meta().ID, "fail", err)
		return
	}
	m.logger.Warn().
		Str("entity_id", e.Meta().ID).
		Int("from", from).
		Str("reason", reason).
		Msg("entity moved to error state")
	m.transitioned(e.Meta(), from, reason, now)
}

func (m *Manager[E]) await(ctx context.Context, e E, from int, out Outcome) {
	meta := e.Meta()
	if m.sender == nil {
		m.retry(ctx, e, ErrNoDispatcher)
		return
	}
	if err := m.store.Hold(ctx, e, m.cfg.OwnerID, m.cfg.PendingTimeout); err != nil {
		m.storeFailed(meta.ID, "await", err)
		return
	}
	future := m.sender.Send(context.WithoutCancel(ctx), out.msg)

	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		m.resume(trace.ContextWithSpanContext(context.Background(), trace.SpanContextFromContext(ctx)), e, from, out, future)
	}()
}

// resume finishes an Await once the dispatch settled. It only acts while this
// owner still holds the lease taken before sending.
func (m *Manager[E]) resume(ctx context.Context, e E, from int, out Outcome, future *dispatcher.Future) {
	meta := e.Meta()
	log := m.logger.With().Str("entity_id", meta.ID).Int("state", from).Str("message", out.msg.Type).Logger()

	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.PendingTimeout)
	resp, sendErr := future.Wait(waitCtx)
	cancel()
	if errors.Is(sendErr, context.DeadlineExceeded) && waitCtx.Err() != nil {
		log.Warn().Msg("dispatch outlived the pending timeout, abandoning")
		return
	}

	held, err := m.store.IsLeasedBy(ctx, meta.ID, m.cfg.OwnerID)
	if err != nil {
		log.Warn().Err(err).Msg("failed to check lease after dispatch")
		return
	}
	if !held {
		log.Info().Msg("lease lost while dispatch was pending, abandoning")
		return
	}
	current, err := m.store.Find(ctx, meta.ID)
	if err != nil {
		log.Warn().Err(err).Msg("failed to reload entity after dispatch")
		return
	}
	if current.Meta().Version != meta.Version || current.Meta().State != from {
		log.Info().Msg("entity changed while dispatch was pending, abandoning")
		return
	}

	if sendErr == nil && out.reply != nil {
		sendErr = out.reply(resp)
	}
	if sendErr != nil {
		m.retry(ctx, e, sendErr)
		return
	}
	m.advance(ctx, e, from, out.state)
}

func (m *Manager[E]) release(ctx context.Context, id string) {
	if err := m.store.ReleaseLease(ctx, id, m.cfg.OwnerID); err != nil && !errors.Is(err, entity.ErrNotFound) {
		m.logger.Warn().Err(err).Str("entity_id", id).Msg("failed to release lease")
	}
}

func (m *Manager[E]) storeFailed(id, op string, err error) {
	ev := m.logger.Warn()
	if errors.Is(err, entity.ErrNotLeased) {
		ev = m.logger.Info()
	}
	ev.Err(err).Str("entity_id", id).Str("op", op).Msg("could not persist outcome, lease will expire")
}

func (m *Manager[E]) transitioned(meta *entity.Entity, from int, detail string, at time.Time) {
	m.logger.Debug().Str("entity_id", meta.ID).Int("from", from).Int("to", meta.State).Msg("state changed")
	m.notify(Event{
		Kind:       EventTransition,
		Process:    m.process.Name,
		EntityID:   meta.ID,
		From:       from,
		To:         meta.State,
		FromName:   m.process.stateName(from),
		ToName:     m.process.stateName(meta.State),
		StateCount: meta.StateCount,
		Detail:     detail,
		At:         at,
	})
}

func (m *Manager[E]) notify(ev Event) {
	for _, l := range m.listeners {
		l.Notify(ev)
	}
}

func (m *Manager[E]) isTerminal(state int) bool {
	if m.process.IsTerminal == nil {
		return state == m.process.ErrorState
	}
	return m.process.IsTerminal(state)
}

func (m *Manager[E]) startSpan(ctx context.Context, meta *entity.Entity) (context.Context, trace.Span) {
	if len(meta.TraceContext) > 0 {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(meta.TraceContext))
	}
	return m.tracer.Start(ctx, m.process.Name+".handle",
		trace.WithAttributes(
			attribute.String("entity.id", meta.ID),
			attribute.Int("entity.state", meta.State),
			attribute.Int("entity.state_count", meta.StateCount),
		))
}

// InjectTrace stores the span context of ctx on e so later handler spans join
// the same trace.
func InjectTrace(ctx context.Context, e *entity.Entity) {
	if e.TraceContext == nil {
		e.TraceContext = map[string]string{}
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(e.TraceContext))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
