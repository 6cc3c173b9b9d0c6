// Package negotiation runs contract negotiations: the control operations the
// API exposes, the state handlers the manager drives and the protocol
// messages counterparties send.
package negotiation

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/dataspace-hub/connector/internal/application/statemachine"
	"github.com/dataspace-hub/connector/internal/domain/command"
	"github.com/dataspace-hub/connector/internal/domain/entity"
	"github.com/dataspace-hub/connector/internal/domain/negotiation"
)

// Config identifies this connector to counterparties.
type Config struct {
	ParticipantID string
	// CallbackAddress is the base URL counterparties send protocol messages to.
	CallbackAddress string
	// LeaseOwner is used when protocol messages mutate negotiations.
	LeaseOwner    string
	LeaseDuration time.Duration
}

// Service handles negotiation operations.
type Service struct {
	store  negotiation.Store
	queue  command.Queue
	cfg    Config
	clock  entity.Clock
	logger zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the wall clock.
func WithClock(c entity.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// NewService creates a negotiation service.
func NewService(store negotiation.Store, queue command.Queue, cfg Config, logger zerolog.Logger, opts ...Option) *Service {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 30 * time.Second
	}
	s := &Service{
		store:  store,
		queue:  queue,
		cfg:    cfg,
		clock:  entity.SystemClock,
		logger: logger.With().Str("service", "negotiation").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initiate starts a consumer negotiation. The manager sends the request.
func (s *Service) Initiate(ctx context.Context, req negotiation.Request) (*negotiation.ContractNegotiation, error) {
	ctx, span := otel.Tracer("github.com/dataspace-hub/connector/negotiation").Start(ctx, "negotiation.initiate")
	defer span.End()

	n, err := negotiation.NewConsumer(req, s.clock())
	if err != nil {
		return nil, err
	}
	statemachine.InjectTrace(ctx, &n.Entity)
	if err := s.store.Create(ctx, n); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("entity_id", n.ID).
		Str("counter_party", n.CounterPartyAddress).
		Str("offer_id", n.OfferID).
		Msg("negotiation initiated")
	return n, nil
}

// Find returns one negotiation.
func (s *Service) Find(ctx context.Context, id string) (*negotiation.ContractNegotiation, error) {
	return s.store.Find(ctx, id)
}

// Query lists negotiations matching q.
func (s *Service) Query(ctx context.Context, q entity.QuerySpec) ([]*negotiation.ContractNegotiation, error) {
	return s.store.Query(ctx, q)
}

// Cancel asks the manager to stop the negotiation without telling the peer.
func (s *Service) Cancel(ctx context.Context, id, reason string) (command.Command, error) {
	return s.enqueue(ctx, command.TypeCancel, id, reason)
}

// Terminate asks the manager to end the negotiation and notify the peer.
func (s *Service) Terminate(ctx context.Context, id, reason string) (command.Command, error) {
	return s.enqueue(ctx, command.TypeTerminate, id, reason)
}

func (s *Service) enqueue(ctx context.Context, t command.Type, id, reason string) (command.Command, error) {
	if _, err := s.store.Find(ctx, id); err != nil {
		return command.Command{}, err
	}
	cmd, err := command.New(t, id, reason, s.clock())
	if err != nil {
		return command.Command{}, err
	}
	if err := s.queue.Enqueue(ctx, cmd); err != nil {
		return command.Command{}, err
	}
	s.logger.Info().Str("entity_id", id).Str("command", string(t)).Msg("command enqueued")
	return cmd, nil
}

// ApplyCommand mutates n for cmd. COMPLETE does not apply to negotiations.
func ApplyCommand(n *negotiation.ContractNegotiation, cmd command.Command, now time.Time) error {
	switch cmd.Type {
	case command.TypeCancel:
		return n.Cancel(cmd.Reason, now)
	case command.TypeTerminate:
		return n.Terminate(cmd.Reason, now)
	}
	return entity.Invalid("command %s does not apply to negotiations", cmd.Type)
}
