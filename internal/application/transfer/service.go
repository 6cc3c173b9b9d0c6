// Package transfer runs data transfers: the control operations the API
// exposes, the state handlers the manager drives, the provider data pipeline
// and the protocol messages counterparties send.
package transfer

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/dataspace-hub/connector/internal/application/pipeline"
	"github.com/dataspace-hub/connector/internal/application/statemachine"
	"github.com/dataspace-hub/connector/internal/domain/command"
	"github.com/dataspace-hub/connector/internal/domain/entity"
	"github.com/dataspace-hub/connector/internal/domain/transfer"
)

// Pipeline moves the bytes of a provider transfer.
type Pipeline interface {
	CanHandle(source, destination transfer.DataAddress) bool
	Transfer(ctx context.Context, req pipeline.Request) pipeline.Result
}

// Provisioner prepares resources a transfer needs before it is requested or
// started. It returns identifiers of what it created.
type Provisioner interface {
	Provision(ctx context.Context, p *transfer.Process) ([]string, error)
}

// ProvisionerFunc adapts a function to Provisioner.
type ProvisionerFunc func(ctx context.Context, p *transfer.Process) ([]string, error)

func (f ProvisionerFunc) Provision(ctx context.Context, p *transfer.Process) ([]string, error) {
	return f(ctx, p)
}

var noProvisioning = ProvisionerFunc(func(context.Context, *transfer.Process) ([]string, error) {
	return nil, nil
})

// Config identifies this connector to counterparties.
type Config struct {
	ParticipantID   string
	CallbackAddress string
	LeaseOwner      string
	LeaseDuration   time.Duration
}

// Service handles transfer operations.
type Service struct {
	store       transfer.Store
	queue       command.Queue
	assets      AssetResolver
	pipeline    Pipeline
	provisioner Provisioner
	cfg         Config
	clock       entity.Clock
	logger      zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the wall clock.
func WithClock(c entity.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithProvisioner installs a provisioner. By default nothing is provisioned.
func WithProvisioner(p Provisioner) Option {
	return func(s *Service) { s.provisioner = p }
}

// NewService creates a transfer service.
func NewService(store transfer.Store, queue command.Queue, assets AssetResolver, p Pipeline, cfg Config, logger zerolog.Logger, opts ...Option) *Service {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 30 * time.Second
	}
	s := &Service{
		store:       store,
		queue:       queue,
		assets:      assets,
		pipeline:    p,
		provisioner: noProvisioning,
		cfg:         cfg,
		clock:       entity.SystemClock,
		logger:      logger.With().Str("service", "transfer").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initiate starts a consumer transfer.
func (s *Service) Initiate(ctx context.Context, req transfer.Request) (*transfer.Process, error) {
	ctx, span := otel.Tracer("github.com/dataspace-hub/connector/transfer").Start(ctx, "transfer.initiate")
	defer span.End()

	p, err := transfer.NewConsumer(req, s.clock())
	if err != nil {
		return nil, err
	}
	statemachine.InjectTrace(ctx, &p.Entity)
	if err := s.store.Create(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("entity_id", p.ID).
		Str("contract_id", p.ContractID).
		Str("destination", p.DestinationAddress.Type).
		Msg("transfer initiated")
	return p, nil
}

// Find returns one transfer.
func (s *Service) Find(ctx context.Context, id string) (*transfer.Process, error) {
	return s.store.Find(ctx, id)
}

// Query lists transfers matching q.
func (s *Service) Query(ctx context.Context, q entity.QuerySpec) ([]*transfer.Process, error) {
	return s.store.Query(ctx, q)
}

// Cancel stops the transfer without telling the peer.
func (s *Service) Cancel(ctx context.Context, id, reason string) (command.Command, error) {
	return s.enqueue(ctx, command.TypeCancel, id, reason)
}

// Terminate ends the transfer and notifies the peer.
func (s *Service) Terminate(ctx context.Context, id, reason string) (command.Command, error) {
	return s.enqueue(ctx, command.TypeTerminate, id, reason)
}

// Complete finishes a started transfer.
func (s *Service) Complete(ctx context.Context, id string) (command.Command, error) {
	return s.enqueue(ctx, command.TypeComplete, id, "")
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

// ApplyCommand mutates p for cmd.
func ApplyCommand(p *transfer.Process, cmd command.Command, now time.Time) error {
	switch cmd.Type {
	case command.TypeCancel:
		return p.Cancel(cmd.Reason, now)
	case command.TypeTerminate:
		return p.Terminate(cmd.Reason, now)
	case command.TypeComplete:
		return p.Complete(now)
	}
	return entity.Invalid("unknown command %s", cmd.Type)
}
