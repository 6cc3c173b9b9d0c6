package transfer

import (
	"context"
	"fmt"
	"strings"

	"github.com/dataspace-hub/connector/internal/application/statemachine"
	"github.com/dataspace-hub/connector/internal/domain/entity"
	"github.com/dataspace-hub/connector/internal/domain/transfer"
)

// Protocol is the protocol name recorded on transfers a counterparty opens.
const Protocol = "dataspace-protocol-http"

// HandleMessage applies a protocol message from a counterparty. Redelivered
// messages are answered without changing anything.
func (s *Service) HandleMessage(ctx context.Context, msgType string, msg transfer.Message) (transfer.Reply, error) {
	if strings.TrimSpace(msg.SenderProcessID) == "" {
		return transfer.Reply{}, entity.Invalid("senderProcessId is required")
	}
	switch msgType {
	case transfer.MsgTransferRequest:
		return s.open(ctx, msg)
	case transfer.MsgTransferStart:
		return s.receive(ctx, msg, transfer.StateStarted, func(p *transfer.Process) error {
			if p.Type != transfer.TypeConsumer {
				return entity.Invalid("transfer %s is not a consumer transfer", p.ID)
			}
			if p.Current() != transfer.StateRequested {
				return fmt.Errorf("%w: %s in %s", transfer.ErrInvalidTransition, p.ID, p.Current())
			}
			p.RecordDelivery(msg.BytesTransferred, msg.PayloadDigest)
			return nil
		})
	case transfer.MsgTransferCompletion:
		return s.receive(ctx, msg, transfer.StateCompleted, nil)
	case transfer.MsgTransferTermination:
		return s.receive(ctx, msg, transfer.StateTerminated, func(p *transfer.Process) error {
			p.ErrorDetail = "terminated by counterparty: " + msg.Reason
			return nil
		})
	}
	return transfer.Reply{}, entity.Invalid("unknown transfer message %q", msgType)
}

// open creates the provider side of a transfer the consumer requested.
func (s *Service) open(ctx context.Context, msg transfer.Message) (transfer.Reply, error) {
	if msg.ProcessID != "" {
		return transfer.Reply{}, entity.Invalid("transfer requests must not address an existing process")
	}
	if msg.DestinationAddress == nil {
		return transfer.Reply{}, entity.Invalid("destinationAddress is required")
	}
	existing, err := s.store.Query(ctx, entity.QuerySpec{
		Criteria: []entity.Criterion{
			entity.Where("correlationId", entity.OpEqual, msg.SenderProcessID),
			entity.Where("type", entity.OpEqual, string(transfer.TypeProvider)),
		},
		Limit: 1,
	})
	if err != nil {
		return transfer.Reply{}, err
	}
	if len(existing) > 0 {
		return transfer.Reply{ProcessID: existing[0].ID}, nil
	}

	source, err := s.assets.Resolve(ctx, msg.AssetID)
	if err != nil {
		return transfer.Reply{}, err
	}
	if !s.pipeline.CanHandle(source, *msg.DestinationAddress) {
		return transfer.Reply{}, entity.Invalid("no data plane moves %s to %s", source.Type, msg.DestinationAddress.Type)
	}
	p, err := transfer.NewProvider(transfer.Request{
		ContractID:          msg.ContractID,
		AssetID:             msg.AssetID,
		CounterPartyAddress: msg.CallbackAddress,
		Protocol:            Protocol,
		CorrelationID:       msg.SenderProcessID,
		DestinationAddress:  *msg.DestinationAddress,
	}, source, s.clock())
	if err != nil {
		return transfer.Reply{}, err
	}
	statemachine.InjectTrace(ctx, &p.Entity)
	if err := s.store.Create(ctx, p); err != nil {
		return transfer.Reply{}, err
	}
	s.logger.Info().
		Str("entity_id", p.ID).
		Str("correlation_id", p.CorrelationID).
		Str("asset_id", p.AssetID).
		Msg("transfer requested by counterparty")
	return transfer.Reply{ProcessID: p.ID}, nil
}

// receive moves the addressed transfer to target. prepare runs before the
// transition and may reject the message.
func (s *Service) receive(ctx context.Context, msg transfer.Message, target transfer.State, prepare func(*transfer.Process) error) (transfer.Reply, error) {
	current, err := s.addressed(ctx, msg)
	if err != nil {
		return transfer.Reply{}, err
	}
	if current.Current() == target || (target == transfer.StateTerminated && transfer.IsTerminal(current.State)) {
		return transfer.Reply{ProcessID: current.ID}, nil
	}
	p, err := statemachine.Mutate(ctx, s.store, current.ID, s.cfg.LeaseOwner, s.cfg.LeaseDuration,
		func(p *transfer.Process) error {
			if prepare != nil {
				if err := prepare(p); err != nil {
					return err
				}
			}
			if err := p.TransitionTo(target, s.clock()); err != nil {
				return fmt.Errorf("%w: %s in %s", err, p.ID, p.Current())
			}
			if p.CorrelationID == "" {
				p.CorrelationID = msg.SenderProcessID
			}
			return nil
		})
	if err != nil {
		return transfer.Reply{}, err
	}
	s.logger.Info().Str("entity_id", p.ID).Str("state", p.Current().String()).Msg("protocol message applied")
	return transfer.Reply{ProcessID: p.ID}, nil
}

func (s *Service) addressed(ctx context.Context, msg transfer.Message) (*transfer.Process, error) {
	if strings.TrimSpace(msg.ProcessID) == "" {
		return nil, entity.Invalid("processId is required")
	}
	p, err := s.store.Find(ctx, msg.ProcessID)
	if err != nil {
		return nil, err
	}
	if p.CorrelationID != "" && p.CorrelationID != msg.SenderProcessID {
		return nil, entity.Invalid("transfer %s does not belong to sender process %s", p.ID, msg.SenderProcessID)
	}
	return p, nil
}
