package negotiation

import (
	"context"
	"fmt"
	"strings"

	"github.com/dataspace-hub/connector/internal/application/statemachine"
	"github.com/dataspace-hub/connector/internal/domain/entity"
	"github.com/dataspace-hub/connector/internal/domain/negotiation"
)

// Protocol is the protocol name recorded on negotiations a counterparty opens.
const Protocol = "dataspace-protocol-http"

type receiver struct {
	role negotiation.Type
	from []negotiation.State
	to   negotiation.State
	// apply runs after the transition.
	apply func(n *negotiation.ContractNegotiation, msg negotiation.Message)
}

var receivers = map[string]receiver{
	negotiation.MsgAgreementAccepted: {
		role: negotiation.TypeProvider,
		from: []negotiation.State{negotiation.StateOffered},
		to:   negotiation.StateAccepted,
	},
	negotiation.MsgContractAgreement: {
		role: negotiation.TypeConsumer,
		from: []negotiation.State{negotiation.StateRequested, negotiation.StateAccepted},
		to:   negotiation.StateAgreed,
		apply: func(n *negotiation.ContractNegotiation, msg negotiation.Message) {
			n.AgreementID = msg.AgreementID
			if len(msg.Policy) > 0 {
				n.Policy = msg.Policy
			}
		},
	},
	negotiation.MsgAgreementVerification: {
		role: negotiation.TypeProvider,
		from: []negotiation.State{negotiation.StateAgreed},
		to:   negotiation.StateVerified,
	},
	negotiation.MsgFinalized: {
		role: negotiation.TypeConsumer,
		from: []negotiation.State{negotiation.StateVerified},
		to:   negotiation.StateFinalized,
	},
}

// HandleMessage applies a protocol message from a counterparty. Redelivered
// messages are answered without changing anything.
func (s *Service) HandleMessage(ctx context.Context, msgType string, msg negotiation.Message) (negotiation.Reply, error) {
	if strings.TrimSpace(msg.SenderProcessID) == "" {
		return negotiation.Reply{}, entity.Invalid("senderProcessId is required")
	}
	switch msgType {
	case negotiation.MsgContractRequest:
		return s.open(ctx, negotiation.TypeProvider, msg)
	case negotiation.MsgContractOffer:
		return s.open(ctx, negotiation.TypeConsumer, msg)
	case negotiation.MsgTermination:
		return s.terminated(ctx, msg)
	}
	r, ok := receivers[msgType]
	if !ok {
		return negotiation.Reply{}, entity.Invalid("unknown negotiation message %q", msgType)
	}
	return s.receive(ctx, r, msg)
}

// open creates the local side of a negotiation the counterparty started.
func (s *Service) open(ctx context.Context, role negotiation.Type, msg negotiation.Message) (negotiation.Reply, error) {
	if msg.ProcessID != "" {
		return negotiation.Reply{}, entity.Invalid("counter %s messages are not supported", strings.ToLower(string(role)))
	}
	existing, err := s.store.Query(ctx, entity.QuerySpec{
		Criteria: []entity.Criterion{
			entity.Where("correlationId", entity.OpEqual, msg.SenderProcessID),
			entity.Where("type", entity.OpEqual, string(role)),
		},
		Limit: 1,
	})
	if err != nil {
		return negotiation.Reply{}, err
	}
	if len(existing) > 0 {
		return negotiation.Reply{ProcessID: existing[0].ID}, nil
	}

	req := negotiation.Request{
		CounterPartyID:      msg.ParticipantID,
		CounterPartyAddress: msg.CallbackAddress,
		Protocol:            Protocol,
		OfferID:             msg.OfferID,
		AssetID:             msg.AssetID,
		Policy:              msg.Policy,
		CorrelationID:       msg.SenderProcessID,
	}
	var n *negotiation.ContractNegotiation
	if role == negotiation.TypeProvider {
		n, err = negotiation.NewProvider(req, s.clock())
	} else {
		n, err = negotiation.NewOffered(req, s.clock())
	}
	if err != nil {
		return negotiation.Reply{}, err
	}
	statemachine.InjectTrace(ctx, &n.Entity)
	if err := s.store.Create(ctx, n); err != nil {
		return negotiation.Reply{}, err
	}
	s.logger.Info().
		Str("entity_id", n.ID).
		Str("type", string(role)).
		Str("correlation_id", n.CorrelationID).
		Msg("negotiation opened by counterparty")
	return negotiation.Reply{ProcessID: n.ID}, nil
}

func (s *Service) receive(ctx context.Context, r receiver, msg negotiation.Message) (negotiation.Reply, error) {
	current, err := s.addressed(ctx, msg)
	if err != nil {
		return negotiation.Reply{}, err
	}
	if current.Current() == r.to {
		return negotiation.Reply{ProcessID: current.ID}, nil
	}
	n, err := statemachine.Mutate(ctx, s.store, current.ID, s.cfg.LeaseOwner, s.cfg.LeaseDuration,
		func(n *negotiation.ContractNegotiation) error {
			if n.Type != r.role {
				return entity.Invalid("negotiation %s is not a %s negotiation", n.ID, strings.ToLower(string(r.role)))
			}
			if !inState(n.Current(), r.from) {
				return fmt.Errorf("%w: %s in %s", negotiation.ErrInvalidTransition, n.ID, n.Current())
			}
			if err := n.TransitionTo(r.to, s.clock()); err != nil {
				return err
			}
			if n.CorrelationID == "" {
				n.CorrelationID = msg.SenderProcessID
			}
			if r.apply != nil {
				r.apply(n, msg)
			}
			return nil
		})
	if err != nil {
		return negotiation.Reply{}, err
	}
	s.logger.Info().Str("entity_id", n.ID).Str("state", n.Current().String()).Msg("protocol message applied")
	return negotiation.Reply{ProcessID: n.ID}, nil
}

func (s *Service) terminated(ctx context.Context, msg negotiation.Message) (negotiation.Reply, error) {
	current, err := s.addressed(ctx, msg)
	if err != nil {
		return negotiation.Reply{}, err
	}
	if negotiation.IsTerminal(current.State) {
		return negotiation.Reply{ProcessID: current.ID}, nil
	}
	_, err = statemachine.Mutate(ctx, s.store, current.ID, s.cfg.LeaseOwner, s.cfg.LeaseDuration,
		func(n *negotiation.ContractNegotiation) error {
			if err := n.TransitionTo(negotiation.StateTerminated, s.clock()); err != nil {
				return err
			}
			n.ErrorDetail = "terminated by counterparty: " + msg.Reason
			return nil
		})
	if err != nil {
		return negotiation.Reply{}, err
	}
	s.logger.Info().Str("entity_id", current.ID).Str("reason", msg.Reason).Msg("negotiation terminated by counterparty")
	return negotiation.Reply{ProcessID: current.ID}, nil
}

// addressed loads the negotiation msg is for and checks it belongs to the sender.
func (s *Service) addressed(ctx context.Context, msg negotiation.Message) (*negotiation.ContractNegotiation, error) {
	if strings.TrimSpace(msg.ProcessID) == "" {
		return nil, entity.Invalid("processId is required")
	}
	n, err := s.store.Find(ctx, msg.ProcessID)
	if err != nil {
		return nil, err
	}
	if n.CorrelationID != "" && n.CorrelationID != msg.SenderProcessID {
		return nil, entity.Invalid("negotiation %s does not belong to sender process %s", n.ID, msg.SenderProcessID)
	}
	return n, nil
}

func inState(s negotiation.State, states []negotiation.State) bool {
	for _, candidate := range states {
		if s == candidate {
			return true
		}
	}
	return false
}
