package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dataspace-hub/connector/internal/application/dispatcher"
	"github.com/dataspace-hub/connector/internal/application/statemachine"
	"github.com/dataspace-hub/connector/internal/domain/entity"
	"github.com/dataspace-hub/connector/internal/domain/negotiation"
	"github.com/dataspace-hub/connector/internal/retry"
)

type handler = statemachine.Handler[*negotiation.ContractNegotiation]

var errNoProcessID = errors.New("counterparty reply carries no process id")

func onlyType(t negotiation.Type) []entity.Criterion {
	return []entity.Criterion{entity.Where("type", entity.OpEqual, string(t))}
}

// Process describes negotiations to the state machine manager. Policy
// evaluation is out of scope, so providers agree to every request and
// consumers accept every offer.
func (s *Service) Process() statemachine.Process[*negotiation.ContractNegotiation] {
	return statemachine.Process[*negotiation.ContractNegotiation]{
		Name: "negotiation",
		Handlers: map[int]handler{
			int(negotiation.StateInitial):     s.handleInitial,
			int(negotiation.StateRequesting):  s.handleRequesting,
			int(negotiation.StateRequested):   advanceTo(negotiation.StateAgreeing, s.assignAgreement),
			int(negotiation.StateOffering):    s.handleOffering,
			int(negotiation.StateOffered):     advanceTo(negotiation.StateAccepting, nil),
			int(negotiation.StateAccepting):   s.send(negotiation.MsgAgreementAccepted, negotiation.StateAccepted),
			int(negotiation.StateAccepted):    advanceTo(negotiation.StateAgreeing, s.assignAgreement),
			int(negotiation.StateAgreeing):    s.send(negotiation.MsgContractAgreement, negotiation.StateAgreed),
			int(negotiation.StateAgreed):      advanceTo(negotiation.StateVerifying, nil),
			int(negotiation.StateVerifying):   s.send(negotiation.MsgAgreementVerification, negotiation.StateVerified),
			int(negotiation.StateVerified):    advanceTo(negotiation.StateFinalizing, nil),
			int(negotiation.StateFinalizing):  s.send(negotiation.MsgFinalized, negotiation.StateFinalized),
			int(negotiation.StateTerminating): s.handleTerminating,
		},
		Filters: map[int][]entity.Criterion{
			int(negotiation.StateRequested): onlyType(negotiation.TypeProvider),
			int(negotiation.StateOffered):   onlyType(negotiation.TypeConsumer),
			int(negotiation.StateAccepted):  onlyType(negotiation.TypeProvider),
			int(negotiation.StateAgreed):    onlyType(negotiation.TypeConsumer),
			int(negotiation.StateVerified):  onlyType(negotiation.TypeProvider),
		},
		ErrorState: int(negotiation.StateError),
		IsTerminal: negotiation.IsTerminal,
		Transition: func(n *negotiation.ContractNegotiation, to int, now time.Time) error {
			return n.TransitionTo(negotiation.State(to), now)
		},
		ApplyCommand: ApplyCommand,
		StateName:    func(state int) string { return negotiation.State(state).String() },
	}
}

func advanceTo(next negotiation.State, prepare func(*negotiation.ContractNegotiation)) handler {
	return func(ctx context.Context, n *negotiation.ContractNegotiation) statemachine.Outcome {
		if prepare != nil {
			prepare(n)
		}
		return statemachine.Advance(int(next))
	}
}

func (s *Service) assignAgreement(n *negotiation.ContractNegotiation) {
	if n.AgreementID == "" {
		n.AgreementID = uuid.New().String()
	}
}

func (s *Service) handleInitial(ctx context.Context, n *negotiation.ContractNegotiation) statemachine.Outcome {
	if n.Type == negotiation.TypeProvider {
		return statemachine.Advance(int(negotiation.StateOffering))
	}
	return statemachine.Advance(int(negotiation.StateRequesting))
}

// handleRequesting sends the consumer's request and learns the provider's id
// from the reply.
func (s *Service) handleRequesting(ctx context.Context, n *negotiation.ContractNegotiation) statemachine.Outcome {
	return statemachine.Await(s.message(n, negotiation.MsgContractRequest), int(negotiation.StateRequested)).
		OnReply(correlate(n))
}

func (s *Service) handleOffering(ctx context.Context, n *negotiation.ContractNegotiation) statemachine.Outcome {
	return statemachine.Await(s.message(n, negotiation.MsgContractOffer), int(negotiation.StateOffered)).
		OnReply(correlate(n))
}

func (s *Service) handleTerminating(ctx context.Context, n *negotiation.ContractNegotiation) statemachine.Outcome {
	if n.CorrelationID == "" {
		// The peer never learned about this negotiation.
		return statemachine.Advance(int(negotiation.StateTerminated))
	}
	return statemachine.Await(s.message(n, negotiation.MsgTermination), int(negotiation.StateTerminated))
}

func (s *Service) send(msgType string, next negotiation.State) handler {
	return func(ctx context.Context, n *negotiation.ContractNegotiation) statemachine.Outcome {
		return statemachine.Await(s.message(n, msgType), int(next))
	}
}

func (s *Service) message(n *negotiation.ContractNegotiation, msgType string) dispatcher.Message {
	payload := negotiation.Message{
		ProcessID:       n.CorrelationID,
		SenderProcessID: n.ID,
		ParticipantID:   s.cfg.ParticipantID,
		CallbackAddress: s.cfg.CallbackAddress,
		OfferID:         n.OfferID,
		AssetID:         n.AssetID,
		Policy:          n.Policy,
		AgreementID:     n.AgreementID,
	}
	if msgType == negotiation.MsgTermination {
		payload.Reason = n.ErrorDetail
	}
	return dispatcher.Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		ProcessID: n.ID,
		Address:   n.CounterPartyAddress,
		Path:      negotiation.ProtocolPath,
		Headers:   n.TraceContext,
		Payload:   payload,
	}
}

func correlate(n *negotiation.ContractNegotiation) func(dispatcher.Response) error {
	return func(resp dispatcher.Response) error {
		if n.CorrelationID != "" {
			return nil
		}
		var reply negotiation.Reply
		if err := json.Unmarshal(resp.Body, &reply); err != nil {
			return retry.Fatal(fmt.Errorf("decode counterparty reply: %w", err))
		}
		if reply.ProcessID == "" {
			return retry.Fatal(errNoProcessID)
		}
		n.CorrelationID = reply.ProcessID
		return nil
	}
}
