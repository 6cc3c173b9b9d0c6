package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dataspace-hub/connector/internal/application/dispatcher"
	"github.com/dataspace-hub/connector/internal/application/pipeline"
	"github.com/dataspace-hub/connector/internal/application/statemachine"
	"github.com/dataspace-hub/connector/internal/domain/entity"
	"github.com/dataspace-hub/connector/internal/domain/transfer"
	"github.com/dataspace-hub/connector/internal/retry"
)

type handler = statemachine.Handler[*transfer.Process]

var errNoProcessID = errors.New("counterparty reply carries no process id")

// Process describes transfers to the state machine manager.
func (s *Service) Process() statemachine.Process[*transfer.Process] {
	return statemachine.Process[*transfer.Process]{
		Name: "transfer",
		Handlers: map[int]handler{
			int(transfer.StateInitial):      s.handleInitial,
			int(transfer.StateProvisioning): s.handleProvisioning,
			int(transfer.StateProvisioned):  s.handleProvisioned,
			int(transfer.StateRequesting):   s.handleRequesting,
			int(transfer.StateStarting):     s.handleStarting,
			int(transfer.StateStarted):      s.handleStarted,
			int(transfer.StateCompleting):   s.send(transfer.MsgTransferCompletion, transfer.StateCompleted),
			int(transfer.StateTerminating):  s.handleTerminating,
		},
		Filters: map[int][]entity.Criterion{
			int(transfer.StateStarted): {entity.Where("type", entity.OpEqual, string(transfer.TypeProvider))},
		},
		ErrorState: int(transfer.StateError),
		IsTerminal: transfer.IsTerminal,
		Transition: func(p *transfer.Process, to int, now time.Time) error {
			return p.TransitionTo(transfer.State(to), now)
		},
		ApplyCommand: ApplyCommand,
		StateName:    func(state int) string { return transfer.State(state).String() },
	}
}

func (s *Service) handleInitial(ctx context.Context, p *transfer.Process) statemachine.Outcome {
	return statemachine.Advance(int(transfer.StateProvisioning))
}

func (s *Service) handleProvisioning(ctx context.Context, p *transfer.Process) statemachine.Outcome {
	resources, err := s.provisioner.Provision(ctx, p)
	if err != nil {
		return statemachine.Retry(fmt.Errorf("provision: %w", err))
	}
	p.ProvisionedResources = append(p.ProvisionedResources, resources...)
	return statemachine.Advance(int(transfer.StateProvisioned))
}

func (s *Service) handleProvisioned(ctx context.Context, p *transfer.Process) statemachine.Outcome {
	if p.Type == transfer.TypeProvider {
		return statemachine.Advance(int(transfer.StateStarting))
	}
	return statemachine.Advance(int(transfer.StateRequesting))
}

func (s *Service) handleRequesting(ctx context.Context, p *transfer.Process) statemachine.Outcome {
	msg := s.message(p, transfer.MsgTransferRequest)
	payload := msg.Payload.(transfer.Message)
	dest := p.DestinationAddress.Copy()
	payload.DestinationAddress = &dest
	msg.Payload = payload
	return statemachine.Await(msg, int(transfer.StateRequested)).OnReply(func(resp dispatcher.Response) error {
		if p.CorrelationID != "" {
			return nil
		}
		var reply transfer.Reply
		if err := json.Unmarshal(resp.Body, &reply); err != nil {
			return retry.Fatal(fmt.Errorf("decode counterparty reply: %w", err))
		}
		if reply.ProcessID == "" {
			return retry.Fatal(errNoProcessID)
		}
		p.CorrelationID = reply.ProcessID
		return nil
	})
}

// handleStarting runs the data pipeline once, then tells the consumer the
// data is there. A delivery already recorded is not repeated when only the
// start message failed.
func (s *Service) handleStarting(ctx context.Context, p *transfer.Process) statemachine.Outcome {
	if p.PayloadDigest == "" {
		res := s.pipeline.Transfer(ctx, pipeline.Request{
			ProcessID:   p.ID,
			Source:      p.SourceAddress,
			Destination: p.DestinationAddress,
		})
		if err := res.Failure(); err != nil {
			return statemachine.Retry(err)
		}
		p.RecordDelivery(res.Bytes, res.Digest)
	}
	return statemachine.Await(s.message(p, transfer.MsgTransferStart), int(transfer.StateStarted))
}

// handleStarted completes provider transfers. Pipelines here are finite, so
// there is nothing left to stream once the start message is delivered.
func (s *Service) handleStarted(ctx context.Context, p *transfer.Process) statemachine.Outcome {
	return statemachine.Advance(int(transfer.StateCompleting))
}

func (s *Service) handleTerminating(ctx context.Context, p *transfer.Process) statemachine.Outcome {
	if p.CorrelationID == "" {
		return statemachine.Advance(int(transfer.StateTerminated))
	}
	return statemachine.Await(s.message(p, transfer.MsgTransferTermination), int(transfer.StateTerminated))
}

func (s *Service) send(msgType string, next transfer.State) handler {
	return func(ctx context.Context, p *transfer.Process) statemachine.Outcome {
		return statemachine.Await(s.message(p, msgType), int(next))
	}
}

func (s *Service) message(p *transfer.Process, msgType string) dispatcher.Message {
	payload := transfer.Message{
		ProcessID:        p.CorrelationID,
		SenderProcessID:  p.ID,
		ParticipantID:    s.cfg.ParticipantID,
		CallbackAddress:  s.cfg.CallbackAddress,
		ContractID:       p.ContractID,
		AssetID:          p.AssetID,
		BytesTransferred: p.BytesTransferred,
		PayloadDigest:    p.PayloadDigest,
	}
	if msgType == transfer.MsgTransferTermination {
		payload.Reason = p.ErrorDetail
	}
	return dispatcher.Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		ProcessID: p.ID,
		Address:   p.CounterPartyAddress,
		Path:      transfer.ProtocolPath,
		Headers:   p.TraceContext,
		Payload:   payload,
	}
}
