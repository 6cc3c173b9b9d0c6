package transfer

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dataspace-hub/connector/internal/domain/entity"
)

// State is a transfer process state code.
type State int

const (
	StateInitial      State = 100
	StateProvisioning State = 200
	StateProvisioned  State = 300
	StateRequesting   State = 400
	StateRequested    State = 500
	StateStarting     State = 550
	StateStarted      State = 600
	StateCompleting   State = 700
	StateCompleted    State = 800
	StateTerminating  State = 825
	StateTerminated   State = 850
	StateError        State = 900
)

var stateNames = map[State]string{
	StateInitial:      "INITIAL",
	StateProvisioning: "PROVISIONING",
	StateProvisioned:  "PROVISIONED",
	StateRequesting:   "REQUESTING",
	StateRequested:    "REQUESTED",
	StateStarting:     "STARTING",
	StateStarted:      "STARTED",
	StateCompleting:   "COMPLETING",
	StateCompleted:    "COMPLETED",
	StateTerminating:  "TERMINATING",
	StateTerminated:   "TERMINATED",
	StateError:        "ERROR",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseState maps a state name to its code.
func ParseState(name string) (State, bool) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for s, n := range stateNames {
		if n == name {
			return s, true
		}
	}
	return 0, false
}

// IsTerminal reports whether no further automatic processing happens in state.
func IsTerminal(state int) bool {
	switch State(state) {
	case StateCompleted, StateTerminated, StateError:
		return true
	}
	return false
}

// Type is the side of the transfer this connector plays.
type Type string

const (
	TypeConsumer Type = "CONSUMER"
	TypeProvider Type = "PROVIDER"
)

// Protocol message types exchanged with the counterparty.
const (
	MsgTransferRequest     = "TransferRequestMessage"
	MsgTransferStart       = "TransferStartMessage"
	MsgTransferCompletion  = "TransferCompletionMessage"
	MsgTransferTermination = "TransferTerminationMessage"
)

var ErrInvalidTransition = errors.New("invalid transfer state transition")

// Process is one data transfer executed under an agreed contract.
type Process struct {
	entity.Entity
	Type                 Type        `json:"type"`
	ContractID           string      `json:"contractId"`
	AssetID              string      `json:"assetId"`
	CounterPartyAddress  string      `json:"counterPartyAddress"`
	Protocol             string      `json:"protocol"`
	CorrelationID        string      `json:"correlationId,omitempty"`
	SourceAddress        DataAddress `json:"sourceAddress"`
	DestinationAddress   DataAddress `json:"destinationAddress"`
	ProvisionedResources []string    `json:"provisionedResources,omitempty"`
	BytesTransferred     int64       `json:"bytesTransferred"`
	PayloadDigest        string      `json:"payloadDigest,omitempty"`
}

// Store is the transfer entity store.
type Store = entity.Store[*Process]

// Request carries what is needed to start a transfer.
type Request struct {
	ContractID          string      `json:"contractId"`
	AssetID             string      `json:"assetId"`
	CounterPartyAddress string      `json:"counterPartyAddress"`
	Protocol            string      `json:"protocol"`
	CorrelationID       string      `json:"correlationId,omitempty"`
	DestinationAddress  DataAddress `json:"destinationAddress"`
}

func (r Request) validate() error {
	if strings.TrimSpace(r.ContractID) == "" {
		return entity.Invalid("contractId is required")
	}
	if strings.TrimSpace(r.CounterPartyAddress) == "" {
		return entity.Invalid("counterPartyAddress is required")
	}
	if strings.TrimSpace(r.Protocol) == "" {
		return entity.Invalid("protocol is required")
	}
	if strings.TrimSpace(r.DestinationAddress.Type) == "" {
		return entity.Invalid("destinationAddress.type is required")
	}
	return nil
}

// NewConsumer builds a consumer transfer in INITIAL.
func NewConsumer(req Request, now time.Time) (*Process, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	return newProcess(TypeConsumer, req, DataAddress{}, now), nil
}

// NewProvider builds the provider side of a transfer the counterparty requested.
func NewProvider(req Request, source DataAddress, now time.Time) (*Process, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.CorrelationID) == "" {
		return nil, entity.Invalid("correlationId is required")
	}
	if strings.TrimSpace(source.Type) == "" {
		return nil, entity.Invalid("sourceAddress.type is required")
	}
	return newProcess(TypeProvider, req, source, now), nil
}

func newProcess(t Type, req Request, source DataAddress, now time.Time) *Process {
	return &Process{
		Entity:              entity.New(uuid.New().String(), int(StateInitial), now),
		Type:                t,
		ContractID:          req.ContractID,
		AssetID:             req.AssetID,
		CounterPartyAddress: req.CounterPartyAddress,
		Protocol:            req.Protocol,
		CorrelationID:       req.CorrelationID,
		SourceAddress:       source.Copy(),
		DestinationAddress:  req.DestinationAddress.Copy(),
	}
}

// Current returns the typed state.
func (p *Process) Current() State {
	return State(p.State)
}

// Clone returns a deep copy.
func (p *Process) Clone() *Process {
	out := *p
	out.Entity = p.Entity.Copy()
	out.SourceAddress = p.SourceAddress.Copy()
	out.DestinationAddress = p.DestinationAddress.Copy()
	if p.ProvisionedResources != nil {
		out.ProvisionedResources = append([]string(nil), p.ProvisionedResources...)
	}
	return &out
}

// CanTransitionTo validates a transfer state transition.
func (p *Process) CanTransitionTo(target State) bool {
	current := p.Current()
	if IsTerminal(int(current)) {
		return false
	}
	switch target {
	case StateTerminating, StateTerminated, StateError:
		return true
	}
	transitions := map[State][]State{
		StateInitial:      {StateProvisioning},
		StateProvisioning: {StateProvisioned},
		StateProvisioned:  {StateRequesting, StateStarting},
		StateRequesting:   {StateRequested},
		StateRequested:    {StateStarted},
		StateStarting:     {StateStarted},
		StateStarted:      {StateCompleting, StateCompleted},
		StateCompleting:   {StateCompleted},
	}
	for _, s := range transitions[current] {
		if s == target {
			return true
		}
	}
	return false
}

// TransitionTo moves the process to target if the transition table allows it.
func (p *Process) TransitionTo(target State, now time.Time) error {
	if !p.CanTransitionTo(target) {
		return ErrInvalidTransition
	}
	p.Entity.TransitionTo(int(target), now)
	return nil
}

// Terminate records reason and moves to TERMINATING.
func (p *Process) Terminate(reason string, now time.Time) error {
	if err := p.TransitionTo(StateTerminating, now); err != nil {
		return err
	}
	p.ErrorDetail = reason
	return nil
}

// Cancel stops the transfer locally without notifying the counterparty.
func (p *Process) Cancel(reason string, now time.Time) error {
	if err := p.TransitionTo(StateTerminated, now); err != nil {
		return err
	}
	p.ErrorDetail = "cancelled: " + reason
	return nil
}

// Complete asks a started transfer to finish.
func (p *Process) Complete(now time.Time) error {
	if p.Current() != StateStarted {
		return ErrInvalidTransition
	}
	return p.TransitionTo(StateCompleting, now)
}

// RecordDelivery stores the pipeline outcome on the process.
func (p *Process) RecordDelivery(bytes int64, digest string) {
	p.BytesTransferred = bytes
	p.PayloadDigest = digest
}
