package negotiation

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dataspace-hub/connector/internal/domain/entity"
)

// State is a contract negotiation state code.
type State int

const (
	StateInitial     State = 50
	StateRequesting  State = 100
	StateRequested   State = 200
	StateOffering    State = 300
	StateOffered     State = 400
	StateAccepting   State = 700
	StateAccepted    State = 800
	StateAgreeing    State = 825
	StateAgreed      State = 850
	StateVerifying   State = 1050
	StateVerified    State = 1100
	StateFinalizing  State = 1150
	StateFinalized   State = 1200
	StateTerminating State = 1300
	StateTerminated  State = 1400
	StateError       State = 1500
)

var stateNames = map[State]string{
	StateInitial:     "INITIAL",
	StateRequesting:  "REQUESTING",
	StateRequested:   "REQUESTED",
	StateOffering:    "OFFERING",
	StateOffered:     "OFFERED",
	StateAccepting:   "ACCEPTING",
	StateAccepted:    "ACCEPTED",
	StateAgreeing:    "AGREEING",
	StateAgreed:      "AGREED",
	StateVerifying:   "VERIFYING",
	StateVerified:    "VERIFIED",
	StateFinalizing:  "FINALIZING",
	StateFinalized:   "FINALIZED",
	StateTerminating: "TERMINATING",
	StateTerminated:  "TERMINATED",
	StateError:       "ERROR",
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
	case StateFinalized, StateTerminated, StateError:
		return true
	}
	return false
}

// Type is the side of the negotiation this connector plays.
type Type string

const (
	TypeConsumer Type = "CONSUMER"
	TypeProvider Type = "PROVIDER"
)

// Protocol message types exchanged with the counterparty.
const (
	MsgContractRequest       = "ContractRequestMessage"
	MsgContractOffer         = "ContractOfferMessage"
	MsgAgreementAccepted     = "ContractNegotiationEventMessage:accepted"
	MsgContractAgreement     = "ContractAgreementMessage"
	MsgAgreementVerification = "ContractAgreementVerificationMessage"
	MsgFinalized             = "ContractNegotiationEventMessage:finalized"
	MsgTermination           = "ContractNegotiationTerminationMessage"
)

var ErrInvalidTransition = errors.New("invalid negotiation state transition")

// ContractNegotiation is one negotiation with a counterparty.
type ContractNegotiation struct {
	entity.Entity
	Type                Type            `json:"type"`
	CounterPartyID      string          `json:"counterPartyId"`
	CounterPartyAddress string          `json:"counterPartyAddress"`
	Protocol            string          `json:"protocol"`
	CorrelationID       string          `json:"correlationId,omitempty"`
	OfferID             string          `json:"offerId"`
	AssetID             string          `json:"assetId"`
	Policy              json.RawMessage `json:"policy,omitempty"`
	AgreementID         string          `json:"agreementId,omitempty"`
}

// Store is the negotiation entity store.
type Store = entity.Store[*ContractNegotiation]

// Request carries what is needed to start a negotiation.
type Request struct {
	CounterPartyID      string          `json:"counterPartyId"`
	CounterPartyAddress string          `json:"counterPartyAddress"`
	Protocol            string          `json:"protocol"`
	OfferID             string          `json:"offerId"`
	AssetID             string          `json:"assetId"`
	Policy              json.RawMessage `json:"policy,omitempty"`
	CorrelationID       string          `json:"correlationId,omitempty"`
}

func (r Request) validate() error {
	if strings.TrimSpace(r.CounterPartyAddress) == "" {
		return entity.Invalid("counterPartyAddress is required")
	}
	if strings.TrimSpace(r.Protocol) == "" {
		return entity.Invalid("protocol is required")
	}
	if strings.TrimSpace(r.OfferID) == "" {
		return entity.Invalid("offerId is required")
	}
	return nil
}

// NewConsumer builds a consumer negotiation in INITIAL.
func NewConsumer(req Request, now time.Time) (*ContractNegotiation, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	return newNegotiation(TypeConsumer, req, StateInitial, now), nil
}

// NewProvider builds the provider side of a negotiation the counterparty
// requested. It starts in REQUESTED and must carry the peer's process id.
func NewProvider(req Request, now time.Time) (*ContractNegotiation, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.CorrelationID) == "" {
		return nil, entity.Invalid("correlationId is required")
	}
	return newNegotiation(TypeProvider, req, StateRequested, now), nil
}

func newNegotiation(t Type, req Request, state State, now time.Time) *ContractNegotiation {
	return &ContractNegotiation{
		Entity:              entity.New(uuid.New().String(), int(state), now),
		Type:                t,
		CounterPartyID:      req.CounterPartyID,
		CounterPartyAddress: req.CounterPartyAddress,
		Protocol:            req.Protocol,
		CorrelationID:       req.CorrelationID,
		OfferID:             req.OfferID,
		AssetID:             req.AssetID,
		Policy:              req.Policy,
	}
}

// Current returns the typed state.
func (n *ContractNegotiation) Current() State {
	return State(n.State)
}

// Clone returns a deep copy.
func (n *ContractNegotiation) Clone() *ContractNegotiation {
	out := *n
	out.Entity = n.Entity.Copy()
	if n.Policy != nil {
		out.Policy = append(json.RawMessage(nil), n.Policy...)
	}
	return &out
}

// CanTransitionTo validates a negotiation state transition.
func (n *ContractNegotiation) CanTransitionTo(target State) bool {
	current := n.Current()
	if IsTerminal(int(current)) {
		return false
	}
	switch target {
	case StateTerminating, StateTerminated, StateError:
		return true
	}
	transitions := map[State][]State{
		StateInitial:     {StateRequesting, StateOffering},
		StateRequesting:  {StateRequested},
		StateRequested:   {StateOffering, StateAgreeing, StateAgreed},
		StateOffering:    {StateOffered},
		StateOffered:     {StateRequesting, StateAccepting, StateAccepted},
		StateAccepting:   {StateAccepted},
		StateAccepted:    {StateAgreeing, StateAgreed},
		StateAgreeing:    {StateAgreed},
		StateAgreed:      {StateVerifying, StateVerified},
		StateVerifying:   {StateVerified},
		StateVerified:    {StateFinalizing, StateFinalized},
		StateFinalizing:  {StateFinalized},
		StateTerminating: {},
	}
	for _, s := range transitions[current] {
		if s == target {
			return true
		}
	}
	return false
}

// TransitionTo moves the negotiation to target if the transition table allows it.
func (n *ContractNegotiation) TransitionTo(target State, now time.Time) error {
	if !n.CanTransitionTo(target) {
		return ErrInvalidTransition
	}
	n.Entity.TransitionTo(int(target), now)
	return nil
}

// Terminate records reason and moves to TERMINATING.
func (n *ContractNegotiation) Terminate(reason string, now time.Time) error {
	if err := n.TransitionTo(StateTerminating, now); err != nil {
		return err
	}
	n.ErrorDetail = reason
	return nil
}

// Cancel stops the negotiation locally without notifying the counterparty.
func (n *ContractNegotiation) Cancel(reason string, now time.Time) error {
	if err := n.TransitionTo(StateTerminated, now); err != nil {
		return err
	}
	n.ErrorDetail = "cancelled: " + reason
	return nil
}
