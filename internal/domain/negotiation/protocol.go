package negotiation

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/dataspace-hub/connector/internal/domain/entity"
)

// ProtocolPath is where counterparties accept negotiation messages, relative
// to their protocol address.
const ProtocolPath = "protocol/negotiations"

// Message is the payload of every negotiation protocol message.
type Message struct {
	// ProcessID is the recipient's negotiation id. It is empty on the message
	// that opens a negotiation.
	ProcessID       string          `json:"processId,omitempty"`
	SenderProcessID string          `json:"senderProcessId"`
	ParticipantID   string          `json:"participantId,omitempty"`
	CallbackAddress string          `json:"callbackAddress,omitempty"`
	OfferID         string          `json:"offerId,omitempty"`
	AssetID         string          `json:"assetId,omitempty"`
	Policy          json.RawMessage `json:"policy,omitempty"`
	AgreementID     string          `json:"agreementId,omitempty"`
	Reason          string          `json:"reason,omitempty"`
}

// Reply is the synchronous answer to a protocol message.
type Reply struct {
	ProcessID string `json:"processId"`
}

// NewOffered builds the consumer side of a negotiation a provider opened with
// an offer.
func NewOffered(req Request, now time.Time) (*ContractNegotiation, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.CorrelationID) == "" {
		return nil, entity.Invalid("correlationId is required")
	}
	return newNegotiation(TypeConsumer, req, StateOffered, now), nil
}
