package transfer

// ProtocolPath is where counterparties accept transfer messages, relative to
// their protocol address.
const ProtocolPath = "protocol/transfers"

// Message is the payload of every transfer protocol message.
type Message struct {
	// ProcessID is the recipient's transfer id, empty on a transfer request.
	ProcessID          string       `json:"processId,omitempty"`
	SenderProcessID    string       `json:"senderProcessId"`
	ParticipantID      string       `json:"participantId,omitempty"`
	CallbackAddress    string       `json:"callbackAddress,omitempty"`
	ContractID         string       `json:"contractId,omitempty"`
	AssetID            string       `json:"assetId,omitempty"`
	DestinationAddress *DataAddress `json:"destinationAddress,omitempty"`
	BytesTransferred   int64        `json:"bytesTransferred,omitempty"`
	PayloadDigest      string       `json:"payloadDigest,omitempty"`
	Reason             string       `json:"reason,omitempty"`
}

// Reply is the synchronous answer to a protocol message.
type Reply struct {
	ProcessID string `json:"processId"`
}
