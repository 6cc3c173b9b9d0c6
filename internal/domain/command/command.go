package command

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dataspace-hub/connector/internal/domain/entity"
)

// Type of an out-of-band instruction.
type Type string

const (
	// TypeCancel stops a process locally without notifying the counterparty.
	TypeCancel Type = "CANCEL"
	// TypeTerminate moves a process to TERMINATING so the peer is notified.
	TypeTerminate Type = "TERMINATE"
	// TypeComplete finishes a started transfer.
	TypeComplete Type = "COMPLETE"
)

// Command is an instruction applied by the state machine before it processes states.
type Command struct {
	ID        string `json:"id"`
	Type      Type   `json:"type"`
	EntityID  string `json:"entityId"`
	Reason    string `json:"reason,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

// New validates and builds a command.
func New(t Type, entityID, reason string, now time.Time) (Command, error) {
	switch Type(strings.ToUpper(string(t))) {
	case TypeCancel, TypeTerminate, TypeComplete:
		t = Type(strings.ToUpper(string(t)))
	default:
		return Command{}, entity.Invalid("unknown command type %q", t)
	}
	if strings.TrimSpace(entityID) == "" {
		return Command{}, entity.Invalid("entityId is required")
	}
	return Command{
		ID:        uuid.New().String(),
		Type:      t,
		EntityID:  entityID,
		Reason:    reason,
		CreatedAt: now.UnixMilli(),
	}, nil
}

// Queue buffers commands until the owning state machine drains them.
type Queue interface {
	// Enqueue never blocks on the consumer.
	Enqueue(ctx context.Context, cmd Command) error
	// Drain returns and removes every queued command in arrival order.
	Drain(ctx context.Context) ([]Command, error)
}
