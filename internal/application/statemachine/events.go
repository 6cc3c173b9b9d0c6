package statemachine

import "time"

// EventKind classifies what happened to an entity.
type EventKind string

const (
	EventTransition     EventKind = "transition"
	EventRetry          EventKind = "retry"
	EventCommandApplied EventKind = "command_applied"
	EventCommandDropped EventKind = "command_dropped"
	// EventCommandDeferred is published when a command waits for another
	// owner to release the entity.
	EventCommandDeferred EventKind = "command_deferred"
)

// Event is published to listeners after it has been persisted.
type Event struct {
	Kind       EventKind `json:"kind"`
	Process    string    `json:"process"`
	EntityID   string    `json:"entityId"`
	From       int       `json:"from"`
	To         int       `json:"to"`
	FromName   string    `json:"fromName,omitempty"`
	ToName     string    `json:"toName,omitempty"`
	StateCount int       `json:"stateCount"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// Listener observes events. Notify is called synchronously and must not block.
type Listener interface {
	Notify(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

func (f ListenerFunc) Notify(ev Event) { f(ev) }
