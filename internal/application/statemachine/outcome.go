package statemachine

import (
	"context"
	"time"

	"github.com/dataspace-hub/connector/internal/application/dispatcher"
	"github.com/dataspace-hub/connector/internal/domain/command"
	"github.com/dataspace-hub/connector/internal/domain/entity"
)

type outcomeKind int

const (
	kindStay outcomeKind = iota
	kindAdvance
	kindRetry
	kindFail
	kindAwait
)

// Outcome tells the manager what a handler decided.
type Outcome struct {
	kind   outcomeKind
	state  int
	err    error
	reason string
	msg    dispatcher.Message
	reply  func(dispatcher.Response) error
}

// Advance persists the entity in state and releases it.
func Advance(state int) Outcome {
	return Outcome{kind: kindAdvance, state: state}
}

// Retry counts a failed attempt; the retry policy decides what happens next.
func Retry(err error) Outcome {
	return Outcome{kind: kindRetry, err: err}
}

// Fail moves the entity to the process error state without retrying.
func Fail(reason string) Outcome {
	return Outcome{kind: kindFail, reason: reason}
}

// Await sends msg and moves to next once the counterparty accepted it. The
// entity stays leased while the message is in flight.
func Await(msg dispatcher.Message, next int) Outcome {
	return Outcome{kind: kindAwait, msg: msg, state: next}
}

// Stay releases the entity unchanged.
func Stay() Outcome {
	return Outcome{kind: kindStay}
}

// OnReply registers fn to read the counterparty's answer before the entity
// moves on. It edits the same entity the handler received.
func (o Outcome) OnReply(fn func(dispatcher.Response) error) Outcome {
	o.reply = fn
	return o
}

// Handler processes one leased entity in the state it is registered for. It may
// mutate e; the manager persists e according to the returned Outcome.
type Handler[E entity.Record[E]] func(ctx context.Context, e E) Outcome

// Process describes one kind of long-running entity.
type Process[E entity.Record[E]] struct {
	Name     string
	Handlers map[int]Handler[E]
	// Filters restrict which entities a state's handler leases, for states
	// shared by roles that only one of them acts on.
	Filters    map[int][]entity.Criterion
	ErrorState int
	IsTerminal func(state int) bool
	// Transition validates and applies a state change. When nil the change is
	// applied without validation.
	Transition func(e E, to int, now time.Time) error
	// ApplyCommand mutates e for cmd or returns an error if cmd does not apply.
	ApplyCommand func(e E, cmd command.Command, now time.Time) error
	// StateName renders states in logs and events.
	StateName func(state int) string
}

func (p *Process[E]) transition(e E, to int, now time.Time) error {
	if p.Transition != nil {
		return p.Transition(e, to, now)
	}
	e.Meta().TransitionTo(to, now)
	return nil
}

func (p *Process[E]) stateName(state int) string {
	if p.StateName != nil {
		return p.StateName(state)
	}
	return ""
}
