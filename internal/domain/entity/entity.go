package entity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound     = errors.New("entity not found")
	ErrDuplicateKey = errors.New("entity already exists")
	// ErrNotLeased is also returned for writes carrying a stale Version.
	ErrNotLeased = errors.New("entity is leased by another owner")
	ErrTransient = errors.New("transient store failure")
	ErrInvalid   = errors.New("invalid entity")
)

// Transient marks err as a retryable infrastructure failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Invalid reports a missing or malformed mandatory field.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Clock returns the current time. Stores and managers take one so tests can move time.
type Clock func() time.Time

// SystemClock is the wall clock in UTC.
func SystemClock() time.Time { return time.Now().UTC() }

// Entity is the persisted part shared by every long-running process.
type Entity struct {
	ID    string `json:"id"`
	State int    `json:"state"`
	// StateCount restarts on every transition except Fail, which keeps the
	// attempts spent in the failed state on purpose.
	StateCount     int               `json:"stateCount"`
	StateTimestamp int64             `json:"stateTimestamp"`
	ErrorDetail    string            `json:"errorDetail,omitempty"`
	TraceContext   map[string]string `json:"traceContext,omitempty"`
	// Version is the optimistic concurrency token. Stores accept a write only
	// when it matches the persisted version.
	Version   int64 `json:"version"`
	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

// Record is implemented by every process type the engine drives. E is the
// pointer type itself, so Clone returns an independent copy.
type Record[E any] interface {
	Meta() *Entity
	Clone() E
}

// New returns an entity in its initial state.
func New(id string, state int, now time.Time) Entity {
	ms := now.UnixMilli()
	return Entity{
		ID:             id,
		State:          state,
		StateTimestamp: ms,
		TraceContext:   map[string]string{},
		CreatedAt:      ms,
		UpdatedAt:      ms,
	}
}

// Meta gives generic code access to the embedded entity.
func (e *Entity) Meta() *Entity { return e }

// Validate checks the fields every store relies on.
func (e *Entity) Validate() error {
	if e.ID == "" {
		return Invalid("id is required")
	}
	if e.State < 0 {
		return Invalid("state must not be negative")
	}
	return nil
}

// TransitionTo moves to state. The retry counter restarts on a real state change.
func (e *Entity) TransitionTo(state int, now time.Time) {
	if state != e.State {
		e.StateCount = 0
	}
	e.State = state
	e.StateTimestamp = now.UnixMilli()
	e.UpdatedAt = e.StateTimestamp
}

// RecordAttempt counts one more failed attempt in the current state.
func (e *Entity) RecordAttempt(now time.Time) {
	e.StateCount++
	e.StateTimestamp = now.UnixMilli()
	e.UpdatedAt = e.StateTimestamp
}

// Fail moves to a terminal error state. StateCount keeps the number of attempts
// spent in the state that failed.
func (e *Entity) Fail(errorState int, detail string, now time.Time) {
	e.State = errorState
	e.ErrorDetail = detail
	e.StateTimestamp = now.UnixMilli()
	e.UpdatedAt = e.StateTimestamp
}

// SameContent reports whether a and b serialize identically apart from
// Version. Stores use it to accept a repeated write of an already persisted
// entity as a no-op.
func SameContent[E Record[E]](a, b E) bool {
	x, y := a.Clone(), b.Clone()
	x.Meta().Version, y.Meta().Version = 0, 0
	rx, err := json.Marshal(x)
	if err != nil {
		return false
	}
	ry, err := json.Marshal(y)
	if err != nil {
		return false
	}
	return bytes.Equal(rx, ry)
}

// Copy returns a deep copy.
func (e Entity) Copy() Entity {
	out := e
	if e.TraceContext != nil {
		out.TraceContext = make(map[string]string, len(e.TraceContext))
		for k, v := range e.TraceContext {
			out.TraceContext[k] = v
		}
	}
	return out
}

// Lease is an ownership-tagged, time-bounded claim on one entity.
type Lease struct {
	EntityID  string
	Owner     string
	ExpiresAt time.Time
}

// Active reports whether the lease still excludes other owners.
func (l *Lease) Active(now time.Time) bool {
	return l != nil && l.Owner != "" && now.Before(l.ExpiresAt)
}

// HeldBy reports whether owner holds an unexpired lease.
func (l *Lease) HeldBy(owner string, now time.Time) bool {
	return l.Active(now) && l.Owner == owner
}

// Claimable reports whether owner may take or reuse the lease.
func (l *Lease) Claimable(owner string, now time.Time) bool {
	return !l.Active(now) || l.Owner == owner
}
