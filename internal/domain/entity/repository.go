package entity

import (
	"context"
	"time"
)

// Store persists one kind of process entity and arbitrates leases on it.
//
// Every mutating call is atomic per entity. NextForState is atomic across
// callers: two owners calling it concurrently never receive the same entity.
type Store[E Record[E]] interface {
	// Create persists a new entity without a lease. ErrDuplicateKey if the id exists.
	Create(ctx context.Context, e E) error
	// Update upserts e and releases any lease. It fails with ErrNotLeased only
	// when another owner holds an unexpired lease.
	Update(ctx context.Context, e E, owner string) error
	// Hold persists e and sets the owner's lease to expire after d.
	Hold(ctx context.Context, e E, owner string, d time.Duration) error
	// Find returns the entity or ErrNotFound. It does not lease.
	Find(ctx context.Context, id string) (E, error)
	// NextForState leases up to max unleased entities in state that match
	// every filter criterion, oldest StateTimestamp first.
	NextForState(ctx context.Context, state, max int, owner string, leaseDuration time.Duration, filter ...Criterion) ([]E, error)
	AcquireLease(ctx context.Context, id, owner string, d time.Duration) error
	IsLeasedBy(ctx context.Context, id, owner string) (bool, error)
	ReleaseLease(ctx context.Context, id, owner string) error
	// Delete removes the entity. ErrNotFound if absent.
	Delete(ctx context.Context, id string) error
	// Query never leases.
	Query(ctx context.Context, q QuerySpec) ([]E, error)
	// ReleaseExpiredLeases clears stale lease rows and reports how many it cleared.
	ReleaseExpiredLeases(ctx context.Context) (int, error)
}
