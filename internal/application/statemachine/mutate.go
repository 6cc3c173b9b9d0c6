package statemachine

import (
	"context"
	"errors"
	"time"

	"github.com/dataspace-hub/connector/internal/domain/entity"
)

// Mutate applies fn to entity id under a lease held by owner for at most d and
// persists the result. It fails with entity.ErrNotLeased while a manager is
// working on the entity; callers outside the manager retry later.
func Mutate[E entity.Record[E]](ctx context.Context, store entity.Store[E], id, owner string, d time.Duration, fn func(E) error) (E, error) {
	var zero E
	if err := store.AcquireLease(ctx, id, owner, d); err != nil {
		return zero, err
	}
	e, err := store.Find(ctx, id)
	if err != nil {
		return zero, errors.Join(err, store.ReleaseLease(ctx, id, owner))
	}
	if err := fn(e); err != nil {
		if rerr := store.ReleaseLease(ctx, id, owner); rerr != nil {
			return zero, errors.Join(err, rerr)
		}
		return zero, err
	}
	if err := store.Update(ctx, e, owner); err != nil {
		return zero, err
	}
	return e, nil
}
