// Package storetest holds the behaviour every entity.Store backend must share.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataspace-hub/connector/internal/domain/entity"
	"github.com/dataspace-hub/connector/internal/domain/negotiation"
)

// Clock is a manually advanced clock shared by a store and its test.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Factory returns an empty store reading time from clock.
type Factory func(t *testing.T, clock entity.Clock) negotiation.Store

// Options tunes the suite for slower backends.
type Options struct {
	// ConcurrencyRuns is how many times the two-owner leasing race is repeated.
	ConcurrencyRuns int
}

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// Sample builds a consumer negotiation with a fixed id, state and state timestamp.
func Sample(id string, state negotiation.State, at time.Time) *negotiation.ContractNegotiation {
	return &negotiation.ContractNegotiation{
		Entity:              entity.New(id, int(state), at),
		Type:                negotiation.TypeConsumer,
		CounterPartyID:      "provider-" + id,
		CounterPartyAddress: "http://provider.example/" + id,
		Protocol:            "dataspace-protocol-http",
		OfferID:             "offer-" + id,
		AssetID:             "asset-" + id,
		Policy:              json.RawMessage(`{"permission":[]}`),
	}
}

// Run executes the contract suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory, opts Options) {
	if opts.ConcurrencyRuns <= 0 {
		opts.ConcurrencyRuns = 100
	}
	setup := func(t *testing.T) (negotiation.Store, *Clock) {
		clock := NewClock(epoch)
		return newStore(t, clock.Now), clock
	}
	ctx := context.Background()

	t.Run("create and find", func(t *testing.T) {
		store, _ := setup(t)
		n := Sample("n1", negotiation.StateRequested, epoch)
		n.TraceContext["traceparent"] = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
		require.NoError(t, store.Create(ctx, n))

		got, err := store.Find(ctx, "n1")
		require.NoError(t, err)
		assert.Equal(t, "n1", got.ID)
		assert.Equal(t, negotiation.StateRequested, got.Current())
		assert.Equal(t, n.CounterPartyAddress, got.CounterPartyAddress)
		assert.Equal(t, n.TraceContext, got.TraceContext)
		assert.JSONEq(t, string(n.Policy), string(got.Policy))
		assert.Equal(t, epoch.UnixMilli(), got.StateTimestamp)

		got.CounterPartyAddress = "mutated"
		again, err := store.Find(ctx, "n1")
		require.NoError(t, err)
		assert.Equal(t, n.CounterPartyAddress, again.CounterPartyAddress)
	})

	t.Run("duplicate key", func(t *testing.T) {
		store, _ := setup(t)
		require.NoError(t, store.Create(ctx, Sample("dup", negotiation.StateInitial, epoch)))
		err := store.Create(ctx, Sample("dup", negotiation.StateInitial, epoch))
		assert.ErrorIs(t, err, entity.ErrDuplicateKey)
	})

	t.Run("invalid entity", func(t *testing.T) {
		store, _ := setup(t)
		err := store.Create(ctx, Sample("", negotiation.StateInitial, epoch))
		assert.ErrorIs(t, err, entity.ErrInvalid)
	})

	t.Run("not found", func(t *testing.T) {
		store, _ := setup(t)
		_, err := store.Find(ctx, "missing")
		assert.ErrorIs(t, err, entity.ErrNotFound)
		assert.ErrorIs(t, store.Delete(ctx, "missing"), entity.ErrNotFound)
		assert.ErrorIs(t, store.AcquireLease(ctx, "missing", "a", time.Minute), entity.ErrNotFound)
	})

	t.Run("next for state leases oldest first", func(t *testing.T) {
		store, _ := setup(t)
		offsets := map[string]time.Duration{"c": 3 * time.Second, "a": time.Second, "d": 4 * time.Second, "b": 2 * time.Second}
		for _, id := range []string{"c", "a", "d", "b"} {
			require.NoError(t, store.Create(ctx, Sample(id, negotiation.StateRequested, epoch.Add(offsets[id]))))
		}
		require.NoError(t, store.Create(ctx, Sample("other", negotiation.StateAgreed, epoch)))

		batch, err := store.NextForState(ctx, int(negotiation.StateRequested), 3, "owner-a", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, ids(batch))

		for _, id := range []string{"a", "b", "c"} {
			leased, err := store.IsLeasedBy(ctx, id, "owner-a")
			require.NoError(t, err)
			assert.True(t, leased, id)
		}

		rest, err := store.NextForState(ctx, int(negotiation.StateRequested), 3, "owner-b", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, []string{"d"}, ids(rest))
	})

	t.Run("next for state honours filter", func(t *testing.T) {
		store, _ := setup(t)
		consumer := Sample("consumer", negotiation.StateRequested, epoch)
		provider := Sample("provider", negotiation.StateRequested, epoch.Add(time.Second))
		provider.Type = negotiation.TypeProvider
		require.NoError(t, store.Create(ctx, consumer))
		require.NoError(t, store.Create(ctx, provider))

		batch, err := store.NextForState(ctx, int(negotiation.StateRequested), 5, "owner-a", time.Minute,
			entity.Where("type", entity.OpEqual, string(negotiation.TypeProvider)))
		require.NoError(t, err)
		assert.Equal(t, []string{"provider"}, ids(batch))

		leased, err := store.IsLeasedBy(ctx, "consumer", "owner-a")
		require.NoError(t, err)
		assert.False(t, leased)

		_, err = store.NextForState(ctx, int(negotiation.StateRequested), 5, "owner-a", time.Minute,
			entity.Where("bad field!", entity.OpEqual, "x"))
		assert.ErrorIs(t, err, entity.ErrInvalid)
	})

	t.Run("lease expiry recovery", func(t *testing.T) {
		store, clock := setup(t)
		require.NoError(t, store.Create(ctx, Sample("n1", negotiation.StateRequesting, epoch)))

		first, err := store.NextForState(ctx, int(negotiation.StateRequesting), 1, "crashed", 30*time.Second)
		require.NoError(t, err)
		require.Len(t, first, 1)

		none, err := store.NextForState(ctx, int(negotiation.StateRequesting), 1, "survivor", 30*time.Second)
		require.NoError(t, err)
		assert.Empty(t, none)

		clock.Advance(30 * time.Second)
		again, err := store.NextForState(ctx, int(negotiation.StateRequesting), 1, "survivor", 30*time.Second)
		require.NoError(t, err)
		assert.Equal(t, []string{"n1"}, ids(again))

		leased, err := store.IsLeasedBy(ctx, "n1", "crashed")
		require.NoError(t, err)
		assert.False(t, leased)
	})

	t.Run("update releases lease and is idempotent", func(t *testing.T) {
		store, _ := setup(t)
		require.NoError(t, store.Create(ctx, Sample("n1", negotiation.StateRequesting, epoch)))
		batch, err := store.NextForState(ctx, int(negotiation.StateRequesting), 1, "owner-a", time.Minute)
		require.NoError(t, err)
		require.Len(t, batch, 1)

		n := batch[0]
		require.NoError(t, n.TransitionTo(negotiation.StateRequested, epoch.Add(time.Second)))

		err = store.Update(ctx, n.Clone(), "owner-b")
		assert.ErrorIs(t, err, entity.ErrNotLeased)

		require.NoError(t, store.Update(ctx, n.Clone(), "owner-a"))
		require.NoError(t, store.Update(ctx, n.Clone(), "owner-a"))

		got, err := store.Find(ctx, "n1")
		require.NoError(t, err)
		assert.Equal(t, negotiation.StateRequested, got.Current())
		assert.Equal(t, 0, got.StateCount)

		leased, err := store.IsLeasedBy(ctx, "n1", "owner-a")
		require.NoError(t, err)
		assert.False(t, leased)

		next, err := store.NextForState(ctx, int(negotiation.StateRequested), 1, "owner-b", time.Minute)
		require.NoError(t, err)
		assert.Len(t, next, 1)
	})

	t.Run("update bumps version", func(t *testing.T) {
		store, _ := setup(t)
		n := Sample("n1", negotiation.StateInitial, epoch)
		require.NoError(t, store.Create(ctx, n))
		created, err := store.Find(ctx, "n1")
		require.NoError(t, err)

		require.NoError(t, store.Update(ctx, created.Clone(), "owner-a"))
		got, err := store.Find(ctx, "n1")
		require.NoError(t, err)
		assert.Greater(t, got.Version, created.Version)
	})

	t.Run("stale write after lease expiry is rejected", func(t *testing.T) {
		store, clock := setup(t)
		require.NoError(t, store.Create(ctx, Sample("n1", negotiation.StateRequesting, epoch)))
		first, err := store.NextForState(ctx, int(negotiation.StateRequesting), 1, "owner-a", 30*time.Second)
		require.NoError(t, err)
		require.Len(t, first, 1)
		stale := first[0]

		clock.Advance(31 * time.Second)
		second, err := store.NextForState(ctx, int(negotiation.StateRequesting), 1, "owner-b", 30*time.Second)
		require.NoError(t, err)
		require.Len(t, second, 1)
		fresh := second[0]
		require.NoError(t, fresh.TransitionTo(negotiation.StateRequested, clock.Now()))
		require.NoError(t, store.Update(ctx, fresh, "owner-b"))

		stale.RecordAttempt(clock.Now())
		assert.ErrorIs(t, store.Update(ctx, stale.Clone(), "owner-a"), entity.ErrNotLeased)
		assert.ErrorIs(t, store.Hold(ctx, stale.Clone(), "owner-a", time.Minute), entity.ErrNotLeased)

		got, err := store.Find(ctx, "n1")
		require.NoError(t, err)
		assert.Equal(t, negotiation.StateRequested, got.Current())
		assert.Equal(t, 0, got.StateCount)
		assert.Equal(t, fresh.Version, got.Version)
	})

	t.Run("repeated write keeps the version", func(t *testing.T) {
		store, _ := setup(t)
		require.NoError(t, store.Create(ctx, Sample("n1", negotiation.StateRequesting, epoch)))
		n, err := store.Find(ctx, "n1")
		require.NoError(t, err)
		require.NoError(t, n.TransitionTo(negotiation.StateRequested, epoch.Add(time.Second)))

		require.NoError(t, store.Update(ctx, n.Clone(), "owner-a"))
		written, err := store.Find(ctx, "n1")
		require.NoError(t, err)
		require.NoError(t, store.Update(ctx, n.Clone(), "owner-a"))
		again, err := store.Find(ctx, "n1")
		require.NoError(t, err)
		assert.Equal(t, written.Version, again.Version)
	})

	t.Run("hold keeps the lease", func(t *testing.T) {
		store, clock := setup(t)
		require.NoError(t, store.Create(ctx, Sample("n1", negotiation.StateRequesting, epoch)))
		batch, err := store.NextForState(ctx, int(negotiation.StateRequesting), 1, "owner-a", time.Second)
		require.NoError(t, err)
		require.Len(t, batch, 1)

		n := batch[0]
		n.RecordAttempt(clock.Now())
		require.NoError(t, store.Hold(ctx, n, "owner-a", time.Minute))

		clock.Advance(10 * time.Second)
		leased, err := store.IsLeasedBy(ctx, "n1", "owner-a")
		require.NoError(t, err)
		assert.True(t, leased)

		none, err := store.NextForState(ctx, int(negotiation.StateRequesting), 1, "owner-b", time.Minute)
		require.NoError(t, err)
		assert.Empty(t, none)
		assert.ErrorIs(t, store.Hold(ctx, n, "owner-b", time.Minute), entity.ErrNotLeased)

		got, err := store.Find(ctx, "n1")
		require.NoError(t, err)
		assert.Equal(t, 1, got.StateCount)

		clock.Advance(time.Minute)
		later, err := store.NextForState(ctx, int(negotiation.StateRequesting), 1, "owner-b", time.Minute)
		require.NoError(t, err)
		assert.Len(t, later, 1)
	})

	t.Run("acquire and release lease", func(t *testing.T) {
		store, clock := setup(t)
		require.NoError(t, store.Create(ctx, Sample("n1", negotiation.StateAgreed, epoch)))

		require.NoError(t, store.AcquireLease(ctx, "n1", "owner-a", time.Minute))
		require.NoError(t, store.AcquireLease(ctx, "n1", "owner-a", time.Minute))
		assert.ErrorIs(t, store.AcquireLease(ctx, "n1", "owner-b", time.Minute), entity.ErrNotLeased)
		assert.ErrorIs(t, store.ReleaseLease(ctx, "n1", "owner-b"), entity.ErrNotLeased)

		require.NoError(t, store.ReleaseLease(ctx, "n1", "owner-a"))
		require.NoError(t, store.AcquireLease(ctx, "n1", "owner-b", time.Minute))

		clock.Advance(2 * time.Minute)
		require.NoError(t, store.AcquireLease(ctx, "n1", "owner-a", time.Minute))
		leased, err := store.IsLeasedBy(ctx, "n1", "owner-b")
		require.NoError(t, err)
		assert.False(t, leased)
	})

	t.Run("delete", func(t *testing.T) {
		store, _ := setup(t)
		require.NoError(t, store.Create(ctx, Sample("n1", negotiation.StateAgreed, epoch)))
		require.NoError(t, store.AcquireLease(ctx, "n1", "owner-a", time.Minute))
		assert.ErrorIs(t, store.Delete(ctx, "n1"), entity.ErrNotLeased)

		require.NoError(t, store.ReleaseLease(ctx, "n1", "owner-a"))
		require.NoError(t, store.Delete(ctx, "n1"))
		_, err := store.Find(ctx, "n1")
		assert.ErrorIs(t, err, entity.ErrNotFound)
	})

	t.Run("query", func(t *testing.T) {
		store, _ := setup(t)
		for i := 0; i < 6; i++ {
			state := negotiation.StateRequested
			if i%2 == 1 {
				state = negotiation.StateAgreed
			}
			require.NoError(t, store.Create(ctx, Sample(fmt.Sprintf("q%d", i), state, epoch.Add(time.Duration(i)*time.Second))))
		}
		require.NoError(t, store.AcquireLease(ctx, "q0", "owner-a", time.Minute))

		all, err := store.Query(ctx, entity.QuerySpec{})
		require.NoError(t, err)
		assert.Equal(t, []string{"q0", "q1", "q2", "q3", "q4", "q5"}, ids(all))

		requested, err := store.Query(ctx, entity.QuerySpec{
			Criteria: []entity.Criterion{entity.Where("state", entity.OpEqual, int(negotiation.StateRequested))},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"q0", "q2", "q4"}, ids(requested))

		desc, err := store.Query(ctx, entity.QuerySpec{
			SortField: "stateTimestamp",
			SortOrder: entity.SortDesc,
			Offset:    1,
			Limit:     2,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"q4", "q3"}, ids(desc))

		in, err := store.Query(ctx, entity.QuerySpec{
			Criteria: []entity.Criterion{entity.Where("id", entity.OpIn, []any{"q1", "q5", "zz"})},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"q1", "q5"}, ids(in))

		like, err := store.Query(ctx, entity.QuerySpec{
			Criteria: []entity.Criterion{
				entity.Where("counterPartyAddress", entity.OpLike, "http://provider.example/q%"),
				entity.Where("stateTimestamp", entity.OpGreaterEqual, epoch.Add(3*time.Second).UnixMilli()),
			},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"q3", "q4", "q5"}, ids(like))

		byType, err := store.Query(ctx, entity.QuerySpec{
			Criteria: []entity.Criterion{
				entity.Where("type", entity.OpEqual, string(negotiation.TypeConsumer)),
				entity.Where("state", entity.OpNotEqual, int(negotiation.StateAgreed)),
			},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"q0", "q2", "q4"}, ids(byType))

		_, err = store.Query(ctx, entity.QuerySpec{
			Criteria: []entity.Criterion{entity.Where("id; DROP TABLE", entity.OpEqual, "x")},
		})
		assert.ErrorIs(t, err, entity.ErrInvalid)

		leased, err := store.IsLeasedBy(ctx, "q0", "owner-a")
		require.NoError(t, err)
		assert.True(t, leased)
	})

	t.Run("release expired leases", func(t *testing.T) {
		store, clock := setup(t)
		for _, id := range []string{"e1", "e2", "e3"} {
			require.NoError(t, store.Create(ctx, Sample(id, negotiation.StateRequesting, epoch)))
		}
		require.NoError(t, store.AcquireLease(ctx, "e1", "a", time.Second))
		require.NoError(t, store.AcquireLease(ctx, "e2", "a", time.Second))
		require.NoError(t, store.AcquireLease(ctx, "e3", "a", time.Hour))

		clock.Advance(time.Minute)
		n, err := store.ReleaseExpiredLeases(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = store.ReleaseExpiredLeases(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		leased, err := store.IsLeasedBy(ctx, "e3", "a")
		require.NoError(t, err)
		assert.True(t, leased)
	})

	t.Run("concurrent owners lease disjoint batches", func(t *testing.T) {
		store, _ := setup(t)
		var all []string
		for i := 0; i < 10; i++ {
			id := fmt.Sprintf("r%02d", i)
			all = append(all, id)
			require.NoError(t, store.Create(ctx, Sample(id, negotiation.StateRequested, epoch.Add(time.Duration(i)*time.Millisecond))))
		}

		for run := 0; run < opts.ConcurrencyRuns; run++ {
			var (
				wg      sync.WaitGroup
				batches [2][]*negotiation.ContractNegotiation
				errs    [2]error
			)
			for i, owner := range []string{"owner-a", "owner-b"} {
				wg.Add(1)
				go func(i int, owner string) {
					defer wg.Done()
					batches[i], errs[i] = store.NextForState(ctx, int(negotiation.StateRequested), 5, owner, time.Minute)
				}(i, owner)
			}
			wg.Wait()
			require.NoError(t, errs[0])
			require.NoError(t, errs[1])

			seen := map[string]string{}
			for i, owner := range []string{"owner-a", "owner-b"} {
				assert.LessOrEqual(t, len(batches[i]), 5)
				for _, n := range batches[i] {
					if prev, ok := seen[n.ID]; ok {
						t.Fatalf("run %d: %s leased by %s and %s", run, n.ID, prev, owner)
					}
					seen[n.ID] = owner
				}
			}
			require.Len(t, seen, 10, "run %d", run)

			for i, owner := range []string{"owner-a", "owner-b"} {
				for _, n := range batches[i] {
					require.NoError(t, store.ReleaseLease(ctx, n.ID, owner))
				}
			}
		}

		got, err := store.Query(ctx, entity.QuerySpec{Limit: 100})
		require.NoError(t, err)
		assert.Equal(t, all, ids(got))
	})
}

func ids(items []*negotiation.ContractNegotiation) []string {
	out := make([]string, 0, len(items))
	for _, n := range items {
		out = append(out, n.ID)
	}
	return out
}
