package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/dataspace-hub/connector/internal/domain/entity"
	"github.com/dataspace-hub/connector/internal/domain/entity/storetest"
	"github.com/dataspace-hub/connector/internal/domain/negotiation"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T, clock entity.Clock) negotiation.Store {
		return NewStore[*negotiation.ContractNegotiation](WithClock(clock))
	}, storetest.Options{})
}

func TestNextForState_LeaseProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	seed := func(n int) *Store[*negotiation.ContractNegotiation] {
		clock := storetest.NewClock(start.Add(time.Hour))
		store := NewStore[*negotiation.ContractNegotiation](WithClock(clock.Now))
		for i := 0; i < n; i++ {
			at := start.Add(time.Duration(n-i) * time.Second)
			_ = store.Create(context.Background(), storetest.Sample(fmt.Sprintf("n%02d", i), negotiation.StateRequested, at))
		}
		return store
	}

	properties.Property("owners never share a leased entity", prop.ForAll(
		func(n, a, b int) bool {
			ctx := context.Background()
			store := seed(n)
			first, err := store.NextForState(ctx, int(negotiation.StateRequested), a, "owner-a", time.Minute)
			if err != nil {
				return false
			}
			second, err := store.NextForState(ctx, int(negotiation.StateRequested), b, "owner-b", time.Minute)
			if err != nil {
				return false
			}
			if len(first) != min(a, n) || len(second) != min(b, n-len(first)) {
				return false
			}
			seen := make(map[string]bool, n)
			for _, e := range append(first, second...) {
				if seen[e.ID] {
					return false
				}
				seen[e.ID] = true
			}
			return true
		},
		gen.IntRange(0, 30),
		gen.IntRange(1, 10),
		gen.IntRange(1, 10),
	))

	properties.Property("oldest entities are leased first", prop.ForAll(
		func(n, a int) bool {
			leased, err := seed(n).NextForState(context.Background(), int(negotiation.StateRequested), a, "owner-a", time.Minute)
			if err != nil {
				return false
			}
			for i := 1; i < len(leased); i++ {
				if leased[i-1].StateTimestamp > leased[i].StateTimestamp {
					return false
				}
			}
			// seeded ids grow as state timestamps shrink
			return len(leased) == 0 || leased[0].ID == fmt.Sprintf("n%02d", n-1)
		},
		gen.IntRange(0, 30),
		gen.IntRange(1, 10),
	))

	properties.TestingRun(t)
}
