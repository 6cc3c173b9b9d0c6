// Package memory keeps entities and commands in process. It implements real
// leases so a single replica behaves like a shared deployment.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dataspace-hub/connector/internal/domain/entity"
	"github.com/dataspace-hub/connector/internal/infrastructure/criteria"
)

type row[E entity.Record[E]] struct {
	item  E
	lease *entity.Lease
}

// Store implements entity.Store in memory.
type Store[E entity.Record[E]] struct {
	mu    sync.Mutex
	rows  map[string]*row[E]
	clock entity.Clock
}

// Option configures a Store.
type Option func(*config)

type config struct {
	clock entity.Clock
}

// WithClock replaces the wall clock used for lease expiry.
func WithClock(c entity.Clock) Option {
	return func(cfg *config) { cfg.clock = c }
}

func NewStore[E entity.Record[E]](opts ...Option) *Store[E] {
	cfg := config{clock: entity.SystemClock}
	for _, o := range opts {
		o(&cfg)
	}
	return &Store[E]{rows: make(map[string]*row[E]), clock: cfg.clock}
}

func (s *Store[E]) Create(ctx context.Context, e E) error {
	meta := e.Meta()
	if err := meta.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[meta.ID]; ok {
		return entity.ErrDuplicateKey
	}
	meta.Version = 1
	s.rows[meta.ID] = &row[E]{item: e.Clone()}
	return nil
}

func (s *Store[E]) Update(ctx context.Context, e E, owner string) error {
	return s.write(e, owner, nil)
}

func (s *Store[E]) Hold(ctx context.Context, e E, owner string, d time.Duration) error {
	return s.write(e, owner, &d)
}

func (s *Store[E]) write(e E, owner string, hold *time.Duration) error {
	meta := e.Meta()
	if err := meta.Validate(); err != nil {
		return err
	}
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[meta.ID]
	switch {
	case !ok:
		r = &row[E]{}
		s.rows[meta.ID] = r
		meta.Version = 1
		r.item = e.Clone()
	case !r.lease.Claimable(owner, now):
		return entity.ErrNotLeased
	case meta.Version == r.item.Meta().Version:
		meta.Version++
		r.item = e.Clone()
	case entity.SameContent(e, r.item):
		meta.Version = r.item.Meta().Version
	default:
		return entity.ErrNotLeased
	}
	r.lease = nil
	if hold != nil {
		r.lease = &entity.Lease{EntityID: meta.ID, Owner: owner, ExpiresAt: now.Add(*hold)}
	}
	return nil
}

func (s *Store[E]) Find(ctx context.Context, id string) (E, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		var zero E
		return zero, entity.ErrNotFound
	}
	return r.item.Clone(), nil
}

func (s *Store[E]) NextForState(ctx context.Context, state, max int, owner string, leaseDuration time.Duration, filter ...entity.Criterion) ([]E, error) {
	if max <= 0 {
		return nil, nil
	}
	m, err := criteria.Compile(entity.QuerySpec{Criteria: filter})
	if err != nil {
		return nil, err
	}
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*row[E]
	for _, r := range s.rows {
		if r.item.Meta().State != state || r.lease.Active(now) {
			continue
		}
		ok, err := m.MatchItem(r.item)
		if err != nil {
			return nil, err
		}
		if ok {
			candidates = append(candidates, r)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].item.Meta(), candidates[j].item.Meta()
		if a.StateTimestamp != b.StateTimestamp {
			return a.StateTimestamp < b.StateTimestamp
		}
		return a.ID < b.ID
	})
	if len(candidates) > max {
		candidates = candidates[:max]
	}
	out := make([]E, 0, len(candidates))
	for _, r := range candidates {
		r.lease = &entity.Lease{EntityID: r.item.Meta().ID, Owner: owner, ExpiresAt: now.Add(leaseDuration)}
		out = append(out, r.item.Clone())
	}
	return out, nil
}

func (s *Store[E]) AcquireLease(ctx context.Context, id, owner string, d time.Duration) error {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return entity.ErrNotFound
	}
	if !r.lease.Claimable(owner, now) {
		return entity.ErrNotLeased
	}
	r.lease = &entity.Lease{EntityID: id, Owner: owner, ExpiresAt: now.Add(d)}
	return nil
}

func (s *Store[E]) IsLeasedBy(ctx context.Context, id, owner string) (bool, error) {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return false, entity.ErrNotFound
	}
	return r.lease.HeldBy(owner, now), nil
}

func (s *Store[E]) ReleaseLease(ctx context.Context, id, owner string) error {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return entity.ErrNotFound
	}
	if !r.lease.Claimable(owner, now) {
		return entity.ErrNotLeased
	}
	r.lease = nil
	return nil
}

func (s *Store[E]) Delete(ctx context.Context, id string) error {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return entity.ErrNotFound
	}
	if r.lease.Active(now) {
		return entity.ErrNotLeased
	}
	delete(s.rows, id)
	return nil
}

func (s *Store[E]) Query(ctx context.Context, q entity.QuerySpec) ([]E, error) {
	m, err := criteria.Compile(q)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	items := make([]E, 0, len(s.rows))
	for _, r := range s.rows {
		items = append(items, r.item.Clone())
	}
	s.mu.Unlock()
	return criteria.Apply(m, items)
}

func (s *Store[E]) ReleaseExpiredLeases(ctx context.Context) (int, error) {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.rows {
		if r.lease != nil && !r.lease.Active(now) {
			r.lease = nil
			n++
		}
	}
	return n, nil
}
