// Package bolt stores entities in a single bbolt file for single-node
// deployments. Every lease decision runs inside one read-write transaction.
package bolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/dataspace-hub/connector/internal/domain/entity"
	"github.com/dataspace-hub/connector/internal/infrastructure/criteria"
)

// Open opens or creates the database file.
func Open(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}
	return db, nil
}

type record struct {
	Payload        json.RawMessage `json:"payload"`
	Version        int64           `json:"version"`
	LeaseOwner     string          `json:"leaseOwner,omitempty"`
	LeaseExpiresAt int64           `json:"leaseExpiresAt,omitempty"`
}

func (r *record) lease() *entity.Lease {
	if r.LeaseOwner == "" {
		return nil
	}
	return &entity.Lease{Owner: r.LeaseOwner, ExpiresAt: time.UnixMilli(r.LeaseExpiresAt)}
}

func (r *record) setLease(owner string, expires time.Time) {
	r.LeaseOwner, r.LeaseExpiresAt = owner, expires.UnixMilli()
}

func (r *record) clearLease() {
	r.LeaseOwner, r.LeaseExpiresAt = "", 0
}

// Store implements entity.Store on one bucket.
type Store[E entity.Record[E]] struct {
	db     *bolt.DB
	bucket []byte
	clock  entity.Clock
}

func NewStore[E entity.Record[E]](db *bolt.DB, bucket string, clock entity.Clock) (*Store[E], error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if clock == nil {
		clock = entity.SystemClock
	}
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return &Store[E]{db: db, bucket: []byte(bucket), clock: clock}, nil
}

func (s *Store[E]) Create(ctx context.Context, e E) error {
	meta := e.Meta()
	if err := meta.Validate(); err != nil {
		return err
	}
	return s.update(func(b *bolt.Bucket) error {
		if b.Get([]byte(meta.ID)) != nil {
			return entity.ErrDuplicateKey
		}
		meta.Version = 1
		return s.put(b, e, &record{})
	})
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
	return s.update(func(b *bolt.Bucket) error {
		rec, err := get(b, meta.ID)
		if errors.Is(err, entity.ErrNotFound) {
			rec, err = &record{}, nil
			meta.Version = 0
		}
		if err != nil {
			return err
		}
		if !rec.lease().Claimable(owner, now) {
			return entity.ErrNotLeased
		}
		if meta.Version != rec.Version {
			stored, err := decode[E](rec)
			if err != nil || !entity.SameContent(e, stored) {
				return entity.ErrNotLeased
			}
			meta.Version = rec.Version - 1
		}
		meta.Version++
		rec.clearLease()
		if hold != nil {
			rec.setLease(owner, now.Add(*hold))
		}
		return s.put(b, e, rec)
	})
}

func (s *Store[E]) Find(ctx context.Context, id string) (E, error) {
	var out E
	err := s.view(func(b *bolt.Bucket) error {
		rec, err := get(b, id)
		if err != nil {
			return err
		}
		out, err = decode[E](rec)
		return err
	})
	return out, err
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
	var out []E
	err = s.update(func(b *bolt.Bucket) error {
		type candidate struct {
			item E
			rec  *record
		}
		var candidates []candidate
		err := b.ForEach(func(k, v []byte) error {
			rec := &record{}
			if err := json.Unmarshal(v, rec); err != nil {
				return fmt.Errorf("decode record %s: %w", k, err)
			}
			if rec.lease().Active(now) {
				return nil
			}
			item, err := decode[E](rec)
			if err != nil {
				return err
			}
			if item.Meta().State != state {
				return nil
			}
			ok, err := m.MatchItem(item)
			if err != nil {
				return err
			}
			if ok {
				candidates = append(candidates, candidate{item: item, rec: rec})
			}
			return nil
		})
		if err != nil {
			return err
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
		for _, c := range candidates {
			c.rec.setLease(owner, now.Add(leaseDuration))
			if err := putRecord(b, c.item.Meta().ID, c.rec); err != nil {
				return err
			}
			out = append(out, c.item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store[E]) AcquireLease(ctx context.Context, id, owner string, d time.Duration) error {
	now := s.clock()
	return s.update(func(b *bolt.Bucket) error {
		rec, err := get(b, id)
		if err != nil {
			return err
		}
		if !rec.lease().Claimable(owner, now) {
			return entity.ErrNotLeased
		}
		rec.setLease(owner, now.Add(d))
		return putRecord(b, id, rec)
	})
}

func (s *Store[E]) IsLeasedBy(ctx context.Context, id, owner string) (bool, error) {
	var held bool
	err := s.view(func(b *bolt.Bucket) error {
		rec, err := get(b, id)
		if err != nil {
			return err
		}
		held = rec.lease().HeldBy(owner, s.clock())
		return nil
	})
	return held, err
}

func (s *Store[E]) ReleaseLease(ctx context.Context, id, owner string) error {
	now := s.clock()
	return s.update(func(b *bolt.Bucket) error {
		rec, err := get(b, id)
		if err != nil {
			return err
		}
		if !rec.lease().Claimable(owner, now) {
			return entity.ErrNotLeased
		}
		rec.clearLease()
		return putRecord(b, id, rec)
	})
}

func (s *Store[E]) Delete(ctx context.Context, id string) error {
	now := s.clock()
	return s.update(func(b *bolt.Bucket) error {
		rec, err := get(b, id)
		if err != nil {
			return err
		}
		if rec.lease().Active(now) {
			return entity.ErrNotLeased
		}
		return b.Delete([]byte(id))
	})
}

func (s *Store[E]) Query(ctx context.Context, q entity.QuerySpec) ([]E, error) {
	m, err := criteria.Compile(q)
	if err != nil {
		return nil, err
	}
	var items []E
	err = s.view(func(b *bolt.Bucket) error {
		return b.ForEach(func(k, v []byte) error {
			rec := &record{}
			if err := json.Unmarshal(v, rec); err != nil {
				return fmt.Errorf("decode record %s: %w", k, err)
			}
			item, err := decode[E](rec)
			if err != nil {
				return err
			}
			items = append(items, item)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return criteria.Apply(m, items)
}

func (s *Store[E]) ReleaseExpiredLeases(ctx context.Context) (int, error) {
	now := s.clock()
	n := 0
	err := s.update(func(b *bolt.Bucket) error {
		type expired struct {
			key []byte
			rec *record
		}
		var stale []expired
		err := b.ForEach(func(k, v []byte) error {
			rec := &record{}
			if err := json.Unmarshal(v, rec); err != nil {
				return fmt.Errorf("decode record %s: %w", k, err)
			}
			if rec.LeaseOwner != "" && !rec.lease().Active(now) {
				stale = append(stale, expired{key: append([]byte(nil), k...), rec: rec})
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, x := range stale {
			x.rec.clearLease()
			if err := putRecord(b, string(x.key), x.rec); err != nil {
				return err
			}
		}
		n = len(stale)
		return nil
	})
	return n, err
}

func (s *Store[E]) update(fn func(b *bolt.Bucket) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(s.bucket))
	})
}

func (s *Store[E]) view(fn func(b *bolt.Bucket) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(s.bucket))
	})
}

func (s *Store[E]) put(b *bolt.Bucket, e E, rec *record) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s: %w", e.Meta().ID, err)
	}
	rec.Payload = payload
	rec.Version = e.Meta().Version
	return putRecord(b, e.Meta().ID, rec)
}

func get(b *bolt.Bucket, id string) (*record, error) {
	v := b.Get([]byte(id))
	if v == nil {
		return nil, entity.ErrNotFound
	}
	rec := &record{}
	if err := json.Unmarshal(v, rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	return rec, nil
}

func putRecord(b *bolt.Bucket, id string, rec *record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", id, err)
	}
	return b.Put([]byte(id), data)
}

func decode[E entity.Record[E]](rec *record) (E, error) {
	var e E
	if err := json.Unmarshal(rec.Payload, &e); err != nil {
		return e, fmt.Errorf("decode entity: %w", err)
	}
	e.Meta().Version = rec.Version
	return e, nil
}
