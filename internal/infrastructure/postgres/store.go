package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dataspace-hub/connector/internal/domain/entity"
)

// Table names created by the embedded migrations.
const (
	NegotiationTable = "contract_negotiations"
	TransferTable    = "transfer_processes"
)

var tablePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Store implements entity.Store on one table. The full entity is kept as JSONB;
// core fields and the lease are mirrored in columns for leasing and filtering.
type Store[E entity.Record[E]] struct {
	db    DB
	table string
	clock entity.Clock
}

func NewStore[E entity.Record[E]](db DB, table string, clock entity.Clock) (*Store[E], error) {
	if !tablePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if clock == nil {
		clock = entity.SystemClock
	}
	return &Store[E]{db: db, table: table, clock: clock}, nil
}

func (s *Store[E]) Create(ctx context.Context, e E) error {
	meta := e.Meta()
	if err := meta.Validate(); err != nil {
		return err
	}
	meta.Version = 1
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s: %w", meta.ID, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO `+s.table+`
		(id, state, state_count, state_timestamp, error_detail, version, created_at, updated_at, payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, meta.ID, meta.State, meta.StateCount, meta.StateTimestamp, meta.ErrorDetail, meta.Version, meta.CreatedAt, meta.UpdatedAt, payload)
	return classify(err)
}

func (s *Store[E]) Update(ctx context.Context, e E, owner string) error {
	return s.write(ctx, e, owner, nil)
}

func (s *Store[E]) Hold(ctx context.Context, e E, owner string, d time.Duration) error {
	return s.write(ctx, e, owner, &d)
}

func (s *Store[E]) write(ctx context.Context, e E, owner string, hold *time.Duration) error {
	meta := e.Meta()
	if err := meta.Validate(); err != nil {
		return err
	}
	now := s.clock()
	var leaseOwner *string
	var leaseExpires *int64
	if hold != nil {
		exp := now.Add(*hold).UnixMilli()
		leaseOwner, leaseExpires = &owner, &exp
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s: %w", meta.ID, err)
	}
	var version int64
	err = s.db.QueryRow(ctx, `
		INSERT INTO `+s.table+` AS t
		(id, state, state_count, state_timestamp, error_detail, version, created_at, updated_at, payload, lease_owner, lease_expires_at)
		VALUES ($1,$2,$3,$4,$5,1,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
			state=EXCLUDED.state, state_count=EXCLUDED.state_count, state_timestamp=EXCLUDED.state_timestamp,
			error_detail=EXCLUDED.error_detail, updated_at=EXCLUDED.updated_at,
			version=CASE WHEN t.version = $13 THEN t.version+1 ELSE t.version END,
			payload=EXCLUDED.payload, lease_owner=EXCLUDED.lease_owner, lease_expires_at=EXCLUDED.lease_expires_at
		WHERE (t.lease_owner IS NULL OR t.lease_expires_at <= $11 OR t.lease_owner = $12)
			AND (t.version = $13 OR t.payload = EXCLUDED.payload)
		RETURNING version
	`, meta.ID, meta.State, meta.StateCount, meta.StateTimestamp, meta.ErrorDetail, meta.CreatedAt, meta.UpdatedAt, payload, leaseOwner, leaseExpires, now.UnixMilli(), owner, meta.Version).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return entity.ErrNotLeased
	}
	if err != nil {
		return classify(err)
	}
	meta.Version = version
	return nil
}

func (s *Store[E]) Find(ctx context.Context, id string) (E, error) {
	row := s.db.QueryRow(ctx, `SELECT payload, version FROM `+s.table+` WHERE id=$1`, id)
	return scanEntity[E](row)
}

func (s *Store[E]) NextForState(ctx context.Context, state, max int, owner string, leaseDuration time.Duration, filter ...entity.Criterion) ([]E, error) {
	if max <= 0 {
		return nil, nil
	}
	now := s.clock()
	query, args, err := buildNextForState(s.table, filter, owner, now.Add(leaseDuration).UnixMilli(), state, now.UnixMilli(), max)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	out, err := collect[E](rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Meta(), out[j].Meta()
		if a.StateTimestamp != b.StateTimestamp {
			return a.StateTimestamp < b.StateTimestamp
		}
		return a.ID < b.ID
	})
	return out, nil
}

func (s *Store[E]) AcquireLease(ctx context.Context, id, owner string, d time.Duration) error {
	now := s.clock()
	tag, err := s.db.Exec(ctx, `
		UPDATE `+s.table+` SET lease_owner=$2, lease_expires_at=$3
		WHERE id=$1 AND (lease_owner IS NULL OR lease_expires_at <= $4 OR lease_owner=$2)
	`, id, owner, now.Add(d).UnixMilli(), now.UnixMilli())
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrLeased(ctx, id)
	}
	return nil
}

func (s *Store[E]) IsLeasedBy(ctx context.Context, id, owner string) (bool, error) {
	var leaseOwner *string
	var leaseExpires *int64
	err := s.db.QueryRow(ctx, `SELECT lease_owner, lease_expires_at FROM `+s.table+` WHERE id=$1`, id).Scan(&leaseOwner, &leaseExpires)
	if err != nil {
		return false, classify(err)
	}
	if leaseOwner == nil || leaseExpires == nil {
		return false, nil
	}
	lease := &entity.Lease{EntityID: id, Owner: *leaseOwner, ExpiresAt: time.UnixMilli(*leaseExpires)}
	return lease.HeldBy(owner, s.clock()), nil
}

func (s *Store[E]) ReleaseLease(ctx context.Context, id, owner string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE `+s.table+` SET lease_owner=NULL, lease_expires_at=NULL
		WHERE id=$1 AND (lease_owner IS NULL OR lease_expires_at <= $3 OR lease_owner=$2)
	`, id, owner, s.clock().UnixMilli())
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrLeased(ctx, id)
	}
	return nil
}

func (s *Store[E]) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM `+s.table+`
		WHERE id=$1 AND (lease_owner IS NULL OR lease_expires_at <= $2)
	`, id, s.clock().UnixMilli())
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrLeased(ctx, id)
	}
	return nil
}

func (s *Store[E]) Query(ctx context.Context, q entity.QuerySpec) ([]E, error) {
	sql, args, err := buildQuery(s.table, q)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(err)
	}
	return collect[E](rows)
}

func (s *Store[E]) ReleaseExpiredLeases(ctx context.Context) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE `+s.table+` SET lease_owner=NULL, lease_expires_at=NULL
		WHERE lease_owner IS NOT NULL AND lease_expires_at <= $1
	`, s.clock().UnixMilli())
	if err != nil {
		return 0, classify(err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store[E]) missingOrLeased(ctx context.Context, id string) error {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+s.table+` WHERE id=$1)`, id).Scan(&exists)
	if err != nil {
		return classify(err)
	}
	if !exists {
		return entity.ErrNotFound
	}
	return entity.ErrNotLeased
}

func scanEntity[E entity.Record[E]](row pgx.Row) (E, error) {
	var (
		e       E
		payload []byte
		version int64
	)
	if err := row.Scan(&payload, &version); err != nil {
		return e, classify(err)
	}
	if err := json.Unmarshal(payload, &e); err != nil {
		return e, fmt.Errorf("decode entity: %w", err)
	}
	e.Meta().Version = version
	return e, nil
}

func collect[E entity.Record[E]](rows pgx.Rows) ([]E, error) {
	defer rows.Close()
	var out []E
	for rows.Next() {
		e, err := scanEntity[E](rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// classify maps driver errors onto the store error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return entity.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return entity.ErrDuplicateKey
		case "22P02", "42703", "42883":
			return fmt.Errorf("%w: %s", entity.ErrInvalid, pgErr.Message)
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return entity.Transient(err)
}
