// Package sqlite stores entities in an embedded SQLite database. Writers are
// serialized by SQLite itself, so a single UPDATE ... RETURNING is enough to
// lease a batch atomically.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/dataspace-hub/connector/internal/domain/entity"
)

var tablePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Open opens the database at path with one connection, which is the only
// writer model SQLite supports without busy retries.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configure sqlite: %w", err)
		}
	}
	return db, nil
}

// Migrate creates table and its indexes if they do not exist.
func Migrate(ctx context.Context, db *sql.DB, table string) error {
	if !tablePattern.MatchString(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	_, err := db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS `+table+` (
		id TEXT PRIMARY KEY,
		state INTEGER NOT NULL,
		state_count INTEGER NOT NULL DEFAULT 0,
		state_timestamp INTEGER NOT NULL,
		error_detail TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		payload TEXT NOT NULL,
		lease_owner TEXT,
		lease_expires_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_`+table+`_state ON `+table+` (state, state_timestamp);`)
	if err != nil {
		return fmt.Errorf("migrate %s: %w", table, err)
	}
	return nil
}

// Store implements entity.Store on one SQLite table.
type Store[E entity.Record[E]] struct {
	db    *sql.DB
	table string
	clock entity.Clock
}

func NewStore[E entity.Record[E]](db *sql.DB, table string, clock entity.Clock) (*Store[E], error) {
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
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO `+s.table+`
		(id, state, state_count, state_timestamp, error_detail, version, created_at, updated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, meta.ID, meta.State, meta.StateCount, meta.StateTimestamp, meta.ErrorDetail, meta.Version, meta.CreatedAt, meta.UpdatedAt, string(payload))
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
	var leaseOwner, leaseExpires any
	if hold != nil {
		leaseOwner, leaseExpires = owner, now.Add(*hold).UnixMilli()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s: %w", meta.ID, err)
	}
	var version int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO `+s.table+`
		(id, state, state_count, state_timestamp, error_detail, version, created_at, updated_at, payload, lease_owner, lease_expires_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state=excluded.state, state_count=excluded.state_count, state_timestamp=excluded.state_timestamp,
			error_detail=excluded.error_detail, updated_at=excluded.updated_at,
			version=CASE WHEN `+s.table+`.version = ? THEN `+s.table+`.version+1 ELSE `+s.table+`.version END,
			payload=excluded.payload, lease_owner=excluded.lease_owner, lease_expires_at=excluded.lease_expires_at
		WHERE (`+s.table+`.lease_owner IS NULL OR `+s.table+`.lease_expires_at <= ? OR `+s.table+`.lease_owner = ?)
			AND (`+s.table+`.version = ? OR `+s.table+`.payload = excluded.payload)
		RETURNING version
	`, meta.ID, meta.State, meta.StateCount, meta.StateTimestamp, meta.ErrorDetail, meta.CreatedAt, meta.UpdatedAt, string(payload), leaseOwner, leaseExpires,
		meta.Version, now.UnixMilli(), owner, meta.Version).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.ErrNotLeased
	}
	if err != nil {
		return classify(err)
	}
	meta.Version = version
	return nil
}

func (s *Store[E]) Find(ctx context.Context, id string) (E, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload, version FROM `+s.table+` WHERE id = ?`, id)
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
	rows, err := s.db.QueryContext(ctx, query, args...)
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
	res, err := s.db.ExecContext(ctx, `
		UPDATE `+s.table+` SET lease_owner = ?, lease_expires_at = ?
		WHERE id = ? AND (lease_owner IS NULL OR lease_expires_at <= ? OR lease_owner = ?)
	`, owner, now.Add(d).UnixMilli(), id, now.UnixMilli(), owner)
	return s.affected(ctx, id, res, err)
}

func (s *Store[E]) IsLeasedBy(ctx context.Context, id, owner string) (bool, error) {
	var leaseOwner sql.NullString
	var leaseExpires sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT lease_owner, lease_expires_at FROM `+s.table+` WHERE id = ?`, id).Scan(&leaseOwner, &leaseExpires)
	if err != nil {
		return false, classify(err)
	}
	if !leaseOwner.Valid || !leaseExpires.Valid {
		return false, nil
	}
	lease := &entity.Lease{EntityID: id, Owner: leaseOwner.String, ExpiresAt: time.UnixMilli(leaseExpires.Int64)}
	return lease.HeldBy(owner, s.clock()), nil
}

func (s *Store[E]) ReleaseLease(ctx context.Context, id, owner string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE `+s.table+` SET lease_owner = NULL, lease_expires_at = NULL
		WHERE id = ? AND (lease_owner IS NULL OR lease_expires_at <= ? OR lease_owner = ?)
	`, id, s.clock().UnixMilli(), owner)
	return s.affected(ctx, id, res, err)
}

func (s *Store[E]) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM `+s.table+` WHERE id = ? AND (lease_owner IS NULL OR lease_expires_at <= ?)
	`, id, s.clock().UnixMilli())
	return s.affected(ctx, id, res, err)
}

func (s *Store[E]) Query(ctx context.Context, q entity.QuerySpec) ([]E, error) {
	query, args, err := buildQuery(s.table, q)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	return collect[E](rows)
}

func (s *Store[E]) ReleaseExpiredLeases(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE `+s.table+` SET lease_owner = NULL, lease_expires_at = NULL
		WHERE lease_owner IS NOT NULL AND lease_expires_at <= ?
	`, s.clock().UnixMilli())
	if err != nil {
		return 0, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify(err)
	}
	return int(n), nil
}

// affected turns a zero-row lease mutation into ErrNotFound or ErrNotLeased.
func (s *Store[E]) affected(ctx context.Context, id string, res sql.Result, err error) error {
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM `+s.table+` WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return classify(err)
	}
	if exists == 0 {
		return entity.ErrNotFound
	}
	return entity.ErrNotLeased
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity[E entity.Record[E]](row scanner) (E, error) {
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

func collect[E entity.Record[E]](rows *sql.Rows) ([]E, error) {
	defer func() { _ = rows.Close() }()
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

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return entity.ErrNotFound
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return entity.ErrDuplicateKey
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return entity.Transient(err)
}
