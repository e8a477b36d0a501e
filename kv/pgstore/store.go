// Package pgstore implements kv.Store directly on PostgreSQL through pgx.
// Schema changes are shipped as embedded goose migrations.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/authgate/kv"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Querier is the subset of *pgxpool.Pool the store needs. pgxmock pools
// satisfy it in tests.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	getSQL = `SELECT v FROM authgate_kv WHERE k=$1 AND (expires_at IS NULL OR expires_at > now())`

	putSQL = `
INSERT INTO authgate_kv (k, v, expires_at, updated_at)
VALUES ($1,$2,$3,now())
ON CONFLICT (k)
DO UPDATE SET v=EXCLUDED.v, expires_at=EXCLUDED.expires_at, updated_at=now()`

	deleteSQL = `DELETE FROM authgate_kv WHERE k=$1`

	// an expired row is taken over as if absent
	createSQL = `
INSERT INTO authgate_kv (k, v, expires_at, updated_at)
VALUES ($1,$2,$3,now())
ON CONFLICT (k)
DO UPDATE SET v=EXCLUDED.v, expires_at=EXCLUDED.expires_at, updated_at=now()
WHERE authgate_kv.expires_at IS NOT NULL AND authgate_kv.expires_at <= now()`

	swapSQL = `
UPDATE authgate_kv SET v=$3, expires_at=$4, updated_at=now()
WHERE k=$1 AND v=$2 AND (expires_at IS NULL OR expires_at > now())`

	purgeSQL = `DELETE FROM authgate_kv WHERE expires_at IS NOT NULL AND expires_at <= now()`
)

// Store is a kv.Store over a pgx connection pool.
type Store struct {
	pool Querier
	now  func() time.Time
}

// Connect opens a pgx pool for dsn and returns a Store over it.
func Connect(ctx context.Context, dsn string) (*Store, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return New(pool), pool, nil
}

// New returns a Store using q for all statements.
func New(q Querier) *Store {
	return &Store{pool: q, now: time.Now}
}

func (s *Store) expiry(ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return s.now().Add(ttl).UTC()
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.pool.QueryRow(ctx, getSQL, key).Scan(&v)
	switch {
	case err == nil:
		return v, nil
	case errors.Is(err, pgx.ErrNoRows):
		return nil, kv.ErrNotFound
	default:
		return nil, unavailable(err)
	}
}

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if _, err := s.pool.Exec(ctx, putSQL, key, value, s.expiry(ttl)); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, deleteSQL, key); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error) {
	var (
		tag pgconn.CommandTag
		err error
	)
	if prev == nil {
		tag, err = s.pool.Exec(ctx, createSQL, key, next, s.expiry(ttl))
	} else {
		tag, err = s.pool.Exec(ctx, swapSQL, key, prev, next, s.expiry(ttl))
	}
	if err != nil {
		return false, unavailable(err)
	}
	return tag.RowsAffected() == 1, nil
}

// PurgeExpired removes rows whose TTL elapsed.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, purgeSQL)
	if err != nil {
		return 0, unavailable(err)
	}
	return tag.RowsAffected(), nil
}

// Migrate applies the embedded schema migrations to db.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func unavailable(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", kv.ErrUnavailable, err)
}
