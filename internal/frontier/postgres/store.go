// Package postgres persists frontier records in Postgres.
//
// Expected schema:
//
//	CREATE TABLE crawl_jobs (
//		store       TEXT NOT NULL,
//		kind        TEXT NOT NULL,
//		created_at  TIMESTAMPTZ NOT NULL,
//		modified_at TIMESTAMPTZ NOT NULL,
//		record      JSONB NOT NULL,
//		PRIMARY KEY (store, kind)
//	);
//
// The queue/filter/cookie payload lives in one JSONB document; Update locks
// the row FOR UPDATE for the duration of the read-modify-write, which is the
// per-store serialization the frontier contract requires.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wantnot/catalog-crawler/internal/frontier"
)

type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store implements frontier.RecordStore on Postgres.
type Store struct {
	pool db
}

// NewStore connects a pool for the given DSN.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for
// testing).
func NewStoreWithPool(pool db) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Get returns the record for (store, kind).
func (s *Store) Get(ctx context.Context, store string, kind frontier.Kind) (frontier.Record, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT record FROM crawl_jobs WHERE store = $1 AND kind = $2`,
		store, string(kind)).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return frontier.Record{}, frontier.ErrNoJob
	}
	if err != nil {
		return frontier.Record{}, fmt.Errorf("get job record: %w", err)
	}
	var rec frontier.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return frontier.Record{}, fmt.Errorf("unmarshal job record: %w", err)
	}
	return rec, nil
}

// Create inserts the record; a conflicting row reports ErrAlreadyRunning.
func (s *Store) Create(ctx context.Context, rec frontier.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
INSERT INTO crawl_jobs (store, kind, created_at, modified_at, record)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (store, kind) DO NOTHING`,
		rec.Store, string(rec.Kind), rec.CreatedAt, rec.ModifiedAt, raw)
	if err != nil {
		return fmt.Errorf("insert job record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return frontier.ErrAlreadyRunning
	}
	return nil
}

// Update runs fn against the row under a FOR UPDATE lock.
func (s *Store) Update(ctx context.Context, store string, kind frontier.Kind, fn func(rec *frontier.Record) (bool, error)) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var raw []byte
	err = tx.QueryRow(ctx,
		`SELECT record FROM crawl_jobs WHERE store = $1 AND kind = $2 FOR UPDATE`,
		store, string(kind)).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return frontier.ErrNoJob
	}
	if err != nil {
		return fmt.Errorf("lock job record: %w", err)
	}

	var rec frontier.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("unmarshal job record: %w", err)
	}

	remove, err := fn(&rec)
	if err != nil {
		return err
	}

	if remove {
		if _, err := tx.Exec(ctx,
			`DELETE FROM crawl_jobs WHERE store = $1 AND kind = $2`,
			store, string(kind)); err != nil {
			return fmt.Errorf("delete job record: %w", err)
		}
	} else {
		rec.ModifiedAt = time.Now().UTC()
		raw, err = json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal job record: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE crawl_jobs SET record = $3, modified_at = $4 WHERE store = $1 AND kind = $2`,
			store, string(kind), raw, rec.ModifiedAt); err != nil {
			return fmt.Errorf("write job record: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit update: %w", err)
	}
	return nil
}

// Exists reports whether a record exists for (store, kind).
func (s *Store) Exists(ctx context.Context, store string, kind frontier.Kind) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM crawl_jobs WHERE store = $1 AND kind = $2`,
		store, string(kind)).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check job record: %w", err)
	}
	return true, nil
}
