// Package postgres persists search documents in a Postgres full-text table.
//
// Expected schema:
//
//	CREATE TABLE search_documents (
//		id           TEXT PRIMARY KEY,
//		store        TEXT NOT NULL,
//		sku          TEXT NOT NULL,
//		title        TEXT NOT NULL,
//		url          TEXT NOT NULL,
//		image_url    TEXT NOT NULL DEFAULT '',
//		categories   BIGINT[],
//		added        BIGINT NOT NULL,
//		checked      BIGINT NOT NULL,
//		currency     TEXT,
//		amount_minor BIGINT,
//		history      TEXT[],
//		removed      BOOLEAN NOT NULL DEFAULT FALSE,
//		tsv          TSVECTOR GENERATED ALWAYS AS (to_tsvector('english', title)) STORED
//	);
//	CREATE INDEX search_documents_tsv_idx ON search_documents USING GIN (tsv);
//
// The ranking/faceting engine reading this table is a separate system; this
// package only feeds it.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wantnot/catalog-crawler/internal/index"
)

type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Close()
}

// Index implements index.Index on Postgres.
type Index struct {
	pool db
}

// NewIndex connects a pool for the given DSN.
func NewIndex(ctx context.Context, dsn string) (*Index, error) {
	if dsn == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Index{pool: pool}, nil
}

// NewIndexWithPool constructs an Index from an existing pool (primarily for
// testing).
func NewIndexWithPool(pool db) (*Index, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Index{pool: pool}, nil
}

// Close releases the pool.
func (i *Index) Close() error {
	if i != nil && i.pool != nil {
		i.pool.Close()
	}
	return nil
}

// Upsert writes documents in one batch, last write winning per id.
func (i *Index) Upsert(ctx context.Context, docs []index.Document) error {
	if len(docs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, doc := range docs {
		batch.Queue(`
INSERT INTO search_documents
	(id, store, sku, title, url, image_url, categories, added, checked, currency, amount_minor, history, removed)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (id) DO UPDATE SET
	title = EXCLUDED.title,
	url = EXCLUDED.url,
	image_url = EXCLUDED.image_url,
	categories = EXCLUDED.categories,
	added = EXCLUDED.added,
	checked = EXCLUDED.checked,
	currency = EXCLUDED.currency,
	amount_minor = EXCLUDED.amount_minor,
	history = EXCLUDED.history,
	removed = EXCLUDED.removed`,
			doc.ID, doc.Store, doc.SKU, doc.Title, doc.URL, doc.ImageURL,
			doc.Categories, doc.AddedUnix, doc.CheckedUnix,
			doc.Currency, doc.AmountMinor, doc.History, doc.Removed)
	}
	results := i.pool.SendBatch(ctx, batch)
	defer func() { _ = results.Close() }()
	for range docs {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upsert document: %w", err)
		}
	}
	return nil
}

// Delete retracts documents by id.
func (i *Index) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := i.pool.Exec(ctx,
		`DELETE FROM search_documents WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete documents: %w", err)
	}
	return nil
}
