// Package postgres provides the pgx-backed catalog store.
//
// Expected schema:
//
//	CREATE TABLE items (
//		store           TEXT NOT NULL,
//		sku             TEXT NOT NULL,
//		url             TEXT NOT NULL,
//		title           TEXT NOT NULL,
//		image_url       TEXT NOT NULL DEFAULT '',
//		category_id     BIGINT,
//		custom          JSONB,
//		added_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//		last_checked_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//		removed_at      TIMESTAMPTZ,
//		PRIMARY KEY (store, sku)
//	);
//	CREATE INDEX items_url_idx ON items (store, url);
//
//	CREATE TABLE prices (
//		store        TEXT NOT NULL,
//		sku          TEXT NOT NULL,
//		ts           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//		currency     TEXT NOT NULL,
//		amount_minor BIGINT NOT NULL
//	);
//	CREATE INDEX prices_item_idx ON prices (store, sku, ts DESC);
//
//	CREATE TABLE categories (
//		id         BIGSERIAL PRIMARY KEY,
//		store      TEXT NOT NULL,
//		title      TEXT NOT NULL,
//		url        TEXT NOT NULL,
//		parent_id  BIGINT REFERENCES categories (id),
//		added_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//		removed_at TIMESTAMPTZ
//	);
//	CREATE INDEX categories_store_url_idx ON categories (store, url);
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

	"github.com/wantnot/catalog-crawler/internal/catalog"
)

// db is the subset of pgxpool.Pool the store needs; pgxmock satisfies it in
// tests.
type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// StoreConfig controls the connection pool.
type StoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Store implements catalog.Store on Postgres.
type Store struct {
	pool db
}

// NewStore connects a pool using the provided config.
func NewStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
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

const itemColumns = `store, sku, url, title, image_url, category_id, custom, added_at, last_checked_at, removed_at`

func scanItem(row pgx.Row) (catalog.Item, error) {
	var (
		item      catalog.Item
		customRaw []byte
	)
	err := row.Scan(
		&item.Store, &item.SKU, &item.URL, &item.Title, &item.ImageURL,
		&item.CategoryID, &customRaw, &item.AddedAt, &item.LastCheckedAt, &item.RemovedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.Item{}, catalog.ErrNotFound
	}
	if err != nil {
		return catalog.Item{}, fmt.Errorf("scan item: %w", err)
	}
	if len(customRaw) > 0 {
		if err := json.Unmarshal(customRaw, &item.Custom); err != nil {
			return catalog.Item{}, fmt.Errorf("unmarshal custom: %w", err)
		}
	}
	return item, nil
}

// GetItem returns an item by identity.
func (s *Store) GetItem(ctx context.Context, store, sku string) (catalog.Item, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM items WHERE store = $1 AND sku = $2`,
		store, sku)
	return scanItem(row)
}

// UpsertItem writes the item and conditionally appends the price in one
// transaction. The upsert row-locks the item, serializing racing retries so
// two workers cannot both append the same price.
func (s *Store) UpsertItem(ctx context.Context, item catalog.Item, price *catalog.Price) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var customRaw []byte
	if item.Custom != nil {
		customRaw, err = json.Marshal(item.Custom)
		if err != nil {
			return fmt.Errorf("marshal custom: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
INSERT INTO items (store, sku, url, title, image_url, category_id, custom, last_checked_at, removed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NULL)
ON CONFLICT (store, sku) DO UPDATE SET
	url = EXCLUDED.url,
	title = EXCLUDED.title,
	image_url = EXCLUDED.image_url,
	category_id = EXCLUDED.category_id,
	custom = EXCLUDED.custom,
	last_checked_at = NOW(),
	removed_at = NULL`,
		item.Store, item.SKU, item.URL, item.Title, item.ImageURL, item.CategoryID, customRaw)
	if err != nil {
		return fmt.Errorf("upsert item: %w", err)
	}

	if price != nil {
		var (
			currency string
			amount   int64
		)
		err = tx.QueryRow(ctx, `
SELECT currency, amount_minor FROM prices
WHERE store = $1 AND sku = $2
ORDER BY ts DESC LIMIT 1`,
			item.Store, item.SKU).Scan(&currency, &amount)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			// First price for the item.
		case err != nil:
			return fmt.Errorf("latest price: %w", err)
		case currency == price.Currency && amount == price.AmountMinor:
			return tx.Commit(ctx)
		}

		_, err = tx.Exec(ctx, `
INSERT INTO prices (store, sku, currency, amount_minor)
VALUES ($1, $2, $3, $4)`,
			item.Store, item.SKU, price.Currency, price.AmountMinor)
		if err != nil {
			return fmt.Errorf("append price: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

// PriceHistory returns prices most recent first.
func (s *Store) PriceHistory(ctx context.Context, store, sku string) ([]catalog.Price, error) {
	rows, err := s.pool.Query(ctx, `
SELECT store, sku, ts, currency, amount_minor FROM prices
WHERE store = $1 AND sku = $2
ORDER BY ts DESC`,
		store, sku)
	if err != nil {
		return nil, fmt.Errorf("query prices: %w", err)
	}
	defer rows.Close()

	var out []catalog.Price
	for rows.Next() {
		var p catalog.Price
		if err := rows.Scan(&p.Store, &p.SKU, &p.Timestamp, &p.Currency, &p.AmountMinor); err != nil {
			return nil, fmt.Errorf("scan price: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ScanItemURLs pages over non-removed item URLs using keyset pagination.
func (s *Store) ScanItemURLs(ctx context.Context, store string, pageSize int, fn func(urls []string) error) error {
	if pageSize <= 0 {
		pageSize = 500
	}
	after := ""
	for {
		rows, err := s.pool.Query(ctx, `
SELECT sku, url FROM items
WHERE store = $1 AND removed_at IS NULL AND sku > $2
ORDER BY sku LIMIT $3`,
			store, after, pageSize)
		if err != nil {
			return fmt.Errorf("scan item urls: %w", err)
		}

		var urls []string
		for rows.Next() {
			var sku, url string
			if err := rows.Scan(&sku, &url); err != nil {
				rows.Close()
				return fmt.Errorf("scan url row: %w", err)
			}
			after = sku
			urls = append(urls, url)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(urls) == 0 {
			return nil
		}
		if err := fn(urls); err != nil {
			return err
		}
		if len(urls) < pageSize {
			return nil
		}
	}
}

// ItemsAfter returns non-removed items with SKU > afterSKU in SKU order.
func (s *Store) ItemsAfter(ctx context.Context, store, afterSKU string, limit int) ([]catalog.Item, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+itemColumns+` FROM items
WHERE store = $1 AND sku > $2 AND removed_at IS NULL
ORDER BY sku LIMIT $3`,
		store, afterSKU, limit)
	if err != nil {
		return nil, fmt.Errorf("query items after: %w", err)
	}
	defer rows.Close()

	var out []catalog.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// SoftDeleteByURL flags matching live items and categories in single atomic
// updates and returns what was newly flagged.
func (s *Store) SoftDeleteByURL(ctx context.Context, store, url string, now time.Time) ([]catalog.Item, []catalog.Category, error) {
	itemRows, err := s.pool.Query(ctx, `
UPDATE items SET removed_at = $3
WHERE store = $1 AND url = $2 AND removed_at IS NULL
RETURNING `+itemColumns,
		store, url, now)
	if err != nil {
		return nil, nil, fmt.Errorf("soft-delete items: %w", err)
	}
	var items []catalog.Item
	for itemRows.Next() {
		item, err := scanItem(itemRows)
		if err != nil {
			itemRows.Close()
			return nil, nil, err
		}
		items = append(items, item)
	}
	itemRows.Close()
	if err := itemRows.Err(); err != nil {
		return nil, nil, err
	}

	catRows, err := s.pool.Query(ctx, `
UPDATE categories SET removed_at = $3
WHERE store = $1 AND url = $2 AND removed_at IS NULL
RETURNING id, store, title, url, parent_id, added_at, removed_at`,
		store, url, now)
	if err != nil {
		return nil, nil, fmt.Errorf("soft-delete categories: %w", err)
	}
	var cats []catalog.Category
	for catRows.Next() {
		var c catalog.Category
		if err := catRows.Scan(&c.ID, &c.Store, &c.Title, &c.URL, &c.ParentID, &c.AddedAt, &c.RemovedAt); err != nil {
			catRows.Close()
			return nil, nil, fmt.Errorf("scan category: %w", err)
		}
		cats = append(cats, c)
	}
	catRows.Close()
	return items, cats, catRows.Err()
}

// CreateCategory inserts a category and returns the generated id.
func (s *Store) CreateCategory(ctx context.Context, c catalog.Category) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
INSERT INTO categories (store, title, url, parent_id)
VALUES ($1, $2, $3, $4)
RETURNING id`,
		c.Store, c.Title, c.URL, c.ParentID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert category: %w", err)
	}
	return id, nil
}

func scanCategory(row pgx.Row) (catalog.Category, error) {
	var c catalog.Category
	err := row.Scan(&c.ID, &c.Store, &c.Title, &c.URL, &c.ParentID, &c.AddedAt, &c.RemovedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.Category{}, catalog.ErrNotFound
	}
	if err != nil {
		return catalog.Category{}, fmt.Errorf("scan category: %w", err)
	}
	return c, nil
}

const categoryColumns = `id, store, title, url, parent_id, added_at, removed_at`

// GetCategory returns a category by id.
func (s *Store) GetCategory(ctx context.Context, id int64) (catalog.Category, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+categoryColumns+` FROM categories WHERE id = $1`, id)
	return scanCategory(row)
}

// UpdateCategoryURL rewrites a category's URL.
func (s *Store) UpdateCategoryURL(ctx context.Context, id int64, url string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE categories SET url = $2 WHERE id = $1`, id, url)
	if err != nil {
		return fmt.Errorf("update category url: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

func (s *Store) queryCategories(ctx context.Context, sql string, args ...any) ([]catalog.Category, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query categories: %w", err)
	}
	defer rows.Close()

	var out []catalog.Category
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CategoriesByParent lists direct children of parentID (nil for roots).
func (s *Store) CategoriesByParent(ctx context.Context, store string, parentID *int64) ([]catalog.Category, error) {
	if parentID == nil {
		return s.queryCategories(ctx,
			`SELECT `+categoryColumns+` FROM categories
WHERE store = $1 AND parent_id IS NULL ORDER BY id`,
			store)
	}
	return s.queryCategories(ctx,
		`SELECT `+categoryColumns+` FROM categories
WHERE store = $1 AND parent_id = $2 ORDER BY id`,
		store, *parentID)
}

// ListCategories returns every category of a store.
func (s *Store) ListCategories(ctx context.Context, store string) ([]catalog.Category, error) {
	return s.queryCategories(ctx,
		`SELECT `+categoryColumns+` FROM categories WHERE store = $1 ORDER BY id`,
		store)
}

// DuplicateCategoryURLs returns URLs shared by more than one live category.
func (s *Store) DuplicateCategoryURLs(ctx context.Context, store string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
SELECT url FROM categories
WHERE store = $1 AND removed_at IS NULL
GROUP BY url HAVING COUNT(*) > 1
ORDER BY url`,
		store)
	if err != nil {
		return nil, fmt.Errorf("query duplicate urls: %w", err)
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, fmt.Errorf("scan url: %w", err)
		}
		urls = append(urls, url)
	}
	return urls, rows.Err()
}

// CategoriesByURL returns the store's live categories with the given URL.
func (s *Store) CategoriesByURL(ctx context.Context, store, url string) ([]catalog.Category, error) {
	return s.queryCategories(ctx,
		`SELECT `+categoryColumns+` FROM categories
WHERE store = $1 AND url = $2 AND removed_at IS NULL ORDER BY id`,
		store, url)
}

// CountItems counts items referencing the category.
func (s *Store) CountItems(ctx context.Context, store string, categoryID int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM items WHERE store = $1 AND category_id = $2`,
		store, categoryID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count items: %w", err)
	}
	return n, nil
}

// MoveItems re-points items from one category onto another.
func (s *Store) MoveItems(ctx context.Context, store string, fromID, toID int64) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE items SET category_id = $3 WHERE store = $1 AND category_id = $2`,
		store, fromID, toID)
	if err != nil {
		return 0, fmt.Errorf("move items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ReparentCategory sets a category's parent.
func (s *Store) ReparentCategory(ctx context.Context, id int64, newParentID *int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE categories SET parent_id = $2 WHERE id = $1`, id, newParentID)
	if err != nil {
		return fmt.Errorf("reparent category: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

// DeleteCategory removes the record outright.
func (s *Store) DeleteCategory(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM categories WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete category: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return catalog.ErrNotFound
	}
	return nil
}
