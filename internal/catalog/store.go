package catalog

import (
	"context"
	"time"
)

// Store is the persistence interface for the catalog. Implementations must
// make UpsertItem and SoftDeleteByURL transactional per entity: concurrent
// retries racing on the same (store, sku) must not double-append prices or
// double-flag removals.
type Store interface {
	// GetItem returns an item by identity, ErrNotFound if absent.
	GetItem(ctx context.Context, store, sku string) (Item, error)

	// UpsertItem creates or updates an item in place and, when price is
	// non-nil, appends it to the history only if it differs from the most
	// recent record. Both writes happen in one transaction.
	UpsertItem(ctx context.Context, item Item, price *Price) error

	// PriceHistory returns an item's prices, most recent first.
	PriceHistory(ctx context.Context, store, sku string) ([]Price, error)

	// ScanItemURLs pages over the URLs of non-removed items, invoking fn per
	// page. Used to pre-seed the frontier's seen filter without an unbounded
	// single fetch.
	ScanItemURLs(ctx context.Context, store string, pageSize int, fn func(urls []string) error) error

	// ItemsAfter returns up to limit non-removed items with SKU greater than
	// afterSKU, in SKU order. Drives the table-scan cursor.
	ItemsAfter(ctx context.Context, store, afterSKU string, limit int) ([]Item, error)

	// SoftDeleteByURL flags every matching item and category not already
	// removed, returning what was newly flagged. Check-and-set per entity.
	SoftDeleteByURL(ctx context.Context, store, url string, now time.Time) (items []Item, categories []Category, err error)

	// CreateCategory inserts a category and returns its id.
	CreateCategory(ctx context.Context, c Category) (int64, error)

	// GetCategory returns a category by id, ErrNotFound if absent.
	GetCategory(ctx context.Context, id int64) (Category, error)

	// UpdateCategoryURL rewrites a category's source URL.
	UpdateCategoryURL(ctx context.Context, id int64, url string) error

	// CategoriesByParent lists a store's direct children of parentID
	// (nil means roots).
	CategoriesByParent(ctx context.Context, store string, parentID *int64) ([]Category, error)

	// ListCategories returns all of a store's categories.
	ListCategories(ctx context.Context, store string) ([]Category, error)

	// DuplicateCategoryURLs returns the URLs that more than one of the
	// store's categories share.
	DuplicateCategoryURLs(ctx context.Context, store string) ([]string, error)

	// CategoriesByURL returns the store's categories with the given URL.
	CategoriesByURL(ctx context.Context, store, url string) ([]Category, error)

	// CountItems returns how many items reference the category.
	CountItems(ctx context.Context, store string, categoryID int64) (int, error)

	// MoveItems re-points every item of fromID onto toID and returns how many
	// moved. Idempotent: items already on toID are untouched.
	MoveItems(ctx context.Context, store string, fromID, toID int64) (int, error)

	// ReparentCategory sets the parent of id to newParentID.
	ReparentCategory(ctx context.Context, id int64, newParentID *int64) error

	// DeleteCategory removes the category record outright. Only the
	// reconciler hard-deletes; the crawl path soft-deletes.
	DeleteCategory(ctx context.Context, id int64) error

	// Close releases underlying resources.
	Close() error
}
