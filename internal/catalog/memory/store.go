// Package memory provides an in-memory catalog store for development and
// tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wantnot/catalog-crawler/internal/catalog"
)

type itemKey struct {
	store string
	sku   string
}

// Store implements catalog.Store with maps under one mutex. The single lock
// gives the same per-entity transactionality the Postgres store gets from
// row-level transactions.
type Store struct {
	mu         sync.Mutex
	items      map[itemKey]catalog.Item
	prices     map[itemKey][]catalog.Price
	categories map[int64]catalog.Category
	nextCatID  int64
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		items:      make(map[itemKey]catalog.Item),
		prices:     make(map[itemKey][]catalog.Price),
		categories: make(map[int64]catalog.Category),
		nextCatID:  1,
	}
}

// GetItem fetches an item by identity.
func (s *Store) GetItem(_ context.Context, store, sku string) (catalog.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemKey{store, sku}]
	if !ok {
		return catalog.Item{}, catalog.ErrNotFound
	}
	return item, nil
}

// UpsertItem creates or updates an item, appending the price only when it
// differs from the latest record.
func (s *Store) UpsertItem(_ context.Context, item catalog.Item, price *catalog.Price) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := itemKey{item.Store, item.SKU}
	now := time.Now().UTC()
	if existing, ok := s.items[key]; ok {
		item.AddedAt = existing.AddedAt
	} else if item.AddedAt.IsZero() {
		item.AddedAt = now
	}
	item.LastCheckedAt = now
	s.items[key] = item

	if price != nil {
		history := s.prices[key]
		if len(history) == 0 || !history[len(history)-1].Same(*price) {
			p := *price
			if p.Timestamp.IsZero() {
				p.Timestamp = now
			}
			s.prices[key] = append(history, p)
		}
	}
	return nil
}

// PriceHistory returns prices most recent first.
func (s *Store) PriceHistory(_ context.Context, store, sku string) ([]catalog.Price, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := s.prices[itemKey{store, sku}]
	out := make([]catalog.Price, len(history))
	for i, p := range history {
		out[len(history)-1-i] = p
	}
	return out, nil
}

// ScanItemURLs pages over non-removed item URLs in SKU order.
func (s *Store) ScanItemURLs(_ context.Context, store string, pageSize int, fn func(urls []string) error) error {
	if pageSize <= 0 {
		pageSize = 100
	}
	s.mu.Lock()
	var urls []string
	for key, item := range s.items {
		if key.store == store && item.RemovedAt == nil {
			urls = append(urls, item.URL)
		}
	}
	s.mu.Unlock()
	sort.Strings(urls)

	for start := 0; start < len(urls); start += pageSize {
		end := start + pageSize
		if end > len(urls) {
			end = len(urls)
		}
		if err := fn(urls[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// ItemsAfter returns non-removed items with SKU > afterSKU in SKU order.
func (s *Store) ItemsAfter(_ context.Context, store, afterSKU string, limit int) ([]catalog.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var items []catalog.Item
	for key, item := range s.items {
		if key.store == store && key.sku > afterSKU && item.RemovedAt == nil {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].SKU < items[j].SKU })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// SoftDeleteByURL flags matching, not-yet-removed items and categories.
func (s *Store) SoftDeleteByURL(_ context.Context, store, url string, now time.Time) ([]catalog.Item, []catalog.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var items []catalog.Item
	for key, item := range s.items {
		if key.store == store && item.URL == url && item.RemovedAt == nil {
			t := now
			item.RemovedAt = &t
			s.items[key] = item
			items = append(items, item)
		}
	}

	var cats []catalog.Category
	for id, cat := range s.categories {
		if cat.Store == store && cat.URL == url && cat.RemovedAt == nil {
			t := now
			cat.RemovedAt = &t
			s.categories[id] = cat
			cats = append(cats, cat)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].SKU < items[j].SKU })
	sort.Slice(cats, func(i, j int) bool { return cats[i].ID < cats[j].ID })
	return items, cats, nil
}

// CreateCategory inserts a category and returns its id.
func (s *Store) CreateCategory(_ context.Context, c catalog.Category) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = s.nextCatID
	s.nextCatID++
	if c.AddedAt.IsZero() {
		c.AddedAt = time.Now().UTC()
	}
	s.categories[c.ID] = c
	return c.ID, nil
}

// GetCategory fetches a category by id.
func (s *Store) GetCategory(_ context.Context, id int64) (catalog.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cat, ok := s.categories[id]
	if !ok {
		return catalog.Category{}, catalog.ErrNotFound
	}
	return cat, nil
}

// UpdateCategoryURL rewrites a category's URL.
func (s *Store) UpdateCategoryURL(_ context.Context, id int64, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cat, ok := s.categories[id]
	if !ok {
		return catalog.ErrNotFound
	}
	cat.URL = url
	s.categories[id] = cat
	return nil
}

// CategoriesByParent lists direct children of parentID (nil for roots).
func (s *Store) CategoriesByParent(_ context.Context, store string, parentID *int64) ([]catalog.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []catalog.Category
	for _, cat := range s.categories {
		if cat.Store != store {
			continue
		}
		if (cat.ParentID == nil) != (parentID == nil) {
			continue
		}
		if parentID != nil && *cat.ParentID != *parentID {
			continue
		}
		out = append(out, cat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListCategories returns every category of a store.
func (s *Store) ListCategories(_ context.Context, store string) ([]catalog.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []catalog.Category
	for _, cat := range s.categories {
		if cat.Store == store {
			out = append(out, cat)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DuplicateCategoryURLs returns URLs shared by more than one live category.
func (s *Store) DuplicateCategoryURLs(_ context.Context, store string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int)
	for _, cat := range s.categories {
		if cat.Store == store && cat.RemovedAt == nil {
			counts[cat.URL]++
		}
	}
	var urls []string
	for url, n := range counts {
		if n > 1 {
			urls = append(urls, url)
		}
	}
	sort.Strings(urls)
	return urls, nil
}

// CategoriesByURL returns the store's live categories with the given URL.
func (s *Store) CategoriesByURL(_ context.Context, store, url string) ([]catalog.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []catalog.Category
	for _, cat := range s.categories {
		if cat.Store == store && cat.URL == url && cat.RemovedAt == nil {
			out = append(out, cat)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CountItems counts items referencing the category.
func (s *Store) CountItems(_ context.Context, store string, categoryID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, item := range s.items {
		if key.store == store && item.CategoryID != nil && *item.CategoryID == categoryID {
			n++
		}
	}
	return n, nil
}

// MoveItems re-points items from one category to another.
func (s *Store) MoveItems(_ context.Context, store string, fromID, toID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	moved := 0
	for key, item := range s.items {
		if key.store == store && item.CategoryID != nil && *item.CategoryID == fromID {
			to := toID
			item.CategoryID = &to
			s.items[key] = item
			moved++
		}
	}
	return moved, nil
}

// ReparentCategory sets a category's parent.
func (s *Store) ReparentCategory(_ context.Context, id int64, newParentID *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cat, ok := s.categories[id]
	if !ok {
		return catalog.ErrNotFound
	}
	cat.ParentID = newParentID
	s.categories[id] = cat
	return nil
}

// DeleteCategory removes the record outright.
func (s *Store) DeleteCategory(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.categories[id]; !ok {
		return catalog.ErrNotFound
	}
	delete(s.categories, id)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }
