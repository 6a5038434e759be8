package catalog

import (
	"context"
	"fmt"
	"sync"
)

// ChildRef is the cached view of one child category.
type ChildRef struct {
	ID  int64
	URL string
}

// Cache memoizes children-by-parent lookups used when saving breadcrumb
// paths and rendering category trees. It is an explicit object with an
// explicit Invalidate, called after every mutating write; there is no
// time-based expiry.
type Cache struct {
	store Store

	mu       sync.Mutex
	children map[string]map[string]ChildRef
}

// NewCache wraps a Store with a category cache.
func NewCache(store Store) *Cache {
	return &Cache{
		store:    store,
		children: make(map[string]map[string]ChildRef),
	}
}

func cacheKey(store string, parentID *int64) string {
	if parentID == nil {
		return store + "/root"
	}
	return fmt.Sprintf("%s/%d", store, *parentID)
}

// Children returns a title-keyed map of the non-removed children of parentID.
func (c *Cache) Children(ctx context.Context, store string, parentID *int64) (map[string]ChildRef, error) {
	key := cacheKey(store, parentID)

	c.mu.Lock()
	cached, ok := c.children[key]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	cats, err := c.store.CategoriesByParent(ctx, store, parentID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	m := make(map[string]ChildRef, len(cats))
	for _, cat := range cats {
		if cat.RemovedAt != nil {
			continue
		}
		m[cat.Title] = ChildRef{ID: cat.ID, URL: cat.URL}
	}

	c.mu.Lock()
	c.children[key] = m
	c.mu.Unlock()
	return m, nil
}

// Invalidate drops every cached entry for the store.
func (c *Cache) Invalidate(store string) {
	prefix := store + "/"
	c.mu.Lock()
	for key := range c.children {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(c.children, key)
		}
	}
	c.mu.Unlock()
}
