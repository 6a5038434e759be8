package catalog

import (
	"context"
	"fmt"
)

// PathEntry is one breadcrumb step extracted from an item page.
type PathEntry struct {
	URL   string
	Title string
}

// SavePath walks a breadcrumb path root-first, creating missing categories
// and repairing URLs that drifted, and returns the category ids along the
// path. Matching is by (parent, title); a title match with a different URL
// updates the stored URL in place rather than duplicating the node.
func (c *Cache) SavePath(ctx context.Context, store string, path []PathEntry) ([]int64, error) {
	ids := make([]int64, 0, len(path))
	var parent *int64

	for _, step := range path {
		kids, err := c.Children(ctx, store, parent)
		if err != nil {
			return nil, err
		}

		var id int64
		if ref, ok := kids[step.Title]; ok {
			id = ref.ID
			if ref.URL != step.URL {
				if err := c.store.UpdateCategoryURL(ctx, id, step.URL); err != nil {
					return nil, fmt.Errorf("update category url: %w", err)
				}
				c.Invalidate(store)
			}
		} else {
			id, err = c.store.CreateCategory(ctx, Category{
				Store:    store,
				Title:    step.Title,
				URL:      step.URL,
				ParentID: parent,
			})
			if err != nil {
				return nil, fmt.Errorf("create category %q: %w", step.Title, err)
			}
			c.Invalidate(store)
		}

		ids = append(ids, id)
		p := id
		parent = &p
	}
	return ids, nil
}

// AncestorPath returns the ids from the root down to categoryID. A repeated
// parent link terminates the walk rather than looping.
func AncestorPath(ctx context.Context, store Store, categoryID int64) ([]int64, error) {
	var path []int64
	seen := make(map[int64]bool)
	id := categoryID
	for {
		if seen[id] {
			break
		}
		seen[id] = true
		cat, err := store.GetCategory(ctx, id)
		if err != nil {
			return nil, err
		}
		path = append([]int64{cat.ID}, path...)
		if cat.ParentID == nil {
			break
		}
		id = *cat.ParentID
	}
	return path, nil
}
