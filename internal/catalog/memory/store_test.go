package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wantnot/catalog-crawler/internal/catalog"
)

func TestStore_UpsertItemInPlace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewStore()

	item := catalog.Item{
		Store: "hk", SKU: "SKU-1",
		URL: "https://example.com/item-1", Title: "First",
	}
	require.NoError(t, s.UpsertItem(ctx, item, nil))

	got, err := s.GetItem(ctx, "hk", "SKU-1")
	require.NoError(t, err)
	added := got.AddedAt
	require.False(t, added.IsZero())

	item.Title = "Renamed"
	require.NoError(t, s.UpsertItem(ctx, item, nil))

	got, err = s.GetItem(ctx, "hk", "SKU-1")
	require.NoError(t, err)
	require.Equal(t, "Renamed", got.Title)
	require.Equal(t, added, got.AddedAt, "AddedAt survives re-scrapes")

	_, err = s.GetItem(ctx, "hk", "missing")
	require.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestStore_PriceDedup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewStore()

	item := catalog.Item{Store: "hk", SKU: "SKU-1", URL: "https://example.com/item-1", Title: "x"}
	usd := &catalog.Price{Store: "hk", SKU: "SKU-1", Currency: "USD", AmountMinor: 1999}

	require.NoError(t, s.UpsertItem(ctx, item, usd))
	require.NoError(t, s.UpsertItem(ctx, item, usd))

	history, err := s.PriceHistory(ctx, "hk", "SKU-1")
	require.NoError(t, err)
	require.Len(t, history, 1, "identical consecutive prices collapse")

	cheaper := &catalog.Price{Store: "hk", SKU: "SKU-1", Currency: "USD", AmountMinor: 1499}
	require.NoError(t, s.UpsertItem(ctx, item, cheaper))

	history, err = s.PriceHistory(ctx, "hk", "SKU-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, int64(1499), history[0].AmountMinor, "most recent first")
}

func TestStore_SoftDeleteByURL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewStore()

	require.NoError(t, s.UpsertItem(ctx, catalog.Item{
		Store: "hk", SKU: "SKU-1", URL: "https://example.com/gone", Title: "x",
	}, nil))
	require.NoError(t, s.UpsertItem(ctx, catalog.Item{
		Store: "hk", SKU: "SKU-2", URL: "https://example.com/stays", Title: "y",
	}, nil))

	now := time.Now().UTC()
	items, cats, err := s.SoftDeleteByURL(ctx, "hk", "https://example.com/gone", now)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Empty(t, cats)
	require.Equal(t, "SKU-1", items[0].SKU)

	// Second pass is a no-op: already flagged entities are not re-reported.
	items, _, err = s.SoftDeleteByURL(ctx, "hk", "https://example.com/gone", now.Add(time.Minute))
	require.NoError(t, err)
	require.Empty(t, items)

	got, err := s.GetItem(ctx, "hk", "SKU-1")
	require.NoError(t, err)
	require.True(t, got.Removed())
	require.Equal(t, now, *got.RemovedAt)
}

func TestStore_ScanItemURLsPages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewStore()

	for _, sku := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, s.UpsertItem(ctx, catalog.Item{
			Store: "hk", SKU: sku, URL: "https://example.com/" + sku, Title: sku,
		}, nil))
	}
	_, _, err := s.SoftDeleteByURL(ctx, "hk", "https://example.com/c", time.Now())
	require.NoError(t, err)

	var pages [][]string
	err = s.ScanItemURLs(ctx, "hk", 2, func(urls []string) error {
		page := make([]string, len(urls))
		copy(page, urls)
		pages = append(pages, page)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, [][]string{
		{"https://example.com/a", "https://example.com/b"},
		{"https://example.com/d", "https://example.com/e"},
	}, pages)
}

func TestStore_ItemsAfter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewStore()

	for _, sku := range []string{"a", "b", "c"} {
		require.NoError(t, s.UpsertItem(ctx, catalog.Item{
			Store: "hk", SKU: sku, URL: "https://example.com/" + sku, Title: sku,
		}, nil))
	}

	items, err := s.ItemsAfter(ctx, "hk", "a", 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "b", items[0].SKU)

	items, err = s.ItemsAfter(ctx, "hk", "c", 10)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestStore_CategoryOps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewStore()

	rootID, err := s.CreateCategory(ctx, catalog.Category{Store: "hk", Title: "Root", URL: "https://example.com/root"})
	require.NoError(t, err)
	childID, err := s.CreateCategory(ctx, catalog.Category{Store: "hk", Title: "Child", URL: "https://example.com/child", ParentID: &rootID})
	require.NoError(t, err)

	roots, err := s.CategoriesByParent(ctx, "hk", nil)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	require.Equal(t, rootID, roots[0].ID)

	kids, err := s.CategoriesByParent(ctx, "hk", &rootID)
	require.NoError(t, err)
	require.Len(t, kids, 1)
	require.Equal(t, childID, kids[0].ID)

	dupID, err := s.CreateCategory(ctx, catalog.Category{Store: "hk", Title: "Root again", URL: "https://example.com/root"})
	require.NoError(t, err)

	dups, err := s.DuplicateCategoryURLs(ctx, "hk")
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.com/root"}, dups)

	group, err := s.CategoriesByURL(ctx, "hk", "https://example.com/root")
	require.NoError(t, err)
	require.Len(t, group, 2)

	require.NoError(t, s.ReparentCategory(ctx, childID, &dupID))
	cat, err := s.GetCategory(ctx, childID)
	require.NoError(t, err)
	require.Equal(t, dupID, *cat.ParentID)

	require.NoError(t, s.DeleteCategory(ctx, dupID))
	_, err = s.GetCategory(ctx, dupID)
	require.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestStore_MoveItemsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewStore()

	fromID, err := s.CreateCategory(ctx, catalog.Category{Store: "hk", Title: "From", URL: "https://example.com/f"})
	require.NoError(t, err)
	toID, err := s.CreateCategory(ctx, catalog.Category{Store: "hk", Title: "To", URL: "https://example.com/t"})
	require.NoError(t, err)

	require.NoError(t, s.UpsertItem(ctx, catalog.Item{
		Store: "hk", SKU: "SKU-1", URL: "https://example.com/1", Title: "x", CategoryID: &fromID,
	}, nil))

	moved, err := s.MoveItems(ctx, "hk", fromID, toID)
	require.NoError(t, err)
	require.Equal(t, 1, moved)

	moved, err = s.MoveItems(ctx, "hk", fromID, toID)
	require.NoError(t, err)
	require.Zero(t, moved, "second move finds nothing left")

	n, err := s.CountItems(ctx, "hk", toID)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
