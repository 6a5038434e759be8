package catalog_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wantnot/catalog-crawler/internal/catalog"
	catmem "github.com/wantnot/catalog-crawler/internal/catalog/memory"
)

func TestSavePathCreatesHierarchy(t *testing.T) {
	ctx := context.Background()
	store := catmem.NewStore()
	cache := catalog.NewCache(store)

	ids, err := cache.SavePath(ctx, "hobbyking", []catalog.PathEntry{
		{URL: "https://hk.example.com/c/rc", Title: "RC"},
		{URL: "https://hk.example.com/c/rc/planes", Title: "Planes"},
		{URL: "https://hk.example.com/c/rc/planes/gliders", Title: "Gliders"},
	})
	require.NoError(t, err)
	require.Len(t, ids, 3)

	leaf, err := store.GetCategory(ctx, ids[2])
	require.NoError(t, err)
	assert.Equal(t, "Gliders", leaf.Title)
	require.NotNil(t, leaf.ParentID)
	assert.Equal(t, ids[1], *leaf.ParentID)

	root, err := store.GetCategory(ctx, ids[0])
	require.NoError(t, err)
	assert.Nil(t, root.ParentID)
}

func TestSavePathReusesExistingNodes(t *testing.T) {
	ctx := context.Background()
	store := catmem.NewStore()
	cache := catalog.NewCache(store)

	path := []catalog.PathEntry{
		{URL: "https://hk.example.com/c/rc", Title: "RC"},
		{URL: "https://hk.example.com/c/rc/planes", Title: "Planes"},
	}
	first, err := cache.SavePath(ctx, "hobbyking", path)
	require.NoError(t, err)
	second, err := cache.SavePath(ctx, "hobbyking", path)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	cats, err := store.ListCategories(ctx, "hobbyking")
	require.NoError(t, err)
	assert.Len(t, cats, 2)
}

func TestSavePathRepairsDriftedURL(t *testing.T) {
	ctx := context.Background()
	store := catmem.NewStore()
	cache := catalog.NewCache(store)

	ids, err := cache.SavePath(ctx, "hobbyking", []catalog.PathEntry{
		{URL: "https://hk.example.com/c/old-rc", Title: "RC"},
	})
	require.NoError(t, err)

	// Same title under the same parent with a new URL updates in place.
	again, err := cache.SavePath(ctx, "hobbyking", []catalog.PathEntry{
		{URL: "https://hk.example.com/c/rc", Title: "RC"},
	})
	require.NoError(t, err)
	require.Equal(t, ids, again)

	cat, err := store.GetCategory(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "https://hk.example.com/c/rc", cat.URL)
}

func TestAncestorPath(t *testing.T) {
	ctx := context.Background()
	store := catmem.NewStore()
	cache := catalog.NewCache(store)

	ids, err := cache.SavePath(ctx, "hobbyking", []catalog.PathEntry{
		{URL: "https://hk.example.com/c/rc", Title: "RC"},
		{URL: "https://hk.example.com/c/rc/planes", Title: "Planes"},
		{URL: "https://hk.example.com/c/rc/planes/gliders", Title: "Gliders"},
	})
	require.NoError(t, err)

	path, err := catalog.AncestorPath(ctx, store, ids[2])
	require.NoError(t, err)
	assert.Equal(t, ids, path)
}

func TestAncestorPathStopsOnParentCycle(t *testing.T) {
	ctx := context.Background()
	store := catmem.NewStore()

	a, err := store.CreateCategory(ctx, catalog.Category{Store: "s", Title: "A", URL: "u/a"})
	require.NoError(t, err)
	b, err := store.CreateCategory(ctx, catalog.Category{Store: "s", Title: "B", URL: "u/b", ParentID: &a})
	require.NoError(t, err)
	// Corrupt data: A points back at B.
	require.NoError(t, store.ReparentCategory(ctx, a, &b))

	path, err := catalog.AncestorPath(ctx, store, b)
	require.NoError(t, err)
	assert.Contains(t, path, a)
	assert.Contains(t, path, b)
	assert.Len(t, path, 2)
}

func TestCacheInvalidatePerStore(t *testing.T) {
	ctx := context.Background()
	store := catmem.NewStore()
	cache := catalog.NewCache(store)

	_, err := cache.SavePath(ctx, "alpha", []catalog.PathEntry{{URL: "u/a", Title: "A"}})
	require.NoError(t, err)
	_, err = cache.SavePath(ctx, "beta", []catalog.PathEntry{{URL: "u/b", Title: "B"}})
	require.NoError(t, err)

	// Prime both root listings so the stale-read below is observable.
	_, err = cache.Children(ctx, "alpha", nil)
	require.NoError(t, err)
	_, err = cache.Children(ctx, "beta", nil)
	require.NoError(t, err)

	// Write behind the cache's back, then invalidate only alpha.
	_, err = store.CreateCategory(ctx, catalog.Category{Store: "alpha", Title: "A2", URL: "u/a2"})
	require.NoError(t, err)
	_, err = store.CreateCategory(ctx, catalog.Category{Store: "beta", Title: "B2", URL: "u/b2"})
	require.NoError(t, err)
	cache.Invalidate("alpha")

	alphaKids, err := cache.Children(ctx, "alpha", nil)
	require.NoError(t, err)
	assert.Len(t, alphaKids, 2)

	betaKids, err := cache.Children(ctx, "beta", nil)
	require.NoError(t, err)
	assert.Len(t, betaKids, 1, "beta should still serve the stale cached view")
}
