package scrape_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wantnot/catalog-crawler/internal/archive"
	"github.com/wantnot/catalog-crawler/internal/catalog"
	catmem "github.com/wantnot/catalog-crawler/internal/catalog/memory"
	"github.com/wantnot/catalog-crawler/internal/frontier"
	frontmem "github.com/wantnot/catalog-crawler/internal/frontier/memory"
	"github.com/wantnot/catalog-crawler/internal/index"
	idxmem "github.com/wantnot/catalog-crawler/internal/index/memory"
	"github.com/wantnot/catalog-crawler/internal/scrape"
)

type fakeFetcher struct {
	// responses is consumed per URL in order, so a redirect chain can be
	// scripted as 301 then 200.
	responses map[string][]scrape.FetchResponse
	errs      map[string]error
	requests  []scrape.FetchRequest
}

func (f *fakeFetcher) Fetch(_ context.Context, req scrape.FetchRequest) (scrape.FetchResponse, error) {
	f.requests = append(f.requests, req)
	if err, ok := f.errs[req.URL]; ok {
		return scrape.FetchResponse{}, err
	}
	queue := f.responses[req.URL]
	if len(queue) == 0 {
		return scrape.FetchResponse{StatusCode: http.StatusNotFound, Headers: http.Header{}}, nil
	}
	resp := queue[0]
	f.responses[req.URL] = queue[1:]
	if resp.Headers == nil {
		resp.Headers = http.Header{}
	}
	return resp, nil
}

type fakeExtractor struct {
	items      map[string]scrape.ItemData
	categories map[string]scrape.CategoryData
	errs       map[string]error
}

func (f *fakeExtractor) ExtractItem(_, pageURL string, _ []byte) (scrape.ItemData, error) {
	if err := f.errs[pageURL]; err != nil {
		return scrape.ItemData{}, err
	}
	return f.items[pageURL], nil
}

func (f *fakeExtractor) ExtractCategory(_, pageURL string, _ []byte) (scrape.CategoryData, error) {
	if err := f.errs[pageURL]; err != nil {
		return scrape.CategoryData{}, err
	}
	return f.categories[pageURL], nil
}

type fixture struct {
	records   *frontmem.Store
	catalog   *catmem.Store
	cache     *catalog.Cache
	index     *idxmem.Index
	archive   *archive.MemoryStore
	fetcher   *fakeFetcher
	extractor *fakeExtractor
	frontier  *frontier.Frontier
	processor *scrape.Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		records:   frontmem.NewStore(),
		catalog:   catmem.NewStore(),
		index:     idxmem.NewIndex(),
		archive:   archive.NewMemoryStore(),
		fetcher:   &fakeFetcher{responses: map[string][]scrape.FetchResponse{}, errs: map[string]error{}},
		extractor: &fakeExtractor{items: map[string]scrape.ItemData{}, categories: map[string]scrape.CategoryData{}, errs: map[string]error{}},
	}
	f.cache = catalog.NewCache(f.catalog)
	f.frontier = frontier.New(f.records, f.catalog, frontier.Config{}, zap.NewNop())
	f.processor = scrape.NewProcessor(f.frontier, f.catalog, f.cache, f.index, f.archive, f.fetcher, f.extractor, scrape.Config{}, zap.NewNop())
	return f
}

func (f *fixture) seedItems(t *testing.T, store string, urls ...string) {
	t.Helper()
	ctx := context.Background()
	created, err := f.frontier.Initialize(ctx, store, false)
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, f.frontier.Enqueue(ctx, store, nil, urls))
}

func ok(body string) scrape.FetchResponse {
	return scrape.FetchResponse{StatusCode: http.StatusOK, Body: []byte(body)}
}

func redirect(status int, location string) scrape.FetchResponse {
	h := http.Header{}
	h.Set("Location", location)
	return scrape.FetchResponse{StatusCode: status, Headers: h}
}

func TestProcessNextItemSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	url := "https://store.test/widget.html"
	f.seedItems(t, "hobbyking", url)
	f.fetcher.responses[url] = []scrape.FetchResponse{ok("<html>widget</html>")}
	f.extractor.items[url] = scrape.ItemData{
		SKU:      "W-100",
		Title:    "Widget",
		ImageURL: "https://store.test/widget.jpg",
		Price:    &scrape.PricePoint{Currency: "USD", AmountMinor: 1999},
		Breadcrumbs: []catalog.PathEntry{
			{URL: "https://store.test/toys", Title: "Toys"},
			{URL: "https://store.test/toys/widgets", Title: "Widgets"},
		},
	}

	more, err := f.processor.ProcessNext(ctx, "hobbyking", 0)
	require.NoError(t, err)
	assert.True(t, more)

	item, err := f.catalog.GetItem(ctx, "hobbyking", "W-100")
	require.NoError(t, err)
	assert.Equal(t, "Widget", item.Title)
	require.NotNil(t, item.CategoryID)

	leaf, err := f.catalog.GetCategory(ctx, *item.CategoryID)
	require.NoError(t, err)
	assert.Equal(t, "Widgets", leaf.Title)
	require.NotNil(t, leaf.ParentID)

	prices, err := f.catalog.PriceHistory(ctx, "hobbyking", "W-100")
	require.NoError(t, err)
	require.Len(t, prices, 1)
	assert.Equal(t, int64(1999), prices[0].AmountMinor)

	doc, found := f.index.Get(index.DocID("hobbyking", "W-100"))
	require.True(t, found)
	assert.Equal(t, "Widget", doc.Title)
	assert.Equal(t, int64(1999), doc.AmountMinor)

	_, archived := f.archive.Get("hobbyking", url)
	assert.True(t, archived)

	// Single-URL queue: the job is now exhausted.
	more, err = f.processor.ProcessNext(ctx, "hobbyking", 0)
	require.NoError(t, err)
	assert.False(t, more)
	active, err := f.frontier.Active(ctx, "hobbyking")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestProcessNextBenignRedirect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	queued := "https://store.test/widget.html/"
	final := "https://store.test/widget.html"
	f.seedItems(t, "hobbyking", queued)
	f.fetcher.responses[queued] = []scrape.FetchResponse{redirect(http.StatusMovedPermanently, final)}
	f.fetcher.responses[final] = []scrape.FetchResponse{ok("widget")}
	f.extractor.items[final] = scrape.ItemData{SKU: "W-100", Title: "Widget"}

	more, err := f.processor.ProcessNext(ctx, "hobbyking", 0)
	require.NoError(t, err)
	assert.True(t, more)

	item, err := f.catalog.GetItem(ctx, "hobbyking", "W-100")
	require.NoError(t, err)
	assert.Equal(t, final, item.URL)

	_, found, err := f.frontier.Peek(ctx, "hobbyking")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestProcessNextItemRelocatedSoftDeletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	url := "https://store.test/widget.html"
	require.NoError(t, f.catalog.UpsertItem(ctx, catalog.Item{Store: "hobbyking", SKU: "W-100", URL: url, Title: "Widget"}, nil))
	require.NoError(t, f.index.Upsert(ctx, []index.Document{{ID: index.DocID("hobbyking", "W-100")}}))

	f.seedItems(t, "hobbyking", url)
	f.fetcher.responses[url] = []scrape.FetchResponse{redirect(http.StatusFound, "https://store.test/somewhere-else.html")}

	more, err := f.processor.ProcessNext(ctx, "hobbyking", 0)
	require.NoError(t, err)
	assert.True(t, more)

	item, err := f.catalog.GetItem(ctx, "hobbyking", "W-100")
	require.NoError(t, err)
	assert.True(t, item.Removed())

	_, found := f.index.Get(index.DocID("hobbyking", "W-100"))
	assert.False(t, found)
}

func TestProcessNext404BelowThresholdIsTransient(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	url := "https://store.test/widget.html"
	f.seedItems(t, "hobbyking", url)
	f.fetcher.responses[url] = []scrape.FetchResponse{{StatusCode: http.StatusNotFound}}

	more, err := f.processor.ProcessNext(ctx, "hobbyking", 0)
	assert.True(t, more)
	require.Error(t, err)
	assert.True(t, scrape.IsTransient(err))

	// Not popped: the scheduler retries the same URL.
	work, found, err := f.frontier.Peek(ctx, "hobbyking")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, url, work.URL)
}

func TestProcessNext404AtThresholdRemoves(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	url := "https://store.test/widget.html"
	require.NoError(t, f.catalog.UpsertItem(ctx, catalog.Item{Store: "hobbyking", SKU: "W-100", URL: url}, nil))
	f.seedItems(t, "hobbyking", url)
	f.fetcher.responses[url] = []scrape.FetchResponse{{StatusCode: http.StatusNotFound}}

	more, err := f.processor.ProcessNext(ctx, "hobbyking", 3)
	require.NoError(t, err)
	assert.True(t, more)

	item, err := f.catalog.GetItem(ctx, "hobbyking", "W-100")
	require.NoError(t, err)
	assert.True(t, item.Removed())

	_, found, err := f.frontier.Peek(ctx, "hobbyking")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestProcessNextCategoryEnqueuesLinks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	catURL := "https://store.test/toys"
	created, err := f.frontier.Initialize(ctx, "hobbyking", false)
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, f.frontier.Enqueue(ctx, "hobbyking", []string{catURL}, nil))

	f.fetcher.responses[catURL] = []scrape.FetchResponse{ok("listing")}
	f.extractor.categories[catURL] = scrape.CategoryData{
		CategoryURLs: []string{"https://store.test/toys/widgets"},
		ItemURLs:     []string{"https://store.test/widget.html", "https://store.test/gadget.html"},
	}

	more, err := f.processor.ProcessNext(ctx, "hobbyking", 0)
	require.NoError(t, err)
	assert.True(t, more)

	rec, err := f.records.Get(ctx, "hobbyking", frontier.KindFrontierScan)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://store.test/toys/widgets"}, rec.CategoryQueue)
	assert.Equal(t, []string{"https://store.test/widget.html", "https://store.test/gadget.html"}, rec.ItemQueue)
}

func TestCookiesPersistOnTransientOutcome(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	url := "https://store.test/widget.html"
	f.seedItems(t, "hobbyking", url)
	f.fetcher.responses[url] = []scrape.FetchResponse{{
		StatusCode: http.StatusServiceUnavailable,
		Cookies:    map[string]string{"session": "abc123"},
	}}

	_, err := f.processor.ProcessNext(ctx, "hobbyking", 0)
	require.Error(t, err)
	assert.True(t, scrape.IsTransient(err))

	rec, err := f.records.Get(ctx, "hobbyking", frontier.KindFrontierScan)
	require.NoError(t, err)
	assert.Equal(t, "abc123", rec.Cookies["session"])
}

func TestFetchErrorIsTransient(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	url := "https://store.test/widget.html"
	f.seedItems(t, "hobbyking", url)
	f.fetcher.errs[url] = errors.New("connection refused")

	more, err := f.processor.ProcessNext(ctx, "hobbyking", 0)
	assert.True(t, more)
	require.Error(t, err)
	assert.True(t, scrape.IsTransient(err))
}

func TestExtractionFailureSoftDeletesAfterRetries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	url := "https://store.test/widget.html"
	require.NoError(t, f.catalog.UpsertItem(ctx, catalog.Item{
		Store: "hobbyking", SKU: "W-1", URL: url, Title: "Widget",
	}, nil))
	f.seedItems(t, "hobbyking", url)
	f.fetcher.responses[url] = []scrape.FetchResponse{ok("garbage"), ok("garbage")}
	f.extractor.errs[url] = errors.New("no sku on page")

	// Below the skip threshold the failure is retryable.
	_, err := f.processor.ProcessNext(ctx, "hobbyking", 0)
	require.Error(t, err)
	assert.True(t, scrape.IsTransient(err))

	// At the threshold the page counts as no longer being a product: the
	// entity is removed and the URL popped.
	more, err := f.processor.ProcessNext(ctx, "hobbyking", 3)
	require.NoError(t, err)
	assert.True(t, more)

	item, err := f.catalog.GetItem(ctx, "hobbyking", "W-1")
	require.NoError(t, err)
	assert.True(t, item.Removed())

	_, found, err := f.frontier.Peek(ctx, "hobbyking")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedirectLoopIsTransient(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := "https://store.test/toys"
	b := "https://store.test/toys2"
	created, err := f.frontier.Initialize(ctx, "hobbyking", false)
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, f.frontier.Enqueue(ctx, "hobbyking", []string{a}, nil))
	f.fetcher.responses[a] = []scrape.FetchResponse{
		redirect(http.StatusFound, b), redirect(http.StatusFound, b), redirect(http.StatusFound, b), redirect(http.StatusFound, b),
	}
	f.fetcher.responses[b] = []scrape.FetchResponse{
		redirect(http.StatusFound, a), redirect(http.StatusFound, a), redirect(http.StatusFound, a),
	}

	_, err = f.processor.ProcessNext(ctx, "hobbyking", 0)
	require.Error(t, err)
	assert.True(t, scrape.IsTransient(err))
}

func TestSeedScan(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seeds := []string{"https://store.test/toys", "https://store.test/planes"}

	created, err := f.processor.SeedScan(ctx, "hobbyking", seeds, false)
	require.NoError(t, err)
	assert.True(t, created)

	rec, err := f.records.Get(ctx, "hobbyking", frontier.KindFrontierScan)
	require.NoError(t, err)
	assert.Equal(t, seeds, rec.CategoryQueue)

	// A second trigger while the job runs is a no-op, not an error.
	created, err = f.processor.SeedScan(ctx, "hobbyking", seeds, false)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestProcessTableItemWalksCursor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	urlA := "https://store.test/a.html"
	urlB := "https://store.test/b.html"
	require.NoError(t, f.catalog.UpsertItem(ctx, catalog.Item{Store: "hobbyking", SKU: "A-1", URL: urlA}, nil))
	require.NoError(t, f.catalog.UpsertItem(ctx, catalog.Item{Store: "hobbyking", SKU: "B-1", URL: urlB}, nil))

	started, err := f.frontier.StartTableScan(ctx, "hobbyking")
	require.NoError(t, err)
	require.True(t, started)

	f.fetcher.responses[urlA] = []scrape.FetchResponse{ok("a")}
	f.extractor.items[urlA] = scrape.ItemData{SKU: "A-1", Title: "Item A"}
	// B vanished since the last crawl.
	f.fetcher.responses[urlB] = []scrape.FetchResponse{{StatusCode: http.StatusNotFound}}

	more, err := f.processor.ProcessTableItem(ctx, "hobbyking", 0)
	require.NoError(t, err)
	assert.True(t, more)

	more, err = f.processor.ProcessTableItem(ctx, "hobbyking", 3)
	require.NoError(t, err)
	assert.True(t, more)

	more, err = f.processor.ProcessTableItem(ctx, "hobbyking", 0)
	require.NoError(t, err)
	assert.False(t, more)

	a, err := f.catalog.GetItem(ctx, "hobbyking", "A-1")
	require.NoError(t, err)
	assert.Equal(t, "Item A", a.Title)
	assert.False(t, a.Removed())

	b, err := f.catalog.GetItem(ctx, "hobbyking", "B-1")
	require.NoError(t, err)
	assert.True(t, b.Removed())
}
