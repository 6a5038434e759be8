package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wantnot/catalog-crawler/internal/api"
	"github.com/wantnot/catalog-crawler/internal/catalog"
	catmem "github.com/wantnot/catalog-crawler/internal/catalog/memory"
	"github.com/wantnot/catalog-crawler/internal/config"
	"github.com/wantnot/catalog-crawler/internal/frontier"
	frontmem "github.com/wantnot/catalog-crawler/internal/frontier/memory"
	idxmem "github.com/wantnot/catalog-crawler/internal/index/memory"
	"github.com/wantnot/catalog-crawler/internal/reconcile"
	"github.com/wantnot/catalog-crawler/internal/scrape"
	taskmem "github.com/wantnot/catalog-crawler/internal/task/memory"
)

type nullFetcher struct{}

func (nullFetcher) Fetch(context.Context, scrape.FetchRequest) (scrape.FetchResponse, error) {
	return scrape.FetchResponse{StatusCode: http.StatusNotFound, Headers: http.Header{}}, nil
}

type nullExtractor struct{}

func (nullExtractor) ExtractItem(string, string, []byte) (scrape.ItemData, error) {
	return scrape.ItemData{}, nil
}

func (nullExtractor) ExtractCategory(string, string, []byte) (scrape.CategoryData, error) {
	return scrape.CategoryData{}, nil
}

type fixture struct {
	catalog  *catmem.Store
	frontier *frontier.Frontier
	queue    *taskmem.Queue
	server   *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cat := catmem.NewStore()
	cache := catalog.NewCache(cat)
	f := frontier.New(frontmem.NewStore(), cat, frontier.Config{}, zap.NewNop())
	proc := scrape.NewProcessor(f, cat, cache, idxmem.NewIndex(), nil, nullFetcher{}, nullExtractor{}, scrape.Config{}, zap.NewNop())
	rec := reconcile.New(cat, cache, f, zap.NewNop())
	queue := taskmem.NewQueue(16)
	stores := map[string]config.StoreConfig{
		"hobbyking": {Seeds: []string{"https://hobbyking.test/catalog"}},
	}

	srv := api.NewServer(proc, f, rec, cat, queue, stores, zap.NewNop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{catalog: cat, frontier: f, queue: queue, server: ts}
}

func (f *fixture) do(t *testing.T, method, path string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp, body
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestStartScan(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/v1/stores/hobbyking/scan")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, body["started"])
	assert.Equal(t, 1, f.queue.Len())

	active, err := f.frontier.Active(context.Background(), "hobbyking")
	require.NoError(t, err)
	assert.True(t, active)

	// The job is singleton per store: a second trigger conflicts.
	resp, _ = f.do(t, http.MethodPost, "/v1/stores/hobbyking/scan")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestStartScanUnknownStore(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/v1/stores/nosuch/scan")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartTableScan(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/v1/stores/hobbyking/tablescan")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, f.queue.Len())

	resp, _ = f.do(t, http.MethodPost, "/v1/stores/hobbyking/tablescan")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c1, err := f.catalog.CreateCategory(ctx, catalog.Category{Store: "hobbyking", Title: "Toys", URL: "https://hobbyking.test/toys"})
	require.NoError(t, err)
	_, err = f.catalog.CreateCategory(ctx, catalog.Category{Store: "hobbyking", Title: "Toys", URL: "https://hobbyking.test/toys"})
	require.NoError(t, err)
	require.NoError(t, f.catalog.UpsertItem(ctx, catalog.Item{Store: "hobbyking", SKU: "A", URL: "https://hobbyking.test/a.html", CategoryID: &c1}, nil))

	resp, body := f.do(t, http.MethodPost, "/v1/stores/hobbyking/reconcile")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["merged"])
}

func TestReconcileConflictsWithActiveCrawl(t *testing.T) {
	f := newFixture(t)
	created, err := f.frontier.Initialize(context.Background(), "hobbyking", false)
	require.NoError(t, err)
	require.True(t, created)

	resp, _ := f.do(t, http.MethodPost, "/v1/stores/hobbyking/reconcile")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCategoryTree(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	root, err := f.catalog.CreateCategory(ctx, catalog.Category{Store: "hobbyking", Title: "Toys", URL: "https://hobbyking.test/toys"})
	require.NoError(t, err)
	_, err = f.catalog.CreateCategory(ctx, catalog.Category{Store: "hobbyking", Title: "Widgets", URL: "https://hobbyking.test/toys/widgets", ParentID: &root})
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodGet, "/v1/stores/hobbyking/categories")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cats, ok := body["categories"].([]any)
	require.True(t, ok)
	require.Len(t, cats, 1)
	top := cats[0].(map[string]any)
	assert.Equal(t, "Toys", top["title"])
	children := top["children"].([]any)
	require.Len(t, children, 1)
	assert.Equal(t, "Widgets", children[0].(map[string]any)["title"])
}

func TestGetItem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.catalog.UpsertItem(ctx,
		catalog.Item{Store: "hobbyking", SKU: "W-100", URL: "https://hobbyking.test/w.html", Title: "Widget"},
		&catalog.Price{Store: "hobbyking", SKU: "W-100", Currency: "USD", AmountMinor: 1999},
	))

	resp, body := f.do(t, http.MethodGet, "/v1/stores/hobbyking/items/W-100")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	item := body["item"].(map[string]any)
	assert.Equal(t, "Widget", item["title"])
	prices := body["prices"].([]any)
	require.Len(t, prices, 1)

	resp, _ = f.do(t, http.MethodGet, "/v1/stores/hobbyking/items/NOPE")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.server.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
