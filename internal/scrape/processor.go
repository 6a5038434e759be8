package scrape

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wantnot/catalog-crawler/internal/archive"
	"github.com/wantnot/catalog-crawler/internal/catalog"
	"github.com/wantnot/catalog-crawler/internal/frontier"
	"github.com/wantnot/catalog-crawler/internal/index"
	"github.com/wantnot/catalog-crawler/internal/metrics"
)

// TransientError signals an outcome the scheduler should retry with backoff:
// non-terminal HTTP statuses, deadline expiry, network failures. The
// processor never sleeps or loops on these itself.
type TransientError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient failure for %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("transient failure for %s: status %d", e.URL, e.StatusCode)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err asks for a scheduler retry.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// PricePoint is an extracted price.
type PricePoint struct {
	Currency    string
	AmountMinor int64
}

// ItemData is what the extractor pulls out of an item page.
type ItemData struct {
	SKU         string
	Title       string
	ImageURL    string
	Price       *PricePoint
	Breadcrumbs []catalog.PathEntry
	Custom      map[string]any

	// Links discovered on the page, fed back into the frontier.
	CategoryURLs []string
	ItemURLs     []string
}

// CategoryData is what the extractor pulls out of a category listing page.
type CategoryData struct {
	CategoryURLs []string
	ItemURLs     []string
}

// Extractor parses site markup. It is a pure collaborator: no I/O, no
// retries, errors mean the page did not have the expected shape. The store
// name selects site-specific parsing rules.
type Extractor interface {
	ExtractItem(store, pageURL string, body []byte) (ItemData, error)
	ExtractCategory(store, pageURL string, body []byte) (CategoryData, error)
}

// Config tunes the state machine.
type Config struct {
	// RemoveAfterRetries is the 404 threshold: at or above it, matching
	// entities are soft-deleted instead of retried.
	RemoveAfterRetries int
	// SkipAfterRetries bounds extraction failures: at or above it, the URL
	// is popped and skipped so one broken page cannot wedge the queue.
	SkipAfterRetries int
	// FetchTimeout is the per-page deadline.
	FetchTimeout time.Duration
	// MaxRedirects bounds redirect-following within one step.
	MaxRedirects int
}

func (c *Config) applyDefaults() {
	if c.RemoveAfterRetries <= 0 {
		c.RemoveAfterRetries = 3
	}
	if c.SkipAfterRetries <= 0 {
		c.SkipAfterRetries = 3
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = 5
	}
}

// Processor runs one crawl step at a time against the frontier.
type Processor struct {
	frontier  *frontier.Frontier
	catalog   catalog.Store
	cache     *catalog.Cache
	index     index.Index
	archive   archive.Store
	fetcher   Fetcher
	extractor Extractor
	cfg       Config
	logger    *zap.Logger
}

// NewProcessor wires the state machine to its collaborators. A nil archive
// disables snapshots.
func NewProcessor(f *frontier.Frontier, cat catalog.Store, cache *catalog.Cache, idx index.Index, arc archive.Store, fetcher Fetcher, extractor Extractor, cfg Config, logger *zap.Logger) *Processor {
	cfg.applyDefaults()
	if arc == nil {
		arc = archive.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		frontier:  f,
		catalog:   cat,
		cache:     cache,
		index:     idx,
		archive:   arc,
		fetcher:   fetcher,
		extractor: extractor,
		cfg:       cfg,
		logger:    logger,
	}
}

// ProcessNext peeks the store's frontier and processes one URL. It returns
// false when no work remains (the job is exhausted or was never started).
// Transient outcomes are returned as *TransientError without advancing the
// queue; the scheduler re-invokes with retry incremented.
func (p *Processor) ProcessNext(ctx context.Context, store string, retry int) (bool, error) {
	work, ok, err := p.frontier.Peek(ctx, store)
	if err != nil {
		return false, fmt.Errorf("peek frontier: %w", err)
	}
	if !ok {
		return false, nil
	}

	err = p.tracedStep(ctx, store, frontier.KindFrontierScan, work.PageType, work.URL, work.Cookies, retry)
	if err != nil {
		return true, err
	}
	return true, nil
}

// ProcessTableItem advances the store's table scan by one item: re-fetch the
// item at the cursor and either refresh it or soft-delete it. Returns false
// when the cursor is exhausted.
func (p *Processor) ProcessTableItem(ctx context.Context, store string, retry int) (bool, error) {
	item, cookies, ok, err := p.frontier.NextTableItem(ctx, store)
	if err != nil {
		return false, fmt.Errorf("next table item: %w", err)
	}
	if !ok {
		return false, nil
	}

	err = p.tracedStep(ctx, store, frontier.KindTableScan, catalog.PageTypeItem, item.URL, cookies, retry)
	if err != nil {
		return true, err
	}
	if err := p.frontier.AdvanceTableScan(ctx, store, item.SKU, nil); err != nil {
		return true, fmt.Errorf("advance table scan: %w", err)
	}
	return true, nil
}

// tracedStep wraps one step in a span so a slow or failing store shows up
// per page in traces.
func (p *Processor) tracedStep(ctx context.Context, store string, kind frontier.Kind, pageType catalog.PageType, queueURL string, cookies map[string]string, retry int) error {
	ctx, span := otel.Tracer("scrape").Start(ctx, "crawl.step",
		trace.WithAttributes(
			attribute.String("store", store),
			attribute.String("kind", string(kind)),
			attribute.String("url", queueURL),
			attribute.Int("retry", retry),
		))
	defer span.End()

	err := p.step(ctx, store, kind, pageType, queueURL, cookies, retry)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// step fetches one URL and classifies the outcome. The frontier is only
// advanced on terminal outcomes (processed or removed); transient ones leave
// the queue untouched.
func (p *Processor) step(ctx context.Context, store string, kind frontier.Kind, pageType catalog.PageType, queueURL string, cookies map[string]string, retry int) error {
	url := queueURL
	jar := cloneCookies(cookies)
	start := time.Now()

	for hop := 0; ; hop++ {
		fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
		resp, err := p.fetcher.Fetch(fetchCtx, FetchRequest{URL: url, Cookies: jar})
		cancel()
		if err != nil {
			metrics.ObservePage(store, string(pageType), "retry", time.Since(start))
			metrics.ObserveTransientFailure(store)
			return &TransientError{URL: url, Err: err}
		}

		// Session state survives every branch, including redirects the loop
		// is about to follow.
		if len(resp.Cookies) > 0 {
			mergeCookies(jar, resp.Cookies)
			if err := p.frontier.SaveCookies(ctx, store, kind, resp.Cookies); err != nil && !errors.Is(err, frontier.ErrNoJob) {
				return fmt.Errorf("save cookies: %w", err)
			}
		}

		switch resp.StatusCode {
		case http.StatusOK:
			return p.processPage(ctx, store, kind, pageType, queueURL, url, resp.Body, jar, retry, start)

		case http.StatusMovedPermanently, http.StatusFound:
			loc := resp.Location()
			if loc == "" {
				metrics.ObservePage(store, string(pageType), "retry", time.Since(start))
				metrics.ObserveTransientFailure(store)
				return &TransientError{URL: url, StatusCode: resp.StatusCode, Err: errors.New("redirect without location")}
			}
			if pageType == catalog.PageTypeItem && !benignRedirect(url, loc) {
				// The item moved somewhere new: its old identity is gone.
				p.logger.Info("item relocated, removing",
					zap.String("store", store),
					zap.String("url", url),
					zap.String("location", loc))
				if err := p.softDelete(ctx, store, queueURL); err != nil {
					return err
				}
				metrics.ObservePage(store, string(pageType), "removed", time.Since(start))
				return p.finish(ctx, store, kind, queueURL, jar)
			}
			if hop >= p.cfg.MaxRedirects {
				metrics.ObservePage(store, string(pageType), "retry", time.Since(start))
				metrics.ObserveTransientFailure(store)
				return &TransientError{URL: url, StatusCode: resp.StatusCode, Err: fmt.Errorf("more than %d redirects", p.cfg.MaxRedirects)}
			}
			url = loc

		case http.StatusNotFound:
			if retry >= p.cfg.RemoveAfterRetries {
				if err := p.softDelete(ctx, store, queueURL); err != nil {
					return err
				}
				metrics.ObservePage(store, string(pageType), "removed", time.Since(start))
				return p.finish(ctx, store, kind, queueURL, jar)
			}
			metrics.ObservePage(store, string(pageType), "retry", time.Since(start))
			metrics.ObserveTransientFailure(store)
			return &TransientError{URL: url, StatusCode: resp.StatusCode}

		default:
			metrics.ObservePage(store, string(pageType), "retry", time.Since(start))
			metrics.ObserveTransientFailure(store)
			return &TransientError{URL: url, StatusCode: resp.StatusCode}
		}
	}
}

// benignRedirect reports whether location is url minus its final character,
// the site's trailing-character normalization. Anything else means the
// resource actually relocated.
func benignRedirect(url, location string) bool {
	return len(url) > 1 && location == url[:len(url)-1]
}

func (p *Processor) processPage(ctx context.Context, store string, kind frontier.Kind, pageType catalog.PageType, queueURL, finalURL string, body []byte, jar map[string]string, retry int, start time.Time) error {
	if uri, err := p.archive.PutPage(ctx, store, finalURL, body); err != nil {
		p.logger.Warn("page archive failed", zap.String("url", finalURL), zap.Error(err))
	} else if uri != "" {
		p.logger.Debug("page archived", zap.String("uri", uri))
	}

	var err error
	switch pageType {
	case catalog.PageTypeItem:
		err = p.handleItem(ctx, store, finalURL, body)
	case catalog.PageTypeCategory:
		err = p.handleCategory(ctx, store, finalURL, body)
	default:
		return fmt.Errorf("unknown page type %q", pageType)
	}
	if err != nil {
		if retry < p.cfg.SkipAfterRetries {
			metrics.ObservePage(store, string(pageType), "retry", time.Since(start))
			metrics.ObserveTransientFailure(store)
			return &TransientError{URL: finalURL, Err: err}
		}
		// A page that persistently yields no entity fields has been
		// repurposed; the entity it used to be is gone.
		p.logger.Warn("page no longer extractable, removing entity",
			zap.String("store", store),
			zap.String("url", finalURL),
			zap.Int("retries", retry),
			zap.Error(err))
		if err := p.softDelete(ctx, store, finalURL); err != nil {
			return err
		}
		metrics.ObservePage(store, string(pageType), "removed", time.Since(start))
		return p.finish(ctx, store, kind, queueURL, jar)
	}

	metrics.ObservePage(store, string(pageType), "ok", time.Since(start))
	return p.finish(ctx, store, kind, queueURL, jar)
}

// finish advances the frontier past queueURL. Table scans advance through
// their own cursor in ProcessTableItem; only cookies are persisted here.
func (p *Processor) finish(ctx context.Context, store string, kind frontier.Kind, queueURL string, jar map[string]string) error {
	if kind == frontier.KindTableScan {
		return nil
	}
	if err := p.frontier.Pop(ctx, store, queueURL, jar); err != nil && !errors.Is(err, frontier.ErrNoJob) {
		return fmt.Errorf("pop frontier: %w", err)
	}
	return nil
}

func (p *Processor) handleItem(ctx context.Context, store, pageURL string, body []byte) error {
	data, err := p.extractor.ExtractItem(store, pageURL, body)
	if err != nil {
		return fmt.Errorf("extract item from %s: %w", pageURL, err)
	}
	if data.SKU == "" {
		return fmt.Errorf("item page %s yielded no sku", pageURL)
	}

	now := time.Now().UTC()

	var categoryPath []int64
	if len(data.Breadcrumbs) > 0 {
		categoryPath, err = p.cache.SavePath(ctx, store, data.Breadcrumbs)
		if err != nil {
			return fmt.Errorf("save category path: %w", err)
		}
	}

	item := catalog.Item{
		Store:         store,
		SKU:           data.SKU,
		URL:           pageURL,
		Title:         data.Title,
		ImageURL:      data.ImageURL,
		Custom:        data.Custom,
		AddedAt:       now,
		LastCheckedAt: now,
	}
	if len(categoryPath) > 0 {
		leaf := categoryPath[len(categoryPath)-1]
		item.CategoryID = &leaf
	}

	var price *catalog.Price
	if data.Price != nil {
		price = &catalog.Price{
			Store:       store,
			SKU:         data.SKU,
			Timestamp:   now,
			Currency:    data.Price.Currency,
			AmountMinor: data.Price.AmountMinor,
		}
	}
	if err := p.catalog.UpsertItem(ctx, item, price); err != nil {
		return fmt.Errorf("upsert item %s: %w", data.SKU, err)
	}
	metrics.ObserveItemUpsert(store, price != nil)

	// The index is an eventually-consistent sink: a failed write is logged,
	// not retried, and the next crawl of this item repairs it.
	prices, err := p.catalog.PriceHistory(ctx, store, data.SKU)
	if err != nil {
		p.logger.Warn("price history unavailable for indexing",
			zap.String("sku", data.SKU), zap.Error(err))
	}
	doc := index.Build(item, categoryPath, prices)
	if err := p.index.Upsert(ctx, []index.Document{doc}); err != nil {
		p.logger.Warn("index upsert failed", zap.String("id", doc.ID), zap.Error(err))
	} else {
		metrics.ObserveIndex("upsert", 1)
	}

	if err := p.frontier.Enqueue(ctx, store, data.CategoryURLs, data.ItemURLs); err != nil && !errors.Is(err, frontier.ErrNoJob) {
		p.logger.Warn("enqueue from item page", zap.String("url", pageURL), zap.Error(err))
	}
	return nil
}

func (p *Processor) handleCategory(ctx context.Context, store, pageURL string, body []byte) error {
	data, err := p.extractor.ExtractCategory(store, pageURL, body)
	if err != nil {
		return fmt.Errorf("extract category from %s: %w", pageURL, err)
	}
	if err := p.frontier.Enqueue(ctx, store, data.CategoryURLs, data.ItemURLs); err != nil && !errors.Is(err, frontier.ErrNoJob) {
		return fmt.Errorf("enqueue from category page: %w", err)
	}
	return nil
}

// softDelete flags every entity matching url and retracts removed items from
// the index.
func (p *Processor) softDelete(ctx context.Context, store, url string) error {
	items, cats, err := p.catalog.SoftDeleteByURL(ctx, store, url, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("soft delete %s: %w", url, err)
	}
	metrics.ObserveSoftDelete(store, "item", len(items))
	metrics.ObserveSoftDelete(store, "category", len(cats))

	if len(items) > 0 {
		ids := make([]string, len(items))
		for i, it := range items {
			ids[i] = index.DocID(it.Store, it.SKU)
		}
		if err := p.index.Delete(ctx, ids); err != nil {
			p.logger.Warn("index retraction failed", zap.Strings("ids", ids), zap.Error(err))
		} else {
			metrics.ObserveIndex("delete", len(ids))
		}
	}
	if len(cats) > 0 {
		p.cache.Invalidate(store)
	}
	return nil
}

// SeedScan starts a frontier scan from the store's root category URLs.
// Returns false when a scan is already in progress.
func (p *Processor) SeedScan(ctx context.Context, store string, seeds []string, rescan bool) (bool, error) {
	created, err := p.frontier.Initialize(ctx, store, !rescan)
	if err != nil {
		return false, err
	}
	if !created {
		return false, nil
	}
	if err := p.frontier.Enqueue(ctx, store, seeds, nil); err != nil {
		return true, fmt.Errorf("seed scan: %w", err)
	}
	return true, nil
}

func cloneCookies(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func mergeCookies(dst, src map[string]string) {
	for k, v := range src {
		dst[k] = v
	}
}
