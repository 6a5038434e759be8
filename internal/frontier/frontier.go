package frontier

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/wantnot/catalog-crawler/internal/bloom"
	"github.com/wantnot/catalog-crawler/internal/catalog"
	"github.com/wantnot/catalog-crawler/internal/metrics"
)

// PeekPolicy selects which sub-queue Peek drains first.
type PeekPolicy string

// Queue priority policies. Items-first is the default: items dominate total
// work and categories mostly just discover more of them, so draining items
// first bounds queue growth.
const (
	PeekItemsFirst      PeekPolicy = "items_first"
	PeekCategoriesFirst PeekPolicy = "categories_first"
)

// Config sizes the seen filter and tunes frontier behavior.
type Config struct {
	PeekPolicy      PeekPolicy
	SeedPageSize    int
	FilterCapacity  int
	FilterErrorRate float64
}

func (c *Config) applyDefaults() {
	if c.PeekPolicy == "" {
		c.PeekPolicy = PeekItemsFirst
	}
	if c.SeedPageSize <= 0 {
		c.SeedPageSize = 500
	}
	if c.FilterCapacity <= 0 {
		c.FilterCapacity = 100000
	}
	if c.FilterErrorRate <= 0 || c.FilterErrorRate >= 1 {
		c.FilterErrorRate = 0.001
	}
}

// Work is one unit returned by Peek.
type Work struct {
	URL      string
	PageType catalog.PageType
	Cookies  map[string]string
}

// Frontier coordinates crawl jobs over a RecordStore and the catalog.
type Frontier struct {
	records RecordStore
	catalog catalog.Store
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Frontier.
func New(records RecordStore, cat catalog.Store, cfg Config, logger *zap.Logger) *Frontier {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Frontier{
		records: records,
		catalog: cat,
		cfg:     cfg,
		logger:  logger,
	}
}

func newSalt() int64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("frontier: salt entropy unavailable: %v", err))
	}
	return int64(binary.BigEndian.Uint64(b[:]))
}

// Initialize creates a fresh frontier-scan job for the store. It is a
// compare-and-create: if a job already exists it returns false with no
// error, and the caller must not assume a new run started. With skipIndexed
// the seen filter is pre-seeded from the URLs of non-removed items so a
// re-scan only discovers items not already indexed.
func (f *Frontier) Initialize(ctx context.Context, store string, skipIndexed bool) (bool, error) {
	salt := newSalt()
	filter := bloom.New(f.cfg.FilterCapacity, f.cfg.FilterErrorRate, salt)

	if skipIndexed {
		seeded := 0
		err := f.catalog.ScanItemURLs(ctx, store, f.cfg.SeedPageSize, func(urls []string) error {
			for _, u := range urls {
				filter.Add([]byte(u))
				seeded++
			}
			return nil
		})
		if err != nil {
			return false, fmt.Errorf("seed seen filter: %w", err)
		}
		f.logger.Debug("seen filter pre-seeded",
			zap.String("store", store),
			zap.Int("urls", seeded))
	}

	now := time.Now().UTC()
	rec := Record{
		Store:      store,
		Kind:       KindFrontierScan,
		CreatedAt:  now,
		ModifiedAt: now,
		SeenBytes:  filter.Bytes(),
		SeenRounds: filter.Rounds(),
		Salt:       salt,
		Cookies:    map[string]string{},
	}
	if err := f.records.Create(ctx, rec); err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			f.logger.Warn("crawl already in progress", zap.String("store", store))
			return false, nil
		}
		return false, fmt.Errorf("create frontier record: %w", err)
	}
	return true, nil
}

// validQueueURL accepts absolute http(s) URLs with a host. Site markup
// routinely yields placeholders ("#", "javascript:...") that must not reach
// the queues.
func validQueueURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unacceptable scheme %q in %q", u.Scheme, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}

// nub removes duplicates preserving first-seen order.
func nub(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	out := urls[:0]
	for _, u := range urls {
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}

// Enqueue validates and appends URLs to the store's queues, dropping any
// already resident in either queue or recorded in the seen filter. A
// malformed URL fails only its own entry, never the rest of the batch.
// Returns ErrNoJob when no frontier scan is active.
func (f *Frontier) Enqueue(ctx context.Context, store string, categories, items []string) error {
	if len(categories) == 0 && len(items) == 0 {
		return nil
	}

	var invalid []error
	keep := func(urls []string) []string {
		valid := urls[:0]
		for _, u := range urls {
			if err := validQueueURL(u); err != nil {
				invalid = append(invalid, err)
				continue
			}
			valid = append(valid, u)
		}
		return valid
	}
	categories = keep(nub(categories))
	items = keep(nub(items))

	err := f.records.Update(ctx, store, KindFrontierScan, func(rec *Record) (bool, error) {
		filter := bloom.FromExisting(rec.SeenBytes, rec.SeenRounds, rec.Salt)
		resident := make(map[string]bool, len(rec.CategoryQueue)+len(rec.ItemQueue))
		for _, u := range rec.CategoryQueue {
			resident[u] = true
		}
		for _, u := range rec.ItemQueue {
			resident[u] = true
		}

		accept := func(u string) bool {
			return !resident[u] && !filter.Contains([]byte(u))
		}
		added := 0
		for _, u := range categories {
			if accept(u) {
				rec.CategoryQueue = append(rec.CategoryQueue, u)
				resident[u] = true
				added++
			}
		}
		for _, u := range items {
			if accept(u) {
				rec.ItemQueue = append(rec.ItemQueue, u)
				resident[u] = true
				added++
			}
		}
		f.logger.Debug("enqueued urls",
			zap.String("store", store),
			zap.Int("added", added),
			zap.Int("category_queue", len(rec.CategoryQueue)),
			zap.Int("item_queue", len(rec.ItemQueue)))
		metrics.SetQueueDepth(store, len(rec.CategoryQueue), len(rec.ItemQueue))
		return false, nil
	})
	if err != nil {
		return err
	}
	return errors.Join(invalid...)
}

// Peek returns the next unit of work without removing it. The policy order
// is a scheduling preference, not a guarantee; callers must re-Peek rather
// than cache results across a Pop. The second return is false when no work
// (or no job) exists.
func (f *Frontier) Peek(ctx context.Context, store string) (Work, bool, error) {
	rec, err := f.records.Get(ctx, store, KindFrontierScan)
	if errors.Is(err, ErrNoJob) {
		return Work{}, false, nil
	}
	if err != nil {
		return Work{}, false, err
	}

	first, second := rec.ItemQueue, rec.CategoryQueue
	firstType, secondType := catalog.PageTypeItem, catalog.PageTypeCategory
	if f.cfg.PeekPolicy == PeekCategoriesFirst {
		first, second = second, first
		firstType, secondType = secondType, firstType
	}

	if len(first) > 0 {
		return Work{URL: first[0], PageType: firstType, Cookies: rec.Cookies}, true, nil
	}
	if len(second) > 0 {
		return Work{URL: second[0], PageType: secondType, Cookies: rec.Cookies}, true, nil
	}
	return Work{}, false, nil
}

// Pop removes url from whichever queue holds it, records it in the seen
// filter so it is never re-enqueued this job, and persists the updated
// cookies. When both queues drain, the job record is deleted (terminal
// state).
func (f *Frontier) Pop(ctx context.Context, store, popURL string, cookies map[string]string) error {
	return f.records.Update(ctx, store, KindFrontierScan, func(rec *Record) (bool, error) {
		drop := func(queue []string) []string {
			out := queue[:0]
			for _, u := range queue {
				if u != popURL {
					out = append(out, u)
				}
			}
			return out
		}
		rec.CategoryQueue = drop(rec.CategoryQueue)
		rec.ItemQueue = drop(rec.ItemQueue)

		filter := bloom.FromExisting(rec.SeenBytes, rec.SeenRounds, rec.Salt)
		filter.Add([]byte(popURL))
		rec.SeenBytes = filter.Bytes()

		if cookies != nil {
			rec.Cookies = cookies
		}

		metrics.SetQueueDepth(store, len(rec.CategoryQueue), len(rec.ItemQueue))
		if len(rec.CategoryQueue) == 0 && len(rec.ItemQueue) == 0 {
			f.logger.Info("crawl exhausted, deleting job", zap.String("store", store))
			return true, nil
		}
		return false, nil
	})
}

// SaveCookies persists the cookie jar outside Pop. Set-Cookie headers are
// merged immediately on every fetch outcome so session state survives
// redirects and retries.
func (f *Frontier) SaveCookies(ctx context.Context, store string, kind Kind, cookies map[string]string) error {
	if len(cookies) == 0 {
		return nil
	}
	return f.records.Update(ctx, store, kind, func(rec *Record) (bool, error) {
		if rec.Cookies == nil {
			rec.Cookies = map[string]string{}
		}
		for k, v := range cookies {
			rec.Cookies[k] = v
		}
		return false, nil
	})
}

// Active reports whether any job record exists for the store, of either
// kind. The reconciler treats this as a lock.
func (f *Frontier) Active(ctx context.Context, store string) (bool, error) {
	for _, kind := range []Kind{KindFrontierScan, KindTableScan} {
		ok, err := f.records.Exists(ctx, store, kind)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
