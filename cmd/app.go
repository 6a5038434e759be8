package cmd

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/wantnot/catalog-crawler/internal/archive"
	"github.com/wantnot/catalog-crawler/internal/catalog"
	catmem "github.com/wantnot/catalog-crawler/internal/catalog/memory"
	catpg "github.com/wantnot/catalog-crawler/internal/catalog/postgres"
	"github.com/wantnot/catalog-crawler/internal/config"
	"github.com/wantnot/catalog-crawler/internal/extract"
	"github.com/wantnot/catalog-crawler/internal/frontier"
	frontmem "github.com/wantnot/catalog-crawler/internal/frontier/memory"
	frontpg "github.com/wantnot/catalog-crawler/internal/frontier/postgres"
	"github.com/wantnot/catalog-crawler/internal/index"
	idxmem "github.com/wantnot/catalog-crawler/internal/index/memory"
	idxpg "github.com/wantnot/catalog-crawler/internal/index/postgres"
	"github.com/wantnot/catalog-crawler/internal/logging"
	"github.com/wantnot/catalog-crawler/internal/metrics"
	"github.com/wantnot/catalog-crawler/internal/policy/ratelimit"
	"github.com/wantnot/catalog-crawler/internal/reconcile"
	"github.com/wantnot/catalog-crawler/internal/scrape"
	"github.com/wantnot/catalog-crawler/internal/task"
	taskmem "github.com/wantnot/catalog-crawler/internal/task/memory"
	"github.com/wantnot/catalog-crawler/internal/worker"
)

// application holds the wired service graph. An empty db.dsn or
// pubsub.project_id selects the in-memory provider, so a single binary with
// no external services is a working development setup.
type application struct {
	cfg        config.Config
	logger     *zap.Logger
	catalog    catalog.Store
	cache      *catalog.Cache
	frontier   *frontier.Frontier
	index      index.Index
	archive    archive.Store
	queue      task.Queue
	processor  *scrape.Processor
	reconciler *reconcile.Reconciler
	worker     *worker.Worker

	closers []func() error
}

func newApplication(ctx context.Context, cfgPath string) (*application, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	metrics.Init()

	app := &application{cfg: cfg, logger: logger}

	var records frontier.RecordStore
	if cfg.DB.DSN != "" {
		cat, err := catpg.NewStore(ctx, catpg.StoreConfig{
			DSN:      cfg.DB.DSN,
			MaxConns: int32(cfg.DB.MaxOpenConns),
		})
		if err != nil {
			return nil, fmt.Errorf("catalog store: %w", err)
		}
		app.catalog = cat
		app.closers = append(app.closers, cat.Close)

		rec, err := frontpg.NewStore(ctx, cfg.DB.DSN)
		if err != nil {
			return nil, fmt.Errorf("frontier store: %w", err)
		}
		records = rec
		app.closers = append(app.closers, rec.Close)

		idx, err := idxpg.NewIndex(ctx, cfg.DB.DSN)
		if err != nil {
			return nil, fmt.Errorf("search index: %w", err)
		}
		app.index = idx
		app.closers = append(app.closers, idx.Close)
	} else {
		logger.Warn("db.dsn unset, using in-memory stores")
		app.catalog = catmem.NewStore()
		records = frontmem.NewStore()
		app.index = idxmem.NewIndex()
	}
	app.cache = catalog.NewCache(app.catalog)

	app.frontier = frontier.New(records, app.catalog, frontier.Config{
		PeekPolicy:      frontier.PeekPolicy(cfg.Frontier.PeekPolicy),
		SeedPageSize:    cfg.Frontier.SeedPageSize,
		FilterCapacity:  cfg.Frontier.FilterCapacity,
		FilterErrorRate: cfg.Frontier.FilterErrorRate,
	}, logger)

	app.archive, err = newArchive(ctx, cfg.Archive, app)
	if err != nil {
		return nil, err
	}

	app.queue, err = newQueue(ctx, cfg.PubSub, cfg.Worker, logger, app)
	if err != nil {
		return nil, err
	}

	selectors := make(map[string]extract.Config, len(cfg.Stores))
	for store, sc := range cfg.Stores {
		selectors[store] = extract.Config{
			SKU:             sc.Selectors.SKU,
			Title:           sc.Selectors.Title,
			Image:           sc.Selectors.Image,
			Price:           sc.Selectors.Price,
			Currency:        sc.Selectors.Currency,
			Breadcrumbs:     sc.Selectors.Breadcrumbs,
			CategoryLinks:   sc.Selectors.CategoryLinks,
			ItemLinks:       sc.Selectors.ItemLinks,
			DefaultCurrency: sc.Selectors.DefaultCurrency,
		}
	}

	app.processor = scrape.NewProcessor(
		app.frontier,
		app.catalog,
		app.cache,
		app.index,
		app.archive,
		scrape.NewHTTPFetcher(cfg.Fetch.UserAgent, ratelimit.New(ratelimit.Config{
			RequestsPerSecond: cfg.Fetch.RequestsPerSecond,
			Burst:             cfg.Fetch.Burst,
		})),
		extract.New(selectors),
		scrape.Config{
			RemoveAfterRetries: cfg.Fetch.RemoveAfterRetries,
			SkipAfterRetries:   cfg.Fetch.SkipAfterRetries,
			FetchTimeout:       cfg.Fetch.Timeout(),
			MaxRedirects:       cfg.Fetch.MaxRedirects,
		},
		logger,
	)
	app.reconciler = reconcile.New(app.catalog, app.cache, app.frontier, logger)
	app.worker = worker.New(app.queue, app.processor, worker.Config{
		MaxRetries:  cfg.Worker.MaxRetries,
		StepTimeout: cfg.Fetch.ScanTimeout(),
	}, logger)

	return app, nil
}

func newArchive(ctx context.Context, cfg config.ArchiveConfig, app *application) (archive.Store, error) {
	switch cfg.Backend {
	case "gcs":
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("storage client: %w", err)
		}
		app.closers = append(app.closers, client.Close)
		return archive.NewGCSStore(client, cfg.GCSBucket, cfg.Prefix)
	case "local":
		return archive.NewLocalStore(cfg.LocalDir, cfg.Prefix)
	default:
		return archive.Noop{}, nil
	}
}

func newQueue(ctx context.Context, cfg config.PubSubConfig, wcfg config.WorkerConfig, logger *zap.Logger, app *application) (task.Queue, error) {
	if cfg.ProjectID == "" {
		logger.Warn("pubsub.project_id unset, using in-process task queue")
		return taskmem.NewQueue(wcfg.QueueSize), nil
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	app.closers = append(app.closers, client.Close)
	return task.NewPubSubQueue(ctx, client, cfg.Topic, cfg.Subscription, logger)
}

// Close releases resources in reverse construction order.
func (a *application) Close() {
	_ = a.queue.Close()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
