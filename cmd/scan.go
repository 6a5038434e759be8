package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wantnot/catalog-crawler/internal/scrape"
)

func newScanCmd() *cobra.Command {
	var rescan bool

	cmd := &cobra.Command{
		Use:   "scan <store>",
		Short: "Run a full crawl of a store in the foreground",
		Long: `scan seeds a crawl from the store's configured seed URLs and drains the
frontier in this process, one page at a time. With --rescan, pages already in
the seen filter are visited again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, args[0], rescan)
		},
	}
	cmd.Flags().BoolVar(&rescan, "rescan", false, "revisit already-crawled pages")
	return cmd
}

func runScan(cmd *cobra.Command, store string, rescan bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx, cfgFile)
	if err != nil {
		return err
	}
	defer app.Close()

	sc, ok := app.cfg.Stores[store]
	if !ok {
		return fmt.Errorf("store %q not configured", store)
	}
	if len(sc.Seeds) == 0 {
		return fmt.Errorf("store %q has no seed urls", store)
	}

	created, err := app.processor.SeedScan(ctx, store, sc.Seeds, rescan)
	if err != nil {
		return fmt.Errorf("seed scan: %w", err)
	}
	if !created {
		app.logger.Info("crawl already running, resuming it", zap.String("store", store))
	}

	return drain(ctx, app, store, func(ctx context.Context, retry int) (bool, error) {
		return app.processor.ProcessNext(ctx, store, retry)
	})
}

// drain steps a job to completion, tracking the retry count the task queue
// would otherwise carry between worker hops.
func drain(ctx context.Context, app *application, store string, step func(context.Context, int) (bool, error)) error {
	retry := 0
	for {
		if err := ctx.Err(); err != nil {
			app.logger.Info("interrupted, crawl state saved", zap.String("store", store))
			return nil
		}
		more, err := step(ctx, retry)
		if err != nil {
			if !scrape.IsTransient(err) {
				return err
			}
			retry++
			if retry > app.cfg.Worker.MaxRetries {
				return fmt.Errorf("giving up after %d retries: %w", app.cfg.Worker.MaxRetries, err)
			}
			app.logger.Warn("transient failure, retrying",
				zap.String("store", store), zap.Int("retry", retry), zap.Error(err))
			continue
		}
		if !more {
			app.logger.Info("job complete", zap.String("store", store))
			return nil
		}
		retry = 0
	}
}
