package cmd

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wantnot/catalog-crawler/internal/reconcile"
)

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <store>",
		Short: "Merge duplicate categories for a store",
		Long: `reconcile finds categories that share a URL, keeps the one with the most
items, and folds the others into it. It refuses to run while a crawl is
active, since the crawl may still be creating categories.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(cmd, args[0])
		},
	}
}

func runReconcile(cmd *cobra.Command, store string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx, cfgFile)
	if err != nil {
		return err
	}
	defer app.Close()

	merged, err := app.reconciler.Reconcile(ctx, store)
	if err != nil {
		if errors.Is(err, reconcile.ErrCrawlActive) {
			return fmt.Errorf("store %q has an active crawl; finish or cancel it first", store)
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "merged %d categories\n", merged)
	return nil
}
