package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newTableScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tablescan <store>",
		Short: "Re-check every known item of a store in the foreground",
		Long: `tablescan walks the store's existing items by id and re-fetches each one,
refreshing prices and removing items whose pages are gone. No link discovery
happens; only items already in the catalog are visited.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTableScan(cmd, args[0])
		},
	}
}

func runTableScan(cmd *cobra.Command, store string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx, cfgFile)
	if err != nil {
		return err
	}
	defer app.Close()

	created, err := app.frontier.StartTableScan(ctx, store)
	if err != nil {
		return err
	}
	if !created {
		app.logger.Info("table scan already running, resuming it", zap.String("store", store))
	}

	return drain(ctx, app, store, func(ctx context.Context, retry int) (bool, error) {
		return app.processor.ProcessTableItem(ctx, store, retry)
	})
}
